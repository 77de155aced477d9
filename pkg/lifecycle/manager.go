// Package lifecycle drives one unit of compute through a provider's control
// API: select an offer, provision it, wait for it to become ready, describe
// it for reconnection, and terminate it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultReadyTimeout = 10 * time.Minute
)

// Instance is the control API's view of one provisioned machine.
type Instance struct {
	ID      string                  `json:"id"`
	Status  string                  `json:"status"`
	Host    provider.HostDescriptor `json:"host"`
	Message string                  `json:"message,omitempty"`
}

// ControlAPI is the vendor administrative API.
type ControlAPI interface {
	ListOffers(ctx context.Context, spec provider.HardwareSpec) ([]provider.Offer, error)
	CreateInstance(ctx context.Context, offer provider.Offer, spec provider.HardwareSpec) (string, error)
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	TerminateInstance(ctx context.Context, instanceID string) error
}

// Config configures a Manager.
type Config struct {
	// Provider names the connector in errors and logs.
	Provider provider.ProviderType

	// PollInterval is the fixed wait between AwaitReady polls.
	PollInterval time.Duration

	// ReadyTimeout is used when AwaitReady is called with timeout <= 0.
	ReadyTimeout time.Duration

	// RateLimit caps control API calls per second. Zero means unlimited.
	RateLimit float64

	// ReadyStatuses are vendor statuses that mean the host accepts sessions.
	// Default: "active", "running".
	ReadyStatuses []string

	// Statuses maps vendor statuses to job states. Default: DefaultStatusMap.
	Statuses StatusMap

	Logger *zap.Logger
}

// Manager wraps a ControlAPI with offer selection, readiness polling and
// status mapping.
//
// Manager is safe for concurrent use; the wrapped API must be too.
type Manager struct {
	api      ControlAPI
	kind     provider.ProviderType
	poll     time.Duration
	timeout  time.Duration
	ready    map[string]bool
	statuses StatusMap
	limiter  *rate.Limiter
	log      *zap.Logger
}

// NewManager creates a Manager over api.
func NewManager(api ControlAPI, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if len(cfg.ReadyStatuses) == 0 {
		cfg.ReadyStatuses = []string{"active", "running"}
	}
	if cfg.Statuses == nil {
		cfg.Statuses = DefaultStatusMap()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}

	ready := make(map[string]bool, len(cfg.ReadyStatuses))
	for _, s := range cfg.ReadyStatuses {
		ready[normalizeStatus(s)] = true
	}

	return &Manager{
		api:      api,
		kind:     cfg.Provider,
		poll:     cfg.PollInterval,
		timeout:  cfg.ReadyTimeout,
		ready:    ready,
		statuses: cfg.Statuses,
		limiter:  rate.NewLimiter(limit, burst),
		log:      log,
	}
}

// Offers returns the offers matching spec, cheapest first. Offers with equal
// price keep the order the control API returned them in.
func (m *Manager) Offers(ctx context.Context, spec provider.HardwareSpec) ([]provider.Offer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := m.wait(ctx); err != nil {
		return nil, m.wrap("ListOffers", err)
	}

	all, err := m.api.ListOffers(ctx, spec)
	if err != nil {
		return nil, m.wrap("ListOffers", err)
	}

	matched := make([]provider.Offer, 0, len(all))
	for _, o := range all {
		if o.Matches(spec) {
			matched = append(matched, o)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].PricePerHour < matched[j].PricePerHour
	})
	return matched, nil
}

// Provision selects the cheapest matching offer and allocates it.
func (m *Manager) Provision(ctx context.Context, spec provider.HardwareSpec) (string, error) {
	offers, err := m.Offers(ctx, spec)
	if err != nil {
		return "", err
	}
	if len(offers) == 0 {
		return "", m.wrap("Provision", fmt.Errorf("%w: %s x%d", provider.ErrNoCapacity, spec.GPUClass, max(spec.GPUCount, 1)))
	}

	offer := offers[0]
	m.log.Debug("selected offer",
		zap.String("provider", m.kind.String()),
		zap.String("offer_id", offer.ID),
		zap.String("gpu", offer.GPUClass),
		zap.Float64("price_per_hour", offer.PricePerHour),
	)

	if err := m.wait(ctx); err != nil {
		return "", m.wrap("Provision", err)
	}
	id, err := m.api.CreateInstance(ctx, offer, spec)
	if err != nil {
		if errors.Is(err, provider.ErrProvision) || isConfigOrAuth(err) || provider.IsTransient(err) {
			return "", m.wrap("Provision", err)
		}
		return "", m.wrap("Provision", fmt.Errorf("%w: %w", provider.ErrProvision, err))
	}
	if strings.TrimSpace(id) == "" {
		return "", m.wrap("Provision", fmt.Errorf("%w: empty instance id", provider.ErrProvision))
	}

	m.log.Debug("instance created", zap.String("provider", m.kind.String()), zap.String("instance_id", id))
	return id, nil
}

// Describe looks up an instance without side effects.
func (m *Manager) Describe(ctx context.Context, instanceID string) (*Instance, error) {
	if err := m.wait(ctx); err != nil {
		return nil, m.wrap("Describe", err)
	}
	inst, err := m.api.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, m.wrap("Describe", err)
	}
	if inst == nil {
		return nil, m.wrap("Describe", fmt.Errorf("instance %s: %w", instanceID, provider.ErrNotFound))
	}
	return inst, nil
}

// AwaitReady polls until the instance reports a ready status and returns
// its host descriptor.
//
// The first poll is immediate. A failed or vanished instance ends the wait
// at once with ErrProvision; otherwise ErrTimeout is returned when the
// deadline elapses. Transient describe failures are retried on the next tick.
func (m *Manager) AwaitReady(ctx context.Context, instanceID string, timeout time.Duration) (provider.HostDescriptor, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	polls := 0
	for {
		polls++
		inst, err := m.Describe(waitCtx, instanceID)
		switch {
		case err == nil:
			if m.ready[normalizeStatus(inst.Status)] {
				if inst.Host.IsZero() {
					return provider.HostDescriptor{}, m.wrap("AwaitReady",
						fmt.Errorf("%w: instance %s is %s but reports no address", provider.ErrProvision, instanceID, inst.Status))
				}
				m.log.Debug("instance ready",
					zap.String("instance_id", instanceID),
					zap.String("host", inst.Host.Addr()),
					zap.Int("polls", polls),
				)
				return inst.Host, nil
			}
			if m.statuses.Map(inst.Status).IsTerminal() {
				reason := inst.Status
				if inst.Message != "" {
					reason += ": " + inst.Message
				}
				return provider.HostDescriptor{}, m.wrap("AwaitReady",
					fmt.Errorf("%w: instance %s %s", provider.ErrProvision, instanceID, reason))
			}
		case ctx.Err() != nil:
			return provider.HostDescriptor{}, ctx.Err()
		case waitCtx.Err() != nil:
			return provider.HostDescriptor{}, m.timeoutErr(instanceID, timeout)
		case provider.IsTransient(err):
			m.log.Debug("describe failed, retrying", zap.String("instance_id", instanceID), zap.Error(err))
		default:
			return provider.HostDescriptor{}, err
		}

		select {
		case <-ctx.Done():
			return provider.HostDescriptor{}, ctx.Err()
		case <-waitCtx.Done():
			return provider.HostDescriptor{}, m.timeoutErr(instanceID, timeout)
		case <-ticker.C:
		}
	}
}

// Terminate releases an instance. Terminating an instance that is already
// gone reports success.
func (m *Manager) Terminate(ctx context.Context, instanceID string) (bool, error) {
	if strings.TrimSpace(instanceID) == "" {
		return true, nil
	}
	if err := m.wait(ctx); err != nil {
		return false, m.wrap("Terminate", err)
	}
	if err := m.api.TerminateInstance(ctx, instanceID); err != nil {
		if provider.IsNotFound(err) {
			return true, nil
		}
		return false, m.wrap("Terminate", err)
	}
	m.log.Debug("instance terminated", zap.String("provider", m.kind.String()), zap.String("instance_id", instanceID))
	return true, nil
}

// Status maps an instance's vendor status onto a job state.
func (m *Manager) Status(inst *Instance) jobregistry.JobState {
	if inst == nil {
		return jobregistry.JobStatePending
	}
	return m.statuses.Map(inst.Status)
}

// IsReady reports whether a vendor status means the host accepts sessions.
func (m *Manager) IsReady(status string) bool {
	return m.ready[normalizeStatus(status)]
}

func (m *Manager) wait(ctx context.Context) error {
	if err := m.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", provider.ErrThrottled, err)
	}
	return nil
}

func (m *Manager) wrap(op string, err error) error {
	var perr *provider.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return &provider.ProviderError{Op: op, Provider: m.kind, Err: err}
}

func (m *Manager) timeoutErr(instanceID string, timeout time.Duration) error {
	return m.wrap("AwaitReady", fmt.Errorf("%w: instance %s not ready after %s", provider.ErrTimeout, instanceID, timeout))
}

func isConfigOrAuth(err error) bool {
	return errors.Is(err, provider.ErrInvalidConfig) ||
		errors.Is(err, provider.ErrInvalidCredentials) ||
		errors.Is(err, provider.ErrMissingCredential)
}
