// Package static implements lifecycle.ControlAPI for one bare host that is
// already running and reachable over SSH.
//
// There is nothing to allocate: the host is the only offer, it is always
// active, and terminating it is a no-op.
package static

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/3leaps/tunedispatch/pkg/lifecycle"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Statuses reported for instance handles.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
)

// Credential keys.
const (
	CredHost     = "host"
	CredPort     = "port"
	CredUser     = "user"
	CredGPUClass = "gpu"
	CredGPUCount = "gpu_count"
)

// Config describes the host.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	GPUClass string `mapstructure:"gpu"`
	GPUCount string `mapstructure:"gpu_count"`
}

// ConfigFromCredentials decodes the credential map.
func ConfigFromCredentials(creds provider.Credentials) (Config, error) {
	if err := creds.Require(CredHost, CredUser); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := mapstructure.Decode(map[string]string(creds), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", provider.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// API is a ControlAPI over a single host.
type API struct {
	host     provider.HostDescriptor
	gpuClass string
	gpuCount int

	mu        sync.Mutex
	instances map[string]bool
	seq       int
}

// New creates the API. An empty GPU class matches any request.
func New(cfg Config) (*API, error) {
	host := provider.HostDescriptor{
		Address: strings.TrimSpace(cfg.Host),
		User:    strings.TrimSpace(cfg.User),
	}
	if host.IsZero() {
		return nil, &provider.ConfigError{Field: CredHost, Message: "host is required"}
	}
	if p := strings.TrimSpace(cfg.Port); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, &provider.ConfigError{Field: CredPort, Message: fmt.Sprintf("invalid port %q", p)}
		}
		host.Port = port
	}
	count := 1
	if c := strings.TrimSpace(cfg.GPUCount); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			return nil, &provider.ConfigError{Field: CredGPUCount, Message: fmt.Sprintf("invalid gpu count %q", c)}
		}
		count = n
	}
	return &API{
		host:      host,
		gpuClass:  strings.TrimSpace(cfg.GPUClass),
		gpuCount:  count,
		instances: make(map[string]bool),
	}, nil
}

// Host returns the configured host.
func (a *API) Host() provider.HostDescriptor {
	return a.host
}

func (a *API) ListOffers(ctx context.Context, spec provider.HardwareSpec) ([]provider.Offer, error) {
	class := a.gpuClass
	if class == "" {
		class = spec.GPUClass
	}
	count := a.gpuCount
	if a.gpuClass == "" && spec.GPUCount > count {
		count = spec.GPUCount
	}
	return []provider.Offer{{
		ID:       "static:" + a.host.Addr(),
		Host:     a.host,
		GPUClass: class,
		GPUCount: count,
		Capacity: 1,
	}}, nil
}

// CreateInstance mints a handle for the host; several jobs may share it.
func (a *API) CreateInstance(ctx context.Context, offer provider.Offer, spec provider.HardwareSpec) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	id := fmt.Sprintf("%s#%d", a.host.Addr(), a.seq)
	a.instances[id] = true
	return id, nil
}

// GetInstance reports live handles as active and anything else as
// terminated.
func (a *API) GetInstance(ctx context.Context, instanceID string) (*lifecycle.Instance, error) {
	a.mu.Lock()
	live := a.instances[instanceID]
	a.mu.Unlock()

	status := StatusActive
	if !live {
		status = StatusTerminated
	}
	return &lifecycle.Instance{ID: instanceID, Status: status, Host: a.host}, nil
}

// TerminateInstance forgets the handle. The host itself keeps running.
func (a *API) TerminateInstance(ctx context.Context, instanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.instances, instanceID)
	return nil
}

var _ lifecycle.ControlAPI = (*API)(nil)
