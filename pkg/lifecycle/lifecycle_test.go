package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// fakeAPI is a scripted ControlAPI.
type fakeAPI struct {
	mu sync.Mutex

	offers    []provider.Offer
	listErr   error
	createID  string
	createErr error

	// statuses are returned by successive GetInstance calls; the last one
	// repeats.
	statuses  []string
	getErrs   []error
	host      provider.HostDescriptor
	termErr   error
	created   []provider.Offer
	getCalls  int
	termCalls int
}

func (f *fakeAPI) ListOffers(ctx context.Context, spec provider.HardwareSpec) ([]provider.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.listErr
}

func (f *fakeAPI) CreateInstance(ctx context.Context, offer provider.Offer, spec provider.HardwareSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, offer)
	return f.createID, f.createErr
}

func (f *fakeAPI) GetInstance(ctx context.Context, id string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	status := "pending"
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return &Instance{ID: id, Status: status, Host: f.host}, nil
}

func (f *fakeAPI) TerminateInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.termCalls++
	return f.termErr
}

func (f *fakeAPI) calls() (get, term int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls, f.termCalls
}

func newTestManager(api ControlAPI) *Manager {
	return NewManager(api, Config{Provider: provider.ProviderMarketplace, PollInterval: time.Millisecond})
}

func TestStatusMap(t *testing.T) {
	m := DefaultStatusMap()

	tests := []struct {
		status string
		want   jobregistry.JobState
	}{
		{"running", jobregistry.JobStateRunning},
		{"ACTIVE", jobregistry.JobStateRunning},
		{" exited ", jobregistry.JobStateCompleted},
		{"unhealthy", jobregistry.JobStateFailed},
		{"terminated", jobregistry.JobStateFailed},
		{"loading", jobregistry.JobStatePending},
		{"scheduling", jobregistry.JobStatePending},
		{"", jobregistry.JobStatePending},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Map(tt.status))
		})
	}

	assert.False(t, m.Known("loading"))

	merged := m.Merge(map[string]string{"Booting": "running", "weird": "not-a-state"})
	assert.Equal(t, jobregistry.JobStateRunning, merged.Map("booting"))
	assert.Equal(t, jobregistry.JobStatePending, merged.Map("weird"))
	assert.Equal(t, jobregistry.JobStatePending, m.Map("booting"), "merge does not mutate the receiver")
}

func TestManager_ProvisionPicksCheapest(t *testing.T) {
	api := &fakeAPI{
		createID: "inst-1",
		offers: []provider.Offer{
			{ID: "h100", GPUClass: "H100", GPUCount: 1, PricePerHour: 0.5, Capacity: 1},
			{ID: "a100-pricey", GPUClass: "A100", GPUCount: 1, PricePerHour: 3.0, Capacity: 1},
			{ID: "a100-full", GPUClass: "A100", GPUCount: 1, PricePerHour: 0.1, Capacity: 0},
			{ID: "a100-cheap-1", GPUClass: "a100", GPUCount: 2, PricePerHour: 1.2, Capacity: 4},
			{ID: "a100-cheap-2", GPUClass: "A100", GPUCount: 1, PricePerHour: 1.2, Capacity: 1},
		},
	}
	m := newTestManager(api)

	id, err := m.Provision(context.Background(), provider.HardwareSpec{GPUClass: "A100", GPUCount: 1})
	require.NoError(t, err)
	assert.Equal(t, "inst-1", id)
	require.Len(t, api.created, 1)
	assert.Equal(t, "a100-cheap-1", api.created[0].ID, "ties keep API order")
}

func TestManager_ProvisionErrors(t *testing.T) {
	ctx := context.Background()
	spec := provider.HardwareSpec{GPUClass: "A100", GPUCount: 1}

	t.Run("no capacity", func(t *testing.T) {
		api := &fakeAPI{offers: []provider.Offer{{ID: "o", GPUClass: "T4", GPUCount: 1, Capacity: 1}}}
		_, err := newTestManager(api).Provision(ctx, spec)
		assert.ErrorIs(t, err, provider.ErrNoCapacity)
		assert.Empty(t, api.created)
	})

	t.Run("allocation rejected", func(t *testing.T) {
		api := &fakeAPI{
			offers:    []provider.Offer{{ID: "o", GPUClass: "A100", GPUCount: 1, Capacity: 1}},
			createErr: errors.New("offer no longer available"),
		}
		_, err := newTestManager(api).Provision(ctx, spec)
		assert.ErrorIs(t, err, provider.ErrProvision)
		assert.Contains(t, err.Error(), "offer no longer available")
	})

	t.Run("credentials pass through", func(t *testing.T) {
		api := &fakeAPI{
			offers:    []provider.Offer{{ID: "o", GPUClass: "A100", GPUCount: 1, Capacity: 1}},
			createErr: provider.ErrInvalidCredentials,
		}
		_, err := newTestManager(api).Provision(ctx, spec)
		assert.ErrorIs(t, err, provider.ErrInvalidCredentials)
		assert.NotErrorIs(t, err, provider.ErrProvision)
	})

	t.Run("empty id", func(t *testing.T) {
		api := &fakeAPI{offers: []provider.Offer{{ID: "o", GPUClass: "A100", GPUCount: 1, Capacity: 1}}}
		_, err := newTestManager(api).Provision(ctx, spec)
		assert.ErrorIs(t, err, provider.ErrProvision)
	})

	t.Run("invalid spec", func(t *testing.T) {
		_, err := newTestManager(&fakeAPI{}).Provision(ctx, provider.HardwareSpec{})
		assert.True(t, provider.IsConfigError(err))
	})

	t.Run("list failure", func(t *testing.T) {
		_, err := newTestManager(&fakeAPI{listErr: provider.ErrProviderUnavailable}).Provision(ctx, spec)
		assert.True(t, provider.IsProviderUnavailable(err))

		var perr *provider.ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "ListOffers", perr.Op)
	})
}

func TestManager_AwaitReadySecondPoll(t *testing.T) {
	api := &fakeAPI{
		statuses: []string{"loading", "active"},
		host:     provider.HostDescriptor{Address: "10.0.0.5", Port: 2222, User: "root"},
	}
	m := newTestManager(api)

	host, err := m.AwaitReady(context.Background(), "inst-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:2222", host.Addr())

	get, _ := api.calls()
	assert.Equal(t, 2, get)
}

func TestManager_AwaitReadyFailsFastOnFailedStatus(t *testing.T) {
	api := &fakeAPI{statuses: []string{"loading", "unhealthy"}}
	m := NewManager(api, Config{PollInterval: time.Millisecond})

	start := time.Now()
	_, err := m.AwaitReady(context.Background(), "inst-1", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrProvision)
	assert.Less(t, time.Since(start), 10*time.Second, "does not wait out the timeout")

	get, _ := api.calls()
	assert.Equal(t, 2, get)
}

func TestManager_AwaitReadyTimeout(t *testing.T) {
	api := &fakeAPI{statuses: []string{"loading"}}
	m := NewManager(api, Config{PollInterval: 5 * time.Millisecond})

	_, err := m.AwaitReady(context.Background(), "inst-1", 30*time.Millisecond)
	assert.ErrorIs(t, err, provider.ErrTimeout)
	assert.True(t, provider.IsTimeout(err))
}

func TestManager_AwaitReadyRetriesTransientDescribe(t *testing.T) {
	api := &fakeAPI{
		getErrs:  []error{provider.ErrProviderUnavailable, nil},
		statuses: []string{"active"},
		host:     provider.HostDescriptor{Address: "10.0.0.7"},
	}
	host, err := newTestManager(api).AwaitReady(context.Background(), "inst-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:22", host.Addr())
}

func TestManager_AwaitReadyNotFoundSurfaces(t *testing.T) {
	api := &fakeAPI{getErrs: []error{provider.ErrNotFound}}
	_, err := newTestManager(api).AwaitReady(context.Background(), "inst-1", time.Second)
	assert.True(t, provider.IsNotFound(err))
}

func TestManager_AwaitReadyWithoutAddress(t *testing.T) {
	api := &fakeAPI{statuses: []string{"active"}}
	_, err := newTestManager(api).AwaitReady(context.Background(), "inst-1", time.Second)
	assert.ErrorIs(t, err, provider.ErrProvision)
}

func TestManager_AwaitReadyParentCancel(t *testing.T) {
	api := &fakeAPI{statuses: []string{"loading"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestManager(api).AwaitReady(ctx, "inst-1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_TerminateIdempotent(t *testing.T) {
	ctx := context.Background()

	ok, err := newTestManager(&fakeAPI{}).Terminate(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = newTestManager(&fakeAPI{termErr: provider.ErrNotFound}).Terminate(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, ok, "already gone counts as terminated")

	ok, err = newTestManager(&fakeAPI{termErr: provider.ErrProviderUnavailable}).Terminate(ctx, "inst-1")
	assert.False(t, ok)
	assert.True(t, provider.IsProviderUnavailable(err))

	api := &fakeAPI{}
	ok, err = newTestManager(api).Terminate(ctx, "")
	require.NoError(t, err)
	assert.True(t, ok)
	_, term := api.calls()
	assert.Zero(t, term)
}

func TestManager_StatusAndReady(t *testing.T) {
	m := newTestManager(&fakeAPI{})

	assert.Equal(t, jobregistry.JobStatePending, m.Status(nil))
	assert.Equal(t, jobregistry.JobStateRunning, m.Status(&Instance{Status: "running"}))
	assert.Equal(t, jobregistry.JobStatePending, m.Status(&Instance{Status: "provisioning"}))
	assert.True(t, m.IsReady("Active"))
	assert.False(t, m.IsReady("exited"))
}

func TestManager_RateLimitHonoursContext(t *testing.T) {
	m := NewManager(&fakeAPI{}, Config{RateLimit: 0.001, PollInterval: time.Millisecond})
	ctx := context.Background()

	// The first call consumes the only token.
	_, err := m.Describe(ctx, "inst-1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = m.Describe(short, "inst-1")
	require.Error(t, err)
}
