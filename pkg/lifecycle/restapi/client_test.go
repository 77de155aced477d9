package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tunedispatch/pkg/lifecycle"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// marketplace is a minimal in-memory vendor API.
type marketplace struct {
	mu        sync.Mutex
	polls     int
	created   []createRequest
	destroyed map[string]bool
}

func (m *marketplace) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /offers", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]provider.Offer{
			{ID: "o1", GPUClass: "A100", GPUCount: 1, PricePerHour: 2.1, Capacity: 1, Host: provider.HostDescriptor{Address: "1.2.3.4"}},
			{ID: "o2", GPUClass: "A100", GPUCount: 1, PricePerHour: 1.9, Capacity: 1, Host: provider.HostDescriptor{Address: "1.2.3.5"}},
		})
	})
	mux.HandleFunc("POST /instances", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		m.mu.Lock()
		m.created = append(m.created, req)
		m.mu.Unlock()
		_ = json.NewEncoder(w).Encode(createResponse{ID: "inst-" + req.OfferID})
	})
	mux.HandleFunc("GET /instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.destroyed[id] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"instance not found"}}`))
			return
		}
		m.polls++
		status := "loading"
		if m.polls >= 2 {
			status = "active"
		}
		_ = json.NewEncoder(w).Encode(lifecycle.Instance{ID: id, Status: status, Host: provider.HostDescriptor{Address: "1.2.3.5", Port: 40022, User: "ubuntu"}})
	})
	mux.HandleFunc("DELETE /instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.destroyed[id] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		m.destroyed[id] = true
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestConfigFromCredentials(t *testing.T) {
	_, err := ConfigFromCredentials(provider.Credentials{CredAPIKey: "k"})
	assert.ErrorIs(t, err, provider.ErrMissingCredential)

	cfg, err := ConfigFromCredentials(provider.Credentials{CredAPIKey: " k ", CredBaseURL: "https://x", "ssh_user": "root", "other": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, "https://x", cfg.BaseURL)
	assert.Equal(t, "root", cfg.SSHUser)
}

func TestClient_FullLifecycleThroughManager(t *testing.T) {
	vendor := &marketplace{destroyed: map[string]bool{}}
	srv := httptest.NewServer(vendor.handler(t))
	defer srv.Close()

	client, err := New(Config{APIKey: "key-1", BaseURL: srv.URL, SSHUser: "trainer"})
	require.NoError(t, err)
	require.NoError(t, client.Ping(context.Background()))

	m := lifecycle.NewManager(client, lifecycle.Config{Provider: provider.ProviderMarketplace, PollInterval: time.Millisecond})
	ctx := context.Background()

	id, err := m.Provision(ctx, provider.HardwareSpec{GPUClass: "A100", GPUCount: 1, DiskGB: 50, Image: "pytorch:2"})
	require.NoError(t, err)
	assert.Equal(t, "inst-o2", id)
	require.Len(t, vendor.created, 1)
	assert.Equal(t, 50, vendor.created[0].DiskGB)
	assert.Equal(t, "pytorch:2", vendor.created[0].Image)

	host, err := m.AwaitReady(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "trainer", host.User)
	assert.Equal(t, "1.2.3.5:40022", host.Addr())

	ok, err := m.Terminate(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Terminate(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "second terminate is idempotent")

	_, err = m.Describe(ctx, id)
	assert.True(t, provider.IsNotFound(err))
}

func TestClient_BadKey(t *testing.T) {
	vendor := &marketplace{destroyed: map[string]bool{}}
	srv := httptest.NewServer(vendor.handler(t))
	defer srv.Close()

	client, err := New(Config{APIKey: "wrong", BaseURL: srv.URL})
	require.NoError(t, err)

	err = client.Ping(context.Background())
	assert.True(t, provider.IsInvalidCredentials(err))
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(Config{BaseURL: "https://x"})
	assert.ErrorIs(t, err, provider.ErrMissingCredential)
}
