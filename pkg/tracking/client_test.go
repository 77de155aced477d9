package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tunedispatch/pkg/follow"
	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/telemetry"
)

// fakeTracker is a minimal in-memory tracking service.
type fakeTracker struct {
	mu         sync.Mutex
	runs       map[string]*Run
	logs       map[string]string
	artifacts  map[string][]byte
	batches    map[string][]string
	seen       map[string]bool
	failIngest int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		runs:      make(map[string]*Run),
		logs:      make(map[string]string),
		artifacts: make(map[string][]byte),
		batches:   make(map[string][]string),
		seen:      make(map[string]bool),
	}
}

func (f *fakeTracker) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer key-1" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"bad key"}`))
				return
			}
			next(w, r)
		}
	}
	run := func(w http.ResponseWriter, r *http.Request) (*Run, bool) {
		rn, ok := f.runs[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"run not found"}`))
		}
		return rn, ok
	}

	mux.HandleFunc("GET /runs", auth(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Run{})
	}))
	mux.HandleFunc("POST /runs", auth(func(w http.ResponseWriter, r *http.Request) {
		var req createRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		defer f.mu.Unlock()
		id := fmt.Sprintf("run-%d", len(f.runs)+1)
		f.runs[id] = &Run{ID: id, Name: req.Name, Project: req.Project, Status: "queued"}
		_ = json.NewEncoder(w).Encode(f.runs[id])
	}))
	mux.HandleFunc("GET /runs/{id}", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if rn, ok := run(w, r); ok {
			_ = json.NewEncoder(w).Encode(rn)
		}
	}))
	mux.HandleFunc("POST /runs/{id}/cancel", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if rn, ok := run(w, r); ok {
			rn.Status = "killed"
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	mux.HandleFunc("GET /runs/{id}/logs", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := run(w, r); !ok {
			return
		}
		off, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		log := f.logs[r.PathValue("id")]
		if off < len(log) {
			_, _ = w.Write([]byte(log[off:]))
		}
	}))
	mux.HandleFunc("GET /runs/{id}/artifact", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := run(w, r); ok {
			_, _ = w.Write(f.artifacts[r.PathValue("id")])
		}
	}))
	mux.HandleFunc("POST /runs/{id}/telemetry", auth(func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := run(w, r); !ok {
			return
		}
		if f.failIngest > 0 {
			f.failIngest--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if f.seen[req.BatchID] {
			w.WriteHeader(http.StatusOK)
			return
		}
		f.seen[req.BatchID] = true
		for _, rec := range req.Records {
			f.batches[r.PathValue("id")] = append(f.batches[r.PathValue("id")], rec.Name)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	return mux
}

func (f *fakeTracker) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id].Status = status
}

func (f *fakeTracker) appendLog(id, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[id] += text
}

func newTestClient(t *testing.T, f *fakeTracker) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "key-1", BaseURL: srv.URL, Project: "lora"})
	require.NoError(t, err)
	return c
}

func TestConfigFromCredentials(t *testing.T) {
	_, err := ConfigFromCredentials(provider.Credentials{CredAPIKey: "k"})
	assert.ErrorIs(t, err, provider.ErrMissingCredential)

	cfg, err := ConfigFromCredentials(provider.Credentials{
		CredAPIKey:  " k ",
		CredBaseURL: "http://tracker.local",
		CredProject: "lora",
	})
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, "http://tracker.local", cfg.BaseURL)
	assert.Equal(t, "lora", cfg.Project)

	_, err = New(Config{BaseURL: "http://tracker.local"})
	assert.ErrorIs(t, err, provider.ErrMissingCredential)
}

func TestDefaultStatusMap(t *testing.T) {
	m := DefaultStatusMap()
	assert.Equal(t, jobregistry.JobStatePending, m.Map("queued"))
	assert.Equal(t, jobregistry.JobStateRunning, m.Map("running"))
	assert.Equal(t, jobregistry.JobStateCompleted, m.Map("finished"))
	assert.Equal(t, jobregistry.JobStateFailed, m.Map("crashed"))
	assert.Equal(t, jobregistry.JobStateFailed, m.Map("killed"))
	assert.Equal(t, jobregistry.JobStatePending, m.Map("warming-up"))
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFakeTracker()
	c := newTestClient(t, f)

	require.NoError(t, c.Ping(ctx))

	run, err := c.CreateRun(ctx, "job-1", provider.TrainingConfig{BaseModel: "llama", DatasetPath: "s3://d"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, "lora", run.Project)

	got, err := c.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Status)

	require.NoError(t, c.CancelRun(ctx, run.ID))
	got, err = c.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "killed", got.Status)

	_, err = c.GetRun(ctx, "missing")
	assert.True(t, provider.IsNotFound(err))
}

func TestBadKey(t *testing.T) {
	f := newFakeTracker()
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	c, err := New(Config{APIKey: "wrong", BaseURL: srv.URL})
	require.NoError(t, err)
	err = c.Ping(context.Background())
	assert.True(t, provider.IsInvalidCredentials(err))
}

func TestLogsFollowUntilTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFakeTracker()
	c := newTestClient(t, f)

	run, err := c.CreateRun(ctx, "job-1", provider.TrainingConfig{})
	require.NoError(t, err)
	f.appendLog(run.ID, "epoch 1\n")

	polls := 0
	done := func(ctx context.Context) (bool, error) {
		polls++
		if polls == 2 {
			f.appendLog(run.ID, "epoch 2\n")
			f.setStatus(run.ID, "finished")
		}
		r, err := c.GetRun(ctx, run.ID)
		if err != nil {
			return false, err
		}
		return DefaultStatusMap().Map(r.Status).IsTerminal(), nil
	}

	stream := c.Logs(run.ID, done, follow.Options{PollInterval: time.Millisecond, ReadTimeout: time.Second})
	lines, err := follow.Collect(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"epoch 1", "epoch 2"}, lines)
}

func TestArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFakeTracker()
	c := newTestClient(t, f)

	run, err := c.CreateRun(ctx, "job-1", provider.TrainingConfig{})
	require.NoError(t, err)

	_, err = c.Artifact(ctx, run.ID)
	assert.True(t, provider.IsNotFound(err), "empty artifact is not found")

	f.mu.Lock()
	f.artifacts[run.ID] = []byte("adapter")
	f.mu.Unlock()

	data, err := c.Artifact(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "adapter", string(data))
}

func TestSink_ThroughBatcherWithRetry(t *testing.T) {
	ctx := context.Background()
	f := newFakeTracker()
	c := newTestClient(t, f)

	run, err := c.CreateRun(ctx, "job-1", provider.TrainingConfig{})
	require.NoError(t, err)

	f.mu.Lock()
	f.failIngest = 1
	f.mu.Unlock()

	sink := Sink{Client: c, Resolve: func(jobID string) (string, error) {
		if jobID != "job-1" {
			return "", provider.ErrNotFound
		}
		return run.ID, nil
	}}
	b := telemetry.NewBatcher(sink, telemetry.Config{BatchSize: 50, FlushInterval: time.Hour})

	b.Enqueue("job-1", telemetry.Metric("loss", 1.0, 1), telemetry.Metric("loss", 0.5, 2))
	err = b.Flush(ctx, "job-1")
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))

	require.NoError(t, b.CloseJob(ctx, "job-1"))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"loss", "loss"}, f.batches[run.ID])
}

func TestSink_UnknownJob(t *testing.T) {
	f := newFakeTracker()
	c := newTestClient(t, f)

	err := Sink{Client: c, Resolve: func(string) (string, error) { return "", nil }}.
		Upload(context.Background(), telemetry.Batch{ID: "b", JobID: "job-x"})
	assert.True(t, provider.IsNotFound(err))
}
