package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/tunedispatch/pkg/provider"
)

var (
	// ErrDuplicateJob indicates the job_id is already registered.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrTerminal indicates the job is in a terminal state.
	ErrTerminal = errors.New("job is in a terminal state")

	// ErrIllegalTransition indicates the requested move is not allowed.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Probe performs a fresh remote status check for a job.
//
// The returned reason is recorded as last_error when the state is FAILED.
type Probe func(ctx context.Context, rec JobRecord) (state JobState, reason string, err error)

// Kill performs the remote side effect of cancelling a job.
type Kill func(ctx context.Context, rec JobRecord) error

// TransitionFunc is notified after every applied transition.
type TransitionFunc func(jobID string, from, to JobState)

// Registry is the in-memory job table keyed by job_id.
//
// Registry is safe for concurrent use. All accessors return copies.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*JobRecord

	now          func() time.Time
	onTransition TransitionFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTransitionHook registers a callback invoked after each transition.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(r *Registry) { r.onTransition = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs: make(map[string]*JobRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new PENDING job with a locally minted job_id.
func (r *Registry) Create(kind provider.ProviderType, cfg provider.TrainingConfig) JobRecord {
	rec := JobRecord{
		JobID:    uuid.New().String(),
		Provider: kind,
		Config:   cfg.Clone(),
	}
	// uuid collisions are not handled.
	out, _ := r.Insert(rec)
	return out
}

// Insert registers a record under its own job_id (e.g. a provider-assigned id).
// The state is forced to PENDING.
func (r *Registry) Insert(rec JobRecord) (JobRecord, error) {
	jobID := strings.TrimSpace(rec.JobID)
	if jobID == "" {
		return JobRecord{}, fmt.Errorf("job_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}

	stored := rec.clone()
	stored.JobID = jobID
	stored.State = JobStatePending
	stored.CreatedAt = r.now()
	stored.StartedAt = nil
	stored.EndedAt = nil
	r.jobs[jobID] = &stored
	return stored.clone(), nil
}

// Get returns a copy of the record.
func (r *Registry) Get(jobID string) (JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.jobs[jobID]
	if !ok {
		return JobRecord{}, notFound(jobID)
	}
	return rec.clone(), nil
}

// Update mutates non-state fields (instance id, host) of a record.
func (r *Registry) Update(jobID string, fn func(rec *JobRecord)) (JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[jobID]
	if !ok {
		return JobRecord{}, notFound(jobID)
	}

	work := rec.clone()
	fn(&work)
	// State and identity are owned by the state machine.
	work.JobID = rec.JobID
	work.State = rec.State
	work.CreatedAt = rec.CreatedAt
	work.StartedAt = rec.StartedAt
	work.EndedAt = rec.EndedAt
	*rec = work
	return rec.clone(), nil
}

// Transition applies a forward transition.
//
// Backwards and same-state moves are ignored and return the current record.
// Terminal records reject any change with ErrTerminal. CANCELLED is rejected
// with ErrIllegalTransition; use Cancel.
func (r *Registry) Transition(jobID string, to JobState, reason string) (JobRecord, error) {
	if to == JobStateCancelled {
		return JobRecord{}, fmt.Errorf("%w: cancel must go through Cancel", ErrIllegalTransition)
	}
	if !to.IsValid() {
		return JobRecord{}, fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, to)
	}

	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return JobRecord{}, notFound(jobID)
	}
	from := rec.State
	if from == to {
		out := rec.clone()
		r.mu.Unlock()
		return out, nil
	}
	if from.IsTerminal() {
		out := rec.clone()
		r.mu.Unlock()
		return out, fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, from)
	}
	if !CanTransition(from, to) {
		out := rec.clone()
		r.mu.Unlock()
		return out, nil
	}
	r.applyLocked(rec, to, reason)
	out := rec.clone()
	hook := r.onTransition
	r.mu.Unlock()

	if hook != nil {
		hook(jobID, from, to)
	}
	return out, nil
}

// Fail moves a job to FAILED and records err as last_error.
func (r *Registry) Fail(jobID string, err error) (JobRecord, error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return r.Transition(jobID, JobStateFailed, reason)
}

// Observe runs a fresh probe and applies the observed state.
//
// On a transient (connectivity) failure the cached state is returned with a
// nil error. Other probe failures return the cached state with the error.
func (r *Registry) Observe(ctx context.Context, jobID string, probe Probe) (JobState, error) {
	rec, err := r.Get(jobID)
	if err != nil {
		return "", err
	}

	state, reason, err := probe(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return rec.State, ctx.Err()
		}
		current, gerr := r.Get(jobID)
		if gerr != nil {
			return "", gerr
		}
		if provider.IsTransient(err) {
			return current.State, nil
		}
		return current.State, err
	}

	if state == JobStateCancelled {
		// Remote cancellation we did not initiate is reported as a failure.
		state = JobStateFailed
		if reason == "" {
			reason = "cancelled remotely"
		}
	}

	out, err := r.Transition(jobID, state, reason)
	if err != nil && !errors.Is(err, ErrTerminal) {
		return "", err
	}
	return out.State, nil
}

// Cancel moves a PENDING or RUNNING job to CANCELLED.
//
// kill runs first and gates the transition: if it fails the state is left
// unchanged and false is returned with kill's error. Cancelling a terminal
// job is a no-op returning false and a nil error.
func (r *Registry) Cancel(ctx context.Context, jobID string, kill Kill) (bool, error) {
	rec, err := r.Get(jobID)
	if err != nil {
		return false, err
	}
	if rec.State.IsTerminal() {
		return false, nil
	}

	if kill != nil {
		if err := kill(ctx, rec); err != nil {
			return false, err
		}
	}

	r.mu.Lock()
	cur, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return false, notFound(jobID)
	}
	from := cur.State
	if from.IsTerminal() {
		r.mu.Unlock()
		return false, nil
	}
	r.applyLocked(cur, JobStateCancelled, "")
	hook := r.onTransition
	r.mu.Unlock()

	if hook != nil {
		hook(jobID, from, JobStateCancelled)
	}
	return true, nil
}

// Delete removes a record.
func (r *Registry) Delete(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; !ok {
		return notFound(jobID)
	}
	delete(r.jobs, jobID)
	return nil
}

// Reset drops every record.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*JobRecord)
}

// List returns copies of all records, newest first.
func (r *Registry) List() []JobRecord {
	r.mu.RLock()
	out := make([]JobRecord, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := jobSortTime(out[i]), jobSortTime(out[j])
		if ti.Equal(tj) {
			return out[i].JobID < out[j].JobID
		}
		return ti.After(tj)
	})
	return out
}

// IDs returns the registered job ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns the number of jobs per state.
func (r *Registry) Stats() map[JobState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[JobState]int, len(AllStates))
	for _, s := range AllStates {
		out[s] = 0
	}
	for _, rec := range r.jobs {
		out[rec.State]++
	}
	return out
}

func (r *Registry) applyLocked(rec *JobRecord, to JobState, reason string) {
	now := r.now()
	rec.State = to
	if to == JobStateRunning && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if to.IsTerminal() {
		rec.EndedAt = &now
	}
	if to == JobStateFailed && reason != "" {
		rec.LastError = reason
	}
}

func jobSortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func notFound(jobID string) error {
	return fmt.Errorf("job %s: %w", jobID, provider.ErrNotFound)
}
