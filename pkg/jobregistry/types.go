// Package jobregistry holds the provider-agnostic job state machine and the
// in-memory table of JobRecords owned by one connector.
//
// Records live only as long as the owning connector; nothing is persisted
// across process restarts.
package jobregistry

import (
	"time"

	"github.com/3leaps/tunedispatch/pkg/provider"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []JobState{
	JobStatePending,
	JobStateRunning,
	JobStateCompleted,
	JobStateFailed,
	JobStateCancelled,
}

// IsTerminal reports whether no further transitions are legal.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known states.
func (s JobState) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

func (s JobState) String() string {
	return string(s)
}

// rank orders states for the monotonic rule.
func (s JobState) rank() int {
	switch s {
	case JobStatePending:
		return 0
	case JobStateRunning:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether from -> to is a legal forward move.
//
// CANCELLED is only reachable from PENDING or RUNNING. Nothing leaves a
// terminal state.
func CanTransition(from, to JobState) bool {
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	return to.rank() > from.rank()
}

// JobRecord is one submitted unit of remote work.
type JobRecord struct {
	JobID      string                   `json:"job_id"`
	Provider   provider.ProviderType    `json:"provider,omitempty"`
	Config     provider.TrainingConfig  `json:"config"`
	State      JobState                 `json:"state"`
	InstanceID string                   `json:"instance_id,omitempty"`
	Host       *provider.HostDescriptor `json:"host,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (r *JobRecord) clone() JobRecord {
	out := *r
	out.Config = r.Config.Clone()
	if r.Host != nil {
		h := *r.Host
		out.Host = &h
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}
