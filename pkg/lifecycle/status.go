package lifecycle

import (
	"strings"

	"github.com/3leaps/tunedispatch/pkg/jobregistry"
)

// StatusMap translates a vendor's instance status vocabulary onto JobState.
//
// Lookups are case-insensitive. A status with no entry maps to PENDING,
// never to RUNNING or a terminal state, so an unknown word can never be
// mistaken for progress or completion.
type StatusMap map[string]jobregistry.JobState

// DefaultStatusMap covers the vocabulary most GPU marketplaces use.
func DefaultStatusMap() StatusMap {
	return StatusMap{
		"running":    jobregistry.JobStateRunning,
		"active":     jobregistry.JobStateRunning,
		"exited":     jobregistry.JobStateCompleted,
		"finished":   jobregistry.JobStateCompleted,
		"completed":  jobregistry.JobStateCompleted,
		"failed":     jobregistry.JobStateFailed,
		"error":      jobregistry.JobStateFailed,
		"unhealthy":  jobregistry.JobStateFailed,
		"terminated": jobregistry.JobStateFailed,
		"destroyed":  jobregistry.JobStateFailed,
		"deleted":    jobregistry.JobStateFailed,
	}
}

// Map returns the JobState for a vendor status.
func (m StatusMap) Map(status string) jobregistry.JobState {
	if state, ok := m[normalizeStatus(status)]; ok && state.IsValid() {
		return state
	}
	return jobregistry.JobStatePending
}

// Known reports whether status has an explicit entry.
func (m StatusMap) Known(status string) bool {
	_, ok := m[normalizeStatus(status)]
	return ok
}

// Merge returns a copy of m with overrides applied.
func (m StatusMap) Merge(overrides map[string]string) StatusMap {
	out := make(StatusMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		state := jobregistry.JobState(strings.ToUpper(strings.TrimSpace(v)))
		if state.IsValid() {
			out[normalizeStatus(k)] = state
		}
	}
	return out
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
