// Package output provides JSONL output for job runs.
//
// Output is structured as typed record envelopes containing log lines,
// status changes, telemetry batches, artifacts and errors. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: tunedispatch.<type>.v<version>
const (
	// TypeLog identifies remote log line records.
	TypeLog = "tunedispatch.log.v1"

	// TypeStatus identifies job state records.
	TypeStatus = "tunedispatch.status.v1"

	// TypeTelemetry identifies flushed telemetry batch records.
	TypeTelemetry = "tunedispatch.telemetry.v1"

	// TypeArtifact identifies fetched artifact records.
	TypeArtifact = "tunedispatch.artifact.v1"

	// TypeError identifies error records.
	TypeError = "tunedispatch.error.v1"

	// TypeSummary identifies final run summary records.
	TypeSummary = "tunedispatch.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// The Type field determines how to interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "tunedispatch.log.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the job this record belongs to.
	JobID string `json:"job_id"`

	// Provider identifies the connector kind (e.g., "ssh", "tracking").
	Provider string `json:"provider"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// LogRecord is one line of remote training output.
type LogRecord struct {
	Line string `json:"line"`
	Seq  int64  `json:"seq"`
}

// StatusRecord reports an observed job state.
type StatusRecord struct {
	State      string `json:"state"`
	InstanceID string `json:"instance_id,omitempty"`
	Host       string `json:"host,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// TelemetryRecord describes one uploaded telemetry batch.
type TelemetryRecord struct {
	BatchID string          `json:"batch_id"`
	Count   int             `json:"count"`
	Records json.RawMessage `json:"records"`
}

// ArtifactRecord describes a fetched or exported artifact.
type ArtifactRecord struct {
	// Size is the artifact size in bytes.
	Size int64 `json:"size"`

	// Path is the local path the artifact was written or extracted to.
	Path string `json:"path,omitempty"`

	// URI is the object store location, when exported.
	URI string `json:"uri,omitempty"`

	// Files is the number of files extracted, when extracted.
	Files int `json:"files,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than aborting the output stream,
// so a consumer sees partial results when late steps fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Step names the run step that failed (submit, logs, fetch, release).
	Step string `json:"step,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeUnsupported = "UNSUPPORTED"
	ErrCodeInvalid     = "INVALID_CONFIG"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeInternal    = "INTERNAL"
)

// SummaryRecord is emitted once at the end of a run.
type SummaryRecord struct {
	State string `json:"state"`

	// LogLines is the number of log lines streamed.
	LogLines int64 `json:"log_lines"`

	// ArtifactBytes is the size of the fetched artifact, if any.
	ArtifactBytes int64 `json:"artifact_bytes"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Errors int64 `json:"errors"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
