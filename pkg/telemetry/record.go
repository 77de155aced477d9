// Package telemetry buffers metric and span records per job and uploads
// them to a sink in batches.
//
// Enqueue never blocks on the network for long and never fails. A flush
// drains the whole queue into one batch; if the upload fails the batch is
// put back ahead of anything enqueued meanwhile, so a failed upload never
// loses or reorders records. Flushes happen when a queue reaches the batch
// size, on a per-job interval, on demand, and once more when a job is
// closed.
package telemetry

import (
	"context"
	"time"
)

// Kind distinguishes metrics from spans.
type Kind string

const (
	KindMetric Kind = "metric"
	KindSpan   Kind = "span"
)

// Record is one telemetry event.
type Record struct {
	Kind      Kind           `json:"kind"`
	Name      string         `json:"name"`
	Value     float64        `json:"value,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Step      int64          `json:"step,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// SpanID identifies a span; ParentID links it to an enclosing span.
	SpanID   string `json:"span_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// Metric builds a metric record stamped now.
func Metric(name string, value float64, step int64) Record {
	return Record{Kind: KindMetric, Name: name, Value: value, Step: step, Timestamp: time.Now().UTC()}
}

// Span builds a span record stamped now.
func Span(name, spanID, parentID string, payload map[string]any) Record {
	return Record{Kind: KindSpan, Name: name, SpanID: spanID, ParentID: parentID, Payload: payload, Timestamp: time.Now().UTC()}
}

// Batch is one upload unit.
type Batch struct {
	ID      string   `json:"batch_id"`
	JobID   string   `json:"job_id"`
	Records []Record `json:"records"`
}

// Sink receives batches. Upload must either accept the whole batch or
// return an error; partial acceptance is treated as failure.
type Sink interface {
	Upload(ctx context.Context, batch Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch Batch) error

// Upload calls f.
func (f SinkFunc) Upload(ctx context.Context, batch Batch) error {
	return f(ctx, batch)
}

// Observer is notified of queue activity. Implementations must be fast and
// safe for concurrent use.
type Observer interface {
	Enqueued(jobID string, n int)
	Flushed(jobID string, n int)
	FlushFailed(jobID string, n int)
	Dropped(jobID string, n int)
	QueueDepth(jobID string, depth int)
}

type nopObserver struct{}

func (nopObserver) Enqueued(string, int)    {}
func (nopObserver) Flushed(string, int)     {}
func (nopObserver) FlushFailed(string, int) {}
func (nopObserver) Dropped(string, int)     {}
func (nopObserver) QueueDepth(string, int)  {}
