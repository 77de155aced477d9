package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/3leaps/tunedispatch/pkg/objectstore"
	"github.com/3leaps/tunedispatch/pkg/output"
)

// WriterSink emits each batch as one telemetry record on a JSONL writer.
type WriterSink struct {
	W output.Writer
}

func (s WriterSink) Upload(ctx context.Context, batch Batch) error {
	data, err := json.Marshal(batch.Records)
	if err != nil {
		return err
	}
	return s.W.WriteTelemetry(ctx, &output.TelemetryRecord{
		BatchID: batch.ID,
		Count:   len(batch.Records),
		Records: data,
	})
}

// ArchiveSink writes each batch as a JSONL object under
// <prefix>/<job_id>/<batch_id>.jsonl.
type ArchiveSink struct {
	Store  objectstore.Store
	Prefix string
}

// Key returns the object key for a batch.
func (s ArchiveSink) Key(batch Batch) string {
	return objectstore.JoinKey(s.Prefix, batch.JobID, batch.ID+".jsonl")
}

func (s ArchiveSink) Upload(ctx context.Context, batch Batch) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch.Records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return s.Store.Put(ctx, s.Key(batch), bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}

// MultiSink uploads every batch to each sink in order. A sink that
// accepted a batch is skipped when the same batch id is retried, so each
// sink receives each batch once.
type MultiSink struct {
	sinks []Sink

	mu sync.Mutex
	// partial maps a batch id to the sinks that accepted it while another
	// sink failed.
	partial map[string]map[int]struct{}
}

// NewMultiSink fans batches out to sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, partial: make(map[string]map[int]struct{})}
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

func (m *MultiSink) Upload(ctx context.Context, batch Batch) error {
	m.mu.Lock()
	done := m.partial[batch.ID]
	m.mu.Unlock()

	accepted := make(map[int]struct{}, len(m.sinks))
	for i := range done {
		accepted[i] = struct{}{}
	}
	var errs []error
	for i, s := range m.sinks {
		if _, ok := accepted[i]; ok {
			continue
		}
		if err := s.Upload(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
			continue
		}
		accepted[i] = struct{}{}
	}

	m.mu.Lock()
	if len(errs) == 0 {
		delete(m.partial, batch.ID)
	} else {
		m.partial[batch.ID] = accepted
	}
	m.mu.Unlock()
	return errors.Join(errs...)
}

var (
	_ Sink = WriterSink{}
	_ Sink = ArchiveSink{}
	_ Sink = (*MultiSink)(nil)
)
