package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for a job run.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteLog(ctx context.Context, rec *LogRecord) error
	WriteStatus(ctx context.Context, rec *StatusRecord) error
	WriteTelemetry(ctx context.Context, rec *TelemetryRecord) error
	WriteArtifact(ctx context.Context, rec *ArtifactRecord) error
	WriteError(ctx context.Context, rec *ErrorRecord) error
	WriteSummary(ctx context.Context, rec *SummaryRecord) error

	// Close releases resources. The underlying io.Writer is left open.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex so lines never interleave.
type JSONLWriter struct {
	w        io.Writer
	jobID    string
	provider string
	now      func() time.Time
	mu       sync.Mutex

	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// jobID may be empty and set later with SetJobID once the connector has
// assigned one.
func NewJSONLWriter(w io.Writer, jobID, provider string) *JSONLWriter {
	return &JSONLWriter{
		w:        w,
		jobID:    jobID,
		provider: provider,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetJobID changes the correlation id stamped on subsequent records.
func (jw *JSONLWriter) SetJobID(jobID string) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.jobID = jobID
}

func (jw *JSONLWriter) WriteLog(ctx context.Context, rec *LogRecord) error {
	return jw.writeRecord(ctx, TypeLog, rec)
}

func (jw *JSONLWriter) WriteStatus(ctx context.Context, rec *StatusRecord) error {
	return jw.writeRecord(ctx, TypeStatus, rec)
}

func (jw *JSONLWriter) WriteTelemetry(ctx context.Context, rec *TelemetryRecord) error {
	return jw.writeRecord(ctx, TypeTelemetry, rec)
}

func (jw *JSONLWriter) WriteArtifact(ctx context.Context, rec *ArtifactRecord) error {
	return jw.writeRecord(ctx, TypeArtifact, rec)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, rec)
}

// Close marks the writer as closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line while
// holding the mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:     recordType,
		TS:       jw.now(),
		JobID:    jw.jobID,
		Provider: jw.provider,
		Data:     dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, looping over short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
