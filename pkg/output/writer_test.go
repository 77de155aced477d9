package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "line: %s", line)
		out = append(out, rec)
	}
	return out
}

func TestJSONLWriter_WriteLog(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "ssh")

	require.NoError(t, w.WriteLog(context.Background(), &LogRecord{Line: "Loading model...", Seq: 1}))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeLog, recs[0].Type)
	assert.Equal(t, "job-123", recs[0].JobID)
	assert.Equal(t, "ssh", recs[0].Provider)
	assert.False(t, recs[0].TS.IsZero())

	var data LogRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &data))
	assert.Equal(t, "Loading model...", data.Line)
	assert.Equal(t, int64(1), data.Seq)
}

func TestJSONLWriter_RecordTypes(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", "marketplace")
	ctx := context.Background()

	require.NoError(t, w.WriteStatus(ctx, &StatusRecord{State: "RUNNING", Host: "10.0.0.1:22"}))
	w.SetJobID("job-9")
	require.NoError(t, w.WriteTelemetry(ctx, &TelemetryRecord{BatchID: "b1", Count: 2, Records: json.RawMessage(`[{},{}]`)}))
	require.NoError(t, w.WriteArtifact(ctx, &ArtifactRecord{Size: 42, Path: "out.tar.gz"}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: ErrCodeNotFound, Message: "missing", Step: "fetch"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{State: "COMPLETED", LogLines: 2, Duration: time.Second, DurationHuman: "1s"}))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 5)

	types := make([]string, 0, len(recs))
	for _, r := range recs {
		types = append(types, r.Type)
	}
	assert.Equal(t, []string{TypeStatus, TypeTelemetry, TypeArtifact, TypeError, TypeSummary}, types)
	assert.Equal(t, "", recs[0].JobID)
	assert.Equal(t, "job-9", recs[1].JobID)

	var sum SummaryRecord
	require.NoError(t, json.Unmarshal(recs[4].Data, &sum))
	assert.Equal(t, "COMPLETED", sum.State)
	assert.Equal(t, time.Second, sum.Duration)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "ssh")

	require.NoError(t, w.Close())

	err := w.WriteLog(context.Background(), &LogRecord{Line: "late"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "ssh")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteLog(context.Background(), &LogRecord{Line: "step", Seq: int64(writerID*writesPerWriter + j)})
			}
		}(i)
	}
	wg.Wait()

	// No interleaving: every line parses.
	assert.Len(t, decodeLines(t, &buf), numWriters*writesPerWriter)
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "ssh")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteLog(ctx, &LogRecord{Line: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "job-123", "ssh")

	err := w.WriteLog(context.Background(), &LogRecord{Line: "x"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "job-123", "ssh")

	require.NoError(t, w.WriteLog(context.Background(), &LogRecord{Line: "Training complete!"}))

	recs := decodeLines(t, &sw.buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeLog, recs[0].Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "job-123", "ssh")

	err := w.WriteLog(context.Background(), &LogRecord{Line: "x"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestArtifactRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ArtifactRecord{Size: 10})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "uri")
	assert.NotContains(t, string(data), "files")
}
