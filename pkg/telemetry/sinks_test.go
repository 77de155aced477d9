package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tunedispatch/pkg/objectstore"
	"github.com/3leaps/tunedispatch/pkg/objectstore/file"
	"github.com/3leaps/tunedispatch/pkg/output"
)

func sampleBatch() Batch {
	return Batch{
		ID:    "batch-1",
		JobID: "job-1",
		Records: []Record{
			{Kind: KindMetric, Name: "loss", Value: 0.42, Step: 1},
			{Kind: KindSpan, Name: "epoch", SpanID: "s1", Payload: map[string]any{"epoch": float64(1)}},
		},
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	w := output.NewJSONLWriter(&buf, "job-1", "tracking")

	require.NoError(t, WriterSink{W: w}.Upload(context.Background(), sampleBatch()))

	var rec output.Record
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, output.TypeTelemetry, rec.Type)
	assert.Equal(t, "job-1", rec.JobID)

	var data output.TelemetryRecord
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	assert.Equal(t, "batch-1", data.BatchID)
	assert.Equal(t, 2, data.Count)

	var recs []Record
	require.NoError(t, json.Unmarshal(data.Records, &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "loss", recs[0].Name)
	assert.Equal(t, "s1", recs[1].SpanID)
}

func TestWriterSink_ClosedWriterFails(t *testing.T) {
	var buf bytes.Buffer
	w := output.NewJSONLWriter(&buf, "job-1", "tracking")
	require.NoError(t, w.Close())

	err := WriterSink{W: w}.Upload(context.Background(), sampleBatch())
	assert.ErrorIs(t, err, output.ErrWriterClosed)
}

func TestArchiveSink(t *testing.T) {
	ctx := context.Background()
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	sink := ArchiveSink{Store: store, Prefix: "telemetry/"}
	batch := sampleBatch()
	assert.Equal(t, "telemetry/job-1/batch-1.jsonl", sink.Key(batch))

	require.NoError(t, sink.Upload(ctx, batch))

	data, err := objectstore.GetBytes(ctx, store, "telemetry/job-1/batch-1.jsonl")
	require.NoError(t, err)

	sc := bufio.NewScanner(bytes.NewReader(data))
	var lines []Record
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		lines = append(lines, r)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, KindMetric, lines[0].Kind)
	assert.Equal(t, KindSpan, lines[1].Kind)
}

func TestArchiveSink_ThroughBatcher(t *testing.T) {
	ctx := context.Background()
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	b := NewBatcher(ArchiveSink{Store: store}, quietConfig())
	b.Enqueue("job-1", metric(0), metric(1))
	require.NoError(t, b.CloseJob(ctx, "job-1"))

	objs, err := store.List(ctx, "job-1/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.True(t, strings.HasSuffix(objs[0].Key, ".jsonl"))
}

func TestMultiSink(t *testing.T) {
	ctx := context.Background()
	first := &recordingSink{}
	second := &recordingSink{failN: 1}

	m := NewMultiSink(first, second)
	assert.Equal(t, 2, m.Len())
	err := m.Upload(ctx, sampleBatch())
	require.Error(t, err)
	assert.ErrorIs(t, err, errUpload)
	assert.Contains(t, err.Error(), "sink 1")

	// The retry only reaches the sink that failed.
	require.NoError(t, m.Upload(ctx, sampleBatch()))
	assert.Len(t, first.batchSizes(), 1)
	assert.Len(t, second.batchSizes(), 1)

	// A fresh batch goes to both again.
	next := sampleBatch()
	next.ID = "batch-2"
	require.NoError(t, m.Upload(ctx, next))
	assert.Len(t, first.batchSizes(), 2)
	assert.Len(t, second.batchSizes(), 2)
}

func TestMultiSink_BatcherDeliversOncePerSink(t *testing.T) {
	primary := &recordingSink{}
	mirror := &recordingSink{failN: 2}
	b := NewBatcher(NewMultiSink(primary, mirror), quietConfig())
	ctx := context.Background()

	b.Enqueue("job-1", metric(0), metric(1), metric(2))
	require.Error(t, b.Flush(ctx, "job-1"))
	b.Enqueue("job-1", metric(3))
	require.Error(t, b.Flush(ctx, "job-1"))
	require.NoError(t, b.Flush(ctx, "job-1"))
	require.NoError(t, b.Close(ctx))

	assert.Equal(t, names(0, 4), primary.names())
	assert.Equal(t, names(0, 4), mirror.names())
	assert.Equal(t, []int{3, 1}, primary.batchSizes())

	primary.mu.Lock()
	defer primary.mu.Unlock()
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	for i := range primary.batches {
		assert.Equal(t, primary.batches[i].ID, mirror.batches[i].ID)
	}
}

func TestSinkFunc(t *testing.T) {
	want := errors.New("boom")
	err := SinkFunc(func(context.Context, Batch) error { return want }).Upload(context.Background(), Batch{})
	assert.ErrorIs(t, err, want)
}
