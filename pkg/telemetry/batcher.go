package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 5 * time.Second
	DefaultUploadTimeout = 30 * time.Second
)

// ErrSealed is reported (via the observer and logs only) when records
// arrive for a job that is being closed.
var ErrSealed = errors.New("telemetry: job queue is closing")

// Config configures a Batcher.
type Config struct {
	// BatchSize is the queue length that triggers a synchronous flush.
	BatchSize int

	// FlushInterval is the period of the per-job background flush.
	FlushInterval time.Duration

	// UploadTimeout bounds uploads started by the size and time triggers.
	UploadTimeout time.Duration

	Logger   *zap.Logger
	Observer Observer
}

// Batcher owns one FIFO queue per job.
//
// Batcher is safe for concurrent use. Per job, at most one upload is in
// flight at any time.
type Batcher struct {
	sink Sink
	cfg  Config
	log  *zap.Logger
	obs  Observer

	mu     sync.Mutex
	queues map[string]*jobQueue
	closed bool
}

type jobQueue struct {
	jobID string

	// mu guards retry, buf, threshold and sealed.
	mu sync.Mutex
	// retry is a batch whose upload failed. It keeps its id and goes out
	// again, unchanged, before anything in buf.
	retry     *Batch
	buf       []Record
	threshold int
	sealed    bool

	// flushMu serializes uploads for the job.
	flushMu sync.Mutex

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewBatcher creates a Batcher that uploads to sink.
func NewBatcher(sink Sink, cfg Config) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Batcher{
		sink:   sink,
		cfg:    cfg,
		log:    log,
		obs:    obs,
		queues: make(map[string]*jobQueue),
	}
}

// BatchSize returns the effective size trigger.
func (b *Batcher) BatchSize() int {
	return b.cfg.BatchSize
}

// Enqueue appends records to the job's queue, creating the queue and its
// background flush on first use. It never returns an error: records for a
// job that is being closed, or after Close, are dropped and counted.
//
// Reaching the batch size flushes synchronously unless a flush for the
// job is already running, in which case the records wait for the next one.
func (b *Batcher) Enqueue(jobID string, recs ...Record) {
	if len(recs) == 0 {
		return
	}
	q := b.queue(jobID)
	if q == nil {
		b.obs.Dropped(jobID, len(recs))
		b.log.Debug("telemetry dropped after close", zap.String("job_id", jobID), zap.Int("records", len(recs)))
		return
	}

	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		b.obs.Dropped(jobID, len(recs))
		b.log.Debug("telemetry dropped", zap.String("job_id", jobID), zap.Int("records", len(recs)), zap.Error(ErrSealed))
		return
	}
	q.buf = append(q.buf, recs...)
	depth := q.depthLocked()
	trigger := depth >= q.threshold
	q.mu.Unlock()

	b.obs.Enqueued(jobID, len(recs))
	b.obs.QueueDepth(jobID, depth)

	if !trigger || !q.flushMu.TryLock() {
		return
	}
	defer q.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.UploadTimeout)
	defer cancel()
	if err := b.flushLocked(ctx, q); err != nil {
		b.log.Warn("size-triggered flush failed, records requeued", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Flush uploads everything queued for the job. A batch that failed before
// is retried first under its original id; newer records follow as a new
// batch. On failure the failed batch is kept for the next attempt and the
// error is returned.
func (b *Batcher) Flush(ctx context.Context, jobID string) error {
	q := b.lookup(jobID)
	if q == nil {
		return nil
	}
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return b.flushLocked(ctx, q)
}

// CloseJob stops the job's background flush, waits for it, and performs
// one final flush. On success the queue is released. On failure the queue
// is kept (sealed against new records) and the error returned; retry with
// CloseJob or Flush, or discard with Drop.
func (b *Batcher) CloseJob(ctx context.Context, jobID string) error {
	q := b.lookup(jobID)
	if q == nil {
		return nil
	}

	q.mu.Lock()
	q.sealed = true
	q.mu.Unlock()
	q.stop()

	q.flushMu.Lock()
	err := b.flushLocked(ctx, q)
	q.flushMu.Unlock()
	if err != nil {
		return err
	}

	b.release(jobID, q)
	return nil
}

// Drop discards the job's queue without uploading and reports how many
// records were lost.
func (b *Batcher) Drop(jobID string) int {
	q := b.lookup(jobID)
	if q == nil {
		return 0
	}

	q.mu.Lock()
	q.sealed = true
	q.mu.Unlock()
	q.stop()

	q.flushMu.Lock()
	q.mu.Lock()
	n := q.depthLocked()
	q.retry = nil
	q.buf = nil
	q.mu.Unlock()
	q.flushMu.Unlock()

	b.release(jobID, q)
	if n > 0 {
		b.obs.Dropped(jobID, n)
		b.log.Warn("telemetry discarded", zap.String("job_id", jobID), zap.Int("records", n))
	}
	return n
}

// Close closes every job queue. Later Enqueue calls are dropped. Jobs
// whose final flush fails keep their queues; the joined error names them.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := b.CloseJob(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of records queued for the job.
func (b *Batcher) Pending(jobID string) int {
	q := b.lookup(jobID)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// Jobs returns the ids of jobs that currently own a queue.
func (b *Batcher) Jobs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Batcher) lookup(jobID string) *jobQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[jobID]
}

// queue returns the job's queue, creating it and starting its background
// flush. It returns nil after Close.
func (b *Batcher) queue(jobID string) *jobQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[jobID]; ok {
		return q
	}
	if b.closed {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &jobQueue{
		jobID:     jobID,
		threshold: b.cfg.BatchSize,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	b.queues[jobID] = q
	go b.runPeriodic(ctx, q)
	return q
}

func (b *Batcher) release(jobID string, q *jobQueue) {
	b.mu.Lock()
	if b.queues[jobID] == q {
		delete(b.queues, jobID)
	}
	b.mu.Unlock()
	b.obs.QueueDepth(jobID, 0)
}

// runPeriodic flushes a non-empty queue every FlushInterval until stopped.
// An upload in progress when the stop arrives is allowed to finish.
func (b *Batcher) runPeriodic(ctx context.Context, q *jobQueue) {
	defer close(q.done)

	t := time.NewTicker(b.cfg.FlushInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		q.mu.Lock()
		empty := q.depthLocked() == 0
		q.mu.Unlock()
		if empty {
			continue
		}

		q.flushMu.Lock()
		uploadCtx, cancel := context.WithTimeout(context.Background(), b.cfg.UploadTimeout)
		err := b.flushLocked(uploadCtx, q)
		cancel()
		q.flushMu.Unlock()
		if err != nil {
			b.log.Warn("periodic flush failed, records requeued", zap.String("job_id", q.jobID), zap.Error(err))
		}
	}
}

// flushLocked uploads the pending retry batch, if any, then drains the
// queue into a new batch and uploads that. Records enqueued meanwhile wait
// for the next flush. The caller holds q.flushMu.
func (b *Batcher) flushLocked(ctx context.Context, q *jobQueue) error {
	q.mu.Lock()
	retry := q.retry
	q.mu.Unlock()
	if retry != nil {
		if err := b.upload(ctx, q, *retry); err != nil {
			return err
		}
		q.mu.Lock()
		q.retry = nil
		q.mu.Unlock()
	}

	q.mu.Lock()
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return nil
	}
	batch := &Batch{ID: uuid.New().String(), JobID: q.jobID, Records: q.buf}
	q.retry = batch
	q.buf = nil
	q.mu.Unlock()

	if err := b.upload(ctx, q, *batch); err != nil {
		return err
	}
	q.mu.Lock()
	q.retry = nil
	q.mu.Unlock()
	return nil
}

// upload sends one batch. On failure the batch stays in q.retry and the size
// trigger backs off by a full batch.
func (b *Batcher) upload(ctx context.Context, q *jobQueue, batch Batch) error {
	err := b.sink.Upload(ctx, batch)

	q.mu.Lock()
	if err != nil {
		q.threshold = q.depthLocked() + b.cfg.BatchSize
	} else {
		q.threshold = b.cfg.BatchSize
	}
	depth := q.depthLocked()
	if err == nil {
		depth -= len(batch.Records)
	}
	q.mu.Unlock()

	b.obs.QueueDepth(q.jobID, depth)
	if err != nil {
		b.obs.FlushFailed(q.jobID, len(batch.Records))
		return fmt.Errorf("upload %d records for job %s: %w", len(batch.Records), q.jobID, err)
	}
	b.obs.Flushed(q.jobID, len(batch.Records))
	b.log.Debug("telemetry flushed",
		zap.String("job_id", q.jobID),
		zap.String("batch_id", batch.ID),
		zap.Int("records", len(batch.Records)))
	return nil
}

// depthLocked counts queued records. The caller holds q.mu.
func (q *jobQueue) depthLocked() int {
	n := len(q.buf)
	if q.retry != nil {
		n += len(q.retry.Records)
	}
	return n
}

func (q *jobQueue) stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		<-q.done
	})
}
