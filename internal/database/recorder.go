package database

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompcore/internal/database/postgres"
	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/internal/jobs"
	"github.com/bardlex/gompcore/pkg/circuit"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
	"github.com/bardlex/gompcore/pkg/retry"
)

// ShareStore persists accepted shares and block candidates.
type ShareStore interface {
	CreateShare(ctx context.Context, share *postgres.Share) error
	CreateBlock(ctx context.Context, block *postgres.Block) error
}

// MetricsWriter takes time series points. Writes are asynchronous.
type MetricsWriter interface {
	WriteShare(ev *jobs.ShareEvent)
	WriteJob(jobID string, height int64, difficulty float64, clean bool, at time.Time)
}

// StateCache holds the live state read by other services.
type StateCache interface {
	SetCurrentJob(ctx context.Context, snap *redis.JobSnapshot) error
	IncrementWorkerShares(ctx context.Context, worker string, accepted bool, reason string) (int64, error)
}

// Sinks selects the stores a Recorder writes to. Nil sinks are skipped.
type Sinks struct {
	Store   ShareStore
	Metrics MetricsWriter
	Cache   StateCache
}

type record struct {
	job      jobs.Job
	clean    bool
	share    *jobs.ShareEvent
	blockHex string
	at       time.Time
}

// Recorder is a jobs.Listener that writes the manager's signals to the
// configured sinks from a single background goroutine.
type Recorder struct {
	sinks   Sinks
	logger  *log.Logger
	queue   chan record
	now     func() time.Time
	dropped atomic.Uint64

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

var _ jobs.Listener = (*Recorder)(nil)

func NewRecorder(sinks Sinks, queueSize int, logger *log.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Recorder{
		sinks:  sinks,
		logger: logger.WithComponent("recorder"),
		queue:  make(chan record, queueSize),
		now:    time.Now,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "postgres",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
	}
}

// Dropped is the number of signals discarded on a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) OnUpdatedBlock(job jobs.Job, isNewBlock bool) {
	r.enqueue(record{job: job, clean: isNewBlock, at: r.now()})
}

func (r *Recorder) OnNewBlock(job jobs.Job) {
	r.enqueue(record{job: job, clean: true, at: r.now()})
}

func (r *Recorder) OnShare(ev *jobs.ShareEvent, blockHex string) {
	r.enqueue(record{share: ev, blockHex: blockHex, at: r.now()})
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("record queue full, dropping signal", "dropped_total", n)
	}
}

// Run writes queued signals until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.queue:
			r.handle(ctx, rec)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.Drain(flushCtx)
			cancel()
			return ctx.Err()
		}
	}
}

// Drain writes every queued signal and returns once the queue is empty.
func (r *Recorder) Drain(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.handle(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) handle(ctx context.Context, rec record) {
	if rec.job != nil {
		r.recordJob(ctx, rec)
		return
	}
	r.recordShare(ctx, rec.share, rec.blockHex)
}

func (r *Recorder) recordJob(ctx context.Context, rec record) {
	job := rec.job
	tpl := job.Template()

	if r.sinks.Metrics != nil {
		r.sinks.Metrics.WriteJob(job.ID(), tpl.Height, job.Difficulty(), rec.clean, rec.at)
	}
	if r.sinks.Cache != nil {
		snap := &redis.JobSnapshot{
			JobID:      job.ID(),
			Height:     tpl.Height,
			PrevHash:   tpl.PreviousBlockHash,
			Difficulty: job.Difficulty(),
			CleanJobs:  rec.clean,
			UpdatedAt:  rec.at,
		}
		if err := r.sinks.Cache.SetCurrentJob(ctx, snap); err != nil {
			r.logger.WithError(err).Warn("failed to cache current job", "job_id", job.ID())
		}
	}
}

func (r *Recorder) recordShare(ctx context.Context, ev *jobs.ShareEvent, blockHex string) {
	if r.sinks.Metrics != nil {
		r.sinks.Metrics.WriteShare(ev)
	}
	if r.sinks.Cache != nil {
		if _, err := r.sinks.Cache.IncrementWorkerShares(ctx, ev.Worker, ev.Accepted(), ev.Error); err != nil {
			r.logger.WithError(err).Warn("failed to count share", "worker", ev.Worker)
		}
	}
	if r.sinks.Store == nil || !ev.Accepted() {
		return
	}

	share := postgres.ShareFromEvent(ev)
	if err := r.persist(ctx, "record_share", func() error {
		return r.sinks.Store.CreateShare(ctx, share)
	}); err != nil {
		r.logger.WithError(err).Error("failed to store share", "job_id", ev.JobID, "worker", ev.Worker)
	}

	if blockHex == "" {
		return
	}
	block := postgres.BlockFromEvent(ev, blockHex)
	if err := r.persist(ctx, "record_block", func() error {
		return r.sinks.Store.CreateBlock(ctx, block)
	}); err != nil {
		r.logger.WithError(err).Error("failed to store block candidate", "block_hash", block.Hash, "height", block.Height)
	}
}

func (r *Recorder) persist(ctx context.Context, operation string, fn func() error) error {
	return r.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, r.retryConfig, func() error {
			if err := fn(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, operation, "failed to write to PostgreSQL")
			}
			return nil
		})
	})
}
