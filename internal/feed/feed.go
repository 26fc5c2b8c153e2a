// Package feed keeps the job manager supplied with block templates. It polls
// the daemon, reacts to block notifications, refreshes stale jobs and hands
// solved blocks back to the daemon.
package feed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/bardlex/gompcore/internal/jobs"
	"github.com/bardlex/gompcore/pkg/log"
)

// TemplateSource is the daemon side of the feed.
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context) (*jobs.Template, error)
	SubmitBlock(ctx context.Context, blockHex string) error
}

// JobProcessor is the manager side of the feed.
type JobProcessor interface {
	ProcessTemplate(tpl *jobs.Template) (bool, error)
	UpdateCurrentJob(tpl *jobs.Template) error
}

// Config tunes the feed's timing.
type Config struct {
	// RefreshInterval is the getblocktemplate polling period.
	RefreshInterval time.Duration
	// RebroadcastTimeout refreshes the current job when no job has been
	// broadcast for this long.
	RebroadcastTimeout time.Duration
	// RequestTimeout bounds each daemon call.
	RequestTimeout time.Duration
	// OnSubmitResult, when set, is told how each block submission went.
	OnSubmitResult func(blockHash string, err error)
}

type candidate struct {
	blockHash string
	blockHex  string
	height    int64
}

// Status is a snapshot of the feed's progress.
type Status struct {
	LastJobAt    time.Time
	LastHeight   int64
	Refreshes    uint64
	Rebroadcasts uint64
	Submitted    uint64
}

// Feed drives a JobProcessor from a TemplateSource. It is also a
// jobs.Listener so it can see broadcasts and block candidates.
type Feed struct {
	source  TemplateSource
	manager JobProcessor
	cfg     Config
	logger  *log.Logger

	notify     chan struct{}
	jobSeen    chan struct{}
	candidates chan candidate

	mu      deadlock.Mutex
	status  Status
	now     func() time.Time
	dropped atomic.Uint64
}

var _ jobs.Listener = (*Feed)(nil)

func New(source TemplateSource, manager JobProcessor, cfg Config, logger *log.Logger) *Feed {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Second
	}
	if cfg.RebroadcastTimeout <= 0 {
		cfg.RebroadcastTimeout = 55 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Feed{
		source:     source,
		manager:    manager,
		cfg:        cfg,
		logger:     logger.WithComponent("feed"),
		notify:     make(chan struct{}, 1),
		jobSeen:    make(chan struct{}, 1),
		candidates: make(chan candidate, 16),
		now:        time.Now,
	}
}

// Notify asks for an immediate template refresh. Calls coalesce while one
// is pending.
func (f *Feed) Notify() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// NotifyBlock adapts Notify to the block notification callback.
func (f *Feed) NotifyBlock(blockHash string) error {
	f.logger.Debug("block notification", "hash", blockHash)
	f.Notify()
	return nil
}

func (f *Feed) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Feed) OnUpdatedBlock(job jobs.Job, _ bool) {
	f.sawJob(job)
}

func (f *Feed) OnNewBlock(job jobs.Job) {
	f.sawJob(job)
}

func (f *Feed) sawJob(job jobs.Job) {
	f.mu.Lock()
	f.status.LastJobAt = f.now()
	f.status.LastHeight = job.Template().Height
	f.mu.Unlock()

	select {
	case f.jobSeen <- struct{}{}:
	default:
	}
}

// OnShare queues block candidates for submission.
func (f *Feed) OnShare(ev *jobs.ShareEvent, blockHex string) {
	if blockHex == "" {
		return
	}
	select {
	case f.candidates <- candidate{blockHash: ev.BlockHash, blockHex: blockHex, height: ev.Height}:
	default:
		n := f.dropped.Add(1)
		f.logger.Error("block submission queue full, candidate lost",
			"block_hash", ev.BlockHash,
			"height", ev.Height,
			"worker", ev.Worker,
			"dropped_total", n,
		)
	}
}

// Dropped is the number of block candidates lost to a full submission queue.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Run fetches the first template and then serves polls, notifications,
// rebroadcasts and submissions until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	f.logger.Info("template feed starting",
		"refresh_interval", f.cfg.RefreshInterval,
		"rebroadcast_timeout", f.cfg.RebroadcastTimeout,
	)
	_ = f.refresh(ctx)

	ticker := time.NewTicker(f.cfg.RefreshInterval)
	defer ticker.Stop()
	rebroadcast := time.NewTimer(f.cfg.RebroadcastTimeout)
	defer rebroadcast.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = f.refresh(ctx)
		case <-f.notify:
			_ = f.refresh(ctx)
		case <-f.jobSeen:
			rebroadcast.Reset(f.cfg.RebroadcastTimeout)
		case <-rebroadcast.C:
			f.rebroadcast(ctx)
			rebroadcast.Reset(f.cfg.RebroadcastTimeout)
		case c := <-f.candidates:
			f.submit(ctx, c)
			_ = f.refresh(ctx)
		}
	}
}

func (f *Feed) fetch(ctx context.Context) (*jobs.Template, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()
	return f.source.GetBlockTemplate(reqCtx)
}

func (f *Feed) refresh(ctx context.Context) error {
	tpl, err := f.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.WithError(err).Warn("failed to fetch block template")
		}
		return err
	}

	f.mu.Lock()
	f.status.Refreshes++
	f.mu.Unlock()

	isNew, err := f.manager.ProcessTemplate(tpl)
	if err != nil {
		f.logger.WithError(err).Error("failed to process block template", "height", tpl.Height)
		return err
	}
	if isNew {
		f.logger.Debug("adopted new block template", "height", tpl.Height, "previous_hash", tpl.PreviousBlockHash)
	}
	return nil
}

func (f *Feed) rebroadcast(ctx context.Context) {
	tpl, err := f.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.WithError(err).Warn("failed to fetch template for rebroadcast")
		}
		return
	}
	if err := f.manager.UpdateCurrentJob(tpl); err != nil {
		f.logger.WithError(err).Error("failed to rebroadcast job", "height", tpl.Height)
		return
	}

	f.mu.Lock()
	f.status.Rebroadcasts++
	f.mu.Unlock()
	f.logger.Debug("no new block, rebroadcast current job", "height", tpl.Height)
}

func (f *Feed) submit(ctx context.Context, c candidate) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	err := f.source.SubmitBlock(reqCtx, c.blockHex)
	if err != nil {
		f.logger.WithError(err).Error("block submission failed", "block_hash", c.blockHash, "height", c.height)
	} else {
		f.mu.Lock()
		f.status.Submitted++
		f.mu.Unlock()
		f.logger.Info("block submitted", "block_hash", c.blockHash, "height", c.height)
	}

	if f.cfg.OnSubmitResult != nil {
		f.cfg.OnSubmitResult(c.blockHash, err)
	}
}
