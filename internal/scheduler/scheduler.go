// Package scheduler runs a batch of download jobs against the engine with
// bounded concurrency, polling for progress and retrying failures.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/downloadcfg"
	"github.com/tinoosan/podfetch/internal/downloader"
	"github.com/tinoosan/podfetch/internal/engine"
	"github.com/tinoosan/podfetch/internal/repo"
	"github.com/tinoosan/podfetch/internal/reqid"
	"github.com/tinoosan/podfetch/internal/retry"
)

const (
	DefaultMaxConcurrent = 5
	DefaultPollInterval  = time.Second

	// rpcGrace bounds the remove and shutdown calls made after the batch
	// context is already done.
	rpcGrace = 5 * time.Second
)

var (
	ErrRunning    = errors.New("scheduler already running")
	ErrNotRunning = errors.New("scheduler not running")
)

// Supervisor is the part of engine.Supervisor the scheduler drives.
type Supervisor interface {
	EnsureRunning(ctx context.Context) (*engine.Process, error)
	Restart(ctx context.Context) (*engine.Process, error)
	Shutdown(ctx context.Context) error
	Engine() downloader.Engine
}

// Cleaner is implemented by engines that can remove partial files.
type Cleaner interface {
	Cleanup(dir, name string) error
	DiscardControlFile(dir, name string) error
}

// Options configure a Scheduler. Zero values select defaults.
type Options struct {
	MaxConcurrent int
	PollInterval  time.Duration
	// BatchTimeout bounds the whole batch; zero means no limit.
	BatchTimeout time.Duration
	// Cleanup deletes partial files of transfers removed on cancellation.
	Cleanup bool
	// KeepEngine leaves the engine running after the batch finishes.
	KeepEngine bool

	Retry retry.Policy
	Start downloadcfg.StartOptions

	// Store is consulted before admission; nil disables skipping.
	Store    repo.OutcomeReader
	Reporter downloader.Reporter
	Logger   *slog.Logger

	// NewID generates job ids; nil uses uuid.
	NewID func() string
}

// Scheduler owns the job set of one batch at a time.
type Scheduler struct {
	opts Options
	sup  Supervisor
	log  *slog.Logger

	running atomic.Bool
	cmds    chan command

	mu   sync.RWMutex
	snap data.Jobs
}

// New creates a scheduler driving sup.
func New(sup Supervisor, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.Base == 0 {
		opts.Retry = retry.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{opts: opts, sup: sup, log: opts.Logger, cmds: make(chan command)}
}

// Run executes the batch until every job is terminal, the context is done,
// or the engine cannot be kept alive. The result always lists every request
// in submission order; the error reports why a batch was aborted.
func (s *Scheduler) Run(ctx context.Context, reqs []data.DownloadRequest) (*data.BatchResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunning
	}
	defer s.running.Store(false)

	start := time.Now()
	if s.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.opts.BatchTimeout, data.ErrBatchTimeout)
		defer cancel()
	}

	b := newBatch(s, reqs)
	ctx = reqid.With(ctx, b.id)
	b.log.Info("batch started", "jobs", len(reqs), "max_concurrent", s.opts.MaxConcurrent)
	b.skipPrior(ctx)

	err := b.loop(ctx)
	if err != nil {
		b.abort(ctx, err)
	}
	b.finish(ctx)

	res := &data.BatchResult{Elapsed: time.Since(start)}
	for _, j := range b.jobs {
		res.Results = append(res.Results, j.Result())
	}
	complete, failed := res.Counts()
	b.log.Info("batch finished", "complete", complete, "failed", failed, "elapsed", res.Elapsed, "err", err)
	return res, err
}

// Snapshot returns copies of the jobs of the current or last batch.
func (s *Scheduler) Snapshot() data.Jobs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Get returns a copy of one job.
func (s *Scheduler) Get(id string) (*data.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.snap {
		if j.ID == id {
			return j.Clone(), nil
		}
	}
	return nil, data.ErrNotFound
}

// Pause asks the engine to pause an active job.
func (s *Scheduler) Pause(ctx context.Context, id string) (*data.Job, error) {
	return s.send(ctx, command{op: opPause, id: id})
}

// Resume asks the engine to continue a paused job.
func (s *Scheduler) Resume(ctx context.Context, id string) (*data.Job, error) {
	return s.send(ctx, command{op: opResume, id: id})
}

func (s *Scheduler) publish(jobs []*data.Job) {
	cp := data.Jobs(jobs).Clone()
	s.mu.Lock()
	s.snap = cp
	s.mu.Unlock()
}

func (s *Scheduler) report(e downloader.Event) {
	if s.opts.Reporter != nil {
		s.opts.Reporter.Report(e)
	}
}
