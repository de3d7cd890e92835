package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/downloader"
	aria2dl "github.com/tinoosan/podfetch/internal/downloader/aria2"
	"github.com/tinoosan/podfetch/internal/metrics"
)

// batch is the state of one Run. It is only touched by the control loop.
type batch struct {
	id  string
	s   *Scheduler
	log *slog.Logger

	jobs  []*data.Job
	byID  map[string]*data.Job
	queue []*data.Job

	eng     downloader.Engine
	started bool
	notify  <-chan string
	stopSub context.CancelFunc
}

func newBatch(s *Scheduler, reqs []data.DownloadRequest) *batch {
	id := uuid.NewString()
	b := &batch{
		id:   id,
		s:    s,
		log:  s.log.With("operation_id", id),
		byID: make(map[string]*data.Job, len(reqs)),
	}
	for _, req := range reqs {
		j := data.NewJob(s.opts.NewID(), req)
		b.jobs = append(b.jobs, j)
		b.byID[j.ID] = j
		if err := req.Validate(); err != nil {
			j.SetError(err)
			b.fail(j)
			continue
		}
		b.queue = append(b.queue, j)
	}
	s.publish(b.jobs)
	return b
}

func (b *batch) loop(ctx context.Context) error {
	tick := time.NewTicker(b.s.opts.PollInterval)
	defer tick.Stop()
	defer b.unsubscribe()

	for {
		if err := ctx.Err(); err != nil {
			return cancelCause(ctx)
		}
		b.promoteRetries(time.Now())
		if err := b.admit(ctx); err != nil {
			if err := b.onError(ctx, err); err != nil {
				return err
			}
		}
		b.publish()
		if b.done() {
			return nil
		}

		select {
		case <-ctx.Done():
			return cancelCause(ctx)
		case <-tick.C:
		case _, ok := <-b.notify:
			if !ok {
				b.notify = nil
			}
		case c := <-b.s.cmds:
			b.handle(ctx, c)
		}

		if err := b.poll(ctx); err != nil {
			if err := b.onError(ctx, err); err != nil {
				return err
			}
		}
	}
}

// onError restarts the engine after an engine-level failure. Other errors
// abort the batch.
func (b *batch) onError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return cancelCause(ctx)
	}
	if !aria2dl.IsEngineFailure(err) {
		return err
	}
	return b.recover(ctx, err)
}

func cancelCause(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), data.ErrBatchTimeout) {
		return data.ErrBatchTimeout
	}
	return fmt.Errorf("%w: %v", data.ErrCancelled, ctx.Err())
}

func (b *batch) done() bool {
	for _, j := range b.jobs {
		if !j.Status.Terminal() {
			return false
		}
	}
	return true
}

func (b *batch) inFlight() int {
	n := 0
	for _, j := range b.jobs {
		if j.Status.InFlight() {
			n++
		}
	}
	return n
}

func (b *batch) publish() {
	metrics.ActiveJobs.Set(float64(b.inFlight()))
	b.s.publish(b.jobs)
}

func (b *batch) emit(j *data.Job, t downloader.EventType) {
	b.emitProgress(j, t, nil)
}

func (b *batch) emitProgress(j *data.Job, t downloader.EventType, p *downloader.Progress) {
	b.s.report(downloader.Event{JobID: j.ID, GID: j.GID, Type: t, Job: j.Clone(), Progress: p})
}

// admit moves queued jobs into the engine while slots are free.
func (b *batch) admit(ctx context.Context) error {
	for len(b.queue) > 0 && b.inFlight() < b.s.opts.MaxConcurrent {
		j := b.queue[0]
		b.queue = b.queue[1:]

		if err := b.ensureEngine(ctx); err != nil {
			// Put the job back; the batch is aborted by the caller.
			b.queue = append([]*data.Job{j}, b.queue...)
			return err
		}
		if err := j.Transition(data.StatusAdmitted); err != nil {
			return err
		}
		b.emit(j, downloader.EventAdmitted)

		b.checkResume(j)
		gid, err := b.eng.AddURI(ctx, j.Request.URL, downloader.AddOptions{
			Dir:   j.Request.Dir,
			Out:   j.Request.Filename,
			Extra: b.s.opts.Start.Aria2Options(),
		})
		if err != nil {
			var re *aria2dl.RemoteError
			if errors.As(err, &re) {
				j.SetError(&data.DownloadError{Code: strconv.Itoa(re.Code), Message: re.Message, Class: data.ClassFatal})
				b.fail(j)
				continue
			}
			return err
		}
		j.GID = gid
		j.Admitted = true
		if err := j.Transition(data.StatusActive); err != nil {
			return err
		}
		b.log.Debug("job started", "job_id", j.ID, "gid", gid, "attempt", j.Attempt)
		b.emit(j, downloader.EventStart)
	}
	return nil
}

// skipPrior settles every queued job whose outcome was already recorded as
// Complete, before the engine is touched.
func (b *batch) skipPrior(ctx context.Context) {
	if b.s.opts.Store == nil {
		return
	}
	kept := b.queue[:0]
	for _, j := range b.queue {
		if !b.skipIfDone(ctx, j) {
			kept = append(kept, j)
		}
	}
	b.queue = kept
	b.publish()
}

// skipIfDone completes a first-attempt job whose outcome was already
// recorded as Complete.
func (b *batch) skipIfDone(ctx context.Context, j *data.Job) bool {
	if b.s.opts.Store == nil || j.Admitted || j.Attempt > 1 {
		return false
	}
	o, err := b.s.opts.Store.PriorOutcome(ctx, j.Request.URL, j.Request.Destination())
	if err != nil {
		if !errors.Is(err, data.ErrNotFound) {
			b.log.Warn("outcome lookup failed", "job_id", j.ID, "err", &data.ResumeError{Err: err})
		}
		return false
	}
	if o.Status != data.StatusComplete {
		return false
	}
	j.Skipped = true
	j.Path = o.Path
	j.SetProgress(o.BytesDone, o.BytesDone)
	if err := j.Transition(data.StatusComplete); err != nil {
		return false
	}
	b.log.Info("already downloaded", "job_id", j.ID, "url", j.Request.URL)
	b.emit(j, downloader.EventSkipped)
	return true
}

// checkResume discards an unusable control file so the engine restarts the
// transfer from zero instead of failing it.
func (b *batch) checkResume(j *data.Job) {
	name := j.Request.Name()
	if name == "" {
		return
	}
	err := aria2dl.CheckControlFile(j.Request.Dir, name)
	if err == nil {
		return
	}
	b.log.Warn("discarding resume data", "job_id", j.ID, "err", err)
	if c, ok := b.eng.(Cleaner); ok {
		if err := c.DiscardControlFile(j.Request.Dir, name); err != nil {
			b.log.Warn("discard control file", "job_id", j.ID, "err", err)
		}
	}
}

func (b *batch) ensureEngine(ctx context.Context) error {
	if b.started && b.eng != nil {
		return nil
	}
	if _, err := b.s.sup.EnsureRunning(ctx); err != nil {
		return err
	}
	b.started = true
	b.attach(ctx)
	return nil
}

// attach picks up the current engine and subscribes to its notifications.
func (b *batch) attach(ctx context.Context) {
	b.unsubscribe()
	b.eng = b.s.sup.Engine()
	n, ok := b.eng.(downloader.Notifier)
	if !ok {
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := n.Notifications(subCtx)
	if err != nil {
		cancel()
		b.log.Debug("notifications unavailable, polling only", "err", err)
		return
	}
	b.notify = ch
	b.stopSub = cancel
}

func (b *batch) unsubscribe() {
	if b.stopSub != nil {
		b.stopSub()
		b.stopSub = nil
	}
	b.notify = nil
}

// promoteRetries requeues jobs whose backoff has elapsed.
func (b *batch) promoteRetries(now time.Time) {
	for _, j := range b.jobs {
		if j.Status != data.StatusRetrying || now.Before(j.RetryAt) {
			continue
		}
		j.Attempt++
		j.RetryAt = time.Time{}
		if err := j.Transition(data.StatusQueued); err != nil {
			continue
		}
		b.queue = append(b.queue, j)
	}
}

// poll asks the engine for the status of every job holding a GID.
func (b *batch) poll(ctx context.Context) error {
	for _, j := range b.jobs {
		if (j.Status != data.StatusActive && j.Status != data.StatusPaused) || j.GID == "" {
			continue
		}
		st, err := b.eng.TellStatus(ctx, j.GID)
		if errors.Is(err, downloader.ErrNotFound) {
			b.failOrRetry(j, b.s.opts.Retry.Error("", "transfer lost by engine"))
			continue
		}
		if err != nil {
			return err
		}
		b.apply(ctx, j, st)
	}
	b.checkEngineLoad(ctx)
	return nil
}

// checkEngineLoad compares aria2's count of running transfers with the
// slots this batch holds.
func (b *batch) checkEngineLoad(ctx context.Context) {
	if b.eng == nil || b.inFlight() == 0 {
		return
	}
	gs, err := b.eng.GetGlobalStat(ctx)
	if err != nil {
		b.log.Debug("global stat", "err", err)
		return
	}
	metrics.EngineActive.Set(float64(gs.NumActive))
	if gs.NumActive > b.s.opts.MaxConcurrent {
		b.log.Warn("engine runs more transfers than allowed", "num_active", gs.NumActive, "max_concurrent", b.s.opts.MaxConcurrent)
		return
	}
	b.log.Debug("engine load", "num_active", gs.NumActive, "num_waiting", gs.NumWaiting, "speed", gs.Speed)
}

func (b *batch) apply(ctx context.Context, j *data.Job, st *downloader.Status) {
	switch st.State {
	case downloader.StateActive, downloader.StateWaiting:
		if j.Status == data.StatusPaused {
			if err := j.Transition(data.StatusActive); err == nil {
				b.emit(j, downloader.EventResumed)
			}
		}
		before := j.BytesDone
		j.SetProgress(st.Total, st.Completed)
		if j.BytesDone != before {
			b.emitProgress(j, downloader.EventProgress, &downloader.Progress{Completed: j.BytesDone, Total: j.BytesTotal, Speed: st.Speed})
		}
	case downloader.StatePaused:
		j.SetProgress(st.Total, st.Completed)
		if j.Status == data.StatusActive {
			if err := j.Transition(data.StatusPaused); err == nil {
				b.emit(j, downloader.EventPaused)
			}
		}
	case downloader.StateComplete:
		j.SetProgress(st.Total, st.Completed)
		j.Path = b.payloadPath(j, st.Files)
		j.SetError(nil)
		if err := j.Transition(data.StatusComplete); err != nil {
			b.log.Warn("complete transition", "job_id", j.ID, "err", err)
			return
		}
		b.log.Info("job complete", "job_id", j.ID, "bytes", j.BytesDone, "path", j.Path)
		b.emit(j, downloader.EventComplete)
		b.purge(ctx, j.GID)
	case downloader.StateError:
		j.SetProgress(st.Total, st.Completed)
		gid := j.GID
		b.failOrRetry(j, b.s.opts.Retry.Error(st.ErrorCode, st.ErrorMessage))
		b.purge(ctx, gid)
	case downloader.StateRemoved:
		gid := j.GID
		j.SetError(&data.DownloadError{Code: "removed", Message: "transfer removed from engine", Class: data.ClassFatal})
		b.fail(j)
		b.purge(ctx, gid)
	default:
		b.log.Debug("unknown engine state", "job_id", j.ID, "state", st.State)
	}
}

func (b *batch) payloadPath(j *data.Job, files []string) string {
	if len(files) > 0 && files[0] != "" {
		return files[0]
	}
	if name := aria2dl.DeriveName(nil, j.Request.URL); j.Request.Filename == "" && name != "" {
		return filepath.Join(j.Request.Dir, name)
	}
	return j.Request.Destination()
}

// purge drops a stopped transfer from the engine's result list.
func (b *batch) purge(ctx context.Context, gid string) {
	rc, ok := b.eng.(downloader.ResultCleaner)
	if !ok || gid == "" {
		return
	}
	if err := rc.RemoveDownloadResult(ctx, gid); err != nil {
		b.log.Debug("remove download result", "gid", gid, "err", err)
	}
}

// failOrRetry consults the retry policy for a failed transfer.
func (b *batch) failOrRetry(j *data.Job, derr *data.DownloadError) {
	j.SetError(derr)
	if !derr.Retryable() {
		b.log.Warn("job failed", "job_id", j.ID, "attempt", j.Attempt, "code", derr.Code, "class", derr.Class, "err", derr.Message)
		b.fail(j)
		return
	}
	d := b.s.opts.Retry.Decide(j.Attempt, derr.Code)
	if !d.Retry {
		b.log.Warn("job failed, attempts exhausted", "job_id", j.ID, "attempt", j.Attempt, "code", derr.Code)
		b.fail(j)
		return
	}
	if err := j.Transition(data.StatusRetrying); err != nil {
		b.fail(j)
		return
	}
	j.GID = ""
	j.RetryAt = time.Now().Add(d.Delay)
	b.log.Info("job retrying", "job_id", j.ID, "attempt", j.Attempt, "delay", d.Delay, "code", derr.Code)
	b.emit(j, downloader.EventRetrying)
}

func (b *batch) fail(j *data.Job) {
	if j.Status.Terminal() {
		return
	}
	if err := j.Transition(data.StatusFailed); err != nil {
		return
	}
	b.emit(j, downloader.EventFailed)
}

// recover restarts the engine and re-admits every in-flight job with no
// backoff and the same attempt number.
func (b *batch) recover(ctx context.Context, cause error) error {
	b.log.Warn("engine failure, restarting", "err", cause)
	b.unsubscribe()

	var requeue []*data.Job
	for _, j := range b.jobs {
		if !j.Status.InFlight() {
			continue
		}
		if err := j.Transition(data.StatusRetrying); err != nil {
			continue
		}
		j.GID = ""
		b.emit(j, downloader.EventRetrying)
		if err := j.Transition(data.StatusQueued); err != nil {
			continue
		}
		requeue = append(requeue, j)
	}
	b.queue = append(requeue, b.queue...)

	if _, err := b.s.sup.Restart(ctx); err != nil {
		return err
	}
	b.attach(ctx)
	return nil
}

// abort fails every remaining job with cause, removing live transfers from
// the engine first.
func (b *batch) abort(ctx context.Context, cause error) {
	b.log.Warn("batch aborted", "err", cause)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rpcGrace)
	defer cancel()
	cleaner, _ := b.eng.(Cleaner)
	for _, j := range b.jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.GID != "" && b.eng != nil {
			if err := b.eng.Remove(rctx, j.GID); err != nil {
				b.log.Debug("remove on abort", "job_id", j.ID, "gid", j.GID, "err", err)
			}
			if b.s.opts.Cleanup && cleaner != nil {
				if name := j.Request.Name(); name != "" {
					if err := cleaner.Cleanup(j.Request.Dir, name); err != nil {
						b.log.Warn("cleanup partial file", "job_id", j.ID, "err", err)
					}
				}
			}
		}
		j.SetError(cause)
		b.fail(j)
	}
	b.publish()
}

// finish stops the engine unless it should outlive the batch.
func (b *batch) finish(ctx context.Context) {
	b.publish()
	if !b.started || b.s.opts.KeepEngine {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rpcGrace)
	defer cancel()
	if err := b.s.sup.Shutdown(sctx); err != nil {
		b.log.Warn("engine shutdown", "err", err)
	}
}
