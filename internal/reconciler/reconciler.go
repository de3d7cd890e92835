package reconciler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/downloader"
	"github.com/tinoosan/podfetch/internal/metrics"
	"github.com/tinoosan/podfetch/internal/repo"
)

// Reconciler consumes scheduler events and records terminal outcomes in
// the outcome store.
type Reconciler struct {
	store  repo.OutcomeWriter
	events <-chan downloader.Event
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Reconciler reading from events. The loop ends when events
// is closed.
func New(log *slog.Logger, store repo.OutcomeWriter, events <-chan downloader.Event) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, events: events, log: log, ctx: context.Background()}
}

// Run starts the reconciliation loop.
func (r *Reconciler) Run() {
	r.ctx, r.cancel = context.WithCancel(r.ctx)
	// Tag this run with a stable operation_id for easier correlation.
	r.log = r.log.With("operation_id", uuid.NewString())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case e, ok := <-r.events:
				if !ok {
					return
				}
				r.handle(e)
			}
		}
	}()
}

// Wait blocks until the events channel is closed and drained.
func (r *Reconciler) Wait() { r.wg.Wait() }

// Stop terminates the loop without draining pending events.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) handle(e downloader.Event) {
	metrics.JobEvents.WithLabelValues(strings.ToLower(string(e.Type))).Inc()
	switch e.Type {
	case downloader.EventComplete, downloader.EventFailed:
	case downloader.EventProgress:
		if e.Progress != nil {
			r.log.Debug("progress event", "job_id", e.JobID, "completed", e.Progress.Completed, "total", e.Progress.Total, "speed", e.Progress.Speed)
		}
		return
	case downloader.EventSkipped:
		r.log.Debug("skipped, outcome already recorded", "job_id", e.JobID)
		return
	default:
		r.log.Debug("job event", "job_id", e.JobID, "type", e.Type, "gid", e.GID)
		return
	}
	if e.Job == nil {
		r.log.Warn("terminal event without job snapshot", "job_id", e.JobID, "type", e.Type)
		return
	}
	if e.Job.Request.URL == "" {
		return
	}
	if r.keepsComplete(e.Job) {
		r.log.Info("kept prior complete outcome", "job_id", e.JobID, "url", e.Job.Request.URL)
		return
	}
	o := data.OutcomeOf(e.Job)
	if err := r.store.RecordOutcome(r.ctx, o); err != nil {
		r.log.Error("record outcome", "job_id", e.JobID, "err", err)
		return
	}
	r.log.Info("reconciled event", "job_id", e.JobID, "type", e.Type, "status", o.Status)
}

// keepsComplete reports whether a failure of a never-admitted job would
// overwrite a Complete record.
func (r *Reconciler) keepsComplete(j *data.Job) bool {
	if j.Status != data.StatusFailed || j.Admitted {
		return false
	}
	rd, ok := r.store.(repo.OutcomeReader)
	if !ok {
		return false
	}
	prior, err := rd.PriorOutcome(r.ctx, j.Request.URL, j.Request.Destination())
	return err == nil && prior.Status == data.StatusComplete
}
