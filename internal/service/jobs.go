package service

import (
	"context"
	"log/slog"

	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/reqid"
)

// Jobs is the status API's view of the running batch.
type Jobs interface {
	List(ctx context.Context) (data.Jobs, error)
	Get(ctx context.Context, id string) (*data.Job, error)
	UpdateDesiredStatus(ctx context.Context, id string, status data.JobStatus) (*data.Job, error)
}

// Controller is the part of the scheduler the service drives.
type Controller interface {
	Snapshot() data.Jobs
	Get(id string) (*data.Job, error)
	Pause(ctx context.Context, id string) (*data.Job, error)
	Resume(ctx context.Context, id string) (*data.Job, error)
}

var (
	AllowedStatuses = map[data.JobStatus]bool{
		data.StatusActive: true,
		data.StatusPaused: true,
	}
)

type jobs struct {
	ctl Controller
	log *slog.Logger
}

func NewJobs(ctl Controller, log *slog.Logger) Jobs {
	if log == nil {
		log = slog.Default()
	}
	return &jobs{ctl: ctl, log: log}
}

func (js *jobs) List(ctx context.Context) (data.Jobs, error) {
	return js.ctl.Snapshot(), nil
}

func (js *jobs) Get(ctx context.Context, id string) (*data.Job, error) {
	return js.ctl.Get(id)
}

func (js *jobs) UpdateDesiredStatus(ctx context.Context, id string, status data.JobStatus) (*data.Job, error) {
	if !AllowedStatuses[status] {
		return nil, data.ErrBadStatus
	}
	cur, err := js.ctl.Get(id)
	if err != nil {
		return nil, err
	}
	if cur.Status == status {
		return cur, nil
	}

	var j *data.Job
	switch status {
	case data.StatusPaused:
		j, err = js.ctl.Pause(ctx, id)
	case data.StatusActive:
		j, err = js.ctl.Resume(ctx, id)
	}
	lg := reqid.Logger(ctx, js.log).With("job_id", id, "desired", status)
	if err != nil {
		lg.Warn("update desired status failed", "err", err)
		return nil, err
	}
	lg.Info("desired status applied", "status", j.Status)
	return j, nil
}
