package data

import (
	"fmt"
	"time"
)

// JobStatus is the scheduler-side state of a download job.
type JobStatus string

const (
	StatusQueued   JobStatus = "Queued"
	StatusAdmitted JobStatus = "Admitted"
	StatusActive   JobStatus = "Active"
	StatusPaused   JobStatus = "Paused"
	StatusRetrying JobStatus = "Retrying"
	StatusComplete JobStatus = "Complete"
	StatusFailed   JobStatus = "Failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// InFlight reports whether the status occupies a concurrency slot.
func (s JobStatus) InFlight() bool {
	return s == StatusAdmitted || s == StatusActive || s == StatusPaused
}

// transitions lists the allowed edges. Any non-terminal state may also move
// to Failed when a batch is aborted; that edge is checked in CanTransition.
var transitions = map[JobStatus][]JobStatus{
	StatusQueued:   {StatusAdmitted, StatusComplete},
	StatusAdmitted: {StatusActive, StatusRetrying},
	StatusActive:   {StatusComplete, StatusRetrying, StatusPaused},
	StatusPaused:   {StatusActive, StatusComplete, StatusRetrying},
	StatusRetrying: {StatusQueued},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is the internal representation of a request in flight or completed.
type Job struct {
	ID         string          `json:"id"`
	Request    DownloadRequest `json:"request"`
	GID        string          `json:"gid,omitempty"`
	Status     JobStatus       `json:"status"`
	BytesTotal int64           `json:"bytesTotal"`
	BytesDone  int64           `json:"bytesDone"`
	Attempt    int             `json:"attempt"`
	LastError  string          `json:"lastError,omitempty"`
	Path       string          `json:"path,omitempty"`
	RetryAt    time.Time       `json:"retryAt,omitzero"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	// Admitted is set once addUri succeeded for this job; it survives GID
	// resets after an engine restart.
	Admitted bool `json:"admitted"`
	// Skipped marks jobs completed from a prior outcome without a transfer.
	Skipped bool `json:"skipped,omitempty"`

	err error
}

// NewJob creates a queued job for the request.
func NewJob(id string, req DownloadRequest) *Job {
	return &Job{ID: id, Request: req, Status: StatusQueued, Attempt: 1, UpdatedAt: time.Now()}
}

// Transition moves the job to the given status, rejecting edges that are
// not part of the state machine.
func (j *Job) Transition(to JobStatus) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now()
	return nil
}

// SetProgress applies an engine progress report. Completed bytes never go
// backwards and never exceed a known total.
func (j *Job) SetProgress(total, done int64) {
	if total > 0 {
		j.BytesTotal = total
	}
	if done > j.BytesDone {
		j.BytesDone = done
	}
	if j.BytesTotal > 0 && j.BytesDone > j.BytesTotal {
		j.BytesDone = j.BytesTotal
	}
}

// SetError records the last classified error.
func (j *Job) SetError(err error) {
	j.err = err
	if err == nil {
		j.LastError = ""
		return
	}
	j.LastError = err.Error()
}

// Err returns the last error recorded with SetError.
func (j *Job) Err() error { return j.err }

// Clone returns a copy safe to hand out of the scheduler.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

// Result converts the job into its caller-facing terminal record.
func (j *Job) Result() JobResult {
	return JobResult{JobID: j.ID, Request: j.Request, Status: j.Status, BytesDone: j.BytesDone, Path: j.Path, Skipped: j.Skipped, Err: j.err}
}

// Jobs is an ordered set of job snapshots.
type Jobs []*Job

// Clone returns a deep copy of the slice.
func (js Jobs) Clone() Jobs {
	out := make(Jobs, 0, len(js))
	for _, j := range js {
		out = append(out, j.Clone())
	}
	return out
}
