package scheduler

import (
	"context"
	"fmt"

	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/downloader"
)

type commandOp int

const (
	opPause commandOp = iota + 1
	opResume
)

type command struct {
	op    commandOp
	id    string
	reply chan commandResult
}

type commandResult struct {
	job *data.Job
	err error
}

// send hands a command to the control loop and waits for its answer.
func (s *Scheduler) send(ctx context.Context, c command) (*data.Job, error) {
	if !s.running.Load() {
		return nil, ErrNotRunning
	}
	c.reply = make(chan commandResult, 1)
	select {
	case s.cmds <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r.job, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handle runs inside the control loop.
func (b *batch) handle(ctx context.Context, c command) {
	j := b.byID[c.id]
	if j == nil {
		c.reply <- commandResult{err: data.ErrNotFound}
		return
	}
	var err error
	switch c.op {
	case opPause:
		err = b.pause(ctx, j)
	case opResume:
		err = b.resume(ctx, j)
	default:
		err = fmt.Errorf("unknown command %d", c.op)
	}
	if err != nil {
		c.reply <- commandResult{err: err}
		return
	}
	b.s.publish(b.jobs)
	c.reply <- commandResult{job: j.Clone()}
}

func (b *batch) pause(ctx context.Context, j *data.Job) error {
	if j.Status == data.StatusPaused {
		return nil
	}
	if j.Status != data.StatusActive || j.GID == "" {
		return fmt.Errorf("%w: cannot pause %s job", data.ErrBadTransition, j.Status)
	}
	if err := b.eng.Pause(ctx, j.GID); err != nil {
		return err
	}
	if err := j.Transition(data.StatusPaused); err != nil {
		return err
	}
	b.emit(j, downloader.EventPaused)
	return nil
}

func (b *batch) resume(ctx context.Context, j *data.Job) error {
	if j.Status == data.StatusActive {
		return nil
	}
	if j.Status != data.StatusPaused || j.GID == "" {
		return fmt.Errorf("%w: cannot resume %s job", data.ErrBadTransition, j.Status)
	}
	if err := b.eng.Unpause(ctx, j.GID); err != nil {
		return err
	}
	if err := j.Transition(data.StatusActive); err != nil {
		return err
	}
	b.emit(j, downloader.EventResumed)
	return nil
}
