// Package engine launches and supervises the aria2c process that performs
// the actual transfers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/podfetch/internal/aria2"
	"github.com/tinoosan/podfetch/internal/downloader"
	aria2dl "github.com/tinoosan/podfetch/internal/downloader/aria2"
	"github.com/tinoosan/podfetch/internal/metrics"
)

// State is the supervisor's view of the engine process.
type State string

const (
	StateStarting State = "Starting"
	StateReady    State = "Ready"
	StateDegraded State = "Degraded"
	StateStopped  State = "Stopped"
)

// Process describes the tracked engine process.
type Process struct {
	PID       int
	Endpoint  string
	Secret    string
	State     State
	StartedAt time.Time
}

// launchAttempts bounds retries when a process on an ephemeral port exits
// before becoming ready (usually a port race).
const launchAttempts = 3

const readyPollInterval = 50 * time.Millisecond

// instance is one launched process together with its RPC adapter.
type instance struct {
	proc    Process
	handle  Handle
	adapter *aria2dl.Adapter

	done     chan struct{}
	waitErr  error
	stopping bool
}

func (in *instance) exited() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

// Supervisor owns at most one engine process at a time.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	log      *slog.Logger

	mu       sync.Mutex
	cur      *instance
	state    State
	restarts int
}

// New creates a supervisor. A nil launcher selects ExecLauncher.
func New(cfg Config, l Launcher) *Supervisor {
	if l == nil {
		l = ExecLauncher{}
	}
	return &Supervisor{cfg: cfg.withDefaults(), launcher: l, log: slog.Default(), state: StateStopped}
}

// SetLogger allows wiring a shared application logger into the supervisor.
func (s *Supervisor) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l
	}
}

// State returns the current process state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many restarts were performed.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Engine returns the RPC surface of the current process, or nil when no
// process was launched.
func (s *Supervisor) Engine() downloader.Engine {
	a := s.Adapter()
	if a == nil {
		return nil
	}
	return a
}

// Adapter returns the typed adapter of the current process.
func (s *Supervisor) Adapter() *aria2dl.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.adapter
}

// EnsureRunning returns the tracked process when it is Ready, and launches
// a new one otherwise.
func (s *Supervisor) EnsureRunning(ctx context.Context) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.state == StateReady && !s.cur.exited() {
		p := s.cur.proc
		return &p, nil
	}
	return s.startLocked(ctx)
}

// HealthCheck probes the engine with getVersion. A failed probe or an
// exited process marks the engine Degraded.
func (s *Supervisor) HealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	in := s.cur
	s.mu.Unlock()
	if in == nil || in.exited() {
		s.degrade(in, "process not running")
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()
	if _, err := in.adapter.GetVersion(ctx); err != nil {
		s.degrade(in, err.Error())
		return false
	}
	return true
}

// Restart terminates the current process and launches a new one. Once the
// restart budget is spent the engine is Stopped and a ProcessLaunchError is
// returned.
func (s *Supervisor) Restart(ctx context.Context) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		if err := s.terminateLocked(ctx, s.cur); err != nil {
			s.log.Warn("aria2c did not stop before restart", "err", err)
		}
	}
	if s.restarts >= s.cfg.MaxRestarts {
		s.state = StateStopped
		return nil, &ProcessLaunchError{Reason: fmt.Sprintf("restart budget of %d exhausted", s.cfg.MaxRestarts)}
	}
	s.restarts++
	metrics.EngineRestarts.Inc()
	s.log.Warn("restarting aria2c", "attempt", s.restarts, "max", s.cfg.MaxRestarts)
	return s.startLocked(ctx)
}

// Shutdown stops the engine: a graceful aria2.shutdown, then SIGTERM after
// the grace period, then SIGKILL. Calling it again is a no-op.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		s.state = StateStopped
		return nil
	}
	err := s.terminateLocked(ctx, s.cur)
	s.state = StateStopped
	return err
}

func (s *Supervisor) startLocked(ctx context.Context) (*Process, error) {
	var lastErr error
	for attempt := 1; attempt <= launchAttempts; attempt++ {
		p, retry, err := s.launchLocked(ctx)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		s.log.Debug("aria2c launch retry", "attempt", attempt, "err", err)
	}
	if s.state != StateStopped {
		s.state = StateDegraded
	}
	return nil, lastErr
}

// launchLocked performs one launch. retry reports whether another attempt
// on a fresh port may succeed.
func (s *Supervisor) launchLocked(ctx context.Context) (*Process, bool, error) {
	port := s.cfg.Port
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return nil, false, &ProcessLaunchError{Reason: "no free port", Err: err}
		}
		port = p
	}
	secret := s.cfg.Secret
	if secret == "" {
		secret = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return nil, false, &ProcessLaunchError{Reason: "destination directory unusable", Err: err}
	}

	cl, err := aria2.NewLocalClient(port, secret, s.cfg.RPCTimeout)
	if err != nil {
		return nil, false, &ProcessLaunchError{Reason: "invalid endpoint", Err: err}
	}
	adapter := aria2dl.NewAdapter(cl)
	adapter.SetLogger(s.log)

	s.state = StateStarting
	h, err := s.launcher.Launch(ctx, LaunchSpec{Binary: s.cfg.Binary, Args: Args(s.cfg, port, secret), Dir: s.cfg.Dir, Port: port})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, false, &ProcessLaunchError{Reason: s.cfg.Binary + " not found", Err: err}
		}
		return nil, false, &ProcessLaunchError{Reason: "spawn failed", Err: err}
	}

	in := &instance{
		proc: Process{
			PID:      h.PID(),
			Endpoint: aria2.LocalEndpoint(port),
			Secret:   secret,
			State:    StateStarting,
		},
		handle:  h,
		adapter: adapter,
		done:    make(chan struct{}),
	}
	s.cur = in
	go s.watch(in)

	lg := s.log.With("pid", in.proc.PID, "port", port)
	lg.Debug("aria2c spawned", "args", len(Args(s.cfg, port, secret)))

	if err := s.waitReady(ctx, in); err != nil {
		early := in.exited()
		_ = s.terminateLocked(context.Background(), in)
		var le *ProcessLaunchError
		retry := errors.As(err, &le) && early && s.cfg.Port == 0
		return nil, retry, err
	}

	adapter.SetReady(true)
	in.proc.State = StateReady
	in.proc.StartedAt = time.Now()
	s.state = StateReady
	lg.Info("aria2c ready", "endpoint", in.proc.Endpoint)
	p := in.proc
	return &p, false, nil
}

// waitReady polls getVersion until it succeeds, the process exits, or the
// start timeout elapses.
func (s *Supervisor) waitReady(ctx context.Context, in *instance) error {
	deadline := time.NewTimer(s.cfg.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
		_, err := in.adapter.GetVersion(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-in.done:
			return &ProcessLaunchError{Reason: "exited before becoming ready", Err: in.waitErr}
		case <-deadline.C:
			return &ProcessLaunchError{Reason: fmt.Sprintf("not ready within %s", s.cfg.StartTimeout), Err: err}
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// watch waits for the process to exit and marks an unexpected exit as
// Degraded.
func (s *Supervisor) watch(in *instance) {
	in.waitErr = in.handle.Wait()
	in.adapter.SetReady(false)
	close(in.done)

	s.mu.Lock()
	defer s.mu.Unlock()
	if in.stopping || s.cur != in {
		return
	}
	s.state = StateDegraded
	in.proc.State = StateDegraded
	s.log.Warn("aria2c exited unexpectedly", "pid", in.proc.PID, "err", in.waitErr)
}

func (s *Supervisor) degrade(in *instance, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in == nil || s.cur != in || s.state == StateStopped {
		return
	}
	if s.state != StateDegraded {
		s.log.Warn("aria2c unhealthy", "pid", in.proc.PID, "reason", reason)
	}
	in.adapter.SetReady(false)
	s.state = StateDegraded
	in.proc.State = StateDegraded
}

// terminateLocked stops in and waits for it to exit. Errors from the
// graceful step are ignored; the result reports a process that survived
// SIGKILL.
func (s *Supervisor) terminateLocked(ctx context.Context, in *instance) error {
	in.stopping = true
	if in.exited() {
		return nil
	}
	grace := s.cfg.GracePeriod

	shutCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	if err := in.adapter.Shutdown(shutCtx); err != nil {
		s.log.Debug("aria2.shutdown failed", "pid", in.proc.PID, "err", err)
	}
	cancel()
	if waitDone(in.done, grace) {
		return nil
	}

	if err := in.handle.Signal(syscall.SIGTERM); err != nil {
		s.log.Debug("sigterm failed", "pid", in.proc.PID, "err", err)
	}
	if waitDone(in.done, grace) {
		return nil
	}

	s.log.Warn("aria2c ignored SIGTERM, killing", "pid", in.proc.PID)
	if err := in.handle.Kill(); err != nil {
		s.log.Debug("kill failed", "pid", in.proc.PID, "err", err)
	}
	if waitDone(in.done, grace) {
		return nil
	}
	return fmt.Errorf("aria2c pid %d did not exit", in.proc.PID)
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
