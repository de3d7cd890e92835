package engine

import (
	"context"
	"io"
	"os"
	"os/exec"
)

// LaunchSpec describes one engine process.
type LaunchSpec struct {
	Binary string
	Args   []string
	Dir    string
	// Port is the RPC port passed in Args, repeated for launchers that do
	// not parse arguments.
	Port int
}

// Handle controls a launched process. Wait is called exactly once, by the
// supervisor's watcher goroutine.
type Handle interface {
	PID() int
	Wait() error
	Signal(os.Signal) error
	Kill() error
}

// Launcher starts engine processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// ExecLauncher runs the engine binary with os/exec.
type ExecLauncher struct {
	// Stderr receives the engine's diagnostic output; nil discards it.
	Stderr io.Writer
}

func (l ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Handle, error) {
	// The process outlives the launch context; the supervisor stops it.
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = io.Discard
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) PID() int                 { return h.cmd.Process.Pid }
func (h *execHandle) Wait() error              { return h.cmd.Wait() }
func (h *execHandle) Signal(s os.Signal) error { return h.cmd.Process.Signal(s) }
func (h *execHandle) Kill() error              { return h.cmd.Process.Kill() }
