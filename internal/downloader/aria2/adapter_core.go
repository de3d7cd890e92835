package aria2dl

import (
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/tinoosan/podfetch/internal/aria2"
	"github.com/tinoosan/podfetch/internal/downloader"
)

type fsOps interface {
	Remove(string) error
	RemoveAll(string) error
}

type osFS struct{}

func (osFS) Remove(p string) error    { return os.Remove(p) }
func (osFS) RemoveAll(p string) error { return os.RemoveAll(p) }

// Adapter implements downloader.Engine on top of the aria2 JSON-RPC API.
// One Adapter talks to exactly one engine process.
type Adapter struct {
	cl *aria2.Client

	ready atomic.Bool
	seq   atomic.Uint64
	log   *slog.Logger
	fs    fsOps
}

// NewAdapter creates an Adapter for the given aria2 client. The adapter
// starts closed: only GetVersion and the shutdown calls are allowed until
// SetReady(true) is called.
func NewAdapter(cl *aria2.Client) *Adapter {
	return &Adapter{cl: cl, log: slog.Default(), fs: osFS{}}
}

var _ downloader.Engine = (*Adapter)(nil)
var _ downloader.ResultCleaner = (*Adapter)(nil)
var _ downloader.Notifier = (*Adapter)(nil)

// SetLogger allows wiring a shared application logger into the adapter.
func (a *Adapter) SetLogger(l *slog.Logger) {
	if l != nil {
		a.log = l
	}
}

// SetReady opens or closes the readiness gate.
func (a *Adapter) SetReady(ok bool) { a.ready.Store(ok) }

// Ready reports whether the readiness gate is open.
func (a *Adapter) Ready() bool { return a.ready.Load() }
