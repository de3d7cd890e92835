package downloader

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the engine does not know the given GID.
var ErrNotFound = errors.New("downloader not found")

// Engine is the narrow RPC surface the scheduler needs from the download
// engine. Every method is bounded by its own timeout.
type Engine interface {
	AddURI(ctx context.Context, uri string, opts AddOptions) (string, error)
	TellStatus(ctx context.Context, gid string) (*Status, error)
	Remove(ctx context.Context, gid string) error
	Pause(ctx context.Context, gid string) error
	Unpause(ctx context.Context, gid string) error
	GetGlobalStat(ctx context.Context) (*GlobalStat, error)
}

// ResultCleaner is implemented by engines that keep stopped transfers in
// memory until explicitly purged.
type ResultCleaner interface {
	RemoveDownloadResult(ctx context.Context, gid string) error
}

// Notifier is implemented by engines that can push state-change hints.
// Notifications only wake the poll loop; they are not a source of truth.
type Notifier interface {
	Notifications(ctx context.Context) (<-chan string, error)
}

// AddOptions are per-transfer options passed with addUri.
type AddOptions struct {
	Dir   string
	Out   string
	Extra map[string]string
}

// State is the engine-reported state of a transfer.
type State string

const (
	StateActive   State = "active"
	StateWaiting  State = "waiting"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateComplete State = "complete"
	StateRemoved  State = "removed"
)

// Status is a typed view of a tellStatus response.
type Status struct {
	GID          string
	State        State
	Total        int64
	Completed    int64
	Speed        int64
	ErrorCode    string
	ErrorMessage string
	Files        []string
}

// GlobalStat is a typed view of getGlobalStat.
type GlobalStat struct {
	NumActive  int
	NumWaiting int
	NumStopped int
	Speed      int64
}
