package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/tinoosan/podfetch/internal/downloader"
	aria2dl "github.com/tinoosan/podfetch/internal/downloader/aria2"
	"github.com/tinoosan/podfetch/internal/engine"
)

// script describes how the fake engine treats one URL.
type script struct {
	size int64
	// polls is the number of tellStatus calls before the transfer ends.
	polls int
	// failAttempts makes the first n additions end in error with code.
	failAttempts int
	code         string
	// addErr makes addUri return a JSON-RPC error object.
	addErr bool
}

type transfer struct {
	uri    string
	script script
	try    int
	polls  int
	state  downloader.State
}

// fakeEngine is an in-memory stand-in for aria2. It is shared by all
// "processes" of a fakeSupervisor so that per-URL attempt counts survive a
// restart, like files on disk would.
type fakeEngine struct {
	mu      sync.Mutex
	scripts map[string]script
	gen     int

	seq       int
	transfers map[string]*transfer
	adds      map[string]int
	removed   []string
	paused    []string
	unpaused  []string

	live        int
	maxLive     int
	killAfter   int
	statusCalls int
	statCalls   int
	dead        bool
}

func newFakeEngine(scripts map[string]script) *fakeEngine {
	return &fakeEngine{scripts: scripts, transfers: map[string]*transfer{}, adds: map[string]int{}}
}

var errDead = &aria2dl.RPCTimeoutError{Method: "fake", Err: errors.New("connection refused")}

func (e *fakeEngine) AddURI(ctx context.Context, uri string, _ downloader.AddOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return "", errDead
	}
	sc := e.scripts[uri]
	if sc.polls == 0 {
		sc.polls = 1
	}
	e.adds[uri]++
	if sc.addErr {
		return "", &aria2dl.RemoteError{Method: "aria2.addUri", Code: 1, Message: "unsupported uri"}
	}
	e.seq++
	gid := "g" + strconv.Itoa(e.gen) + "-" + strconv.Itoa(e.seq)
	e.transfers[gid] = &transfer{uri: uri, script: sc, try: e.adds[uri], state: downloader.StateActive}
	e.live++
	if e.live > e.maxLive {
		e.maxLive = e.live
	}
	return gid, nil
}

func (e *fakeEngine) TellStatus(ctx context.Context, gid string) (*downloader.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil, errDead
	}
	e.statusCalls++
	if e.killAfter > 0 && e.statusCalls >= e.killAfter {
		e.killAfter = 0
		e.dead = true
		return nil, errDead
	}
	tr, ok := e.transfers[gid]
	if !ok {
		return nil, fmt.Errorf("tellStatus %s: %w", gid, downloader.ErrNotFound)
	}
	st := &downloader.Status{GID: gid, Total: tr.script.size}
	if tr.state == downloader.StateActive {
		tr.polls++
		if tr.polls >= tr.script.polls {
			e.live--
			if tr.try <= tr.script.failAttempts {
				tr.state = downloader.StateError
			} else {
				tr.state = downloader.StateComplete
			}
		}
	}
	st.State = tr.state
	switch tr.state {
	case downloader.StateComplete:
		st.Completed = tr.script.size
		st.Files = []string{"/data/" + gid}
	case downloader.StateError:
		st.ErrorCode = tr.script.code
	default:
		if tr.script.polls > 0 {
			st.Completed = tr.script.size * int64(tr.polls) / int64(tr.script.polls)
		}
	}
	return st, nil
}

func (e *fakeEngine) setState(gid string, s downloader.State, list *[]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return errDead
	}
	tr, ok := e.transfers[gid]
	if !ok {
		return downloader.ErrNotFound
	}
	*list = append(*list, gid)
	if tr.state == downloader.StateActive || tr.state == downloader.StatePaused {
		if s == downloader.StateRemoved {
			e.live--
		}
		tr.state = s
	}
	return nil
}

func (e *fakeEngine) Remove(ctx context.Context, gid string) error {
	return e.setState(gid, downloader.StateRemoved, &e.removed)
}

func (e *fakeEngine) Pause(ctx context.Context, gid string) error {
	return e.setState(gid, downloader.StatePaused, &e.paused)
}

func (e *fakeEngine) Unpause(ctx context.Context, gid string) error {
	return e.setState(gid, downloader.StateActive, &e.unpaused)
}

func (e *fakeEngine) GetGlobalStat(ctx context.Context) (*downloader.GlobalStat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statCalls++
	return &downloader.GlobalStat{NumActive: e.live}, nil
}

func (e *fakeEngine) addCount(uri string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adds[uri]
}

func (e *fakeEngine) totalAdds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.adds {
		n += c
	}
	return n
}

func (e *fakeEngine) globalStats() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statCalls
}

func (e *fakeEngine) max() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxLive
}

// restart forgets every transfer, like a fresh aria2 process would.
func (e *fakeEngine) restart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.dead = false
	e.transfers = map[string]*transfer{}
	e.live = 0
}

type fakeSupervisor struct {
	mu          sync.Mutex
	eng         *fakeEngine
	ensureCalls int
	restarts    int
	maxRestarts int
	shutdowns   int
	launchErr   error
}

func (s *fakeSupervisor) EnsureRunning(ctx context.Context) (*engine.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCalls++
	if s.launchErr != nil {
		return nil, s.launchErr
	}
	return &engine.Process{PID: 1, State: engine.StateReady}, nil
}

func (s *fakeSupervisor) Restart(ctx context.Context) (*engine.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restarts >= s.maxRestarts {
		return nil, &engine.ProcessLaunchError{Reason: "restart budget exhausted"}
	}
	s.restarts++
	s.eng.restart()
	return &engine.Process{PID: 1 + s.restarts, State: engine.StateReady}, nil
}

func (s *fakeSupervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

func (s *fakeSupervisor) Engine() downloader.Engine { return s.eng }

func (s *fakeSupervisor) counts() (ensure, restarts, shutdowns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureCalls, s.restarts, s.shutdowns
}
