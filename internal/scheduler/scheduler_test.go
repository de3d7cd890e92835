package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/downloader"
	"github.com/tinoosan/podfetch/internal/engine"
	"github.com/tinoosan/podfetch/internal/metrics"
	"github.com/tinoosan/podfetch/internal/reconciler"
	"github.com/tinoosan/podfetch/internal/repo"
	"github.com/tinoosan/podfetch/internal/retry"
)

// recorder collects events and tracks how many jobs hold a slot.
type recorder struct {
	mu          sync.Mutex
	events      []downloader.Event
	status      map[string]data.JobStatus
	maxInFlight int
}

func (r *recorder) Report(e downloader.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == nil {
		r.status = map[string]data.JobStatus{}
	}
	r.events = append(r.events, e)
	if e.Job != nil {
		r.status[e.JobID] = e.Job.Status
	}
	n := 0
	for _, s := range r.status {
		if s.InFlight() {
			n++
		}
	}
	if n > r.maxInFlight {
		r.maxInFlight = n
	}
}

func (r *recorder) ofType(t downloader.EventType) []downloader.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []downloader.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() retry.Policy {
	return retry.Policy{Base: 5 * time.Millisecond, Max: time.Second, MaxAttempts: 5}
}

func newTest(t *testing.T, scripts map[string]script, opts Options) (*Scheduler, *fakeSupervisor, *fakeEngine, *recorder) {
	t.Helper()
	eng := newFakeEngine(scripts)
	sup := &fakeSupervisor{eng: eng, maxRestarts: engine.DefaultMaxRestarts}
	rec := &recorder{}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	if opts.Retry.Base == 0 {
		opts.Retry = testPolicy()
	}
	if opts.Reporter == nil {
		opts.Reporter = rec
	} else {
		opts.Reporter = downloader.MultiReporter{rec, opts.Reporter}
	}
	opts.Logger = quietLogger()
	return New(sup, opts), sup, eng, rec
}

func requests(dir string, urls ...string) []data.DownloadRequest {
	out := make([]data.DownloadRequest, 0, len(urls))
	for _, u := range urls {
		out = append(out, data.DownloadRequest{URL: u, Dir: dir})
	}
	return out
}

func run(t *testing.T, s *Scheduler, reqs []data.DownloadRequest) (*data.BatchResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Run(ctx, reqs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunRespectsConcurrencyCap(t *testing.T) {
	urls := []string{"https://cdn.example.com/1.mp3", "https://cdn.example.com/2.mp3", "https://cdn.example.com/3.mp3"}
	scripts := map[string]script{}
	for _, u := range urls {
		scripts[u] = script{size: 1000, polls: 3}
	}
	s, sup, eng, rec := newTest(t, scripts, Options{MaxConcurrent: 2})

	res, err := run(t, s, requests(t.TempDir(), urls...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.max() > 2 {
		t.Fatalf("engine saw %d concurrent transfers", eng.max())
	}
	if eng.globalStats() == 0 {
		t.Fatalf("engine load never checked")
	}
	if rec.maxInFlight > 2 {
		t.Fatalf("scheduler held %d slots", rec.maxInFlight)
	}
	if len(res.Results) != 3 {
		t.Fatalf("results = %d", len(res.Results))
	}
	for i, r := range res.Results {
		if r.Request.URL != urls[i] {
			t.Fatalf("result %d out of submission order: %s", i, r.Request.URL)
		}
		if r.Status != data.StatusComplete || r.BytesDone != 1000 {
			t.Fatalf("result %d: %+v", i, r)
		}
	}
	if !res.OK() || res.TotalBytes() != 3000 {
		t.Fatalf("unexpected batch: ok=%v bytes=%d", res.OK(), res.TotalBytes())
	}
	if _, _, shutdowns := sup.counts(); shutdowns != 1 {
		t.Fatalf("engine shutdowns = %d", shutdowns)
	}
	if n := len(rec.ofType(downloader.EventComplete)); n != 3 {
		t.Fatalf("complete events = %d", n)
	}
}

func TestEngineLoadOverCapLogged(t *testing.T) {
	s, _, eng, _ := newTest(t, map[string]script{}, Options{MaxConcurrent: 2})
	var buf bytes.Buffer
	s.log = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	b := newBatch(s, requests(t.TempDir(), "https://x/a.mp3"))
	b.eng = eng
	b.jobs[0].Status = data.StatusActive
	eng.mu.Lock()
	eng.live = 3
	eng.mu.Unlock()

	b.checkEngineLoad(context.Background())
	if got := testutil.ToFloat64(metrics.EngineActive); got != 3 {
		t.Fatalf("engine active gauge = %v", got)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "num_active=3") {
		t.Fatalf("over-cap load not logged: %s", out)
	}
}

func TestEveryJobEndsInOneTerminalState(t *testing.T) {
	scripts := map[string]script{
		"https://x/ok.mp3":    {size: 10, polls: 2},
		"https://x/gone.mp3":  {polls: 1, failAttempts: 1, code: "3"},
		"https://x/flaky.mp3": {size: 5, polls: 1, failAttempts: 1, code: "2"},
	}
	s, _, _, rec := newTest(t, scripts, Options{MaxConcurrent: 3})
	reqs := requests(t.TempDir(), "https://x/ok.mp3", "https://x/gone.mp3", "https://x/flaky.mp3", "ftp://x/nope.mp3")

	res, err := run(t, s, reqs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	terminal := map[string]int{}
	for _, e := range rec.events {
		if e.Type.Terminal() {
			terminal[e.JobID]++
		}
	}
	for _, r := range res.Results {
		if !r.Status.Terminal() {
			t.Fatalf("job %s not terminal: %s", r.JobID, r.Status)
		}
		if terminal[r.JobID] != 1 {
			t.Fatalf("job %s had %d terminal events", r.JobID, terminal[r.JobID])
		}
	}
	complete, failed := res.Counts()
	if complete != 2 || failed != 2 {
		t.Fatalf("complete=%d failed=%d", complete, failed)
	}
	if !errors.Is(res.Results[3].Err, data.ErrInvalidRequest) {
		t.Fatalf("invalid request error = %v", res.Results[3].Err)
	}
}

func TestRerunIssuesNoAddURI(t *testing.T) {
	urls := []string{"https://x/a.mp3", "https://x/b.mp3"}
	scripts := map[string]script{urls[0]: {size: 7, polls: 1}, urls[1]: {size: 9, polls: 2}}
	dir := t.TempDir()
	store := repo.NewInMemoryOutcomeStore()

	runWithStore := func() (*data.BatchResult, *fakeSupervisor, *fakeEngine) {
		events := make(chan downloader.Event, 64)
		rc := reconciler.New(quietLogger(), store, events)
		rc.Run()
		s, sup, eng, _ := newTest(t, scripts, Options{Store: store, Reporter: downloader.NewChanReporter(events)})
		res, err := run(t, s, requests(dir, urls...))
		close(events)
		rc.Wait()
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res, sup, eng
	}

	first, _, eng := runWithStore()
	if !first.OK() || eng.totalAdds() != 2 {
		t.Fatalf("first run: ok=%v adds=%d", first.OK(), eng.totalAdds())
	}

	second, sup, eng := runWithStore()
	if eng.totalAdds() != 0 {
		t.Fatalf("rerun issued %d addUri calls", eng.totalAdds())
	}
	if ensure, _, shutdowns := sup.counts(); ensure != 0 || shutdowns != 0 {
		t.Fatalf("rerun touched the engine: ensure=%d shutdown=%d", ensure, shutdowns)
	}
	for _, r := range second.Results {
		if r.Status != data.StatusComplete || !r.Skipped {
			t.Fatalf("rerun result: %+v", r)
		}
	}
	if second.Results[1].BytesDone != 9 {
		t.Fatalf("skipped job lost its byte count: %d", second.Results[1].BytesDone)
	}
}

func TestAbortedRerunKeepsCompletedOutcomes(t *testing.T) {
	old, fresh := "https://x/old.mp3", "https://x/new.mp3"
	scripts := map[string]script{old: {size: 5, polls: 1}, fresh: {size: 3, polls: 1}}
	dir := t.TempDir()
	store := repo.NewInMemoryOutcomeStore()

	runWithStore := func(launchErr error, urls ...string) (*data.BatchResult, error) {
		events := make(chan downloader.Event, 64)
		rc := reconciler.New(quietLogger(), store, events)
		rc.Run()
		s, sup, _, _ := newTest(t, scripts, Options{Store: store, Reporter: downloader.NewChanReporter(events)})
		sup.launchErr = launchErr
		res, err := run(t, s, requests(dir, urls...))
		close(events)
		rc.Wait()
		return res, err
	}

	if res, err := runWithStore(nil, old); err != nil || !res.OK() {
		t.Fatalf("first run: %+v, %v", res, err)
	}

	// The new URL is queued ahead of the finished one and the engine
	// cannot start.
	res, err := runWithStore(&engine.ProcessLaunchError{Reason: "aria2c not found"}, fresh, old)
	var le *engine.ProcessLaunchError
	if !errors.As(err, &le) {
		t.Fatalf("expected ProcessLaunchError, got %v", err)
	}
	if r := res.Results[0]; r.Status != data.StatusFailed {
		t.Fatalf("new url: %+v", r)
	}
	if r := res.Results[1]; r.Status != data.StatusComplete || !r.Skipped {
		t.Fatalf("finished url not skipped: %+v", r)
	}

	o, err := store.PriorOutcome(context.Background(), old, dir)
	if err != nil {
		t.Fatalf("PriorOutcome: %v", err)
	}
	if o.Status != data.StatusComplete || o.BytesDone != 5 {
		t.Fatalf("complete record overwritten: %+v", o)
	}
}

func TestFatalErrorNotRetried(t *testing.T) {
	// HTTP authorization failure (permission denied) on one URL.
	scripts := map[string]script{
		"https://x/private.mp3": {polls: 1, failAttempts: 5, code: "24"},
		"https://x/a.mp3":       {size: 1, polls: 2},
		"https://x/b.mp3":       {size: 1, polls: 2},
	}
	s, _, eng, rec := newTest(t, scripts, Options{MaxConcurrent: 2})
	res, err := run(t, s, requests(t.TempDir(), "https://x/a.mp3", "https://x/private.mp3", "https://x/b.mp3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	denied := res.Results[1]
	if denied.Status != data.StatusFailed {
		t.Fatalf("denied job status = %s", denied.Status)
	}
	var derr *data.DownloadError
	if !errors.As(denied.Err, &derr) || derr.Class != data.ClassFatal || derr.Code != "24" {
		t.Fatalf("unexpected error: %v", denied.Err)
	}
	if eng.addCount("https://x/private.mp3") != 1 {
		t.Fatalf("fatal job was re-added %d times", eng.addCount("https://x/private.mp3"))
	}
	if j, _ := s.Get(denied.JobID); j.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", j.Attempt)
	}
	if res.Results[0].Status != data.StatusComplete || res.Results[2].Status != data.StatusComplete {
		t.Fatalf("other jobs should complete: %+v", res.Results)
	}
	if n := len(rec.ofType(downloader.EventRetrying)); n != 0 {
		t.Fatalf("retry events = %d", n)
	}
}

func TestRetryableErrorBacksOffUntilSuccess(t *testing.T) {
	u := "https://x/flaky.mp3"
	s, _, eng, rec := newTest(t, map[string]script{u: {size: 100, polls: 1, failAttempts: 3, code: "6"}}, Options{})
	res, err := run(t, s, requests(t.TempDir(), u))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results[0].Status != data.StatusComplete {
		t.Fatalf("status = %s", res.Results[0].Status)
	}
	if eng.addCount(u) != 4 {
		t.Fatalf("adds = %d, want 4", eng.addCount(u))
	}
	if j, _ := s.Get(res.Results[0].JobID); j.Attempt != 4 {
		t.Fatalf("attempt = %d, want 4", j.Attempt)
	}

	retries := rec.ofType(downloader.EventRetrying)
	if len(retries) != 3 {
		t.Fatalf("retry events = %d", len(retries))
	}
	var prev time.Duration
	for i, e := range retries {
		if e.Job.Attempt != i+1 {
			t.Fatalf("retry %d reported attempt %d", i, e.Job.Attempt)
		}
		d := e.Job.RetryAt.Sub(e.Job.UpdatedAt)
		if d <= prev {
			t.Fatalf("backoff not increasing: %s after %s", d, prev)
		}
		prev = d
	}
}

func TestRetryableErrorStopsAtCeiling(t *testing.T) {
	u := "https://x/down.mp3"
	p := testPolicy()
	p.MaxAttempts = 3
	s, _, eng, _ := newTest(t, map[string]script{u: {polls: 1, failAttempts: 99, code: "2"}}, Options{Retry: p})
	res, err := run(t, s, requests(t.TempDir(), u))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results[0].Status != data.StatusFailed {
		t.Fatalf("status = %s", res.Results[0].Status)
	}
	if eng.addCount(u) != 3 {
		t.Fatalf("adds = %d, want 3", eng.addCount(u))
	}
	var derr *data.DownloadError
	if !errors.As(res.Results[0].Err, &derr) || !derr.Retryable() {
		t.Fatalf("expected retryable download error, got %v", res.Results[0].Err)
	}
}

func TestAddURIRemoteErrorFailsJob(t *testing.T) {
	u := "https://x/bad.mp3"
	s, _, eng, _ := newTest(t, map[string]script{u: {addErr: true}, "https://x/ok.mp3": {polls: 1}}, Options{})
	res, err := run(t, s, requests(t.TempDir(), u, "https://x/ok.mp3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results[0].Status != data.StatusFailed || eng.addCount(u) != 1 {
		t.Fatalf("bad job: %+v adds=%d", res.Results[0], eng.addCount(u))
	}
	if res.Results[1].Status != data.StatusComplete {
		t.Fatalf("ok job: %+v", res.Results[1])
	}
}

func TestEngineCrashRestartsAndReadmits(t *testing.T) {
	urls := []string{"https://x/1.mp3", "https://x/2.mp3", "https://x/3.mp3"}
	scripts := map[string]script{}
	for _, u := range urls {
		scripts[u] = script{size: 50, polls: 5}
	}
	s, sup, eng, rec := newTest(t, scripts, Options{MaxConcurrent: 2})
	eng.killAfter = 3

	res, err := run(t, s, requests(t.TempDir(), urls...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, restarts, _ := sup.counts(); restarts != 1 {
		t.Fatalf("restarts = %d, want 1", restarts)
	}
	for _, r := range res.Results {
		if r.Status != data.StatusComplete {
			t.Fatalf("job not complete after restart: %+v", r)
		}
		if j, _ := s.Get(r.JobID); j.Attempt != 1 {
			t.Fatalf("restart consumed an attempt: %d", j.Attempt)
		}
	}
	if eng.totalAdds() <= len(urls) {
		t.Fatalf("expected re-admission after restart, adds = %d", eng.totalAdds())
	}
	if rec.maxInFlight > 2 {
		t.Fatalf("cap exceeded across restart: %d", rec.maxInFlight)
	}
}

func TestRestartBudgetExhaustedAbortsBatch(t *testing.T) {
	urls := []string{"https://x/1.mp3", "https://x/2.mp3"}
	scripts := map[string]script{urls[0]: {polls: 5}, urls[1]: {polls: 5}}
	s, sup, eng, _ := newTest(t, scripts, Options{})
	sup.maxRestarts = 0
	eng.killAfter = 1

	res, err := run(t, s, requests(t.TempDir(), urls...))
	var le *engine.ProcessLaunchError
	if !errors.As(err, &le) {
		t.Fatalf("expected ProcessLaunchError, got %v", err)
	}
	for _, r := range res.Results {
		if r.Status != data.StatusFailed || !errors.As(r.Err, &le) {
			t.Fatalf("job should fail with launch error: %+v", r)
		}
	}
}

func TestLaunchFailureFailsAllJobs(t *testing.T) {
	s, sup, eng, _ := newTest(t, map[string]script{}, Options{})
	sup.launchErr = &engine.ProcessLaunchError{Reason: "aria2c not found"}

	res, err := run(t, s, requests(t.TempDir(), "https://x/1.mp3", "https://x/2.mp3"))
	var le *engine.ProcessLaunchError
	if !errors.As(err, &le) {
		t.Fatalf("expected ProcessLaunchError, got %v", err)
	}
	if eng.totalAdds() != 0 {
		t.Fatalf("adds = %d", eng.totalAdds())
	}
	_, failed := res.Counts()
	if failed != 2 {
		t.Fatalf("failed = %d", failed)
	}
}

func TestCancelRemovesLiveTransfers(t *testing.T) {
	urls := []string{"https://x/long1.mp3", "https://x/long2.mp3"}
	scripts := map[string]script{urls[0]: {polls: 1 << 30}, urls[1]: {polls: 1 << 30}}
	s, sup, eng, _ := newTest(t, scripts, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type out struct {
		res *data.BatchResult
		err error
	}
	reqs := requests(t.TempDir(), urls...)
	done := make(chan out, 1)
	go func() {
		res, err := s.Run(ctx, reqs)
		done <- out{res, err}
	}()

	waitFor(t, "both jobs active", func() bool {
		n := 0
		for _, j := range s.Snapshot() {
			if j.Status == data.StatusActive {
				n++
			}
		}
		return n == 2
	})
	cancel()
	o := <-done

	if !errors.Is(o.err, data.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", o.err)
	}
	for _, r := range o.res.Results {
		if r.Status != data.StatusFailed {
			t.Fatalf("job after cancel: %+v", r)
		}
	}
	eng.mu.Lock()
	removed := len(eng.removed)
	eng.mu.Unlock()
	if removed != 2 {
		t.Fatalf("removed %d transfers, want 2", removed)
	}
	if _, _, shutdowns := sup.counts(); shutdowns != 1 {
		t.Fatalf("shutdowns = %d", shutdowns)
	}
}

func TestBatchTimeout(t *testing.T) {
	u := "https://x/slow.mp3"
	s, _, _, _ := newTest(t, map[string]script{u: {polls: 1 << 30}}, Options{BatchTimeout: 30 * time.Millisecond})
	res, err := run(t, s, requests(t.TempDir(), u))
	if !errors.Is(err, data.ErrBatchTimeout) {
		t.Fatalf("expected ErrBatchTimeout, got %v", err)
	}
	if res.Results[0].Status != data.StatusFailed {
		t.Fatalf("status = %s", res.Results[0].Status)
	}
}

func TestPauseAndResume(t *testing.T) {
	u := "https://x/pausable.mp3"
	s, _, eng, rec := newTest(t, map[string]script{u: {size: 100, polls: 200}}, Options{})

	if _, err := s.Pause(context.Background(), "nope"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	reqs := requests(t.TempDir(), u)
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := s.Run(ctx, reqs)
		done <- err
	}()

	var id string
	waitFor(t, "job active", func() bool {
		for _, j := range s.Snapshot() {
			if j.Status == data.StatusActive {
				id = j.ID
				return true
			}
		}
		return false
	})

	ctx := context.Background()
	if _, err := s.Pause(ctx, "missing"); !errors.Is(err, data.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	j, err := s.Pause(ctx, id)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if j.Status != data.StatusPaused {
		t.Fatalf("status after pause = %s", j.Status)
	}
	if _, err := s.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	eng.mu.Lock()
	paused, unpaused := len(eng.paused), len(eng.unpaused)
	eng.mu.Unlock()
	if paused != 1 || unpaused != 1 {
		t.Fatalf("engine pause=%d unpause=%d", paused, unpaused)
	}
	if len(rec.ofType(downloader.EventPaused)) != 1 || len(rec.ofType(downloader.EventResumed)) != 1 {
		t.Fatalf("missing pause/resume events")
	}
	final, _ := s.Get(id)
	if final.Status != data.StatusComplete {
		t.Fatalf("final status = %s", final.Status)
	}
}
