// Command podfetch downloads a list of episode URLs through a supervised
// aria2c process.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tinoosan/podfetch/internal/config"
	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/downloader"
	"github.com/tinoosan/podfetch/internal/engine"
	"github.com/tinoosan/podfetch/internal/logging"
	"github.com/tinoosan/podfetch/internal/metrics"
	"github.com/tinoosan/podfetch/internal/progress"
	"github.com/tinoosan/podfetch/internal/reconciler"
	"github.com/tinoosan/podfetch/internal/repo"
	"github.com/tinoosan/podfetch/internal/router"
	"github.com/tinoosan/podfetch/internal/scheduler"
	"github.com/tinoosan/podfetch/internal/service"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitLaunch    = 3
	exitCancelled = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options are the parsed command line.
type options struct {
	input      string
	configPath string
	override   config.Config
	urls       []string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var (
		o       options
		dir     string
		jobs    int
		secret  string
		verbose bool
		timeout time.Duration
		cleanup bool
		status  string
	)
	fs := flag.NewFlagSet("podfetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.input, "i", "", `read URLs from file ("-" for stdin)`)
	fs.StringVar(&dir, "d", "", "destination directory (default: current directory)")
	fs.IntVar(&jobs, "j", 0, "max concurrent downloads (default 5)")
	fs.StringVar(&secret, "secret", "", "aria2 RPC secret (default: generated)")
	fs.BoolVar(&verbose, "v", false, "verbose logging and per-job progress")
	fs.StringVar(&o.configPath, "config", "", "YAML config file")
	fs.DurationVar(&timeout, "timeout", 0, "overall batch timeout (0 = none)")
	fs.BoolVar(&cleanup, "cleanup", false, "delete partial files on cancel")
	fs.StringVar(&status, "status-addr", "", "serve status API on this address")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: podfetch [flags] [URL ...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if jobs < 0 {
		return o, fmt.Errorf("-j must be positive, got %d", jobs)
	}
	if timeout < 0 {
		return o, fmt.Errorf("-timeout must not be negative")
	}

	o.override = config.Config{
		Dir:           dir,
		MaxConcurrent: jobs,
		Verbose:       verbose,
		BatchTimeout:  timeout,
		Cleanup:       cleanup,
		StatusAddr:    status,
		Engine:        config.EngineConfig{Secret: secret},
	}
	o.urls = fs.Args()
	return o, nil
}

// loadConfig applies default < file < env < flags.
func loadConfig(o options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		fc, err := config.LoadFromFile(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = fc
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	cfg = cfg.Merge(o.override)

	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return cfg, fmt.Errorf("resolve destination: %w", err)
	}
	cfg.Dir = abs
	return cfg, cfg.Validate()
}

// readURLs returns the http(s) URLs in r. Blank lines and '#' comments are
// skipped; anything else is reported through warn and skipped.
func readURLs(r io.Reader, warn func(line int, entry string)) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !isHTTP(line) {
			warn(n, line)
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}

func isHTTP(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

func collectURLs(o options, stdin io.Reader, log *slog.Logger) ([]string, error) {
	warn := func(line int, entry string) {
		log.Warn("skipping non-http(s) entry", "line", line, "entry", entry)
	}
	var urls []string
	for i, u := range o.urls {
		if !isHTTP(u) {
			warn(i+1, u)
			continue
		}
		urls = append(urls, u)
	}
	if o.input == "" {
		return urls, nil
	}
	var r io.Reader = stdin
	if o.input != "-" {
		f, err := os.Open(o.input)
		if err != nil {
			return nil, fmt.Errorf("open url list: %w", err)
		}
		defer f.Close()
		r = f
	}
	fromFile, err := readURLs(r, warn)
	if err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return append(urls, fromFile...), nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, "podfetch:", err)
		return exitUsage
	}
	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintln(stderr, "podfetch:", err)
		return exitUsage
	}

	log, logCloser, err := logging.New(logging.Options{
		Verbose:    cfg.Verbose,
		Stderr:     stderr,
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintln(stderr, "podfetch:", err)
		return exitUsage
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	urls, err := collectURLs(o, stdin, log)
	if err != nil {
		fmt.Fprintln(stderr, "podfetch:", err)
		return exitUsage
	}
	if len(urls) == 0 {
		fmt.Fprintln(stderr, "podfetch: no URLs given")
		return exitUsage
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		fmt.Fprintln(stderr, "podfetch:", err)
		return exitUsage
	}

	store, err := repo.Open(cfg.StoreOptions())
	if err != nil {
		fmt.Fprintln(stderr, "podfetch: open store:", err)
		return exitUsage
	}
	defer store.Close()

	res, err := runBatch(ctx, cfg, store, urls, stdout, log)
	progress.Summary(stdout, res)
	if err != nil {
		fmt.Fprintln(stderr, "podfetch:", err)
	}
	return exitCode(res, err)
}

func runBatch(ctx context.Context, cfg config.Config, store repo.OutcomeStore, urls []string, stdout io.Writer, log *slog.Logger) (*data.BatchResult, error) {
	metrics.Register()

	var engineStderr io.Writer = io.Discard
	if cfg.Verbose {
		engineStderr = os.Stderr
	}
	sup := engine.New(cfg.EngineConfig(), engine.ExecLauncher{Stderr: engineStderr})
	sup.SetLogger(log.With("component", "engine"))

	events := make(chan downloader.Event, 64)
	rec := reconciler.New(log.With("component", "reconciler"), store, events)
	rec.Run()

	sched := scheduler.New(sup, scheduler.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		PollInterval:  cfg.PollInterval,
		BatchTimeout:  cfg.BatchTimeout,
		Cleanup:       cfg.Cleanup,
		Retry:         cfg.RetryPolicy(),
		Start:         cfg.StartOptions(),
		Store:         store,
		Reporter: downloader.MultiReporter{
			progress.NewPrinter(stdout, cfg.Verbose),
			downloader.NewChanReporter(events),
		},
		Logger: log.With("component", "scheduler"),
	})

	if cfg.StatusAddr != "" {
		if cfg.APIToken == "" {
			log.Warn("status API has no token configured; /v1 endpoints are open", "addr", cfg.StatusAddr)
		}
		srv := &http.Server{
			Addr:         cfg.StatusAddr,
			Handler:      router.New(log.With("component", "api"), service.NewJobs(sched, log), sup, cfg.APIToken),
			IdleTimeout:  120 * time.Second,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("status API listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status API", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	reqs := make([]data.DownloadRequest, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, data.DownloadRequest{URL: u, Dir: cfg.Dir})
	}
	res, err := sched.Run(ctx, reqs)

	close(events)
	rec.Wait()
	return res, err
}

func exitCode(res *data.BatchResult, err error) int {
	var le *engine.ProcessLaunchError
	switch {
	case errors.As(err, &le):
		return exitLaunch
	case errors.Is(err, data.ErrCancelled), errors.Is(err, data.ErrBatchTimeout):
		return exitCancelled
	case err != nil:
		return exitFailed
	case res == nil:
		return exitFailed
	}
	if _, failed := res.Counts(); failed > 0 {
		return exitFailed
	}
	return exitOK
}
