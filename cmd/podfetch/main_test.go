package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/engine"
)

func TestReadURLs(t *testing.T) {
	in := strings.Join([]string{
		"# feed backlog",
		"",
		"https://example.com/a.mp3",
		"  http://example.com/b.mp3  ",
		"ftp://example.com/c.mp3",
		"HTTPS://EXAMPLE.com/d.mp3",
		"not a url",
	}, "\n")

	var warned []int
	urls, err := readURLs(strings.NewReader(in), func(line int, entry string) {
		warned = append(warned, line)
	})
	if err != nil {
		t.Fatalf("readURLs: %v", err)
	}
	want := []string{"https://example.com/a.mp3", "http://example.com/b.mp3", "HTTPS://EXAMPLE.com/d.mp3"}
	if fmt.Sprint(urls) != fmt.Sprint(want) {
		t.Fatalf("urls = %v, want %v", urls, want)
	}
	if fmt.Sprint(warned) != "[5 7]" {
		t.Fatalf("warned lines = %v", warned)
	}
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-d", "/srv", "-j", "3", "-v", "-timeout", "1m", "-cleanup", "https://example.com/a.mp3"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if o.override.Dir != "/srv" || o.override.MaxConcurrent != 3 || !o.override.Verbose || !o.override.Cleanup {
		t.Fatalf("unexpected override: %+v", o.override)
	}
	if o.override.BatchTimeout != time.Minute {
		t.Fatalf("timeout = %v", o.override.BatchTimeout)
	}
	if len(o.urls) != 1 {
		t.Fatalf("urls = %v", o.urls)
	}

	if _, err := parseFlags([]string{"-j", "-1"}, io.Discard); err == nil {
		t.Fatal("expected error for negative -j")
	}
	if _, err := parseFlags([]string{"-bogus"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "podfetch.yaml")
	if err := os.WriteFile(cfgPath, []byte("max_concurrent: 2\nengine:\n  secret: from-file\nretry:\n  attempts: 9\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PODFETCH_MAX_CONCURRENT", "4")
	t.Setenv("PODFETCH_RETRY_ATTEMPTS", "")

	o, err := parseFlags([]string{"-config", cfgPath, "-d", dir, "-secret", "from-flag"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err := loadConfig(o)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.MaxConcurrent != 4 {
		t.Fatalf("env should beat file: %d", cfg.MaxConcurrent)
	}
	if cfg.Engine.Secret != "from-flag" {
		t.Fatalf("flag should beat file: %q", cfg.Engine.Secret)
	}
	if cfg.Retry.Attempts != 9 {
		t.Fatalf("file should beat default: %d", cfg.Retry.Attempts)
	}
	if cfg.Dir != dir {
		t.Fatalf("dir = %q", cfg.Dir)
	}
}

func TestLoadConfigRelativeDir(t *testing.T) {
	o, _ := parseFlags([]string{"-d", "episodes"}, io.Discard)
	cfg, err := loadConfig(o)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !filepath.IsAbs(cfg.Dir) {
		t.Fatalf("dir not absolute: %q", cfg.Dir)
	}
}

func TestExitCode(t *testing.T) {
	ok := &data.BatchResult{Results: []data.JobResult{{Status: data.StatusComplete}}}
	partial := &data.BatchResult{Results: []data.JobResult{{Status: data.StatusComplete}, {Status: data.StatusFailed}}}

	tests := []struct {
		name string
		res  *data.BatchResult
		err  error
		want int
	}{
		{"all complete", ok, nil, exitOK},
		{"some failed", partial, nil, exitFailed},
		{"launch failure", partial, &engine.ProcessLaunchError{Reason: "binary not found"}, exitLaunch},
		{"wrapped launch failure", partial, fmt.Errorf("restart: %w", &engine.ProcessLaunchError{Reason: "budget"}), exitLaunch},
		{"cancelled", partial, fmt.Errorf("%w: %v", data.ErrCancelled, context.Canceled), exitCancelled},
		{"timeout", partial, data.ErrBatchTimeout, exitCancelled},
		{"other abort", ok, errors.New("boom"), exitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.res, tt.err); got != tt.want {
				t.Fatalf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunUsageErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		args  []string
		stdin string
	}{
		{"no urls", []string{"-d", dir}, ""},
		{"only comments on stdin", []string{"-d", dir, "-i", "-"}, "# nothing\n\n"},
		{"bad flag", []string{"-j", "x"}, ""},
		{"missing list file", []string{"-d", dir, "-i", filepath.Join(dir, "missing.txt")}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, strings.NewReader(tt.stdin), &stdout, &stderr)
			if code != exitUsage {
				t.Fatalf("exit = %d, want %d (stderr %q)", code, exitUsage, stderr.String())
			}
		})
	}
}
