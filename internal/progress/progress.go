// Package progress renders scheduler events and the final batch summary for
// the terminal.
package progress

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/downloader"
	"github.com/tinoosan/podfetch/internal/engine"
)

// Printer writes one line per terminal job event. In verbose mode it also
// prints admissions, retries and throttled progress lines.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	every   time.Duration
	last    map[string]time.Time
	now     func() time.Time
	styles  styles
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, verbose bool) *Printer {
	return &Printer{
		w:       w,
		verbose: verbose,
		every:   5 * time.Second,
		last:    make(map[string]time.Time),
		now:     time.Now,
		styles:  newStyles(w),
	}
}

// Report implements downloader.Reporter.
func (p *Printer) Report(e downloader.Event) {
	if e.Job == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	name := displayName(e.Job.Request, e.Job.Path)
	switch e.Type {
	case downloader.EventComplete:
		fmt.Fprintf(p.w, "%s %s (%s)\n", p.styles.tag(data.StatusComplete, false), name, formatBytes(e.Job.BytesDone))
		delete(p.last, e.JobID)
	case downloader.EventSkipped:
		fmt.Fprintf(p.w, "%s %s (already downloaded)\n", p.styles.tag(data.StatusComplete, true), name)
	case downloader.EventFailed:
		fmt.Fprintf(p.w, "%s %s: %s\n", p.styles.tag(data.StatusFailed, false), e.Job.Request.URL, e.Job.LastError)
		delete(p.last, e.JobID)
	}
	if !p.verbose {
		return
	}
	switch e.Type {
	case downloader.EventStart:
		fmt.Fprintf(p.w, "start  %s (attempt %d)\n", name, e.Job.Attempt)
	case downloader.EventRetrying:
		fmt.Fprintf(p.w, "retry  %s attempt %d at %s: %s\n", name, e.Job.Attempt, e.Job.RetryAt.Format(time.TimeOnly), e.Job.LastError)
	case downloader.EventPaused:
		fmt.Fprintf(p.w, "pause  %s\n", name)
	case downloader.EventResumed:
		fmt.Fprintf(p.w, "resume %s\n", name)
	case downloader.EventProgress:
		if e.Progress == nil {
			return
		}
		now := p.now()
		if t, ok := p.last[e.JobID]; ok && now.Sub(t) < p.every {
			return
		}
		p.last[e.JobID] = now
		fmt.Fprintf(p.w, "       %s %s %s/s\n", name, formatProgress(e.Progress), formatBytes(e.Progress.Speed))
	}
}

// Summary writes the result table, totals and the list of failed URLs.
func Summary(w io.Writer, res *data.BatchResult) {
	if res == nil {
		return
	}
	st := newStyles(w)

	nameWidth := len("FILE")
	for _, r := range res.Results {
		if n := utf8.RuneCountInString(displayName(r.Request, r.Path)); n > nameWidth {
			nameWidth = n
		}
	}
	if nameWidth > 48 {
		nameWidth = 48
	}

	fmt.Fprintf(w, "\n%-9s %-*s %10s  %s\n", "STATUS", nameWidth, "FILE", "SIZE", "MESSAGE")
	skipped := 0
	for _, r := range res.Results {
		if r.Skipped {
			skipped++
		}
		msg := ""
		switch {
		case r.Skipped:
			msg = "already downloaded"
		case r.Err != nil:
			msg = r.Err.Error()
		}
		fmt.Fprintf(w, "%s %-*s %10s  %s\n",
			st.column(r.Status, r.Skipped),
			nameWidth, truncate(displayName(r.Request, r.Path), nameWidth),
			formatBytes(r.BytesDone), msg)
	}

	complete, failed := res.Counts()
	fmt.Fprintf(w, "\n%d complete (%d skipped), %d failed, %s in %s\n",
		complete, skipped, failed, formatBytes(res.TotalBytes()), res.Elapsed.Round(time.Millisecond))

	if fl := res.Failed(); len(fl) > 0 {
		fmt.Fprintln(w, "\nFailed:")
		for _, r := range fl {
			fmt.Fprintf(w, "  %s [%s]\n", r.Request.URL, Classify(r.Err))
		}
	}
}

// Classify names the failure class of a job error for the summary.
func Classify(err error) string {
	var de *data.DownloadError
	var le *engine.ProcessLaunchError
	switch {
	case err == nil:
		return "unknown"
	case errors.As(err, &de):
		if de.Code == "" {
			return string(de.Class)
		}
		return fmt.Sprintf("%s, code %s", de.Class, de.Code)
	case errors.As(err, &le):
		return "engine"
	case errors.Is(err, data.ErrBatchTimeout):
		return "timeout"
	case errors.Is(err, data.ErrCancelled):
		return "cancelled"
	case errors.Is(err, data.ErrInvalidRequest):
		return "invalid"
	}
	return "error"
}

type styles struct {
	ok, skip, fail lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	base := r.NewStyle().Width(9)
	return styles{
		ok:   base.Foreground(lipgloss.Color("2")),
		skip: base.Foreground(lipgloss.Color("6")),
		fail: base.Foreground(lipgloss.Color("1")).Bold(true),
	}
}

func (s styles) column(status data.JobStatus, skipped bool) string {
	switch {
	case skipped:
		return s.skip.Render("skipped")
	case status == data.StatusComplete:
		return s.ok.Render("complete")
	case status == data.StatusFailed:
		return s.fail.Render("failed")
	}
	return s.skip.Render(strings.ToLower(string(status)))
}

func (s styles) tag(status data.JobStatus, skipped bool) string {
	switch {
	case skipped:
		return s.skip.UnsetWidth().Render("[skip]")
	case status == data.StatusComplete:
		return s.ok.UnsetWidth().Render("[ok]  ")
	}
	return s.fail.UnsetWidth().Render("[fail]")
}

func displayName(req data.DownloadRequest, path string) string {
	if path != "" {
		return filepath.Base(path)
	}
	if n := req.Name(); n != "" {
		return n
	}
	return req.URL
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	if n < 4 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

func formatProgress(p *downloader.Progress) string {
	if p.Total <= 0 {
		return formatBytes(p.Completed)
	}
	pct := float64(p.Completed) / float64(p.Total) * 100
	return fmt.Sprintf("%5.1f%% of %s", pct, formatBytes(p.Total))
}

// formatBytes converts bytes into a human-readable string.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
