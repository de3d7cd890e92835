package aria2dl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	neturl "net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/tinoosan/podfetch/internal/data"
)

// ControlSuffix is appended by aria2 to a partial payload for its resume
// control file.
const ControlSuffix = ".aria2"

// fileStatus is a partial tellStatus response for files[] entries.
type fileStatus struct {
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
}

// DeriveName returns a best-effort file name for a transfer: the first
// engine-reported path, then the last segment of the source URL.
func DeriveName(files []string, source string) string {
	for _, f := range files {
		if f == "" {
			continue
		}
		if b := filepath.Base(f); b != "." && b != string(os.PathSeparator) {
			return b
		}
	}
	if source == "" {
		return ""
	}
	if u, err := neturl.Parse(source); err == nil && u.Path != "" && u.Path != "/" {
		return path.Base(u.Path)
	}
	return ""
}

// CheckControlFile validates the aria2 control file for dir/name if one
// exists. A missing file returns nil. An unreadable or truncated one returns
// a *data.ResumeError; the caller should discard it so the engine restarts
// the transfer from zero.
func CheckControlFile(dir, name string) error {
	if name == "" {
		return nil
	}
	p := filepath.Join(dir, name) + ControlSuffix
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &data.ResumeError{Path: p, Err: err}
	}
	defer func() { _ = f.Close() }()

	// The header starts with a 2-byte big-endian version (0 or 1) followed
	// by a 4-byte extension field.
	var hdr [6]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return &data.ResumeError{Path: p, Err: fmt.Errorf("read header: %w", err)}
	}
	if v := binary.BigEndian.Uint16(hdr[:2]); v > 1 {
		return &data.ResumeError{Path: p, Err: fmt.Errorf("unsupported control file version %d", v)}
	}
	return nil
}
