package data

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// DownloadRequest is a caller-supplied download. It is never mutated after
// it has been submitted to a scheduler.
type DownloadRequest struct {
	URL      string `json:"url"`
	Dir      string `json:"dir"`
	Filename string `json:"filename,omitempty"`
}

// Validate reports whether the request can be handed to the engine.
func (r DownloadRequest) Validate() error {
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: unsupported url %q", ErrInvalidRequest, r.URL)
	}
	if !filepath.IsAbs(r.Dir) {
		return fmt.Errorf("%w: destination %q is not absolute", ErrInvalidRequest, r.Dir)
	}
	if r.Filename != "" && filepath.Base(r.Filename) != r.Filename {
		return fmt.Errorf("%w: filename %q must not contain a path", ErrInvalidRequest, r.Filename)
	}
	return nil
}

// Destination is the path used together with the URL to key durable
// outcome records.
func (r DownloadRequest) Destination() string {
	if r.Filename == "" {
		return filepath.Clean(r.Dir)
	}
	return filepath.Join(r.Dir, r.Filename)
}

// Name returns the expected on-disk file name: the override when given,
// otherwise the last segment of the URL path.
func (r DownloadRequest) Name() string {
	if r.Filename != "" {
		return r.Filename
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return ""
	}
	return filepath.Base(u.Path)
}
