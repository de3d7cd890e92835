package fp

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path/filepath"
	"strings"
)

// NormalizeURL trims whitespace and lowercases the scheme and host so that
// trivially different spellings of the same episode URL share a key. Path
// and query are left untouched since CDNs treat them case-sensitively.
func NormalizeURL(s string) string {
	s = strings.TrimSpace(s)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String()
}

// NormalizePath trims whitespace and cleans the path using filepath.Clean.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	return filepath.Clean(p)
}

// Fingerprint computes a stable hex-encoded SHA-256 over the normalized URL
// and destination path. Outcome records are keyed by it.
func Fingerprint(rawURL, destination string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeURL(rawURL)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizePath(destination)))
	return hex.EncodeToString(h.Sum(nil))
}
