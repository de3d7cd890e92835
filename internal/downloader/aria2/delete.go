package aria2dl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cleanup removes a partial payload and its control file from dir. It
// refuses to touch anything outside dir and treats missing files as already
// removed.
func (a *Adapter) Cleanup(dir, name string) error {
	return cleanup(a.fs, dir, name)
}

// DiscardControlFile removes only the control file so the next attempt
// starts from byte zero.
func (a *Adapter) DiscardControlFile(dir, name string) error {
	p, err := safeJoin(dir, name)
	if err != nil {
		return err
	}
	if err := a.fs.Remove(p + ControlSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", p+ControlSuffix, err)
	}
	return nil
}

func cleanup(fs fsOps, dir, name string) error {
	p, err := safeJoin(dir, name)
	if err != nil {
		return err
	}
	for _, target := range dedup([]string{p, p + ControlSuffix}) {
		if err := fs.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", target, err)
		}
	}
	return nil
}

// safeJoin joins name onto dir and rejects results that escape dir or equal it.
func safeJoin(dir, name string) (string, error) {
	if dir == "" || name == "" {
		return "", fmt.Errorf("refusing to delete without directory and name")
	}
	base := filepath.Clean(dir)
	p := filepath.Clean(filepath.Join(base, name))
	baseWithSep := base
	if !strings.HasSuffix(baseWithSep, string(os.PathSeparator)) {
		baseWithSep += string(os.PathSeparator)
	}
	if p == base || !strings.HasPrefix(p, baseWithSep) {
		return "", fmt.Errorf("refusing to delete outside base: %s", p)
	}
	return p, nil
}

// dedup returns a new slice with duplicates removed, preserving order.
func dedup(in []string) []string {
	if len(in) <= 1 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
