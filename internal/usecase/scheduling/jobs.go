package scheduling

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SweepSpillFiles removes spill files in dir older than maxAge. Spill
// files named for still-running executions are naturally younger than any
// sane maxAge, so the sweep only catches leftovers from crashed or
// long-gone runs. Returns the number of files removed.
func SweepSpillFiles(dir, prefix string, maxAge time.Duration, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("spill sweep could not remove file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("spill sweep removed stale files", "dir", dir, "removed", removed)
	}
	return removed, nil
}

// ReapSessions removes session state directories whose contents have not
// been touched for maxAge. Returns the number of sessions removed.
func ReapSessions(dir string, maxAge time.Duration, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if lastTouched(path).After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("session reap could not remove state", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("session reap removed stale sessions", "dir", dir, "removed", removed)
	}
	return removed, nil
}

// lastTouched returns the newest modification time within a session state
// directory. The directory's own mtime misses updates to existing files.
func lastTouched(dir string) time.Time {
	newest := time.Time{}
	if info, err := os.Stat(dir); err == nil {
		newest = info.ModTime()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}
