package stage

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StartSweepRoutine periodically removes staged files older than maxAge.
// They are left behind when a process dies between staging and release.
func (s *Stager) StartSweepRoutine(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting staging sweep routine", "root", s.root, "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Sweep(time.Now().Add(-maxAge))
			if err != nil {
				slog.Error("Staging sweep failed", "error", err)
			}
			if removed > 0 {
				slog.Warn("Removed orphaned staged files", "count", removed)
			}
		}
	}
}

// Sweep removes regular files in the root last modified before cutoff and
// returns how many it removed.
func (s *Stager) Sweep(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		// A worker may release the file concurrently.
		if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
