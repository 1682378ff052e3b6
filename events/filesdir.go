package events

import (
	"fmt"
	"os"
	"path/filepath"
)

// LinkIntoFilesDir symlinks a discovered tfevents file into a run-scoped
// files directory before DirWatcher starts publishing it, mirroring its
// path relative to logdir. Existing symlinks pointing elsewhere are
// replaced, since a namespace can change which logdir a path is linked
// under; an existing regular file at the target is left alone.
func LinkIntoFilesDir(filesDir, logdir, path string) error {
	rel, err := filepath.Rel(logdir, path)
	if err != nil {
		return fmt.Errorf("events: relative path: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("events: absolute path: %w", err)
	}

	target := filepath.Join(filesDir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("events: mkdir: %w", err)
	}

	if existing, err := os.Readlink(target); err == nil {
		if existing == abs {
			return nil
		}
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("events: remove stale symlink: %w", err)
		}
		return os.Symlink(abs, target)
	}

	if _, err := os.Lstat(target); err == nil {
		return nil
	}

	return os.Symlink(abs, target)
}
