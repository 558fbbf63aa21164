// ABOUTME: Atomic file replacement and advisory locking for the registry document.
// ABOUTME: Temp-file-write-fsync-rename so no reader ever observes a half-written document.

package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// writeFileAtomic replaces path with data via a temporary file in the same
// directory: write, fsync, close, rename, then fsync the directory so the
// rename survives power loss.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

// lockPath is the advisory lock file shared with external registry readers.
// The lock lives next to the document, not on it, because the document is
// replaced by rename on every write.
func lockPath(path string) string {
	return path + ".lock"
}

// lockExclusive takes the writer lock. The returned func releases it.
func lockExclusive(path string) (func(), error) {
	return flock(path, unix.LOCK_EX)
}

// lockShared takes the reader lock. The returned func releases it.
func lockShared(path string) (func(), error) {
	return flock(path, unix.LOCK_SH)
}

func flock(path string, how int) (func(), error) {
	f, err := os.OpenFile(lockPath(path), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
