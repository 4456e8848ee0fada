package yank

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

const lockPollInterval = 100 * time.Millisecond

// Flock is a non-blocking advisory lock on an open file.
type Flock struct {
	File *os.File
}

// Lock acquires an exclusive lock, failing at once if another process
// holds it.
func (f Flock) Lock() error {
	err := syscall.Flock(int(f.File.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		return errors.Wrapf(err, "flock %s", f.File.Name())
	}
	return nil
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return syscall.Flock(int(f.File.Fd()), syscall.LOCK_UN)
}

// FileLocker serializes merges across processes on one host through a
// lock file. It implements Locker.
type FileLocker struct {
	path string

	mu   sync.Mutex
	held *os.File
}

// NewFileLocker returns a locker for path. The file is created on first use
// and is never removed, so every process locks the same inode.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

// Lock waits until the lock is acquired or ctx is done.
func (l *FileLocker) Lock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held != nil {
		return errors.New("lock already held: " + l.path)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return errors.Wrap(err, "lock directory")
	}
	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644) // #nosec G304 - lock path comes from configuration
	if err != nil {
		return errors.Wrap(err, "open lock file")
	}

	fl := Flock{file}
	logged := false
	for {
		err := fl.Lock()
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			file.Close()
			return err
		}
		if !logged {
			slog.Info("waiting for another merge to finish", "lock_file", l.path)
			logged = true
		}
		select {
		case <-ctx.Done():
			file.Close()
			return errors.Wrap(ctx.Err(), "waiting for lock "+l.path)
		case <-time.After(lockPollInterval):
		}
	}

	l.held = file
	return nil
}

// Unlock releases the lock taken by Lock.
func (l *FileLocker) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		return nil
	}
	file := l.held
	l.held = nil

	err := Flock{file}.Unlock()
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}
