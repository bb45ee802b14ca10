package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// rotatingFile is an io.Writer that rotates the underlying log file once it
// crosses maxSize bytes, keeping up to keep older generations named
// "<base>.1", "<base>.2", ... and discarding anything past that, per
// spec.md §6's `--max-log-size`/`--number-log-files` flags. No pack
// example ships a log-rotation library (the teacher logs straight to
// stdout under a process supervisor), so this is a small stdlib-only
// writer rather than an unsupported dependency.
type rotatingFile struct {
	mu   sync.Mutex
	path string
	max  int64
	keep int

	file *os.File
	size int64
}

func newRotatingFile(path string, maxSize uint64, keep uint64) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("noded: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("noded: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("noded: stat log file: %w", err)
	}
	return &rotatingFile{
		path: path,
		max:  int64(maxSize),
		keep: int(keep),
		file: f,
		size: info.Size(),
	}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && r.size+int64(len(p)) > r.max {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("noded: close log file for rotation: %w", err)
	}

	if r.keep > 0 {
		oldest := fmt.Sprintf("%s.%d", r.path, r.keep)
		os.Remove(oldest)
		for i := r.keep - 1; i >= 1; i-- {
			os.Rename(fmt.Sprintf("%s.%d", r.path, i), fmt.Sprintf("%s.%d", r.path, i+1))
		}
		os.Rename(r.path, fmt.Sprintf("%s.1", r.path))
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("noded: reopen log file after rotation: %w", err)
	}
	r.file = f
	r.size = 0
	return nil
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
