// Package resource manages the lifetime of temporary files and streams
// created while one message is processed.
package resource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrClosed is returned when a closed scope is asked for a new resource
var ErrClosed = errors.New("resource scope closed")

// Scope owns temporary files and closers. Close releases everything the
// scope handed out, in reverse order of acquisition. A Scope is safe for
// concurrent use; Close is idempotent.
type Scope struct {
	dir string

	mu      sync.Mutex
	closers []io.Closer
	files   []string
	closed  bool
}

// NewScope creates a scope placing temporary files in dir ("" means the
// system temp directory).
func NewScope(dir string) *Scope {
	return &Scope{dir: dir}
}

// CreateTempFile creates a temporary file that is closed and removed when
// the scope closes.
func (s *Scope) CreateTempFile(pattern string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	s.files = append(s.files, f.Name())
	s.closers = append(s.closers, f)
	return f, nil
}

// Track registers c to be closed with the scope. If the scope is already
// closed, c is closed immediately and ErrClosed returned.
func (s *Scope) Track(c io.Closer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return ErrClosed
	}
	s.closers = append(s.closers, c)
	s.mu.Unlock()
	return nil
}

// TempFiles returns the paths of the files the scope created
func (s *Scope) TempFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// Close closes every tracked closer and removes every temp file. All
// failures are joined into the returned error.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers, files := s.closers, s.files
	s.closers, s.files = nil, nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, name := range files {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
