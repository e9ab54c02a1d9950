package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Scope owns every ephemeral resource created for one request. Resources
// are registered the moment they exist and released together by Close.
type Scope struct {
	files    []string
	dirs     []string
	instance string
	destroy  func(ctx context.Context, id string) error
	logger   *slog.Logger
	closed   bool
}

// NewScope creates an empty scope. logger may be nil.
func NewScope(logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{logger: logger}
}

// AddFile registers a temp file for removal.
func (s *Scope) AddFile(path string) { s.files = append(s.files, path) }

// AddDir registers a directory tree for removal.
func (s *Scope) AddDir(path string) { s.dirs = append(s.dirs, path) }

// SetInstance registers a sandbox instance id and how to tear it down.
func (s *Scope) SetInstance(id string, destroy func(ctx context.Context, id string) error) {
	s.instance = id
	s.destroy = destroy
}

// Instance returns the registered instance id, if any.
func (s *Scope) Instance() string { return s.instance }

// Files returns the registered temp files.
func (s *Scope) Files() []string { return append([]string(nil), s.files...) }

// Dirs returns the registered directories.
func (s *Scope) Dirs() []string { return append([]string(nil), s.dirs...) }

// Close destroys the instance and removes every file and directory. It
// attempts all releases even when some fail; failures are logged as
// warnings and returned joined. Calling Close twice is a no-op.
func (s *Scope) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.instance != "" && s.destroy != nil {
		if err := s.destroy(ctx, s.instance); err != nil {
			s.logger.Warn("sandbox destroy failed", "instance", s.instance, "error", err)
			errs = append(errs, fmt.Errorf("destroying %s: %w", s.instance, err))
		}
	}
	for _, f := range s.files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing temp file", "path", f, "error", err)
			errs = append(errs, err)
		}
	}
	for _, d := range s.dirs {
		if err := os.RemoveAll(d); err != nil {
			s.logger.Warn("removing bundle dir", "path", d, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
