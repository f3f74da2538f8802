// Package statestore persists the small JSON documents a workflow carries
// between invocations: the shared step data, the progress marker and the
// per-step attempt counters. Every write goes through a temp file and a rename
// so a crash never leaves a half-written document behind.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// ErrNotFound is returned by Load when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Store reads and writes named JSON documents inside one directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute path of the named document.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Load decodes the named document into v. It returns ErrNotFound if the
// document does not exist.
func (s *Store) Load(name string, v any) error {
	path := s.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("could not read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("could not parse %s: %w. It may be corrupt", path, err)
	}
	return nil
}

// Save encodes v and atomically replaces the named document.
func (s *Store) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal %s: %w", name, err)
	}
	if err := os.MkdirAll(s.dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create state directory %s: %w", s.dir, err)
	}
	return util.WriteFileAtomic(s.Path(name), data, util.UserWritableFilePerms)
}

// Delete removes the named document. A missing document is not an error.
func (s *Store) Delete(name string) error {
	path := s.Path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove %s: %w", path, err)
	}
	return nil
}

// Exists reports whether the named document is present.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}
