package certificate

import (
	"fmt"
	"os"
	"path/filepath"
)

// Storage provides low-level file operations for certificate material.
// Writes are atomic (temp file + rename) so a crash mid-write never leaves
// a partially written file observable to a concurrent loader.
type Storage struct {
	dir string
}

// NewStorage creates a new storage handler rooted at dir.
func NewStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	return &Storage{dir: dir}, nil
}

// Dir returns the storage root directory.
func (s *Storage) Dir() string {
	return s.dir
}

// Path returns the absolute path for a stored file name.
func (s *Storage) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Exists checks if the named file exists.
func (s *Storage) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Read reads the named file. A missing file is reported via os.ErrNotExist
// in the wrapped error chain.
func (s *Storage) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Write atomically writes data to the named file with the given mode.
// The data is written to a temporary file first and renamed into place.
func (s *Storage) Write(name string, data []byte, mode os.FileMode) error {
	path := s.Path(name)

	tmp, err := os.CreateTemp(s.dir, name+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file for %s: %w", name, err)
	}

	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions on %s: %w", name, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // Best effort cleanup
		return fmt.Errorf("failed to save %s: %w", name, err)
	}

	return nil
}

// Delete removes the named file. Deleting a missing file is not an error.
func (s *Storage) Delete(name string) error {
	if err := os.Remove(s.Path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// Harden forces owner-only permissions on all named files that exist.
func (s *Storage) Harden(names ...string) error {
	for _, name := range names {
		if !s.Exists(name) {
			continue
		}
		if err := os.Chmod(s.Path(name), 0600); err != nil {
			return fmt.Errorf("failed to harden %s: %w", name, err)
		}
	}
	return nil
}
