package window

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// Store persists one geometry in a small text file
type Store struct {
	path string
}

// NewStore creates a store at path, or at the XDG state location when
// path is empty.
func NewStore(path string) (*Store, error) {
	if path == "" {
		p, err := xdg.StateFile(filepath.Join("hdmi-usb", "window-state"))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve window state path: %w", err)
		}
		path = p
	}
	return &Store{path: path}, nil
}

// Path is the state file
func (s *Store) Path() string {
	return s.path
}

// Load returns the saved geometry. ok is false when nothing is saved.
func (s *Store) Load() (g Geometry, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Geometry{}, false, nil
		}
		return Geometry{}, false, fmt.Errorf("failed to read window state: %w", err)
	}
	g, err = Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return Geometry{}, false, err
	}
	return g, true, nil
}

// Save replaces the saved geometry
func (s *Store) Save(g Geometry) error {
	if !g.Valid() {
		return fmt.Errorf("refusing to save empty geometry %s", g)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(g.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write window state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace window state: %w", err)
	}
	return nil
}

// Reset forgets the saved geometry
func (s *Store) Reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to reset window state: %w", err)
	}
	return nil
}
