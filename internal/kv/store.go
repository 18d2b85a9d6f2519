// Package kv provides the agent's persistent key/value properties. Values are
// strings or booleans and survive process restarts.
package kv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	propsFileName = "properties.json"
	appDirName    = "livepush"
)

// Properties is the persistent key/value capability the agent depends on.
type Properties interface {
	GetString(key, def string) string
	SetString(key, value string) error
	GetBool(key string, def bool) bool
	SetBool(key string, value bool) error
	Has(key string) bool
	Remove(key string) error
	List() []string
}

// FileStore keeps properties in a single JSON file. Every mutation is written
// through with a temp-file-then-rename, so a crash never leaves a torn file.
type FileStore struct {
	dir string

	mu     sync.Mutex
	values map[string]any
}

// Open loads the store in dir, creating an empty one if the file does not
// exist yet. Pass an empty string to use the default XDG state path.
func Open(dir string) (*FileStore, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	s := &FileStore{dir: dir, values: make(map[string]any)}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading properties: %w", err)
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parsing properties: %w", err)
	}
	if s.values == nil {
		s.values = make(map[string]any)
	}
	return s, nil
}

// Path returns the full path to the properties file.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, propsFileName)
}

func (s *FileStore) GetString(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key].(string); ok {
		return v
	}
	return def
}

func (s *FileStore) SetString(key, value string) error {
	return s.set(key, value)
}

func (s *FileStore) GetBool(key string, def bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key].(bool); ok {
		return v
	}
	return def
}

func (s *FileStore) SetBool(key string, value bool) error {
	return s.set(key, value)
}

func (s *FileStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

// Remove deletes key. Removing a missing key is not an error.
func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.values[key]
	if !ok {
		return nil
	}
	delete(s.values, key)
	if err := s.saveLocked(); err != nil {
		s.values[key] = prev
		return err
	}
	return nil
}

// List returns every key in sorted order.
func (s *FileStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *FileStore) set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.saveLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating properties dir: %w", err)
	}

	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling properties: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".properties-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming properties file: %w", err)
	}
	committed = true
	return nil
}

// DefaultDir returns ~/.local/state/livepush, respecting XDG_STATE_HOME if
// set.
func DefaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
