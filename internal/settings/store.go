package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is a durable key/value store for float settings such as the energy
// totals of meters without native counters.
type Store interface {
	Get(key string) (float64, bool)
	Set(key string, value float64) error
}

// FileStore keeps every setting in one YAML document. The document is loaded
// once and rewritten on each Set.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]float64
}

type document struct {
	Settings map[string]float64 `yaml:"settings"`
}

// OpenFileStore loads path. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: map[string]float64{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	for k, v := range doc.Settings {
		s.values[k] = v
	}
	return s, nil
}

func (s *FileStore) Get(key string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *FileStore) Set(key string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.values[key]; ok && old == value {
		return nil
	}
	next := make(map[string]float64, len(s.values)+1)
	for k, v := range s.values {
		next[k] = v
	}
	next[key] = value
	// memory only moves once the document is on disk, a failed save is
	// retried by the next Set of the same value
	if err := s.save(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileStore) Path() string {
	return s.path
}

// save writes values to a synced temporary file next to the target and
// renames it over the target.
func (s *FileStore) save(values map[string]float64) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(document{Settings: values})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// MemoryStore is a Store without persistence.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]float64{}}
}

func (s *MemoryStore) Get(key string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryStore) Set(key string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}
