// Package file provides a file-based config Store implementation.
//
// Configuration is persisted as a versioned JSON envelope:
//
//	{"version": 1, "config": { ... }}
//
// All mutations load the full file, mutate in memory, and atomically flush
// the entire file.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"fileindex/internal/config"
)

const currentVersion = 1

// envelope is the versioned on-disk format.
type envelope struct {
	Version int            `json:"version"`
	Config  *config.Config `json:"config"`
}

// Store is a file-based config Store.
// Writes are atomic via temp file + rename with round-trip validation.
type Store struct {
	path string

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

var _ config.Store = (*Store)(nil)

// NewStore creates a store backed by the JSON file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the full configuration from disk.
// Returns nil if the file does not exist.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save replaces the configuration on disk.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush(cfg)
}

// load reads and parses the config file. Returns nil,nil if not found.
func (s *Store) load() (*config.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if env.Version != currentVersion {
		return nil, fmt.Errorf("config file version %d is not supported (want %d); delete %s to bootstrap a fresh config",
			env.Version, currentVersion, s.path)
	}

	return env.Config, nil
}

// flush atomically writes the config to disk with round-trip validation.
func (s *Store) flush(cfg *config.Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	env := envelope{Version: currentVersion, Config: cfg}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Round-trip validation: re-read and verify valid JSON.
	check, err := os.ReadFile(tmpPath) //nolint:gosec // G304: path is the store's own temp file
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}

	return nil
}

// loadOrEmpty loads the config, returning an empty Config if the file doesn't exist.
func (s *Store) loadOrEmpty() (*config.Config, error) {
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Projects == nil {
		cfg.Projects = []config.ProjectConfig{}
	}
	return cfg, nil
}

// Projects

func (s *Store) GetProject(ctx context.Context, name string) (*config.ProjectConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.load()
	if err != nil || cfg == nil {
		return nil, err
	}
	if p, ok := cfg.Project(name); ok {
		return &p, nil
	}
	return nil, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]config.ProjectConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.load()
	if err != nil || cfg == nil {
		return nil, err
	}
	return cfg.Projects, nil
}

func (s *Store) PutProject(ctx context.Context, p config.ProjectConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.loadOrEmpty()
	if err != nil {
		return err
	}
	for i, existing := range cfg.Projects {
		if existing.Name == p.Name {
			cfg.Projects[i] = p
			return s.flush(cfg)
		}
	}
	cfg.Projects = append(cfg.Projects, p)
	return s.flush(cfg)
}

func (s *Store) DeleteProject(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.loadOrEmpty()
	if err != nil {
		return err
	}
	cfg.Projects = slices.DeleteFunc(cfg.Projects, func(p config.ProjectConfig) bool {
		return p.Name == name
	})
	return s.flush(cfg)
}
