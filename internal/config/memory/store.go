// Package memory provides an in-memory config Store implementation.
package memory

import (
	"context"
	"slices"
	"sync"

	"fileindex/internal/config"
)

// Store is an in-memory config Store.
// Intended for testing. Configuration is not persisted across restarts.
type Store struct {
	mu  sync.RWMutex
	cfg *config.Config
}

var _ config.Store = (*Store)(nil)

// NewStore creates a new in-memory Store.
func NewStore() *Store {
	return &Store{}
}

// Load returns the stored configuration.
// Returns nil if no configuration has been saved.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyConfig(s.cfg), nil
}

// Save stores the configuration in memory.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = copyConfig(cfg)
	return nil
}

func (s *Store) GetProject(ctx context.Context, name string) (*config.ProjectConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, nil
	}
	if p, ok := s.cfg.Project(name); ok {
		p = copyProject(p)
		return &p, nil
	}
	return nil, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]config.ProjectConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, nil
	}
	return copyConfig(s.cfg).Projects, nil
}

func (s *Store) PutProject(ctx context.Context, p config.ProjectConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		s.cfg = &config.Config{}
	}
	p = copyProject(p)
	for i, existing := range s.cfg.Projects {
		if existing.Name == p.Name {
			s.cfg.Projects[i] = p
			return nil
		}
	}
	s.cfg.Projects = append(s.cfg.Projects, p)
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return nil
	}
	s.cfg.Projects = slices.DeleteFunc(s.cfg.Projects, func(p config.ProjectConfig) bool {
		return p.Name == name
	})
	return nil
}

// copyConfig creates a deep copy of a Config.
func copyConfig(cfg *config.Config) *config.Config {
	if cfg == nil {
		return nil
	}
	c := &config.Config{Indexes: slices.Clone(cfg.Indexes)}
	c.Scheduler = config.SchedulerConfig{
		FlushInterval: clonePtr(cfg.Scheduler.FlushInterval),
		DrainInterval: clonePtr(cfg.Scheduler.DrainInterval),
		CompactCron:   clonePtr(cfg.Scheduler.CompactCron),
	}
	c.Indexing = config.IndexingConfig{
		RateLimit:       clonePtr(cfg.Indexing.RateLimit),
		Burst:           clonePtr(cfg.Indexing.Burst),
		MaxCachedStamps: clonePtr(cfg.Indexing.MaxCachedStamps),
	}
	if cfg.Projects != nil {
		c.Projects = make([]config.ProjectConfig, len(cfg.Projects))
		for i, p := range cfg.Projects {
			c.Projects[i] = copyProject(p)
		}
	}
	return c
}

func copyProject(p config.ProjectConfig) config.ProjectConfig {
	return config.ProjectConfig{
		Name:    p.Name,
		Roots:   slices.Clone(p.Roots),
		Include: slices.Clone(p.Include),
		Exclude: slices.Clone(p.Exclude),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
