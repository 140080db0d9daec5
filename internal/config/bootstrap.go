package config

import (
	"context"
)

// DefaultConfig returns the bootstrap configuration for first-run: no
// projects, both stock indexes, default scheduling.
func DefaultConfig() *Config {
	return &Config{
		Projects: []ProjectConfig{},
		Indexes:  []string{"words", "trigrams"},
		Scheduler: SchedulerConfig{
			FlushInterval: StringPtr(DefaultFlushInterval.String()),
			DrainInterval: StringPtr(DefaultDrainInterval.String()),
		},
		Indexing: IndexingConfig{
			MaxCachedStamps: IntPtr(4096),
		},
	}
}

// Bootstrap writes the default configuration when the store is empty and
// returns the effective configuration.
func Bootstrap(ctx context.Context, store Store) (*Config, error) {
	cfg, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	cfg = DefaultConfig()
	if err := store.Save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
