// Package config provides operator configuration persistence for fileindex.
//
// Config names the projects whose files are indexed, the stock indexes to
// maintain, and how background work is scheduled and throttled. It is
// control-plane state, read when the service starts.
//
// Store does not validate config semantics. It only ensures the data can be
// serialized and deserialized. Semantic validation (duplicate project names,
// unknown indexes, malformed durations) is Config.Validate's job, called by
// the component that consumes the config.
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-co-op/gocron/v2"
)

// Store persists and loads the configuration.
type Store interface {
	// Load reads the full configuration. Returns nil if nothing exists (bootstrap signal).
	Load(ctx context.Context) (*Config, error)
	Save(ctx context.Context, cfg *Config) error

	// Projects
	GetProject(ctx context.Context, name string) (*ProjectConfig, error)
	ListProjects(ctx context.Context) ([]ProjectConfig, error)
	PutProject(ctx context.Context, p ProjectConfig) error
	DeleteProject(ctx context.Context, name string) error
}

// Config describes what to index and how.
type Config struct {
	Projects  []ProjectConfig `json:"projects,omitempty"`
	Indexes   []string        `json:"indexes,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Indexing  IndexingConfig  `json:"indexing"`
}

// ProjectConfig is a named set of files. A file belongs to the first
// project whose roots contain it, that an include pattern matches and no
// exclude pattern matches.
type ProjectConfig struct {
	Name  string   `json:"name"`
	Roots []string `json:"roots"`

	// Include and Exclude are doublestar patterns matched against paths
	// relative to the root, with forward slashes. No includes means "**".
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// SchedulerConfig controls background jobs. Durations use Go syntax
// ("30s", "5m"). Nil means the default; "0" disables the job.
type SchedulerConfig struct {
	// FlushInterval makes indexes, stamps and dirty sets durable.
	FlushInterval *string `json:"flushInterval,omitempty"`

	// DrainInterval reindexes dirty files ahead of queries.
	DrainInterval *string `json:"drainInterval,omitempty"`

	// CompactCron compacts index storage on a fixed schedule using cron
	// syntax (5-field or 6-field).
	CompactCron *string `json:"compactCron,omitempty"`
}

// IndexingConfig throttles reindexing.
type IndexingConfig struct {
	// RateLimit is the maximum number of files reindexed per second by
	// background drains. Nil or zero means unlimited.
	RateLimit *float64 `json:"rateLimit,omitempty"`
	Burst     *int     `json:"burst,omitempty"`

	// MaxCachedStamps bounds the indexing stamp write-back cache.
	MaxCachedStamps *int `json:"maxCachedStamps,omitempty"`
}

// Default scheduler intervals.
const (
	DefaultFlushInterval = 30 * time.Second
	DefaultDrainInterval = 10 * time.Second
)

var ErrInvalidConfig = errors.New("invalid config")

// Project returns the project called name.
func (c *Config) Project(name string) (ProjectConfig, bool) {
	i := slices.IndexFunc(c.Projects, func(p ProjectConfig) bool { return p.Name == name })
	if i < 0 {
		return ProjectConfig{}, false
	}
	return c.Projects[i], true
}

// Validate checks the config against the known index names.
func (c *Config) Validate(knownIndexes []string) error {
	var errs []error
	seen := make(map[string]bool)
	for _, p := range c.Projects {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate project %q", p.Name))
		}
		seen[p.Name] = true
	}
	for _, id := range c.Indexes {
		if !slices.Contains(knownIndexes, id) {
			errs = append(errs, fmt.Errorf("unknown index %q", id))
		}
	}
	if _, err := c.Scheduler.Flush(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Scheduler.Drain(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Scheduler.ValidateCron(); err != nil {
		errs = append(errs, err)
	}
	if r := c.Indexing.RateLimit; r != nil && *r < 0 {
		errs = append(errs, fmt.Errorf("negative rate limit %v", *r))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks the project's name, roots and patterns.
func (p ProjectConfig) Validate() error {
	if p.Name == "" {
		return errors.New("project name is required")
	}
	if len(p.Roots) == 0 {
		return fmt.Errorf("project %q: at least one root is required", p.Name)
	}
	for _, r := range p.Roots {
		if !filepath.IsAbs(r) {
			return fmt.Errorf("project %q: root %q must be absolute", p.Name, r)
		}
	}
	for _, pat := range slices.Concat(p.Include, p.Exclude) {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("project %q: bad pattern %q", p.Name, pat)
		}
	}
	return nil
}

// Flush returns the flush interval. Zero means disabled.
func (c SchedulerConfig) Flush() (time.Duration, error) {
	return parseInterval("flushInterval", c.FlushInterval, DefaultFlushInterval)
}

// Drain returns the drain interval. Zero means disabled.
func (c SchedulerConfig) Drain() (time.Duration, error) {
	return parseInterval("drainInterval", c.DrainInterval, DefaultDrainInterval)
}

// ValidateCron checks whether CompactCron contains a valid cron expression.
// Returns nil if CompactCron is nil or valid, an error otherwise.
func (c SchedulerConfig) ValidateCron() error {
	if c.CompactCron == nil || *c.CompactCron == "" {
		return nil
	}
	cr := gocron.NewDefaultCron(true)
	if err := cr.IsValid(*c.CompactCron, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

func parseInterval(name string, s *string, def time.Duration) (time.Duration, error) {
	if s == nil || *s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", name, d)
	}
	return d, nil
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 { return &f }
