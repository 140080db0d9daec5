package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	known := []string{"words", "trigrams"}
	valid := Config{
		Projects: []ProjectConfig{{Name: "app", Roots: []string{"/src/app"}, Include: []string{"**/*.go"}}},
		Indexes:  []string{"words"},
	}
	if err := valid.Validate(known); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing name", func(c *Config) { c.Projects[0].Name = "" }, "name is required"},
		{"no roots", func(c *Config) { c.Projects[0].Roots = nil }, "at least one root"},
		{"relative root", func(c *Config) { c.Projects[0].Roots = []string{"src"} }, "must be absolute"},
		{"bad pattern", func(c *Config) { c.Projects[0].Exclude = []string{"[unclosed"} }, "bad pattern"},
		{"duplicate project", func(c *Config) { c.Projects = append(c.Projects, c.Projects[0]) }, "duplicate project"},
		{"unknown index", func(c *Config) { c.Indexes = []string{"symbols"} }, "unknown index"},
		{"bad interval", func(c *Config) { c.Scheduler.FlushInterval = StringPtr("soon") }, "flushInterval"},
		{"negative interval", func(c *Config) { c.Scheduler.DrainInterval = StringPtr("-1s") }, "negative duration"},
		{"bad cron", func(c *Config) { c.Scheduler.CompactCron = StringPtr("not a cron") }, "invalid cron"},
		{"negative rate", func(c *Config) { c.Indexing.RateLimit = Float64Ptr(-1) }, "negative rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			c.Projects = []ProjectConfig{valid.Projects[0]}
			tt.mutate(&c)
			err := c.Validate(known)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSchedulerIntervals(t *testing.T) {
	var c SchedulerConfig
	if d, _ := c.Flush(); d != DefaultFlushInterval {
		t.Errorf("expected default flush %s, got %s", DefaultFlushInterval, d)
	}
	c.DrainInterval = StringPtr("0")
	if d, err := c.Drain(); err != nil || d != 0 {
		t.Errorf("expected disabled drain, got %s %v", d, err)
	}
	c.FlushInterval = StringPtr("1m30s")
	if d, _ := c.Flush(); d != 90*time.Second {
		t.Errorf("expected 90s, got %s", d)
	}
}

func TestValidateCron(t *testing.T) {
	for _, expr := range []string{"0 3 * * *", "30 0 * * * *", ""} {
		c := SchedulerConfig{CompactCron: StringPtr(expr)}
		if err := c.ValidateCron(); err != nil {
			t.Errorf("cron %q: unexpected error %v", expr, err)
		}
	}
}

func TestProjectLookup(t *testing.T) {
	c := Config{Projects: []ProjectConfig{{Name: "a"}, {Name: "b", Roots: []string{"/b"}}}}
	p, ok := c.Project("b")
	if !ok || p.Roots[0] != "/b" {
		t.Errorf("expected project b, got %+v %v", p, ok)
	}
	if _, ok := c.Project("c"); ok {
		t.Error("expected missing project")
	}
}
