package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"fileindex/internal/config"
	configfile "fileindex/internal/config/file"
	"fileindex/internal/dirty"
	"fileindex/internal/fileindex"
	"fileindex/internal/home"
	"fileindex/internal/indexers"
	"fileindex/internal/stamp"
	"fileindex/internal/vfs"
)

// env is an opened home directory: configuration, path table and a file
// index service with every configured index registered.
type env struct {
	home    home.Dir
	store   config.Store
	cfg     *config.Config
	table   *vfs.PathTable
	filter  *vfs.ProjectFilter
	content *vfs.DiskContentSource
	svc     *fileindex.Service
	logger  *slog.Logger
}

// openConfig resolves the home directory and loads its configuration,
// writing the defaults on first use.
func openConfig(ctx context.Context, cmd *cobra.Command) (home.Dir, config.Store, *config.Config, error) {
	hd, err := resolveHome(cmd)
	if err != nil {
		return home.Dir{}, nil, nil, fmt.Errorf("resolve home directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return home.Dir{}, nil, nil, err
	}
	store := configfile.NewStore(hd.ConfigPath())
	cfg, err := config.Bootstrap(ctx, store)
	if err != nil {
		return home.Dir{}, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(indexers.Names()); err != nil {
		return home.Dir{}, nil, nil, err
	}
	return hd, store, cfg, nil
}

func openEnv(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*env, error) {
	hd, store, cfg, err := openConfig(ctx, cmd)
	if err != nil {
		return nil, err
	}
	logger.Debug("home directory", "path", hd.Root())

	table, err := vfs.OpenPathTable(hd.PathTableFile(), logger)
	if err != nil {
		return nil, err
	}
	e := &env{
		home:    hd,
		store:   store,
		cfg:     cfg,
		table:   table,
		filter:  vfs.NewProjectFilter(table, cfg.Projects),
		content: vfs.NewDiskContentSource(table),
		logger:  logger,
	}

	maxCached := 0
	if cfg.Indexing.MaxCachedStamps != nil {
		maxCached = *cfg.Indexing.MaxCachedStamps
	}
	stamps, err := stamp.Open(stamp.Config{Dir: hd.StampsDir(), MaxCachedFiles: maxCached, Logger: logger})
	if err != nil {
		_ = table.Close()
		return nil, err
	}

	svc, err := fileindex.New(fileindex.Config{
		Content:  e.content,
		Filter:   e.filter,
		Stamps:   stamps,
		DirtyDir: hd.DirtyDir(),
		Limiter:  newLimiter(cfg.Indexing),
		Logger:   logger,
	})
	if err != nil {
		_ = stamps.Close()
		_ = table.Close()
		return nil, err
	}
	e.svc = svc

	for _, name := range cfg.Indexes {
		idx, err := indexers.Open(name, hd.IndexDir(name), logger)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("open index %s: %w", name, err)
		}
		if err := svc.Register(idx); err != nil {
			_ = idx.Close()
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

// newLimiter returns nil when reindexing is unthrottled.
func newLimiter(c config.IndexingConfig) *rate.Limiter {
	if c.RateLimit == nil || *c.RateLimit <= 0 {
		return nil
	}
	burst := 0
	if c.Burst != nil {
		burst = *c.Burst
	}
	return rate.NewLimiter(rate.Limit(*c.RateLimit), cmp.Or(burst, 1))
}

// scope maps an optional project name to a dirty.ProjectID, checking that
// the project is configured.
func (e *env) scope(name string) (dirty.ProjectID, error) {
	if name == "" {
		return dirty.Unassigned, nil
	}
	if _, ok := e.cfg.Project(name); !ok {
		return "", fmt.Errorf("unknown project %q", name)
	}
	return dirty.ProjectID(name), nil
}

// refresh marks every project file dirty and brings all indexes up to date
// for scope.
func (e *env) refresh(ctx context.Context, scope dirty.ProjectID) error {
	if err := e.svc.Rescan(ctx); err != nil {
		return err
	}
	for _, id := range e.svc.Registry().IDs() {
		if err := e.svc.EnsureUpToDate(ctx, id, scope); err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
	}
	return nil
}

// path resolves a file id to its path, falling back to the id.
func (e *env) path(id uint32) string {
	p, err := e.table.Path(id)
	if err != nil {
		return fmt.Sprintf("#%d", id)
	}
	return p
}

func (e *env) Close() error {
	return errors.Join(e.svc.Close(), e.table.Close())
}
