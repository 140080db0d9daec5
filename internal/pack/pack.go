// Package pack composes prebuilt read-only indexes into one queryable
// index, and writes the archives those indexes ship in.
//
// A pack archive is a zip file. Each sub-index's storage files live under
// their own prefix and are zstd-compressed; manifest.msgpack lists the
// sub-indexes. Attach accepts:
//   - a plain storage directory
//   - an archive path: every manifest entry for the pack's index id
//   - "archive.zip!/prefix": the single sub-index under prefix
//
// File ids are local to each sub-index, so results are reported per
// sub-index and never merged.
package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"fileindex/internal/index"
	"fileindex/internal/logging"
	"fileindex/internal/storage"
	"fileindex/internal/storage/container"
)

var (
	ErrDisposed    = errors.New("pack disposed")
	ErrNoSubIndex  = errors.New("no matching sub-index")
	ErrNotAttached = errors.New("owner not attached")
)

// Opener opens a read-only index over src.
type Opener[K comparable, V any] func(src storage.Source) (index.Reader[K, V], error)

// Config configures a Pack.
type Config[K comparable, V any] struct {
	// IndexID selects manifest entries when attaching archives.
	IndexID string
	Open    Opener[K, V]

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Result is the data one sub-index holds for a key.
type Result[V any] struct {
	Owner    string
	Location string
	Data     *container.Container[V]
}

type member[K comparable, V any] struct {
	owner    string
	location string
	idx      index.Reader[K, V]
}

// Pack is a read-only composition of independently built indexes.
type Pack[K comparable, V any] struct {
	cfg    Config[K, V]
	logger *slog.Logger

	mu       sync.RWMutex
	members  []*member[K, V]
	archives map[string][]io.Closer // by owner
	disposed bool
}

func New[K comparable, V any](cfg Config[K, V]) *Pack[K, V] {
	return &Pack[K, V]{
		cfg:      cfg,
		logger:   logging.Default(cfg.Logger).With("component", "pack", "index", cfg.IndexID),
		archives: make(map[string][]io.Closer),
	}
}

// Attach opens the sub-indexes found at p and adds them under owner.
func (p *Pack[K, V]) Attach(ctx context.Context, path, owner string) error {
	p.mu.RLock()
	disposed := p.disposed
	p.mu.RUnlock()
	if disposed {
		return ErrDisposed
	}

	members, closer, err := p.open(ctx, path, owner)
	if err != nil {
		return fmt.Errorf("attach %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		closeMembers(members)
		if closer != nil {
			_ = closer.Close()
		}
		return ErrDisposed
	}
	p.members = append(p.members, members...)
	if closer != nil {
		p.archives[owner] = append(p.archives[owner], closer)
	}
	p.logger.Info("pack attached", "owner", owner, "path", path, "sub_indexes", len(members))
	return nil
}

func (p *Pack[K, V]) open(ctx context.Context, path, owner string) ([]*member[K, V], io.Closer, error) {
	archivePath, prefix, nested := splitPath(path)
	if !nested {
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, err
		}
		if info.IsDir() {
			idx, err := p.cfg.Open(storage.DirSource(path))
			if err != nil {
				return nil, nil, err
			}
			return []*member[K, V]{{owner: owner, location: path, idx: idx}}, nil, nil
		}
	}

	a, err := OpenArchive(archivePath)
	if err != nil {
		return nil, nil, err
	}
	var entries []ManifestEntry
	for _, e := range a.Manifest.Entries {
		if (nested && e.Prefix == prefix) || (!nested && e.Name == p.cfg.IndexID) {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		_ = a.Close()
		return nil, nil, ErrNoSubIndex
	}

	members := make([]*member[K, V], len(entries))
	g, ctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			idx, err := p.cfg.Open(a.Sub(e.Prefix))
			if err != nil {
				return fmt.Errorf("%s: %w", e.Prefix, err)
			}
			members[i] = &member[K, V]{owner: owner, location: a.Path() + archiveSeparator + e.Prefix, idx: idx}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeMembers(members)
		_ = a.Close()
		return nil, nil, err
	}
	return members, a, nil
}

// Detach closes and removes every sub-index attached under owner.
func (p *Pack[K, V]) Detach(owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var gone []*member[K, V]
	p.members = slices.DeleteFunc(p.members, func(m *member[K, V]) bool {
		if m.owner == owner {
			gone = append(gone, m)
			return true
		}
		return false
	})
	if len(gone) == 0 {
		return fmt.Errorf("%w: %s", ErrNotAttached, owner)
	}
	err := closeMembers(gone)
	for _, c := range p.archives[owner] {
		err = errors.Join(err, c.Close())
	}
	delete(p.archives, owner)
	p.logger.Info("pack detached", "owner", owner, "sub_indexes", len(gone))
	return err
}

// Owners returns the owners with attached sub-indexes.
func (p *Pack[K, V]) Owners() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, m := range p.members {
		if !slices.Contains(out, m.owner) {
			out = append(out, m.owner)
		}
	}
	return out
}

// GetData queries every sub-index for key. Sub-indexes without the key
// contribute no result.
func (p *Pack[K, V]) GetData(ctx context.Context, key K) ([]Result[V], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.disposed {
		return nil, ErrDisposed
	}
	var out []Result[V]
	for _, m := range p.members {
		c, err := m.idx.GetData(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.location, err)
		}
		if !c.IsEmpty() {
			out = append(out, Result[V]{Owner: m.owner, Location: m.location, Data: c})
		}
	}
	return out, nil
}

// ProcessAllKeys calls fn for the keys of every sub-index until fn returns
// false. A key present in several sub-indexes is reported once per
// sub-index.
func (p *Pack[K, V]) ProcessAllKeys(ctx context.Context, fn func(K) bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.disposed {
		return ErrDisposed
	}
	stopped := false
	for _, m := range p.members {
		err := m.idx.ProcessAllKeys(ctx, func(k K) bool {
			if !fn(k) {
				stopped = true
			}
			return !stopped
		})
		if err != nil {
			return fmt.Errorf("%s: %w", m.location, err)
		}
		if stopped {
			return nil
		}
	}
	return nil
}

// Dispose closes every sub-index. The pack cannot be used afterwards.
func (p *Pack[K, V]) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil
	}
	p.disposed = true
	err := closeMembers(p.members)
	for _, cs := range p.archives {
		for _, c := range cs {
			err = errors.Join(err, c.Close())
		}
	}
	p.members, p.archives = nil, nil
	p.logger.Info("pack disposed")
	return err
}

func closeMembers[K comparable, V any](members []*member[K, V]) error {
	var err error
	for _, m := range members {
		if m != nil {
			err = errors.Join(err, m.idx.Close())
		}
	}
	return err
}
