package dirty

import (
	"context"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/time/rate"

	"fileindex/internal/logging"
)

// ProjectResolver maps a file to the project that indexes it.
type ProjectResolver interface {
	FindProjectForFile(fileID uint32) (ProjectID, bool)
}

// ChangedFilesCollector receives change notifications before the owning
// project of each file is known.
type ChangedFilesCollector struct {
	set *Set

	// transfer serializes moves into a FilesToUpdateCollector.
	transfer sync.Mutex
	logger   *slog.Logger
}

func NewChangedFilesCollector(logger *slog.Logger) *ChangedFilesCollector {
	return &ChangedFilesCollector{
		set:    NewSet(),
		logger: logging.Default(logger).With("component", "changed-files"),
	}
}

// MarkDirty records that fileID changed.
func (c *ChangedFilesCollector) MarkDirty(fileID uint32) {
	c.set.Add(Unassigned, fileID)
}

// DirtyFiles returns a copy of the pending files.
func (c *ChangedFilesCollector) DirtyFiles() *roaring.Bitmap {
	return c.set.ProjectFiles(Unassigned)
}

// ContainsFile reports whether fileID is pending transfer.
func (c *ChangedFilesCollector) ContainsFile(fileID uint32) bool {
	return c.set.ContainsFile(fileID)
}

// Set exposes the backing set for persistence.
func (c *ChangedFilesCollector) Set() *Set {
	return c.set
}

// Restore merges a previously saved set into the collector.
func (c *ChangedFilesCollector) Restore(s *Set) {
	s.Files().Iterate(func(id uint32) bool {
		c.MarkDirty(id)
		return true
	})
}

// EnsureUpToDate moves every pending file into target under the project
// resolver assigns to it. Files without a project move to Unassigned so
// their data gets wiped. A file is added to target before it is removed
// here, so it is never absent from both.
func (c *ChangedFilesCollector) EnsureUpToDate(ctx context.Context, resolver ProjectResolver, target *FilesToUpdateCollector) error {
	c.transfer.Lock()
	defer c.transfer.Unlock()

	var (
		moved int
		err   error
	)
	c.set.ProjectFiles(Unassigned).Iterate(func(id uint32) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		p, ok := resolver.FindProjectForFile(id)
		if !ok {
			p = Unassigned
		}
		target.Add(p, id)
		c.set.Remove(Unassigned, id)
		moved++
		return true
	})
	if moved > 0 {
		c.logger.Debug("dirty files transferred", "files", moved)
	}
	return err
}

// FilesToUpdateCollector holds files awaiting reindexing, by project.
type FilesToUpdateCollector struct {
	set     *Set
	limiter *rate.Limiter

	// gen counts additions per file so a drain never drops a file that was
	// marked dirty again while it was being processed.
	mu  sync.Mutex
	gen map[uint32]uint64

	logger *slog.Logger
}

// UpdateConfig configures a FilesToUpdateCollector.
type UpdateConfig struct {
	// Limiter throttles Drain. Nil means unthrottled.
	Limiter *rate.Limiter

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

func NewFilesToUpdateCollector(cfg UpdateConfig) *FilesToUpdateCollector {
	return &FilesToUpdateCollector{
		set:     NewSet(),
		limiter: cfg.Limiter,
		gen:     make(map[uint32]uint64),
		logger:  logging.Default(cfg.Logger).With("component", "files-to-update"),
	}
}

// Add marks fileID dirty under p.
func (c *FilesToUpdateCollector) Add(p ProjectID, fileID uint32) {
	c.mu.Lock()
	c.gen[fileID]++
	c.set.Add(p, fileID)
	c.mu.Unlock()
}

// DirtyFiles returns the backing set.
func (c *FilesToUpdateCollector) DirtyFiles() *Set {
	return c.set
}

// ProjectDirtyFiles returns a copy of p's pending files.
func (c *FilesToUpdateCollector) ProjectDirtyFiles(p ProjectID) *roaring.Bitmap {
	return c.set.ProjectFiles(p)
}

func (c *FilesToUpdateCollector) ContainsFile(fileID uint32) bool {
	return c.set.ContainsFile(fileID)
}

// Restore merges a previously saved set into the collector.
func (c *FilesToUpdateCollector) Restore(s *Set) {
	for _, p := range s.Projects() {
		s.ProjectFiles(p).Iterate(func(id uint32) bool {
			c.Add(p, id)
			return true
		})
	}
}

// Drain calls fn for each of p's pending files. A file leaves the
// collector only after fn succeeds for it and it was not re-added in the
// meantime. Drain stops at the first error or cancellation; unprocessed
// files stay dirty.
func (c *FilesToUpdateCollector) Drain(ctx context.Context, p ProjectID, fn func(ctx context.Context, fileID uint32) error) error {
	var (
		done int
		err  error
	)
	c.set.ProjectFiles(p).Iterate(func(id uint32) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		if c.limiter != nil {
			if err = c.limiter.Wait(ctx); err != nil {
				return false
			}
		}
		c.mu.Lock()
		gen := c.gen[id]
		c.mu.Unlock()

		if err = fn(ctx, id); err != nil {
			return false
		}

		c.mu.Lock()
		if c.gen[id] == gen {
			c.set.Remove(p, id)
			if !c.set.ContainsFile(id) {
				delete(c.gen, id)
			}
		}
		c.mu.Unlock()
		done++
		return true
	})
	if done > 0 {
		c.logger.Debug("dirty files drained", "project", p, "files", done, "error", err)
	}
	return err
}
