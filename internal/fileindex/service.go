// Package fileindex composes indexes, indexing stamps and dirty-file
// tracking into the file-based index service: it keeps every registered
// index consistent with a changing file set and answers typed queries.
//
// Change notifications only mark files dirty. Work happens lazily when a
// query (or a background drain) calls EnsureUpToDate: pending rebuilds run
// first, then changed files are resolved to projects and reindexed.
package fileindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/time/rate"

	"fileindex/internal/callgroup"
	"fileindex/internal/dirty"
	"fileindex/internal/index"
	"fileindex/internal/logging"
	"fileindex/internal/notify"
	"fileindex/internal/stamp"
	"fileindex/internal/storage"
)

const (
	changedFileName  = "changed.bin"
	toUpdateFileName = "to-update.bin"
)

// ContentSource supplies the current content of files. A nil Content with
// a nil error means the file no longer exists.
type ContentSource interface {
	Content(ctx context.Context, fileID uint32) (*index.Content, error)
}

// IndexableFilesFilter decides which files are indexed and by which project.
type IndexableFilesFilter interface {
	dirty.ProjectResolver
	Projects() []dirty.ProjectID
	ProjectFiles(ctx context.Context, p dirty.ProjectID) ([]uint32, error)
}

// Config configures a Service.
type Config struct {
	Content ContentSource
	Filter  IndexableFilesFilter

	// Stamps records per-file indexed state. Nil means an in-memory store.
	Stamps *stamp.Store

	// DirtyDir persists dirty-file sets across restarts. Empty disables it.
	DirtyDir string

	// Limiter throttles reindexing. Nil means unthrottled.
	Limiter *rate.Limiter

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Service is the file-based index.
type Service struct {
	registry *Registry
	stamps   *stamp.Store
	changed  *dirty.ChangedFilesCollector
	toUpdate *dirty.FilesToUpdateCollector
	content  ContentSource
	filter   IndexableFilesFilter
	dirtyDir string

	drains    callgroup.Group[dirty.ProjectID]
	rebuilds  callgroup.Group[string]
	batch     *index.BatchHelper
	updated   *notify.Signal
	modStamps modStamps

	logger *slog.Logger
}

// drainingKey marks contexts derived inside a drain; EnsureUpToDate called
// with such a context is a no-op.
type drainingKey struct{}

// New builds a service. Dirty sets saved by a previous Flush are restored.
func New(cfg Config) (*Service, error) {
	if cfg.Content == nil || cfg.Filter == nil {
		return nil, errors.New("fileindex: content source and filter are required")
	}
	logger := logging.Default(cfg.Logger).With("component", "fileindex")

	s := &Service{
		registry: NewRegistry(),
		stamps:   cfg.Stamps,
		changed:  dirty.NewChangedFilesCollector(cfg.Logger),
		toUpdate: dirty.NewFilesToUpdateCollector(dirty.UpdateConfig{Limiter: cfg.Limiter, Logger: cfg.Logger}),
		content:  cfg.Content,
		filter:   cfg.Filter,
		dirtyDir: cfg.DirtyDir,
		batch:    index.NewBatchHelper(),
		updated:  notify.NewSignal(),
		logger:   logger,
	}
	if s.stamps == nil {
		s.stamps = stamp.NewMemory()
	}

	if s.dirtyDir != "" {
		changed, err := dirty.LoadSet(filepath.Join(s.dirtyDir, changedFileName))
		if err != nil {
			return nil, err
		}
		toUpdate, err := dirty.LoadSet(filepath.Join(s.dirtyDir, toUpdateFileName))
		if err != nil {
			return nil, err
		}
		s.changed.Restore(changed)
		s.toUpdate.Restore(toUpdate)
		if n := changed.Len() + toUpdate.Len(); n > 0 {
			logger.Info("restored dirty files", "files", n)
		}
	}
	return s, nil
}

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Stamps() *stamp.Store { return s.stamps }

// Register adds idx to the service and records its version with the stamps.
func (s *Service) Register(idx index.Updatable) error {
	if err := s.stamps.RegisterIndexVersion(idx.ID(), idx.Version()); err != nil {
		return fmt.Errorf("register %s: %w", idx.ID(), err)
	}
	if err := s.registry.Register(idx); err != nil {
		return err
	}
	s.modStamps.seed(idx.ID())
	s.logger.Info("index registered", "index", idx.ID(), "version", idx.Version(), "read_only", idx.ReadOnly())
	return nil
}

// Unregister removes the index registered under id without closing it.
func (s *Service) Unregister(id string) (index.Updatable, bool) {
	return s.registry.Unregister(id)
}

// FileContentChanged records that fileID's content changed.
func (s *Service) FileContentChanged(fileID uint32) {
	s.changed.MarkDirty(fileID)
}

// FileDeleted records that fileID is gone. Its data is wiped on the next
// EnsureUpToDate.
func (s *Service) FileDeleted(fileID uint32) {
	s.changed.MarkDirty(fileID)
}

// RequestReindex forces every index to re-run its indexer on fileID even
// if the content did not change.
func (s *Service) RequestReindex(fileID uint32) error {
	for _, id := range s.registry.IDs() {
		if err := s.stamps.SetFileIndexedStateOutdated(fileID, id); err != nil {
			return err
		}
	}
	s.changed.MarkDirty(fileID)
	return nil
}

// Rescan marks every indexable file dirty, along with every file holding
// stamps so that files deleted or excluded meanwhile are wiped. Files
// whose stamps are current are skipped cheaply when drained.
func (s *Service) Rescan(ctx context.Context) error {
	for _, p := range s.filter.Projects() {
		files, err := s.filter.ProjectFiles(ctx, p)
		if err != nil {
			return fmt.Errorf("list files of %q: %w", p, err)
		}
		for _, f := range files {
			s.changed.MarkDirty(f)
		}
	}
	for _, f := range s.stamps.Files() {
		s.changed.MarkDirty(f)
	}
	return nil
}

// IsDirty reports whether fileID awaits reindexing.
func (s *Service) IsDirty(fileID uint32) bool {
	return s.changed.ContainsFile(fileID) || s.toUpdate.ContainsFile(fileID)
}

// ProjectDirtyFiles returns the files resolved to p that await reindexing.
func (s *Service) ProjectDirtyFiles(p dirty.ProjectID) []uint32 {
	return s.toUpdate.ProjectDirtyFiles(p).ToArray()
}

// EnsureUpToDate brings indexID up to date for files of scope. An empty
// scope covers every project. Concurrent calls for the same scope share
// one drain. Calls made from inside a drain return immediately.
func (s *Service) EnsureUpToDate(ctx context.Context, indexID string, scope dirty.ProjectID) error {
	if ctx.Value(drainingKey{}) != nil {
		return nil
	}
	idx, err := s.registry.Lookup(indexID)
	if err != nil {
		return err
	}
	if err := s.checkRebuild(ctx, idx); err != nil {
		return err
	}
	if err := s.changed.EnsureUpToDate(ctx, s.filter, s.toUpdate); err != nil {
		return err
	}

	projects := []dirty.ProjectID{scope}
	if scope == dirty.Unassigned {
		projects = s.toUpdate.DirtyFiles().Projects()
	} else {
		projects = append(projects, dirty.Unassigned)
	}
	for _, p := range projects {
		if err := s.drain(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) drain(ctx context.Context, p dirty.ProjectID) error {
	return s.drains.Do(ctx, p, func() error {
		dctx := context.WithValue(ctx, drainingKey{}, true)
		n := 0
		err := s.toUpdate.Drain(dctx, p, func(ctx context.Context, fileID uint32) error {
			n++
			if p == dirty.Unassigned {
				return s.wipeFile(ctx, fileID)
			}
			return s.indexFile(ctx, p, fileID)
		})
		if n > 0 {
			s.updated.Notify()
		}
		return err
	})
}

// Updated returns the signal fired after every drain that processed files.
func (s *Service) Updated() *notify.Signal { return s.updated }

// indexFile brings every registered index up to date for fileID, a file
// of project p. A file an indexer failed on stays dirty.
func (s *Service) indexFile(ctx context.Context, p dirty.ProjectID, fileID uint32) error {
	content, err := s.content.Content(ctx, fileID)
	if err != nil {
		if storage.IsCanceled(err) {
			return err
		}
		s.logger.Warn("cannot read file, skipping", "file", fileID, "error", err)
		return nil
	}
	if content == nil {
		return s.wipeFile(ctx, fileID)
	}

	failed := false
	for _, idx := range s.registry.All() {
		if idx.ReadOnly() || idx.NeedsRebuild() {
			continue
		}
		if s.stamps.FileIndexedState(fileID, idx.ID(), content.Version) == stamp.Current {
			continue
		}
		before := idx.ModificationStamp()
		ok, err := idx.UpdateFile(ctx, fileID, content)
		if idx.ModificationStamp() != before {
			s.modStamps.bump(idx.ID(), p)
		}
		switch {
		case storage.IsCanceled(err) || storage.IsStorageError(err):
			return err
		case err != nil:
			s.logger.Warn("indexer failed", "index", idx.ID(), "file", fileID, "error", err)
			failed = true
		case !ok:
			// Lost a race with a concurrent update; index the file again.
			s.changed.MarkDirty(fileID)
		default:
			if err := s.stamps.SetFileIndexedStateCurrent(fileID, idx.ID(), content.Version); err != nil {
				return err
			}
		}
	}
	if failed {
		s.changed.MarkDirty(fileID)
		return nil
	}
	return s.stamps.SetFileIndexed(fileID, content.Version)
}

// wipeFile removes fileID's data from every index.
func (s *Service) wipeFile(ctx context.Context, fileID uint32) error {
	for _, idx := range s.registry.All() {
		if idx.ReadOnly() || idx.NeedsRebuild() {
			continue
		}
		before := idx.ModificationStamp()
		_, err := idx.UpdateFile(ctx, fileID, nil)
		if idx.ModificationStamp() != before {
			// The file's former project is unknown.
			s.modStamps.bump(idx.ID(), dirty.Unassigned)
		}
		if err != nil {
			return err
		}
	}
	return s.stamps.DropFile(fileID)
}

// checkRebuild runs a pending rebuild of idx once, however many callers
// observe it.
func (s *Service) checkRebuild(ctx context.Context, idx index.Updatable) error {
	if idx.RebuildStatus() != index.StatusRequiresRebuild || idx.ReadOnly() {
		return nil
	}
	return s.rebuilds.Do(ctx, idx.ID(), func() error {
		if !idx.BeginRebuild() {
			return nil
		}
		err := s.rebuild(ctx, idx)
		idx.FinishRebuild(err == nil)
		return err
	})
}

// rebuild queues every indexable file for idx and then clears it. The
// queued state is made durable before the clear, so a crash in between
// leaves the files unindexed and dirty rather than current with no data.
func (s *Service) rebuild(ctx context.Context, idx index.Updatable) error {
	s.logger.Info("rebuilding index", "index", idx.ID(), "cause", idx.RebuildCause())

	var files []uint32
	for _, p := range s.filter.Projects() {
		pf, err := s.filter.ProjectFiles(ctx, p)
		if err != nil {
			return fmt.Errorf("list files of %q: %w", p, err)
		}
		files = append(files, pf...)
	}
	files = append(files, s.stamps.Files()...)

	for _, f := range files {
		if err := s.stamps.SetFileIndexedStateUnindexed(f, idx.ID()); err != nil {
			return err
		}
		s.changed.MarkDirty(f)
	}
	if err := s.stamps.Force(); err != nil {
		return err
	}
	if err := s.saveDirty(); err != nil {
		return err
	}

	if err := idx.Clear(); err != nil {
		return fmt.Errorf("clear %s: %w", idx.ID(), err)
	}
	s.modStamps.bump(idx.ID(), dirty.Unassigned)
	s.logger.Info("index rebuild queued files", "index", idx.ID(), "files", len(files))
	return nil
}

// GetIndexModificationStamp returns indexID's stamp after bringing it up
// to date for scope. A project scope gets a stamp that moves only when data
// of that project (or of a wiped file) changed; an empty scope gets the
// index-wide stamp.
func (s *Service) GetIndexModificationStamp(ctx context.Context, indexID string, scope dirty.ProjectID) (int64, error) {
	if err := s.EnsureUpToDate(ctx, indexID, scope); err != nil {
		return 0, err
	}
	idx, err := s.registry.Lookup(indexID)
	if err != nil {
		return 0, err
	}
	if scope == dirty.Unassigned {
		return idx.ModificationStamp(), nil
	}
	return s.modStamps.get(indexID, scope), nil
}

// Flush makes indexes, stamps and dirty sets durable.
func (s *Service) Flush(ctx context.Context) error {
	if err := s.batch.ForceAll(ctx, s.registry.All()); err != nil {
		return err
	}
	if err := s.stamps.Force(); err != nil {
		return err
	}
	return s.saveDirty()
}

func (s *Service) saveDirty() error {
	if s.dirtyDir == "" {
		return nil
	}
	return errors.Join(
		s.changed.Set().Save(filepath.Join(s.dirtyDir, changedFileName)),
		s.toUpdate.DirtyFiles().Save(filepath.Join(s.dirtyDir, toUpdateFileName)),
	)
}

// Close flushes and closes every index and the stamp store.
func (s *Service) Close() error {
	err := s.Flush(context.Background())
	for _, idx := range s.registry.All() {
		err = errors.Join(err, idx.Close())
	}
	err = errors.Join(err, s.stamps.Close())
	s.logger.Info("file index closed")
	return err
}
