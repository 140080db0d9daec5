package fileindex

import (
	"cmp"
	"context"
	"slices"

	"github.com/RoaringBitmap/roaring"

	"fileindex/internal/dirty"
	"fileindex/internal/index"
)

// Typed queries are functions rather than methods because Go methods
// cannot introduce type parameters. Each brings the index up to date for
// scope first. While an index needs a rebuild, queries return empty results.

// prepare resolves the typed index and brings it up to date. A nil reader
// with a nil error means results must be empty.
func prepare[K comparable, V any](ctx context.Context, s *Service, indexID string, scope dirty.ProjectID) (index.Reader[K, V], error) {
	r, err := lookupReader[K, V](s.registry, indexID)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureUpToDate(ctx, indexID, scope); err != nil {
		return nil, err
	}
	if r.NeedsRebuild() {
		return nil, nil
	}
	return r, nil
}

// swallow turns storage failures into empty results. The index has already
// scheduled its own rebuild.
func (s *Service) swallow(r index.Updatable, err error) error {
	if err == nil || !r.NeedsRebuild() {
		return err
	}
	s.logger.Warn("query on corrupted index, returning empty result", "index", r.ID(), "error", err)
	return nil
}

// inScope returns the filter for files belonging to scope.
func (s *Service) inScope(scope dirty.ProjectID) func(uint32) bool {
	if scope == dirty.Unassigned {
		return func(uint32) bool { return true }
	}
	return func(id uint32) bool {
		p, ok := s.filter.FindProjectForFile(id)
		return ok && p == scope
	}
}

func (s *Service) scoped(files *roaring.Bitmap, scope dirty.ProjectID) *roaring.Bitmap {
	if scope == dirty.Unassigned {
		return files
	}
	keep := s.inScope(scope)
	out := roaring.New()
	files.Iterate(func(id uint32) bool {
		if keep(id) {
			out.Add(id)
		}
		return true
	})
	return out
}

// GetData returns, for each file in scope containing key, the value it
// associated with key.
func GetData[K comparable, V any](ctx context.Context, s *Service, indexID string, key K, scope dirty.ProjectID) (map[uint32]V, error) {
	r, err := prepare[K, V](ctx, s, indexID, scope)
	if r == nil {
		return map[uint32]V{}, err
	}
	c, err := r.GetData(ctx, key)
	if err != nil {
		return map[uint32]V{}, s.swallow(r, err)
	}
	keep := s.inScope(scope)
	out := make(map[uint32]V)
	c.ForEach(func(v V, files *roaring.Bitmap) bool {
		files.Iterate(func(id uint32) bool {
			if keep(id) {
				out[id] = v
			}
			return true
		})
		return true
	})
	return out, nil
}

// GetValues returns the distinct values stored for key by files in scope.
func GetValues[K comparable, V any](ctx context.Context, s *Service, indexID string, key K, scope dirty.ProjectID) ([]V, error) {
	r, err := prepare[K, V](ctx, s, indexID, scope)
	if r == nil {
		return nil, err
	}
	c, err := r.GetData(ctx, key)
	if err != nil {
		return nil, s.swallow(r, err)
	}
	var out []V
	c.ForEach(func(v V, files *roaring.Bitmap) bool {
		if !s.scoped(files, scope).IsEmpty() {
			out = append(out, v)
		}
		return true
	})
	return out, nil
}

// GetContainingFiles returns the files in scope that contain key.
func GetContainingFiles[K comparable, V any](ctx context.Context, s *Service, indexID string, key K, scope dirty.ProjectID) (*roaring.Bitmap, error) {
	r, err := prepare[K, V](ctx, s, indexID, scope)
	if r == nil {
		return roaring.New(), err
	}
	c, err := r.GetData(ctx, key)
	if err != nil {
		return roaring.New(), s.swallow(r, err)
	}
	return s.scoped(c.FileIDs(), scope), nil
}

// GetFilesWithAllKeys returns the files in scope that contain every key.
// Sets are intersected smallest first.
func GetFilesWithAllKeys[K comparable, V any](ctx context.Context, s *Service, indexID string, keys []K, scope dirty.ProjectID) (*roaring.Bitmap, error) {
	r, err := prepare[K, V](ctx, s, indexID, scope)
	if r == nil || len(keys) == 0 {
		return roaring.New(), err
	}
	sets := make([]*roaring.Bitmap, 0, len(keys))
	for _, k := range keys {
		c, err := r.GetData(ctx, k)
		if err != nil {
			return roaring.New(), s.swallow(r, err)
		}
		files := c.FileIDs()
		if files.IsEmpty() {
			return roaring.New(), nil
		}
		sets = append(sets, files)
	}
	slices.SortFunc(sets, func(a, b *roaring.Bitmap) int {
		return cmp.Compare(a.GetCardinality(), b.GetCardinality())
	})
	out := sets[0].Clone()
	for _, set := range sets[1:] {
		out.And(set)
		if out.IsEmpty() {
			break
		}
	}
	return s.scoped(out, scope), nil
}

// ProcessAllKeys calls fn for every key held by at least one file until fn
// returns false. Keys are not restricted to scope.
func ProcessAllKeys[K comparable, V any](ctx context.Context, s *Service, indexID string, scope dirty.ProjectID, fn func(K) bool) error {
	r, err := prepare[K, V](ctx, s, indexID, scope)
	if r == nil {
		return err
	}
	return s.swallow(r, r.ProcessAllKeys(ctx, fn))
}

// GetAllKeys returns every key held by at least one file.
func GetAllKeys[K comparable, V any](ctx context.Context, s *Service, indexID string, scope dirty.ProjectID) ([]K, error) {
	var keys []K
	err := ProcessAllKeys[K, V](ctx, s, indexID, scope, func(k K) bool {
		keys = append(keys, k)
		return true
	})
	return keys, err
}

// GetFileData returns the pairs indexID holds for fileID.
func GetFileData[K comparable, V any](ctx context.Context, s *Service, indexID string, fileID uint32) (map[K]V, error) {
	scope, _ := s.filter.FindProjectForFile(fileID)
	r, err := prepare[K, V](ctx, s, indexID, scope)
	if r == nil {
		return map[K]V{}, err
	}
	data, err := r.GetIndexedFileData(fileID)
	if err != nil {
		return map[K]V{}, s.swallow(r, err)
	}
	return data, nil
}
