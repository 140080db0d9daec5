// Package dirty tracks files whose indexed data may be stale, partitioned
// by the project they belong to.
//
// Files enter through ChangedFilesCollector (project unknown), are resolved
// to projects and moved into FilesToUpdateCollector, and leave it only
// after they were successfully reindexed.
package dirty

import (
	"encoding/binary"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"fileindex/internal/format"
)

// ProjectID names a project. Unassigned holds files whose project is not
// known (or that belong to none).
type ProjectID string

const Unassigned ProjectID = ""

const setVersion = 0x01

// Set is a project-partitioned set of file ids. Safe for concurrent use.
type Set struct {
	mu    sync.RWMutex
	parts map[ProjectID]*roaring.Bitmap
}

func NewSet() *Set {
	return &Set{parts: make(map[ProjectID]*roaring.Bitmap)}
}

// Add puts fileID under p. It reports whether it was absent.
func (s *Set) Add(p ProjectID, fileID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.parts[p]
	if !ok {
		bm = roaring.New()
		s.parts[p] = bm
	}
	return bm.CheckedAdd(fileID)
}

// Remove deletes fileID from p. It reports whether it was present.
func (s *Set) Remove(p ProjectID, fileID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.parts[p]
	if !ok {
		return false
	}
	removed := bm.CheckedRemove(fileID)
	if bm.IsEmpty() {
		delete(s.parts, p)
	}
	return removed
}

func (s *Set) Contains(p ProjectID, fileID uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bm, ok := s.parts[p]
	return ok && bm.Contains(fileID)
}

// ContainsFile reports whether fileID is dirty under any project.
func (s *Set) ContainsFile(fileID uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, bm := range s.parts {
		if bm.Contains(fileID) {
			return true
		}
	}
	return false
}

// ProjectFiles returns a copy of p's files.
func (s *Set) ProjectFiles(p ProjectID) *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bm, ok := s.parts[p]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

// Files returns a copy of all files under every project.
func (s *Set) Files() *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := roaring.New()
	for _, bm := range s.parts {
		out.Or(bm)
	}
	return out
}

// Projects returns the projects with at least one file, sorted.
func (s *Set) Projects() []ProjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.parts))
}

// Len returns the number of (project, file) entries.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	for _, bm := range s.parts {
		n += bm.GetCardinality()
	}
	return int(n)
}

// Save writes the set to path atomically.
//
// Layout: header | partitions (uvarint) | per partition:
// nameLen (uvarint) | name | bitmapLen (uvarint) | roaring bitmap
func (s *Set) Save(path string) error {
	s.mu.RLock()
	h := format.Header{Type: format.TypeDirtySet, Version: setVersion}
	hdr := h.Encode()
	buf := append([]byte(nil), hdr[:]...)
	buf = binary.AppendUvarint(buf, uint64(len(s.parts)))
	for _, p := range slices.Sorted(maps.Keys(s.parts)) {
		bm, err := s.parts[p].ToBytes()
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("encode dirty set %q: %w", p, err)
		}
		buf = binary.AppendUvarint(buf, uint64(len(p)))
		buf = append(buf, p...)
		buf = binary.AppendUvarint(buf, uint64(len(bm)))
		buf = append(buf, bm...)
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dirty dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write dirty set: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename dirty set: %w", err)
	}
	return nil
}

// LoadSet reads a set saved by Save. A missing file yields an empty set.
func LoadSet(path string) (*Set, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the home layout
	if os.IsNotExist(err) {
		return NewSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dirty set: %w", err)
	}
	return decodeSet(data)
}

func decodeSet(data []byte) (*Set, error) {
	if _, err := format.DecodeAndValidate(data, format.TypeDirtySet, setVersion); err != nil {
		return nil, fmt.Errorf("dirty set header: %w", err)
	}
	pos := format.HeaderSize
	next := func() ([]byte, error) {
		n, k := binary.Uvarint(data[pos:])
		if k <= 0 || n > uint64(len(data)-pos-k) {
			return nil, fmt.Errorf("dirty set truncated at %d", pos)
		}
		pos += k
		b := data[pos : pos+int(n)]
		pos += int(n)
		return b, nil
	}

	count, k := binary.Uvarint(data[pos:])
	if k <= 0 {
		return nil, fmt.Errorf("dirty set truncated at %d", pos)
	}
	pos += k

	s := NewSet()
	for range count {
		name, err := next()
		if err != nil {
			return nil, err
		}
		raw, err := next()
		if err != nil {
			return nil, err
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("dirty set %q: %w", name, err)
		}
		if !bm.IsEmpty() {
			s.parts[ProjectID(name)] = bm
		}
	}
	return s, nil
}
