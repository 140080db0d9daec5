package stamp

import (
	"errors"
	"slices"
	"testing"
)

func openStore(t *testing.T, dir string, maxCache int) *Store {
	t.Helper()
	s, err := Open(Config{Dir: dir, MaxCachedFiles: maxCache})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func mustDo(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestStateTransitions(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store func(t *testing.T) *Store
	}{
		{"memory", func(*testing.T) *Store { return NewMemory() }},
		{"persistent", func(t *testing.T) *Store {
			s := openStore(t, t.TempDir(), 0)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.store(t)
			mustDo(t, s.RegisterIndexVersion("words", 1))

			if got := s.FileIndexedState(1, "words", 10); got != Unindexed {
				t.Fatalf("expected unindexed, got %s", got)
			}
			mustDo(t, s.SetFileIndexedStateCurrent(1, "words", 10))
			if got := s.FileIndexedState(1, "words", 10); got != Current {
				t.Errorf("expected current, got %s", got)
			}
			if got := s.FileIndexedState(1, "words", 11); got != Outdated {
				t.Errorf("content change must read outdated, got %s", got)
			}

			mustDo(t, s.SetFileIndexedStateOutdated(1, "words"))
			if got := s.FileIndexedState(1, "words", 10); got != Outdated {
				t.Errorf("expected outdated, got %s", got)
			}

			mustDo(t, s.SetFileIndexedStateCurrent(1, "words", 10))
			mustDo(t, s.SetFileIndexedStateUnindexed(1, "words"))
			if got := s.FileIndexedState(1, "words", 10); got != Unindexed {
				t.Errorf("expected unindexed, got %s", got)
			}
		})
	}
}

func TestIndexVersionChangeOutdates(t *testing.T) {
	s := NewMemory()
	mustDo(t, s.RegisterIndexVersion("words", 1))
	mustDo(t, s.SetFileIndexedStateCurrent(7, "words", 3))

	mustDo(t, s.RegisterIndexVersion("words", 2))
	if got := s.FileIndexedState(7, "words", 3); got != Outdated {
		t.Errorf("expected outdated after version bump, got %s", got)
	}
	if got := s.FileIndexedState(7, "unknown", 3); got != Unindexed {
		t.Errorf("unknown index must read unindexed, got %s", got)
	}
}

func TestNontrivialStates(t *testing.T) {
	s := NewMemory()
	mustDo(t, s.SetFileIndexedStateCurrent(1, "words", 1))
	mustDo(t, s.SetFileIndexedStateOutdated(1, "trigrams"))
	mustDo(t, s.SetFileIndexedStateCurrent(1, "lines", 1))
	mustDo(t, s.SetFileIndexedStateUnindexed(1, "lines"))

	got, err := s.GetNontrivialFileIndexedStates(1)
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if !slices.Equal(got, []string{"trigrams", "words"}) {
		t.Errorf("expected [trigrams words], got %v", got)
	}
}

func TestFileIndexedToken(t *testing.T) {
	s := NewMemory()
	if got := s.IsFileChanged(3, 100); got != ChangeUnknown {
		t.Errorf("expected unknown before indexing, got %s", got)
	}
	mustDo(t, s.SetFileIndexed(3, 100))
	if !s.IsFileIndexed(3, 100) {
		t.Error("expected indexed for token 100")
	}
	if s.IsFileIndexed(3, 101) {
		t.Error("different token must not read indexed")
	}
	if got := s.IsFileChanged(3, 100); got != ChangeNo {
		t.Errorf("expected no change, got %s", got)
	}
	if got := s.IsFileChanged(3, 101); got != ChangeYes {
		t.Errorf("expected change, got %s", got)
	}
}

func TestDropFile(t *testing.T) {
	s := openStore(t, t.TempDir(), 0)
	defer s.Close()
	mustDo(t, s.SetFileIndexedStateCurrent(1, "words", 1))
	mustDo(t, s.SetFileIndexed(1, 5))
	mustDo(t, s.SetFileIndexedStateCurrent(2, "words", 1))
	mustDo(t, s.FlushCaches())

	mustDo(t, s.DropFile(1))
	if got := s.Files(); !slices.Equal(got, []uint32{2}) {
		t.Errorf("expected [2] before flush, got %v", got)
	}
	mustDo(t, s.FlushCaches())
	if got := s.Files(); !slices.Equal(got, []uint32{2}) {
		t.Errorf("expected [2] after flush, got %v", got)
	}
	if s.IsFileIndexed(1, 5) {
		t.Error("dropped file must not read indexed")
	}
}

// Observations must be identical before a flush, after a flush and after
// reopening the store.
func TestFlushIsTransparent(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 0)
	mustDo(t, s.RegisterIndexVersion("words", 4))
	mustDo(t, s.SetFileIndexedStateCurrent(1, "words", 10))
	mustDo(t, s.SetFileIndexedStateOutdated(2, "words"))
	mustDo(t, s.SetFileIndexed(1, 77))

	observe := func(s *Store) [4]any {
		return [4]any{
			s.FileIndexedState(1, "words", 10),
			s.FileIndexedState(2, "words", 10),
			s.IsFileIndexed(1, 77),
			s.IsFileChanged(2, 77),
		}
	}
	before := observe(s)

	mustDo(t, s.FlushCache(1))
	if got := observe(s); got != before {
		t.Errorf("single flush changed observations: %v -> %v", before, got)
	}
	mustDo(t, s.FlushCaches())
	mustDo(t, s.FlushCaches())
	if got := observe(s); got != before {
		t.Errorf("flush changed observations: %v -> %v", before, got)
	}
	mustDo(t, s.Close())

	s = openStore(t, dir, 0)
	defer s.Close()
	mustDo(t, s.RegisterIndexVersion("words", 4))
	if got := observe(s); got != before {
		t.Errorf("reopen changed observations: %v -> %v", before, got)
	}
}

func TestCacheOverflowFlushes(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 4)
	for id := uint32(1); id <= 20; id++ {
		mustDo(t, s.SetFileIndexedStateCurrent(id, "words", uint64(id)))
	}
	if len(s.cache) > 4 {
		t.Errorf("cache exceeded bound: %d entries", len(s.cache))
	}
	for id := uint32(1); id <= 20; id++ {
		if got := s.FileIndexedState(id, "words", uint64(id)); got != Current {
			t.Errorf("file %d: expected current, got %s", id, got)
		}
	}
	mustDo(t, s.Close())
}

func TestStoreLocked(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 0)
	defer s.Close()
	if _, err := Open(Config{Dir: dir}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}
