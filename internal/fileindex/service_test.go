package fileindex

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"fileindex/internal/descriptor"
	"fileindex/internal/dirty"
	"fileindex/internal/index"
	"fileindex/internal/stamp"
	"fileindex/internal/storage"
)

type memFile struct {
	project dirty.ProjectID
	data    string
	version uint64
}

// memFS is an in-memory ContentSource and IndexableFilesFilter.
type memFS struct {
	mu    sync.Mutex
	files map[uint32]*memFile

	// onContent runs inside Content, with the drain's context.
	onContent func(ctx context.Context)
}

func newMemFS() *memFS {
	return &memFS{files: make(map[uint32]*memFile)}
}

func (m *memFS) write(id uint32, project dirty.ProjectID, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		f = &memFile{}
		m.files[id] = f
	}
	f.project, f.data = project, data
	f.version++
}

func (m *memFS) remove(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
}

func (m *memFS) Content(ctx context.Context, id uint32) (*index.Content, error) {
	if m.onContent != nil {
		m.onContent(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, nil
	}
	return &index.Content{FileID: id, Data: []byte(f.data), Version: f.version}, nil
}

func (m *memFS) FindProjectForFile(id uint32) (dirty.ProjectID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.project == dirty.Unassigned {
		return dirty.Unassigned, false
	}
	return f.project, true
}

func (m *memFS) Projects() []dirty.ProjectID {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[dirty.ProjectID]struct{})
	for _, f := range m.files {
		if f.project != dirty.Unassigned {
			set[f.project] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

func (m *memFS) ProjectFiles(_ context.Context, p dirty.ProjectID) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for id, f := range m.files {
		if f.project == p {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

type wordsIndex = index.MapReduceIndex[string, int32, index.Content]

// newWords registers a word-count index; calls counts indexer invocations.
func newWords(t *testing.T, s *Service, calls *atomic.Int32) *wordsIndex {
	t.Helper()
	return newWordsIn(t, s, calls, t.TempDir())
}

func newWordsIn(t *testing.T, s *Service, calls *atomic.Int32, dir string) *wordsIndex {
	t.Helper()
	x, err := index.New(index.Config[string, int32, index.Content]{
		ID:      "words",
		Version: 1,
		Indexer: index.DataIndexerFunc[string, int32, index.Content](func(_ context.Context, c index.Content) (map[string]int32, error) {
			if calls != nil {
				calls.Add(1)
			}
			out := make(map[string]int32)
			for _, w := range strings.Fields(string(c.Data)) {
				out[w]++
			}
			return out, nil
		}),
		KeyDescriptor:   descriptor.String{},
		ValueDescriptor: descriptor.Int32{},
		Dir:             dir,
	})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := s.Register(x); err != nil {
		t.Fatalf("register: %v", err)
	}
	return x
}

func newService(t *testing.T, fs *memFS) *Service {
	t.Helper()
	s, err := New(Config{Content: fs, Filter: fs})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func containing(t *testing.T, s *Service, word string, scope dirty.ProjectID) []uint32 {
	t.Helper()
	files, err := GetContainingFiles[string, int32](context.Background(), s, "words", word, scope)
	if err != nil {
		t.Fatalf("containing %q: %v", word, err)
	}
	return files.ToArray()
}

func assertContaining(t *testing.T, s *Service, word string, want ...uint32) {
	t.Helper()
	if got := containing(t, s, word, dirty.Unassigned); !slices.Equal(got, want) {
		t.Errorf("word %q: expected %v, got %v", word, want, got)
	}
}

func TestQueriesFollowChanges(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)

	fs.write(1, "p", "alpha beta")
	fs.write(2, "p", "beta gamma")
	s.FileContentChanged(1)
	s.FileContentChanged(2)

	assertContaining(t, s, "beta", 1, 2)
	assertContaining(t, s, "alpha", 1)

	fs.write(1, "p", "gamma")
	s.FileContentChanged(1)
	assertContaining(t, s, "alpha")
	assertContaining(t, s, "gamma", 1, 2)

	fs.remove(2)
	s.FileDeleted(2)
	assertContaining(t, s, "gamma", 1)
	assertContaining(t, s, "beta")
	if s.IsDirty(2) {
		t.Error("deleted file must not stay dirty")
	}
}

func TestQueryWithoutNotificationSeesOldData(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)

	fs.write(1, "p", "old")
	s.FileContentChanged(1)
	assertContaining(t, s, "old", 1)

	fs.write(1, "p", "new")
	assertContaining(t, s, "old", 1)
	s.FileContentChanged(1)
	assertContaining(t, s, "new", 1)
}

func TestModifiedExcludedFileNotPresentInIndex(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)

	fs.write(1, "p", "needle")
	s.FileContentChanged(1)
	assertContaining(t, s, "needle", 1)

	// The file is excluded from every project, then modified.
	fs.write(1, dirty.Unassigned, "needle again")
	s.FileContentChanged(1)
	assertContaining(t, s, "needle")
	assertContaining(t, s, "again")
}

func TestValuesAndFileData(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)
	ctx := context.Background()

	fs.write(1, "p", "go go rust")
	fs.write(2, "p", "go")
	s.FileContentChanged(1)
	s.FileContentChanged(2)

	data, err := GetData[string, int32](ctx, s, "words", "go", dirty.Unassigned)
	if err != nil {
		t.Fatalf("get data: %v", err)
	}
	if data[1] != 2 || data[2] != 1 || len(data) != 2 {
		t.Errorf("expected {1:2 2:1}, got %v", data)
	}

	values, err := GetValues[string, int32](ctx, s, "words", "go", dirty.Unassigned)
	if err != nil {
		t.Fatalf("values: %v", err)
	}
	slices.Sort(values)
	if !slices.Equal(values, []int32{1, 2}) {
		t.Errorf("expected values [1 2], got %v", values)
	}

	fileData, err := GetFileData[string, int32](ctx, s, "words", 1)
	if err != nil {
		t.Fatalf("file data: %v", err)
	}
	if len(fileData) != 2 || fileData["go"] != 2 || fileData["rust"] != 1 {
		t.Errorf("unexpected file data %v", fileData)
	}

	keys, err := GetAllKeys[string, int32](ctx, s, "words", dirty.Unassigned)
	if err != nil {
		t.Fatalf("all keys: %v", err)
	}
	slices.Sort(keys)
	if !slices.Equal(keys, []string{"go", "rust"}) {
		t.Errorf("expected [go rust], got %v", keys)
	}
}

func TestGetFilesWithAllKeys(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)
	ctx := context.Background()

	fs.write(1, "p", "a b c")
	fs.write(2, "p", "a b")
	fs.write(3, "p", "a c")
	for id := uint32(1); id <= 3; id++ {
		s.FileContentChanged(id)
	}

	tests := []struct {
		keys []string
		want []uint32
	}{
		{[]string{"a"}, []uint32{1, 2, 3}},
		{[]string{"a", "b"}, []uint32{1, 2}},
		{[]string{"c", "b", "a"}, []uint32{1}},
		{[]string{"a", "missing"}, nil},
		{nil, nil},
	}
	for _, tt := range tests {
		files, err := GetFilesWithAllKeys[string, int32](ctx, s, "words", tt.keys, dirty.Unassigned)
		if err != nil {
			t.Fatalf("keys %v: %v", tt.keys, err)
		}
		if got := files.ToArray(); !slices.Equal(got, tt.want) {
			t.Errorf("keys %v: expected %v, got %v", tt.keys, tt.want, got)
		}
	}
}

func TestScopeRestrictsResults(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)

	fs.write(1, "frontend", "shared")
	fs.write(2, "backend", "shared")
	s.FileContentChanged(1)
	s.FileContentChanged(2)

	if got := containing(t, s, "shared", "backend"); !slices.Equal(got, []uint32{2}) {
		t.Errorf("expected [2] in backend scope, got %v", got)
	}
	if got := containing(t, s, "shared", "frontend"); !slices.Equal(got, []uint32{1}) {
		t.Errorf("expected [1] in frontend scope, got %v", got)
	}
}

func TestNoStampChangeWhenDataUnchanged(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)
	ctx := context.Background()

	fs.write(1, "p", "class Foo")
	s.FileContentChanged(1)
	stamp, err := s.GetIndexModificationStamp(ctx, "words", dirty.Unassigned)
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}

	fs.write(1, "p", "Foo class")
	s.FileContentChanged(1)
	if got, _ := s.GetIndexModificationStamp(ctx, "words", dirty.Unassigned); got != stamp {
		t.Errorf("same words must keep stamp: %d -> %d", stamp, got)
	}

	fs.write(1, "p", "class Foo2")
	s.FileContentChanged(1)
	if got, _ := s.GetIndexModificationStamp(ctx, "words", dirty.Unassigned); got == stamp {
		t.Error("expected stamp change for new data")
	}
}

func TestRequestReindexRerunsIndexer(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	var calls atomic.Int32
	newWords(t, s, &calls)

	fs.write(1, "p", "x")
	s.FileContentChanged(1)
	assertContaining(t, s, "x", 1)

	// Unchanged content with a current stamp is skipped.
	s.FileContentChanged(1)
	assertContaining(t, s, "x", 1)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 indexer call, got %d", got)
	}

	if err := s.RequestReindex(1); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	assertContaining(t, s, "x", 1)
	if got := calls.Load(); got != 2 {
		t.Errorf("expected reindex to run indexer, got %d calls", got)
	}
}

func TestRebuildRestoresData(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	x := newWords(t, s, nil)

	fs.write(1, "p", "kept")
	fs.write(2, "q", "kept")
	s.FileContentChanged(1)
	s.FileContentChanged(2)
	assertContaining(t, s, "kept", 1, 2)

	if !x.RequestRebuild(storage.Corrupted("test", "", "simulated")) {
		t.Fatal("expected rebuild request to take effect")
	}
	assertContaining(t, s, "kept", 1, 2)
	if x.NeedsRebuild() {
		t.Errorf("expected rebuild finished, status %s", x.RebuildStatus())
	}
}

// copyDir copies the regular files of src into a fresh directory, as a
// crash would leave them.
func copyDir(t *testing.T, src string) string {
	t.Helper()
	dst := t.TempDir()
	entries, err := os.ReadDir(src)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, 0o600); err != nil {
			t.Fatalf("write %s: %v", e.Name(), err)
		}
	}
	return dst
}

func TestRebuildSurvivesCrashBeforeFlush(t *testing.T) {
	stampDir, dirtyDir, indexDir := t.TempDir(), t.TempDir(), t.TempDir()
	fs := newMemFS()
	fs.write(1, "p", "kept")
	fs.write(2, "q", "kept")

	open := func(stampDir, dirtyDir, indexDir string) (*Service, *wordsIndex) {
		t.Helper()
		st, err := stamp.Open(stamp.Config{Dir: stampDir})
		if err != nil {
			t.Fatalf("open stamps: %v", err)
		}
		s, err := New(Config{Content: fs, Filter: fs, Stamps: st, DirtyDir: dirtyDir})
		if err != nil {
			t.Fatalf("new service: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s, newWordsIn(t, s, nil, indexDir)
	}

	s, x := open(stampDir, dirtyDir, indexDir)
	s.FileContentChanged(1)
	s.FileContentChanged(2)
	assertContaining(t, s, "kept", 1, 2)
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	x.RequestRebuild(storage.Corrupted("test", "", "simulated"))
	if err := s.checkRebuild(context.Background(), x); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	// The index is cleared and nothing is reindexed or flushed yet.
	restarted, _ := open(copyDir(t, stampDir), copyDir(t, dirtyDir), copyDir(t, indexDir))
	assertContaining(t, restarted, "kept", 1, 2)
}

func TestIndexerFailureKeepsFileDirty(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	var failing atomic.Bool
	failing.Store(true)
	x, err := index.New(index.Config[string, int32, index.Content]{
		ID: "words", Version: 1,
		Indexer: index.DataIndexerFunc[string, int32, index.Content](func(_ context.Context, c index.Content) (map[string]int32, error) {
			if failing.Load() {
				return nil, errors.New("parser crashed")
			}
			return map[string]int32{string(c.Data): 1}, nil
		}),
		KeyDescriptor: descriptor.String{}, ValueDescriptor: descriptor.Int32{},
		Dir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := s.Register(x); err != nil {
		t.Fatalf("register: %v", err)
	}

	fs.write(1, "p", "retry")
	s.FileContentChanged(1)
	assertContaining(t, s, "retry")
	if !s.IsDirty(1) {
		t.Fatal("expected file to stay dirty after indexer failure")
	}
	if s.Stamps().IsFileIndexed(1, 1) {
		t.Error("expected file not recorded as indexed")
	}

	failing.Store(false)
	assertContaining(t, s, "retry", 1)
	if s.IsDirty(1) {
		t.Error("expected file clean after successful retry")
	}
}

func TestProjectStampsAreScoped(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)
	ctx := context.Background()
	stampOf := func(p dirty.ProjectID) int64 {
		t.Helper()
		v, err := s.GetIndexModificationStamp(ctx, "words", p)
		if err != nil {
			t.Fatalf("stamp %q: %v", p, err)
		}
		return v
	}

	fs.write(1, "frontend", "one")
	fs.write(2, "backend", "two")
	s.FileContentChanged(1)
	s.FileContentChanged(2)
	front, back := stampOf("frontend"), stampOf("backend")

	fs.write(2, "backend", "three")
	s.FileContentChanged(2)
	if got := stampOf("backend"); got == back {
		t.Error("expected backend stamp to change")
	} else {
		back = got
	}
	if got := stampOf("frontend"); got != front {
		t.Errorf("frontend stamp changed by a backend update: %d -> %d", front, got)
	}

	// New content version, same data.
	fs.write(2, "backend", "three")
	s.FileContentChanged(2)
	if got := stampOf("backend"); got != back {
		t.Errorf("backend stamp changed without a data change: %d -> %d", back, got)
	}

	fs.remove(1)
	s.FileDeleted(1)
	if got := stampOf("frontend"); got == front {
		t.Error("expected frontend stamp to change after a wipe")
	}
}

func TestUnknownIndexAndTypeMismatch(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)
	ctx := context.Background()

	if _, err := GetContainingFiles[string, int32](ctx, s, "nope", "x", dirty.Unassigned); !errors.Is(err, ErrIndexNotRegistered) {
		t.Errorf("expected ErrIndexNotRegistered, got %v", err)
	}
	if _, err := GetContainingFiles[int32, int32](ctx, s, "words", 1, dirty.Unassigned); !errors.Is(err, ErrIndexTypeMismatch) {
		t.Errorf("expected ErrIndexTypeMismatch, got %v", err)
	}
	if err := s.EnsureUpToDate(ctx, "nope", dirty.Unassigned); !errors.Is(err, ErrIndexNotRegistered) {
		t.Errorf("expected ErrIndexNotRegistered, got %v", err)
	}
}

func TestEnsureUpToDateFromInsideDrainIsNoop(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	newWords(t, s, nil)

	var nested atomic.Int32
	fs.onContent = func(ctx context.Context) {
		if err := s.EnsureUpToDate(ctx, "words", "p"); err != nil {
			t.Errorf("nested ensure: %v", err)
		}
		nested.Add(1)
	}
	fs.write(1, "p", "reentrant")
	s.FileContentChanged(1)
	assertContaining(t, s, "reentrant", 1)
	if nested.Load() == 0 {
		t.Error("expected nested call to run")
	}
}

func TestConcurrentQueriesIndexOnce(t *testing.T) {
	fs := newMemFS()
	s := newService(t, fs)
	var calls atomic.Int32
	newWords(t, s, &calls)

	for id := uint32(1); id <= 50; id++ {
		fs.write(id, "p", "common")
		s.FileContentChanged(id)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			files, err := GetContainingFiles[string, int32](context.Background(), s, "words", "common", "p")
			if err != nil {
				t.Errorf("query: %v", err)
				return
			}
			if files.GetCardinality() != 50 {
				t.Errorf("expected 50 files, got %d", files.GetCardinality())
			}
		})
	}
	wg.Wait()

	if got := calls.Load(); got != 50 {
		t.Errorf("expected each file indexed once, got %d indexer calls", got)
	}
}

func TestDirtySetsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	fs := newMemFS()
	fs.write(1, "p", "later")

	s, err := New(Config{Content: fs, Filter: fs, DirtyDir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.FileContentChanged(1)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(Config{Content: fs, Filter: fs, DirtyDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if !s.IsDirty(1) {
		t.Fatal("expected dirty file restored")
	}
	newWords(t, s, nil)
	assertContaining(t, s, "later", 1)
}

func TestReadOnlyIndexIsServedNotUpdated(t *testing.T) {
	dir := t.TempDir()
	cfg := index.Config[string, int32, index.Content]{
		ID: "words", Version: 1,
		Indexer: index.DataIndexerFunc[string, int32, index.Content](func(_ context.Context, c index.Content) (map[string]int32, error) {
			return map[string]int32{string(c.Data): 1}, nil
		}),
		KeyDescriptor: descriptor.String{}, ValueDescriptor: descriptor.Int32{},
		Dir: dir,
	}
	w, err := index.New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if ok, err := w.UpdateFile(context.Background(), 1, &index.Content{Data: []byte("prebuilt")}); !ok || err != nil {
		t.Fatalf("seed: %v %v", ok, err)
	}
	_ = w.Close()

	cfg.Dir, cfg.Source = "", storage.DirSource(dir)
	ro, err := index.New(cfg)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}

	fs := newMemFS()
	s := newService(t, fs)
	if err := s.Register(ro); err != nil {
		t.Fatalf("register: %v", err)
	}
	fs.write(2, "p", "fresh")
	s.FileContentChanged(2)

	assertContaining(t, s, "prebuilt", 1)
	assertContaining(t, s, "fresh")
}
