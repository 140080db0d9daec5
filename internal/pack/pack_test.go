package pack

import (
	"context"
	"errors"
	"hash/crc32"
	"maps"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"fileindex/internal/index"
	"fileindex/internal/indexers"
	"fileindex/internal/storage"
)

// buildWords creates a words index in dir holding docs, keyed by file id.
func buildWords(t *testing.T, dir string, docs map[uint32]string) {
	t.Helper()
	x, err := index.New(indexers.WordsConfig(dir, nil))
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	for id, text := range docs {
		if ok, err := x.UpdateFile(context.Background(), id, &index.Content{Data: []byte(text)}); !ok || err != nil {
			t.Fatalf("update %d: %v %v", id, ok, err)
		}
	}
	if err := x.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func openWords(src storage.Source) (index.Reader[string, int32], error) {
	cfg := indexers.WordsConfig("", nil)
	cfg.Source = src
	x, err := index.New(cfg)
	if err != nil {
		return nil, err
	}
	return x, nil
}

func newWordsPack() *Pack[string, int32] {
	return New(Config[string, int32]{IndexID: indexers.WordsID, Open: openWords})
}

// flatten maps file id to value for one result.
func flatten(r Result[int32]) map[uint32]int32 {
	out := make(map[uint32]int32)
	r.Data.ForEach(func(v int32, files *roaring.Bitmap) bool {
		files.Iterate(func(id uint32) bool {
			out[id] = v
			return true
		})
		return true
	})
	return out
}

func buildArchive(t *testing.T) (string, map[string]map[uint32]string) {
	t.Helper()
	root := t.TempDir()
	docs := map[string]map[uint32]string{
		"first":  {1: "alpha beta", 2: "beta beta"},
		"second": {1: "beta gamma", 7: "delta"},
	}
	var entries []Entry
	for prefix, d := range docs {
		dir := filepath.Join(root, prefix)
		buildWords(t, dir, d)
		entries = append(entries, Entry{Name: indexers.WordsID, Prefix: prefix, Dir: dir})
	}
	archive := filepath.Join(root, "packs", "words.zip")
	m, err := Write(archive, entries)
	if err != nil {
		t.Fatalf("write pack: %v", err)
	}
	if len(m.Entries) != 2 {
		t.Fatalf("expected 2 manifest entries, got %d", len(m.Entries))
	}
	return archive, docs
}

func TestPackMatchesOriginals(t *testing.T) {
	archive, _ := buildArchive(t)
	p := newWordsPack()
	defer p.Dispose()
	ctx := context.Background()

	if err := p.Attach(ctx, archive, "plugin"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	results, err := p.GetData(ctx, "beta")
	if err != nil {
		t.Fatalf("get data: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected beta in both sub-indexes, got %d results", len(results))
	}
	want := map[string]map[uint32]int32{
		archive + "!/first":  {1: 1, 2: 2},
		archive + "!/second": {1: 1},
	}
	for _, r := range results {
		if !maps.Equal(flatten(r), want[r.Location]) {
			t.Errorf("%s: expected %v, got %v", r.Location, want[r.Location], flatten(r))
		}
		if r.Owner != "plugin" {
			t.Errorf("expected owner plugin, got %q", r.Owner)
		}
	}

	results, err = p.GetData(ctx, "delta")
	if err != nil {
		t.Fatalf("get data: %v", err)
	}
	if len(results) != 1 || results[0].Location != archive+"!/second" {
		t.Errorf("expected delta only in second, got %+v", results)
	}

	results, err = p.GetData(ctx, "missing")
	if err != nil || len(results) != 0 {
		t.Errorf("expected no results, got %v %v", results, err)
	}
}

func TestPackProcessAllKeys(t *testing.T) {
	archive, _ := buildArchive(t)
	p := newWordsPack()
	defer p.Dispose()
	if err := p.Attach(context.Background(), archive, "o"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	counts := make(map[string]int)
	if err := p.ProcessAllKeys(context.Background(), func(k string) bool {
		counts[k]++
		return true
	}); err != nil {
		t.Fatalf("process keys: %v", err)
	}
	want := map[string]int{"alpha": 1, "beta": 2, "gamma": 1, "delta": 1}
	if !maps.Equal(counts, want) {
		t.Errorf("expected %v, got %v", want, counts)
	}

	n := 0
	_ = p.ProcessAllKeys(context.Background(), func(string) bool {
		n++
		return false
	})
	if n != 1 {
		t.Errorf("expected early stop after 1 key, got %d", n)
	}
}

func TestAttachNestedPrefixAndDirectory(t *testing.T) {
	archive, _ := buildArchive(t)
	ctx := context.Background()
	p := newWordsPack()
	defer p.Dispose()

	if err := p.Attach(ctx, archive+"!/first", "nested"); err != nil {
		t.Fatalf("attach nested: %v", err)
	}
	dir := t.TempDir()
	buildWords(t, dir, map[uint32]string{3: "alpha"})
	if err := p.Attach(ctx, dir, "plain"); err != nil {
		t.Fatalf("attach dir: %v", err)
	}

	results, err := p.GetData(ctx, "alpha")
	if err != nil {
		t.Fatalf("get data: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	if err := p.Detach("plain"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	results, _ = p.GetData(ctx, "alpha")
	if len(results) != 1 || results[0].Owner != "nested" {
		t.Errorf("expected only nested result after detach, got %+v", results)
	}
	if err := p.Detach("plain"); !errors.Is(err, ErrNotAttached) {
		t.Errorf("expected ErrNotAttached, got %v", err)
	}
}

func TestAttachErrors(t *testing.T) {
	archive, _ := buildArchive(t)
	ctx := context.Background()

	other := New(Config[string, int32]{IndexID: "trigrams", Open: openWords})
	if err := other.Attach(ctx, archive, "o"); !errors.Is(err, ErrNoSubIndex) {
		t.Errorf("expected ErrNoSubIndex, got %v", err)
	}

	p := newWordsPack()
	if err := p.Attach(ctx, archive+"!/nope", "o"); !errors.Is(err, ErrNoSubIndex) {
		t.Errorf("expected ErrNoSubIndex for unknown prefix, got %v", err)
	}
	if err := p.Attach(ctx, filepath.Join(t.TempDir(), "missing.zip"), "o"); err == nil {
		t.Error("expected error for missing archive")
	}

	if err := p.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := p.Attach(ctx, archive, "o"); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
	if _, err := p.GetData(ctx, "beta"); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
}

func TestPackedIndexIsReadOnly(t *testing.T) {
	archive, _ := buildArchive(t)
	a, err := OpenArchive(archive)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer a.Close()

	cfg := indexers.WordsConfig("", nil)
	cfg.Source = a.Sub("first")
	x, err := index.New(cfg)
	if err != nil {
		t.Fatalf("open packed index: %v", err)
	}
	defer x.Close()

	ok, err := x.UpdateFile(context.Background(), 9, &index.Content{Data: []byte("new words")})
	if ok || err != nil {
		t.Fatalf("expected rejected update without error, got ok=%v err=%v", ok, err)
	}
	cause := x.RebuildCause()
	if !errors.Is(cause, storage.ErrIncorrectOperation) || !storage.IsStorageError(cause) {
		t.Errorf("expected storage error caused by incorrect operation, got %v", cause)
	}
	if x.NeedsRebuild() {
		t.Error("read-only rejection must not require rebuild")
	}
}

func TestWriteRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"escaping prefix", []Entry{{Name: "words", Prefix: "../x", Dir: dir}}},
		{"bang in prefix", []Entry{{Name: "words", Prefix: "a!b", Dir: dir}}},
		{"duplicate prefix", []Entry{{Name: "words", Dir: dir}, {Name: "words", Dir: dir}}},
		{"missing dir", []Entry{{Name: "words"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Write(filepath.Join(dir, "out.zip"), tt.entries); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("expected ErrInvalidEntry, got %v", err)
			}
		})
	}
}

func TestReadFileDistrustsHeaderSize(t *testing.T) {
	p := filepath.Join(t.TempDir(), "lying.zip")
	out, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	if err := writeManifest(zw, Manifest{ID: uuid.New()}); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	data := []byte("tiny")
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "first/keys.enum",
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(data),
		CompressedSize64:   uint64(len(data)),
		UncompressedSize64: 1 << 62,
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	a, err := OpenArchive(p)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if _, err := a.ReadFile("first/keys.enum"); err == nil {
		t.Error("expected error for entry shorter than its header size")
	}
}
