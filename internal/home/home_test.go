package home

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestNew(t *testing.T) {
	d := New("/tmp/fileindex-test")
	if d.Root() != "/tmp/fileindex-test" {
		t.Errorf("expected root /tmp/fileindex-test, got %s", d.Root())
	}
}

func TestDefault(t *testing.T) {
	d, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if filepath.Base(d.Root()) != "fileindex" {
		t.Errorf("expected root to end with 'fileindex', got %s", d.Root())
	}
}

func TestLayout(t *testing.T) {
	d := New("/data")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"config", d.ConfigPath(), "/data/config.json"},
		{"path table", d.PathTableFile(), "/data/files.enum"},
		{"index", d.IndexDir("words"), "/data/indexes/words"},
		{"stamps", d.StampsDir(), "/data/stamps"},
		{"dirty", d.DirtyDir(), "/data/dirty"},
		{"packs", d.PacksDir(), "/data/packs"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "fileindex")
	d := New(root)
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	for _, dir := range []string{root, d.DirtyDir(), d.PacksDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("expected directory at %s", dir)
		}
	}
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists (idempotent): %v", err)
	}
}

func TestStorageIDStable(t *testing.T) {
	d := New(t.TempDir())
	first, err := d.StorageID()
	if err != nil {
		t.Fatalf("StorageID: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("storage id is not a uuid: %q", first)
	}
	second, err := d.StorageID()
	if err != nil {
		t.Fatalf("StorageID (again): %v", err)
	}
	if first != second {
		t.Errorf("storage id changed: %s -> %s", first, second)
	}
}
