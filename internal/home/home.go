// Package home manages the fileindex home directory layout.
//
// The home directory owns all persistent state: configuration, the
// path table, per-index storages, indexing stamps, dirty-file sets and
// built packs.
//
// Layout:
//
//	<root>/
//	  config.json                     (operator configuration)
//	  storage_id                      (uuid v7, identifies this home)
//	  files.enum                      (path <-> file id table)
//	  indexes/
//	    <index-id>/                   (keys.enum, inverted.log, forward.log, meta.bin, .lock)
//	  stamps/                         (stamps.log, indexes.enum, .lock)
//	  dirty/                          (changed.set, update.set)
//	  packs/                          (*.zip read-only index packs)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents a fileindex home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/fileindex
//   - macOS:   ~/Library/Application Support/fileindex
//   - Windows: %APPDATA%/fileindex
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "fileindex")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the JSON configuration file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.json")
}

// PathTableFile returns the path of the path <-> file id enumerator.
func (d Dir) PathTableFile() string {
	return filepath.Join(d.root, "files.enum")
}

// IndexDir returns the storage directory of one index.
func (d Dir) IndexDir(indexID string) string {
	return filepath.Join(d.root, "indexes", indexID)
}

// StampsDir returns the directory of the indexing stamp store.
func (d Dir) StampsDir() string {
	return filepath.Join(d.root, "stamps")
}

// DirtyDir returns the directory holding persisted dirty-file sets.
func (d Dir) DirtyDir() string {
	return filepath.Join(d.root, "dirty")
}

// PacksDir returns the directory for built read-only packs.
func (d Dir) PacksDir() string {
	return filepath.Join(d.root, "packs")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	for _, dir := range []string{d.root, d.DirtyDir(), d.PacksDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create home directory %s: %w", dir, err)
		}
	}
	return nil
}

// StorageID reads the persistent identity of this home from <root>/storage_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) StorageID() (string, error) {
	return d.readOrCreate("storage_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: identity file is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
