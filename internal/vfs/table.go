// Package vfs connects the file index to a real file system: it assigns
// stable file ids to paths, reads file content, assigns files to projects
// and turns file system events into change notifications.
package vfs

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"fileindex/internal/storage/enumerator"
)

// PathTable assigns stable ids to absolute paths. Ids survive restarts and
// are never reused.
type PathTable struct {
	enum *enumerator.Enumerator
}

// OpenPathTable opens or creates the table stored at path.
func OpenPathTable(path string, logger *slog.Logger) (*PathTable, error) {
	e, err := enumerator.Open(path, enumerator.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open path table: %w", err)
	}
	return &PathTable{enum: e}, nil
}

// ID returns the id of p, assigning one if p is new.
func (t *PathTable) ID(p string) (uint32, error) {
	return t.enum.Enumerate([]byte(canonical(p)))
}

// Lookup returns the id of p if one was assigned.
func (t *PathTable) Lookup(p string) (uint32, bool) {
	return t.enum.TryEnumerate([]byte(canonical(p)))
}

// Path returns the path with the given id.
func (t *PathTable) Path(id uint32) (string, error) {
	b, err := t.enum.ValueOf(id)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (t *PathTable) Len() int { return t.enum.Len() }

func (t *PathTable) Force() error { return t.enum.Force() }

func (t *PathTable) Close() error { return t.enum.Close() }

func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.ToSlash(filepath.Clean(p))
}
