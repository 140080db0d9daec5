package storage

import (
	"os"
	"path"
	"path/filepath"
)

// Source supplies the bytes of storage files for read-only opens. Names are
// slash-separated and relative to the source root.
type Source interface {
	ReadFile(name string) ([]byte, error)
}

// DirSource reads storage files from a plain directory.
type DirSource string

func (d DirSource) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(string(d), filepath.FromSlash(name))) //nolint:gosec // G304: names come from fixed storage file names
}

// SubSource scopes a Source to a slash-separated prefix.
func SubSource(src Source, prefix string) Source {
	if prefix == "" || prefix == "." {
		return src
	}
	return subSource{src: src, prefix: prefix}
}

type subSource struct {
	src    Source
	prefix string
}

func (s subSource) ReadFile(name string) ([]byte, error) {
	return s.src.ReadFile(path.Join(s.prefix, name))
}
