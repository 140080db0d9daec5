package vfs

import (
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"fileindex/internal/index"
)

// MaxFileSize is the largest file DiskContentSource reads. Larger files are
// indexed as empty.
const MaxFileSize = 16 << 20

// DiskContentSource reads file content from disk.
type DiskContentSource struct {
	table *PathTable
}

func NewDiskContentSource(table *PathTable) *DiskContentSource {
	return &DiskContentSource{table: table}
}

// Content returns the current content of fileID, or nil if the file no
// longer exists or is not a regular file. The version changes whenever the
// modification time or size does.
func (d *DiskContentSource) Content(ctx context.Context, fileID uint32) (*index.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.table.Path(fileID)
	if err != nil {
		return nil, err
	}
	native := filepath.FromSlash(p)
	info, err := os.Stat(native)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}

	c := &index.Content{FileID: fileID, Path: p, Version: version(info)}
	if info.Size() > MaxFileSize {
		return c, nil
	}
	c.Data, err = os.ReadFile(native) //nolint:gosec // G304: paths come from configured project roots
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return c, err
}

func version(info fs.FileInfo) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(info.ModTime().UnixNano())) //nolint:gosec // G115: bit pattern only
	binary.LittleEndian.PutUint64(buf[8:], uint64(info.Size()))               //nolint:gosec // G115: size is non-negative
	return xxhash.Sum64(buf[:])
}
