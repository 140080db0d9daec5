package pack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"fileindex/internal/format"
	"fileindex/internal/index"
	"fileindex/internal/storage"
)

const (
	// ManifestName is the archive entry listing the packed indexes.
	ManifestName = "manifest.msgpack"

	manifestVersion = 0x01

	// archiveSeparator splits an archive path from a prefix inside it.
	archiveSeparator = "!/"

	// maxPrealloc caps the read buffer sized from an entry's header.
	maxPrealloc = 4 << 20
)

var (
	ErrInvalidEntry    = errors.New("invalid pack entry")
	ErrInvalidManifest = errors.New("invalid pack manifest")
)

// Entry describes one index storage to pack.
type Entry struct {
	// Name is the index id the storage belongs to.
	Name string
	// Prefix is the directory inside the archive. Defaults to Name.
	Prefix string
	// Dir is the storage directory on disk.
	Dir string
}

// Manifest lists the sub-indexes in an archive.
type Manifest struct {
	ID      uuid.UUID       `msgpack:"id"`
	Created time.Time       `msgpack:"created"`
	Entries []ManifestEntry `msgpack:"entries"`
}

// ManifestEntry locates one sub-index.
type ManifestEntry struct {
	ID     uuid.UUID `msgpack:"id"`
	Name   string    `msgpack:"name"`
	Prefix string    `msgpack:"prefix"`
	Files  []string  `msgpack:"files"`
}

// Write builds an archive at dst holding the storage files of entries.
// Entries are zstd-compressed. The archive appears atomically.
func Write(dst string, entries []Entry) (Manifest, error) {
	m := Manifest{ID: uuid.Must(uuid.NewV7()), Created: time.Now().UTC()}
	seen := make(map[string]bool)
	for _, e := range entries {
		prefix := e.Prefix
		if prefix == "" {
			prefix = e.Name
		}
		if err := validPrefix(prefix); err != nil {
			return Manifest{}, err
		}
		if e.Name == "" || e.Dir == "" {
			return Manifest{}, fmt.Errorf("%w: name and dir are required", ErrInvalidEntry)
		}
		if seen[prefix] {
			return Manifest{}, fmt.Errorf("%w: duplicate prefix %q", ErrInvalidEntry, prefix)
		}
		seen[prefix] = true
		m.Entries = append(m.Entries, ManifestEntry{
			ID:     uuid.Must(uuid.NewV7()),
			Name:   e.Name,
			Prefix: prefix,
			Files:  index.StorageFiles,
		})
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return Manifest{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".pack-*")
	if err != nil {
		return Manifest{}, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedBetterCompression)))
	for i, me := range m.Entries {
		for _, name := range me.Files {
			if err := addFile(zw, path.Join(me.Prefix, name), filepath.Join(entries[i].Dir, name)); err != nil {
				cleanup()
				return Manifest{}, fmt.Errorf("pack %s: %w", me.Name, err)
			}
		}
	}
	if err := writeManifest(zw, m); err != nil {
		cleanup()
		return Manifest{}, err
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return Manifest{}, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return Manifest{}, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:gosec // G703: tmpPath is from os.CreateTemp, not user input
		return Manifest{}, err
	}
	if err := os.Rename(tmpPath, dst); err != nil { //nolint:gosec // G703: both paths are internal, not user input
		_ = os.Remove(tmpPath)
		return Manifest{}, err
	}
	return m, nil
}

func validPrefix(p string) error {
	if p == "" || p == "." || path.IsAbs(p) || strings.Contains(p, "!") || path.Clean(p) != p || strings.HasPrefix(p, "..") {
		return fmt.Errorf("%w: bad prefix %q", ErrInvalidEntry, p)
	}
	return nil
}

func addFile(zw *zip.Writer, name, src string) error {
	f, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zstd.ZipMethodWinZip})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func writeManifest(zw *zip.Writer, m Manifest) error {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: ManifestName, Method: zip.Store})
	if err != nil {
		return err
	}
	h := format.Header{Type: format.TypePackManifest, Version: manifestVersion, Flags: format.FlagReadOnly}.Encode()
	if _, err := w.Write(h[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func decodeManifest(data []byte) (Manifest, error) {
	if _, err := format.DecodeAndValidate(data, format.TypePackManifest, manifestVersion); err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	var m Manifest
	if err := msgpack.Unmarshal(data[format.HeaderSize:], &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return m, nil
}

// Archive is an opened pack archive. It serves storage files to read-only
// indexes.
type Archive struct {
	path     string
	zr       *zip.ReadCloser
	files    map[string]*zip.File
	Manifest Manifest
}

// OpenArchive opens the archive at p and reads its manifest.
func OpenArchive(p string) (*Archive, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", p, err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	a := &Archive{path: p, zr: zr, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		a.files[f.Name] = f
	}
	data, err := a.ReadFile(ManifestName)
	if err == nil {
		a.Manifest, err = decodeManifest(data)
	}
	if err != nil {
		_ = zr.Close()
		return nil, fmt.Errorf("open pack %s: %w", p, err)
	}
	return a, nil
}

// ReadFile returns the decompressed content of the named entry.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: a.path + archiveSeparator + name, Err: os.ErrNotExist}
	}
	rc, err := f.Open()
	if err != nil {
		return nil, storage.Wrap("pack read", name, err)
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	buf.Grow(int(min(f.UncompressedSize64, maxPrealloc)))
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, storage.Wrap("pack read", name, err)
	}
	return buf.Bytes(), nil
}

// Sub returns a Source rooted at prefix.
func (a *Archive) Sub(prefix string) storage.Source {
	return storage.SubSource(a, prefix)
}

func (a *Archive) Path() string { return a.path }

func (a *Archive) Close() error { return a.zr.Close() }

// splitPath splits "archive.zip!/prefix" into its archive and prefix.
func splitPath(p string) (archive, prefix string, ok bool) {
	archive, prefix, ok = strings.Cut(p, archiveSeparator)
	return archive, strings.Trim(prefix, "/"), ok
}
