package index

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"fileindex/internal/format"
	"fileindex/internal/logging"
	"fileindex/internal/storage"
	"fileindex/internal/storage/enumerator"
	"fileindex/internal/storage/forward"
	"fileindex/internal/storage/pmap"
)

// Files inside an index storage directory.
const (
	MetaFileName     = "meta.bin"
	KeysFileName     = "keys.enum"
	InvertedFileName = "inverted.log"
	ForwardFileName  = forward.FileName
	lockFileName     = ".lock"

	metaVersion = 0x01
)

var (
	// ErrLocked is returned when another process holds the storage directory.
	ErrLocked = errors.New("index storage locked by another process")

	// ErrVersionMismatch is returned when read-only storage was built by a
	// different index version.
	ErrVersionMismatch = errors.New("index storage version mismatch")
)

// StorageFiles lists the files that make up an index's storage, in the order
// they are written into packs.
var StorageFiles = []string{MetaFileName, KeysFileName, InvertedFileName, ForwardFileName}

// Meta identifies the index that owns a storage directory.
type Meta struct {
	StorageID uuid.UUID `msgpack:"storage_id"`
	Name      string    `msgpack:"name"`
	Version   int       `msgpack:"version"`
	Created   time.Time `msgpack:"created"`
}

// StorageOptions configures a writable storage bundle.
type StorageOptions struct {
	FileMode     os.FileMode
	CompactRatio float64
	Logger       *slog.Logger
}

// Storage bundles the on-disk structures of one index: the key enumerator,
// the inverted map (key id → container) and the forward index.
type Storage struct {
	Dir      string
	Meta     Meta
	Keys     *enumerator.Enumerator
	Inverted *pmap.Map
	Forward  *forward.Index

	// Wiped reports that existing data was discarded on open because it was
	// unreadable or written by another index version.
	Wiped bool

	readOnly bool
	lock     *flock.Flock
	logger   *slog.Logger
}

// OpenStorage opens or creates writable storage for the named index in dir.
// Storage written by another version, or whose files cannot be read, is
// wiped and recreated.
func OpenStorage(dir, name string, version int, opts StorageOptions) (*Storage, error) {
	logger := logging.Default(opts.Logger).With("component", "index-storage", "index", name)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, storage.Wrap("index open", dir, err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, storage.Wrap("index lock", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	s := &Storage{Dir: dir, lock: lock, logger: logger}
	if err := s.open(name, version, opts); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *Storage) open(name string, version int, opts StorageOptions) error {
	meta, err := readMeta(storage.DirSource(s.Dir))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Debug("creating index storage", "version", version)
	case err != nil:
		s.logger.Warn("unreadable index metadata, wiping storage", "error", err)
		s.Wiped = true
	case meta.Name != name || meta.Version != version:
		s.logger.Info("index version changed, wiping storage", "from", meta.Version, "to", version)
		s.Wiped = true
	default:
		s.Meta = meta
	}

	if s.Meta.StorageID == uuid.Nil {
		if err := s.reset(name, version); err != nil {
			return err
		}
	}

	if err := s.openFiles(opts); err != nil {
		if !storage.IsStorageError(err) || errors.Is(err, storage.ErrIncorrectOperation) {
			return err
		}
		s.logger.Warn("index storage corrupted, wiping", "error", err)
		s.Wiped = true
		if err := s.reset(name, version); err != nil {
			return err
		}
		return s.openFiles(opts)
	}
	return nil
}

// reset removes the data files and writes fresh metadata.
func (s *Storage) reset(name string, version int) error {
	for _, f := range StorageFiles {
		if err := os.Remove(filepath.Join(s.Dir, f)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return storage.Wrap("index wipe", s.Dir, err)
		}
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate storage id: %w", err)
	}
	s.Meta = Meta{StorageID: id, Name: name, Version: version, Created: time.Now().UTC()}
	return writeMeta(s.Dir, s.Meta)
}

func (s *Storage) openFiles(opts StorageOptions) error {
	keys, err := enumerator.Open(filepath.Join(s.Dir, KeysFileName), enumerator.Options{
		FileMode: opts.FileMode,
		Logger:   opts.Logger,
	})
	if err != nil {
		return err
	}
	mapOpts := pmap.Options{FileMode: opts.FileMode, CompactRatio: opts.CompactRatio, Logger: opts.Logger}
	inverted, err := pmap.Open(filepath.Join(s.Dir, InvertedFileName), mapOpts)
	if err != nil {
		_ = keys.Close()
		return err
	}
	fwd, err := pmap.Open(filepath.Join(s.Dir, ForwardFileName), mapOpts)
	if err != nil {
		_ = keys.Close()
		_ = inverted.Close()
		return err
	}
	s.Keys, s.Inverted, s.Forward = keys, inverted, forward.New(fwd)
	return nil
}

// OpenStorageReadOnly loads storage for the named index from src. Nothing
// is written; every mutation of the result fails.
func OpenStorageReadOnly(src storage.Source, name string, version int) (*Storage, error) {
	meta, err := readMeta(src)
	if err != nil {
		return nil, storage.Wrap("index open", MetaFileName, err)
	}
	if meta.Name != name || meta.Version != version {
		return nil, fmt.Errorf("%w: %s v%d, want %s v%d", ErrVersionMismatch, meta.Name, meta.Version, name, version)
	}

	keys, err := enumerator.OpenReadOnly(src, KeysFileName)
	if err != nil {
		return nil, err
	}
	inverted, err := pmap.OpenReadOnly(src, InvertedFileName)
	if err != nil {
		return nil, err
	}
	fwd, err := pmap.OpenReadOnly(src, ForwardFileName)
	if err != nil {
		return nil, err
	}
	return &Storage{
		Meta:     meta,
		Keys:     keys,
		Inverted: inverted,
		Forward:  forward.New(fwd),
		readOnly: true,
		logger:   logging.Discard(),
	}, nil
}

// ReadOnly reports whether the storage rejects mutations.
func (s *Storage) ReadOnly() bool {
	return s.readOnly
}

// Clear drops all indexed data. Enumerated key ids are kept.
func (s *Storage) Clear() error {
	if s.readOnly {
		return storage.ReadOnly("index clear", s.Dir)
	}
	return errors.Join(s.Inverted.Clear(), s.Forward.Clear())
}

// Force makes all prior writes durable.
func (s *Storage) Force() error {
	return errors.Join(s.Keys.Force(), s.Inverted.Force(), s.Forward.Force())
}

// Compact rewrites the inverted and forward logs with only live records.
func (s *Storage) Compact() error {
	if s.readOnly {
		return storage.ReadOnly("index compact", s.Dir)
	}
	return errors.Join(s.Inverted.Compact(), s.Forward.Compact())
}

// Close closes all files and releases the directory lock.
func (s *Storage) Close() error {
	err := errors.Join(s.Keys.Close(), s.Inverted.Close(), s.Forward.Close())
	if s.lock != nil {
		err = errors.Join(err, s.lock.Unlock())
	}
	return err
}

func readMeta(src storage.Source) (Meta, error) {
	data, err := src.ReadFile(MetaFileName)
	if err != nil {
		return Meta{}, err
	}
	if _, err := format.DecodeAndValidate(data, format.TypeIndexMeta, metaVersion); err != nil {
		return Meta{}, fmt.Errorf("%w: meta header: %v", storage.ErrCorrupted, err)
	}
	var meta Meta
	if err := msgpack.Unmarshal(data[format.HeaderSize:], &meta); err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %v", storage.ErrCorrupted, err)
	}
	return meta, nil
}

func writeMeta(dir string, meta Meta) error {
	payload, err := msgpack.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	h := format.Header{Type: format.TypeIndexMeta, Version: metaVersion}
	hdr := h.Encode()
	data := append(hdr[:], payload...)

	path := filepath.Join(dir, MetaFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return storage.Wrap("index meta", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return storage.Wrap("index meta", path, err)
	}
	return nil
}
