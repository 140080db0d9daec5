// Package enumerator assigns stable integer ids to distinct key encodings.
//
// File layout:
//
//	Header:  signature (1) | type 'e' (1) | version (1) | flags (1)
//	Entries: keyLen (4) | crc32(key) (4) | key (keyLen)   (repeated, id = position + 1)
//
// The file is append-only. Ids start at 1, are never reused and stay valid
// for the lifetime of the file. A partial or checksum-failing trailing entry
// is a torn write and is truncated on open. A bad entry followed by any
// intact entry is corruption.
package enumerator

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"fileindex/internal/format"
	"fileindex/internal/logging"
	"fileindex/internal/storage"
)

const (
	currentVersion = 0x01

	keyLenSize      = 4
	crcSize         = 4
	entryHeaderSize = keyLenSize + crcSize

	// MaxKeySize bounds a single encoded key.
	MaxKeySize = 1 << 24
)

var ErrKeyTooLarge = errors.New("enumerator key too large")

// Options configures a writable enumerator.
type Options struct {
	FileMode os.FileMode

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Enumerator maps key bytes to ids and back.
// Safe for concurrent readers with one appending writer.
type Enumerator struct {
	mu       sync.RWMutex
	path     string
	file     *os.File // nil when read-only
	keys     [][]byte // keys[id-1]
	lookup   map[string]uint32
	size     int64 // end of the last complete entry
	readOnly bool
	closed   bool
	logger   *slog.Logger
}

// Open opens or creates the enumerator file at path.
func Open(path string, opts Options) (*Enumerator, error) {
	mode := cmp.Or(opts.FileMode, 0o644)
	logger := logging.Default(opts.Logger).With("component", "enumerator", "file", filepath.Base(path))

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, storage.Wrap("enumerator open", path, err)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return nil, storage.Wrap("enumerator open", path, err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		_ = f.Close()
		return nil, storage.Wrap("enumerator read", path, err)
	}

	e := &Enumerator{path: path, file: f, lookup: make(map[string]uint32), logger: logger}

	if len(data) == 0 {
		h := format.Header{Type: format.TypeEnumerator, Version: currentVersion}
		hdr := h.Encode()
		if _, err := f.WriteAt(hdr[:], 0); err != nil {
			_ = f.Close()
			return nil, storage.Wrap("enumerator init", path, err)
		}
		e.size = format.HeaderSize
		return e, nil
	}

	validEnd, torn, err := e.load(data)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if torn {
		logger.Warn("truncating torn trailing entry", "valid", validEnd, "size", len(data))
		if err := f.Truncate(validEnd); err != nil {
			_ = f.Close()
			return nil, storage.Wrap("enumerator truncate", path, err)
		}
	}
	e.size = validEnd
	logger.Debug("enumerator opened", "keys", len(e.keys))
	return e, nil
}

// OpenReadOnly loads an enumerator from src. The result never writes.
func OpenReadOnly(src storage.Source, name string) (*Enumerator, error) {
	data, err := src.ReadFile(name)
	if err != nil {
		return nil, storage.Wrap("enumerator open", name, err)
	}
	e := &Enumerator{path: name, lookup: make(map[string]uint32), readOnly: true, logger: logging.Discard()}
	validEnd, _, err := e.load(data)
	if err != nil {
		return nil, err
	}
	e.size = validEnd
	return e, nil
}

// load decodes all complete entries in data. It returns the offset after the
// last valid entry and whether a torn tail was found.
func (e *Enumerator) load(data []byte) (int64, bool, error) {
	if _, err := format.DecodeAndValidate(data, format.TypeEnumerator, currentVersion); err != nil {
		return 0, false, storage.Corrupted("enumerator open", e.path, "header: %v", err)
	}

	offset := format.HeaderSize
	for offset < len(data) {
		if offset+entryHeaderSize > len(data) {
			return int64(offset), true, nil
		}
		keyLen := int(binary.LittleEndian.Uint32(data[offset : offset+keyLenSize]))
		sum := binary.LittleEndian.Uint32(data[offset+keyLenSize : offset+entryHeaderSize])
		end := offset + entryHeaderSize + keyLen
		if keyLen > MaxKeySize || end > len(data) {
			// A bad length is a torn append only if nothing intact follows it.
			if intactAfter(data, offset) {
				return 0, false, storage.Corrupted("enumerator open", e.path, "bad entry length %d at offset %d", keyLen, offset)
			}
			return int64(offset), true, nil
		}
		key := data[offset+entryHeaderSize : end]
		if crc32.ChecksumIEEE(key) != sum {
			if end == len(data) {
				return int64(offset), true, nil
			}
			return 0, false, storage.Corrupted("enumerator open", e.path, "checksum mismatch at offset %d", offset)
		}
		if _, dup := e.lookup[string(key)]; dup {
			return 0, false, storage.Corrupted("enumerator open", e.path, "duplicate key at offset %d", offset)
		}
		owned := make([]byte, keyLen)
		copy(owned, key)
		e.keys = append(e.keys, owned)
		e.lookup[string(owned)] = uint32(len(e.keys))
		offset = end
	}
	return int64(offset), false, nil
}

// intactAfter reports whether a complete entry with a matching checksum
// starts anywhere after offset.
func intactAfter(data []byte, offset int) bool {
	for i := offset + 1; i+entryHeaderSize < len(data); i++ {
		keyLen := int(binary.LittleEndian.Uint32(data[i : i+keyLenSize]))
		end := i + entryHeaderSize + keyLen
		if keyLen == 0 || keyLen > MaxKeySize || end > len(data) {
			continue
		}
		if crc32.ChecksumIEEE(data[i+entryHeaderSize:end]) == binary.LittleEndian.Uint32(data[i+keyLenSize:i+entryHeaderSize]) {
			return true
		}
	}
	return false
}

// Enumerate returns the id of key, assigning a new one if key is unseen.
func (e *Enumerator) Enumerate(key []byte) (uint32, error) {
	if len(key) > MaxKeySize {
		return 0, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	if id, ok := e.TryEnumerate(key); ok {
		return id, nil
	}
	if e.readOnly {
		return 0, storage.ReadOnly("enumerate", e.path)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, storage.ErrClosed
	}
	if id, ok := e.lookup[string(key)]; ok {
		return id, nil
	}

	buf := make([]byte, entryHeaderSize+len(key))
	binary.LittleEndian.PutUint32(buf[:keyLenSize], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[keyLenSize:entryHeaderSize], crc32.ChecksumIEEE(key))
	copy(buf[entryHeaderSize:], key)
	if _, err := e.file.WriteAt(buf, e.size); err != nil {
		return 0, storage.Wrap("enumerate", e.path, err)
	}
	e.size += int64(len(buf))

	owned := buf[entryHeaderSize:]
	e.keys = append(e.keys, owned)
	id := uint32(len(e.keys))
	e.lookup[string(owned)] = id
	return id, nil
}

// TryEnumerate returns the id of key without assigning one.
func (e *Enumerator) TryEnumerate(key []byte) (uint32, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.lookup[string(key)]
	return id, ok
}

// ValueOf returns the key bytes for id. The returned slice must not be modified.
func (e *Enumerator) ValueOf(id uint32) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id == 0 || int(id) > len(e.keys) {
		return nil, storage.Corrupted("value of", e.path, "unknown id %d", id)
	}
	return e.keys[id-1], nil
}

// Len returns the number of enumerated keys.
func (e *Enumerator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.keys)
}

// ReadOnly reports whether the enumerator rejects new keys.
func (e *Enumerator) ReadOnly() bool {
	return e.readOnly
}

// Force makes all assigned ids durable.
func (e *Enumerator) Force() error {
	if e.readOnly {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return storage.ErrClosed
	}
	return storage.Wrap("enumerator force", e.path, e.file.Sync())
}

// Close forces and closes the file. Closing twice is a no-op.
func (e *Enumerator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.file == nil {
		return nil
	}
	syncErr := e.file.Sync()
	closeErr := e.file.Close()
	return storage.Wrap("enumerator close", e.path, errors.Join(syncErr, closeErr))
}
