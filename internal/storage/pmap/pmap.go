// Package pmap implements PersistentMap: a durable uint32 → []byte map stored
// as an append-only log with an in-memory key directory.
//
// File layout:
//
//	Header:  signature (1) | type 'l' (1) | version (1) | flags (1)
//	Records: crc32 (4) | kind (1) | key (uvarint) | valueLen (uvarint) | value
//
// The checksum covers everything after itself. A put record supersedes any
// earlier record for the same key; a remove record deletes it. Superseded
// records are dead bytes reclaimed by Compact.
//
// Durability is batched: writes go straight to the file, and Force fsyncs.
// On open, a torn trailing record is truncated and the key directory is
// rebuilt from the surviving records.
package pmap

import (
	"cmp"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"fileindex/internal/format"
	"fileindex/internal/logging"
	"fileindex/internal/storage"
)

const (
	currentVersion = 0x01

	kindPut    = 0x01
	kindRemove = 0x02

	crcSize = 4

	// MaxValueSize bounds a single stored value.
	MaxValueSize = 1 << 30

	defaultCompactRatio    = 0.5
	defaultCompactMinBytes = 64 << 10
)

var ErrValueTooLarge = errors.New("pmap value too large")

// Options configures a writable map.
type Options struct {
	FileMode os.FileMode

	// CompactRatio is the dead/total byte ratio above which Force compacts
	// the log. Negative disables automatic compaction.
	CompactRatio float64

	// CompactMinBytes is the minimum amount of dead bytes before automatic
	// compaction is considered.
	CompactMinBytes int64

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

type recordRef struct {
	valueOff int64  // offset of the value bytes
	valueLen uint32 // length of the value
	recLen   int64  // full record length, for dead-byte accounting
}

// Map is a durable uint32 → []byte map.
type Map struct {
	mu       sync.RWMutex
	path     string
	file     *os.File // nil when read-only
	data     []byte   // backing bytes when read-only
	keydir   map[uint32]recordRef
	size     int64 // end of the last complete record
	live     int64 // bytes held by live records
	readOnly bool
	closed   bool

	compactRatio    float64
	compactMinBytes int64
	mode            os.FileMode
	logger          *slog.Logger
}

// Open opens or creates the map log at path.
func Open(path string, opts Options) (*Map, error) {
	m := &Map{
		path:            path,
		keydir:          make(map[uint32]recordRef),
		compactRatio:    cmp.Or(opts.CompactRatio, defaultCompactRatio),
		compactMinBytes: cmp.Or(opts.CompactMinBytes, defaultCompactMinBytes),
		mode:            cmp.Or(opts.FileMode, 0o644),
		logger:          logging.Default(opts.Logger).With("component", "pmap", "file", filepath.Base(path)),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, storage.Wrap("pmap open", path, err)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, m.mode)
	if err != nil {
		return nil, storage.Wrap("pmap open", path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		_ = f.Close()
		return nil, storage.Wrap("pmap read", path, err)
	}
	m.file = f

	if len(data) == 0 {
		if err := m.writeHeader(f, 0); err != nil {
			_ = f.Close()
			return nil, err
		}
		m.size = format.HeaderSize
		return m, nil
	}

	validEnd, torn, err := m.replay(data)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if torn {
		m.logger.Warn("truncating torn trailing record", "valid", validEnd, "size", len(data))
		if err := f.Truncate(validEnd); err != nil {
			_ = f.Close()
			return nil, storage.Wrap("pmap truncate", path, err)
		}
	}
	m.size = validEnd
	m.logger.Debug("map opened", "keys", len(m.keydir), "bytes", validEnd)
	return m, nil
}

// OpenReadOnly loads the map log name from src. Every mutation of the
// result fails with a StorageError caused by storage.ErrIncorrectOperation.
func OpenReadOnly(src storage.Source, name string) (*Map, error) {
	data, err := src.ReadFile(name)
	if err != nil {
		return nil, storage.Wrap("pmap open", name, err)
	}
	m := &Map{
		path:     name,
		data:     data,
		keydir:   make(map[uint32]recordRef),
		readOnly: true,
		logger:   logging.Discard(),
	}
	validEnd, _, err := m.replay(data)
	if err != nil {
		return nil, err
	}
	m.size = validEnd
	return m, nil
}

func (m *Map) writeHeader(f *os.File, flags byte) error {
	h := format.Header{Type: format.TypeMapLog, Version: currentVersion, Flags: flags}
	hdr := h.Encode()
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return storage.Wrap("pmap init", m.path, err)
	}
	return nil
}

// replay rebuilds the key directory from data.
func (m *Map) replay(data []byte) (int64, bool, error) {
	if _, err := format.DecodeAndValidate(data, format.TypeMapLog, currentVersion); err != nil {
		return 0, false, storage.Corrupted("pmap open", m.path, "header: %v", err)
	}

	offset := format.HeaderSize
	for offset < len(data) {
		rec, n, err := decodeRecord(data[offset:])
		if errors.Is(err, errShortRecord) {
			// A short record is a torn append only if nothing intact follows it.
			if intactAfter(data, offset) {
				return 0, false, storage.Corrupted("pmap open", m.path, "truncated record at offset %d", offset)
			}
			return int64(offset), true, nil
		}
		if errors.Is(err, errChecksum) && offset+n == len(data) {
			return int64(offset), true, nil
		}
		if err != nil {
			return 0, false, storage.Corrupted("pmap open", m.path, "record at offset %d: %v", offset, err)
		}

		if old, ok := m.keydir[rec.key]; ok {
			m.live -= old.recLen
		}
		switch rec.kind {
		case kindPut:
			m.keydir[rec.key] = recordRef{
				valueOff: int64(offset + rec.valueStart),
				valueLen: uint32(len(rec.value)),
				recLen:   int64(n),
			}
			m.live += int64(n)
		case kindRemove:
			delete(m.keydir, rec.key)
		}
		offset += n
	}
	return int64(offset), false, nil
}

// intactAfter reports whether a record with a matching checksum starts
// anywhere after offset.
func intactAfter(data []byte, offset int) bool {
	for i := offset + 1; i+crcSize < len(data); i++ {
		if _, _, err := decodeRecord(data[i:]); err == nil {
			return true
		}
	}
	return false
}

// Get returns the value stored for key.
func (m *Map) Get(key uint32) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, storage.ErrClosed
	}
	ref, ok := m.keydir[key]
	if !ok {
		return nil, false, nil
	}
	value, err := m.readValue(ref)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Map) readValue(ref recordRef) ([]byte, error) {
	buf := make([]byte, ref.valueLen)
	if m.readOnly {
		copy(buf, m.data[ref.valueOff:ref.valueOff+int64(ref.valueLen)])
		return buf, nil
	}
	if _, err := m.file.ReadAt(buf, ref.valueOff); err != nil {
		return nil, storage.Wrap("pmap get", m.path, err)
	}
	return buf, nil
}

// Contains reports whether key has a value.
func (m *Map) Contains(key uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keydir[key]
	return ok
}

// Put stores value under key, replacing any previous value.
func (m *Map) Put(key uint32, value []byte) error {
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	if m.readOnly {
		return storage.ReadOnly("pmap put", m.path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}

	rec := encodeRecord(kindPut, key, value)
	if _, err := m.file.WriteAt(rec, m.size); err != nil {
		return storage.Wrap("pmap put", m.path, err)
	}
	if old, ok := m.keydir[key]; ok {
		m.live -= old.recLen
	}
	m.keydir[key] = recordRef{
		valueOff: m.size + int64(len(rec)-len(value)),
		valueLen: uint32(len(value)),
		recLen:   int64(len(rec)),
	}
	m.size += int64(len(rec))
	m.live += int64(len(rec))
	return nil
}

// Remove deletes key. Removing an absent key writes nothing.
func (m *Map) Remove(key uint32) error {
	if m.readOnly {
		return storage.ReadOnly("pmap remove", m.path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}
	old, ok := m.keydir[key]
	if !ok {
		return nil
	}

	rec := encodeRecord(kindRemove, key, nil)
	if _, err := m.file.WriteAt(rec, m.size); err != nil {
		return storage.Wrap("pmap remove", m.path, err)
	}
	delete(m.keydir, key)
	m.live -= old.recLen
	m.size += int64(len(rec))
	return nil
}

// Keys returns all live keys in ascending order.
func (m *Map) Keys() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.keydir))
}

// ProcessKeys calls fn for each live key in ascending order until fn returns false.
// The key set is snapshotted first, so fn may call back into the map.
func (m *Map) ProcessKeys(fn func(key uint32) bool) {
	for _, k := range m.Keys() {
		if !fn(k) {
			return
		}
	}
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keydir)
}

// ReadOnly reports whether the map rejects mutations.
func (m *Map) ReadOnly() bool {
	return m.readOnly
}

// Path returns the log file path (or source name when read-only).
func (m *Map) Path() string {
	return m.path
}

// Clear removes every key and truncates the log.
func (m *Map) Clear() error {
	if m.readOnly {
		return storage.ReadOnly("pmap clear", m.path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}
	if err := m.file.Truncate(format.HeaderSize); err != nil {
		return storage.Wrap("pmap clear", m.path, err)
	}
	clear(m.keydir)
	m.size = format.HeaderSize
	m.live = 0
	return nil
}

// Force makes every prior Put and Remove durable, compacting the log first
// when it holds enough dead bytes.
func (m *Map) Force() error {
	if m.readOnly {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}
	if m.shouldCompact() {
		return m.compactLocked()
	}
	return storage.Wrap("pmap force", m.path, m.file.Sync())
}

func (m *Map) shouldCompact() bool {
	if m.compactRatio < 0 {
		return false
	}
	dead := m.size - format.HeaderSize - m.live
	return dead >= m.compactMinBytes && float64(dead) > m.compactRatio*float64(m.size)
}

// Compact rewrites the log with only live records, then atomically replaces
// the old file.
func (m *Map) Compact() error {
	if m.readOnly {
		return storage.ReadOnly("pmap compact", m.path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}
	return m.compactLocked()
}

func (m *Map) compactLocked() error {
	before := m.size
	tmpPath := m.path + ".compact"
	tmp, err := os.OpenFile(filepath.Clean(tmpPath), os.O_CREATE|os.O_RDWR|os.O_TRUNC, m.mode)
	if err != nil {
		return storage.Wrap("pmap compact", tmpPath, err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := m.writeHeader(tmp, format.FlagCompacted); err != nil {
		cleanup()
		return err
	}

	keydir := make(map[uint32]recordRef, len(m.keydir))
	size := int64(format.HeaderSize)
	for _, key := range slices.Sorted(maps.Keys(m.keydir)) {
		value, err := m.readValue(m.keydir[key])
		if err != nil {
			cleanup()
			return err
		}
		rec := encodeRecord(kindPut, key, value)
		if _, err := tmp.WriteAt(rec, size); err != nil {
			cleanup()
			return storage.Wrap("pmap compact", tmpPath, err)
		}
		keydir[key] = recordRef{
			valueOff: size + int64(len(rec)-len(value)),
			valueLen: uint32(len(value)),
			recLen:   int64(len(rec)),
		}
		size += int64(len(rec))
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return storage.Wrap("pmap compact", tmpPath, err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		cleanup()
		return storage.Wrap("pmap compact", m.path, err)
	}

	_ = m.file.Close()
	m.file = tmp
	m.keydir = keydir
	m.size = size
	m.live = size - format.HeaderSize

	m.logger.Info("log compacted", "before", before, "after", size, "keys", len(keydir))
	return nil
}

// Close forces and closes the log. Closing twice is a no-op.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.file == nil {
		return nil
	}
	syncErr := m.file.Sync()
	closeErr := m.file.Close()
	return storage.Wrap("pmap close", m.path, errors.Join(syncErr, closeErr))
}

var (
	errShortRecord = errors.New("short record")
	errChecksum    = errors.New("checksum mismatch")
)

type record struct {
	kind       byte
	key        uint32
	value      []byte
	valueStart int // offset of value within the record
}

func encodeRecord(kind byte, key uint32, value []byte) []byte {
	buf := make([]byte, crcSize, crcSize+1+2*binary.MaxVarintLen32+len(value))
	buf = append(buf, kind)
	buf = binary.AppendUvarint(buf, uint64(key))
	buf = binary.AppendUvarint(buf, uint64(len(value)))
	buf = append(buf, value...)
	binary.LittleEndian.PutUint32(buf[:crcSize], crc32.ChecksumIEEE(buf[crcSize:]))
	return buf
}

// decodeRecord parses one record from the front of buf and returns its
// length. For errChecksum the returned length is still the record length.
func decodeRecord(buf []byte) (record, int, error) {
	if len(buf) < crcSize+1 {
		return record{}, 0, errShortRecord
	}
	sum := binary.LittleEndian.Uint32(buf[:crcSize])
	pos := crcSize
	rec := record{kind: buf[pos]}
	pos++

	key, n := binary.Uvarint(buf[pos:])
	if n == 0 {
		return record{}, 0, errShortRecord
	}
	if n < 0 || key > 1<<32-1 {
		return record{}, 0, errors.New("invalid key")
	}
	pos += n
	rec.key = uint32(key)

	vlen, n := binary.Uvarint(buf[pos:])
	if n == 0 {
		return record{}, 0, errShortRecord
	}
	if n < 0 || vlen > MaxValueSize {
		return record{}, 0, errors.New("invalid value length")
	}
	pos += n
	end := pos + int(vlen)
	if end > len(buf) {
		return record{}, 0, errShortRecord
	}
	rec.value = buf[pos:end]
	rec.valueStart = pos

	if crc32.ChecksumIEEE(buf[crcSize:end]) != sum {
		return record{}, end, errChecksum
	}
	if rec.kind != kindPut && rec.kind != kindRemove {
		return record{}, end, errors.New("unknown record kind")
	}
	return rec, end, nil
}
