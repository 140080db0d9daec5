// Package forward stores, per file, the keys and values an indexer last
// produced for it. The update path diffs new indexer output against this
// record instead of re-running the indexer on stale content.
//
// Value encoding (pairs sorted by key id):
//
//	count (uvarint)
//	per pair: keyID delta (uvarint) | valueLen (uvarint) | value
package forward

import (
	"encoding/binary"
	"errors"
	"fmt"

	"fileindex/internal/storage"
	"fileindex/internal/storage/container"
	"fileindex/internal/storage/pmap"
)

// FileName is the forward index log inside an index directory.
const FileName = "forward.log"

// Index maps file ids to their indexed pairs.
type Index struct {
	m *pmap.Map
}

// New wraps an opened map.
func New(m *pmap.Map) *Index {
	return &Index{m: m}
}

// Get returns the pairs recorded for fileID, sorted by key id. A file with
// no record yields nil.
func (x *Index) Get(fileID uint32) ([]container.Pair, error) {
	data, ok, err := x.m.Get(fileID)
	if err != nil || !ok {
		return nil, err
	}
	pairs, err := decode(data)
	if err != nil {
		return nil, storage.Corrupted("forward get", x.m.Path(), "file %d: %v", fileID, err)
	}
	return pairs, nil
}

// Has reports whether fileID has a record.
func (x *Index) Has(fileID uint32) bool {
	return x.m.Contains(fileID)
}

// Put records pairs for fileID. Empty pairs remove the record. pairs must
// be sorted by key id.
func (x *Index) Put(fileID uint32, pairs []container.Pair) error {
	if len(pairs) == 0 {
		return x.m.Remove(fileID)
	}
	return x.m.Put(fileID, encode(pairs))
}

func (x *Index) Remove(fileID uint32) error {
	return x.m.Remove(fileID)
}

// Files returns every file id with a record, ascending.
func (x *Index) Files() []uint32 {
	return x.m.Keys()
}

func (x *Index) Len() int       { return x.m.Len() }
func (x *Index) ReadOnly() bool { return x.m.ReadOnly() }
func (x *Index) Clear() error   { return x.m.Clear() }
func (x *Index) Force() error   { return x.m.Force() }
func (x *Index) Close() error   { return x.m.Close() }

// Compact rewrites the log with only live records.
func (x *Index) Compact() error { return x.m.Compact() }

func encode(pairs []container.Pair) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(pairs)))
	var prev uint32
	for _, p := range pairs {
		buf = binary.AppendUvarint(buf, uint64(p.KeyID-prev))
		buf = binary.AppendUvarint(buf, uint64(len(p.Value)))
		buf = append(buf, p.Value...)
		prev = p.KeyID
	}
	return buf
}

func decode(data []byte) ([]container.Pair, error) {
	count, pos := binary.Uvarint(data)
	if pos <= 0 {
		return nil, errors.New("bad pair count")
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%d pairs in %d bytes", count, len(data))
	}
	pairs := make([]container.Pair, 0, count)
	var prev uint64
	for i := range count {
		delta, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("pair %d: bad key delta", i)
		}
		pos += n
		key := prev + delta
		if key > 1<<32-1 || (i > 0 && delta == 0) {
			return nil, fmt.Errorf("pair %d: invalid key id %d", i, key)
		}
		vlen, n := binary.Uvarint(data[pos:])
		if n <= 0 || vlen > uint64(len(data)-pos-n) {
			return nil, fmt.Errorf("pair %d: bad value length", i)
		}
		pos += n
		value := make([]byte, vlen)
		copy(value, data[pos:pos+int(vlen)])
		pos += int(vlen)
		pairs = append(pairs, container.Pair{KeyID: uint32(key), Value: value})
		prev = key
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes", len(data)-pos)
	}
	return pairs, nil
}
