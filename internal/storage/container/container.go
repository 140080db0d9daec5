// Package container implements ValueContainer, the per-key payload of the
// inverted index: the set of files holding a key, grouped by the value each
// file associated with it.
//
// Encoding:
//
//	entries (uvarint)
//	per entry: valueLen (uvarint) | value | bitmapLen (uvarint) | roaring bitmap
package container

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"fileindex/internal/descriptor"
)

var ErrInvalidContainer = errors.New("invalid container encoding")

type entry[V any] struct {
	value V
	files *roaring.Bitmap
}

// Container maps values to the ids of the files that produced them.
// A file id appears under at most one value. Not safe for concurrent
// mutation; the owning index serializes writers.
type Container[V any] struct {
	desc    descriptor.Descriptor[V]
	entries []entry[V]
}

// New returns an empty container using desc for value identity.
func New[V any](desc descriptor.Descriptor[V]) *Container[V] {
	return &Container[V]{desc: desc}
}

// Add associates fileID with v, detaching it from any other value first.
func (c *Container[V]) Add(fileID uint32, v V) {
	c.Remove(fileID)
	for i := range c.entries {
		if c.desc.Equal(c.entries[i].value, v) {
			c.entries[i].files.Add(fileID)
			return
		}
	}
	files := roaring.New()
	files.Add(fileID)
	c.entries = append(c.entries, entry[V]{value: v, files: files})
}

// Remove detaches fileID. It reports whether the file was present.
func (c *Container[V]) Remove(fileID uint32) bool {
	for i := range c.entries {
		if c.entries[i].files.CheckedRemove(fileID) {
			if c.entries[i].files.IsEmpty() {
				c.entries = append(c.entries[:i], c.entries[i+1:]...)
			}
			return true
		}
	}
	return false
}

// Len returns the number of distinct values.
func (c *Container[V]) Len() int {
	return len(c.entries)
}

func (c *Container[V]) IsEmpty() bool {
	return len(c.entries) == 0
}

// ForEach calls fn for each value and its file set, in insertion order,
// until fn returns false. fn must not modify the bitmap.
func (c *Container[V]) ForEach(fn func(v V, files *roaring.Bitmap) bool) {
	for _, e := range c.entries {
		if !fn(e.value, e.files) {
			return
		}
	}
}

// Values returns the distinct values in insertion order.
func (c *Container[V]) Values() []V {
	out := make([]V, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.value
	}
	return out
}

// FileIDs returns the union of all file sets.
func (c *Container[V]) FileIDs() *roaring.Bitmap {
	out := roaring.New()
	for _, e := range c.entries {
		out.Or(e.files)
	}
	return out
}

// FileCount returns the number of files in the container.
func (c *Container[V]) FileCount() uint64 {
	var n uint64
	for _, e := range c.entries {
		n += e.files.GetCardinality()
	}
	return n
}

// ValueFor returns the value associated with fileID.
func (c *Container[V]) ValueFor(fileID uint32) (V, bool) {
	for _, e := range c.entries {
		if e.files.Contains(fileID) {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

func (c *Container[V]) Contains(fileID uint32) bool {
	_, ok := c.ValueFor(fileID)
	return ok
}

// Encode serializes the container.
func (c *Container[V]) Encode() ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(len(c.entries)))
	for _, e := range c.entries {
		value, err := c.desc.Encode(e.value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		e.files.RunOptimize()
		bm, err := e.files.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("encode file set: %w", err)
		}
		buf = binary.AppendUvarint(buf, uint64(len(value)))
		buf = append(buf, value...)
		buf = binary.AppendUvarint(buf, uint64(len(bm)))
		buf = append(buf, bm...)
	}
	return buf, nil
}

// Decode parses a container produced by Encode.
func Decode[V any](desc descriptor.Descriptor[V], data []byte) (*Container[V], error) {
	c := New(desc)
	if len(data) == 0 {
		return c, nil
	}

	count, pos, err := readUvarint(data, 0)
	if err != nil {
		return nil, err
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrInvalidContainer, count, len(data))
	}
	c.entries = make([]entry[V], 0, count)

	for range count {
		var raw []byte
		if raw, pos, err = readBytes(data, pos); err != nil {
			return nil, err
		}
		value, err := desc.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: value: %v", ErrInvalidContainer, err)
		}
		if raw, pos, err = readBytes(data, pos); err != nil {
			return nil, err
		}
		files := roaring.New()
		if err := files.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("%w: file set: %v", ErrInvalidContainer, err)
		}
		c.entries = append(c.entries, entry[V]{value: value, files: files})
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidContainer, len(data)-pos)
	}
	return c, nil
}

func readUvarint(data []byte, pos int) (uint64, int, error) {
	v, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return 0, 0, fmt.Errorf("%w: bad varint at %d", ErrInvalidContainer, pos)
	}
	return v, pos + n, nil
}

func readBytes(data []byte, pos int) ([]byte, int, error) {
	n, pos, err := readUvarint(data, pos)
	if err != nil {
		return nil, 0, err
	}
	if n > uint64(len(data)-pos) {
		return nil, 0, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrInvalidContainer, n, len(data)-pos)
	}
	end := pos + int(n)
	return data[pos:end], end, nil
}
