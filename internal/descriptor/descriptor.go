// Package descriptor defines how index keys and values are hashed, compared
// and serialized, with stock codecs for common types.
//
// The engine identifies keys by their encoded bytes, so every Descriptor must
// satisfy: Equal(a, b) implies Encode(a) and Encode(b) are byte-identical.
package descriptor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrInvalidEncoding = errors.New("invalid encoding")

// Descriptor hashes, compares and serializes values of type T.
type Descriptor[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
	Hash(v T) uint64
	Equal(a, b T) bool
}

// Void is the value type of indexes that only record key presence.
type Void struct{}

// String encodes strings as raw UTF-8 bytes.
type String struct{}

func (String) Encode(v string) ([]byte, error)    { return []byte(v), nil }
func (String) Decode(data []byte) (string, error) { return string(data), nil }
func (String) Hash(v string) uint64               { return xxhash.Sum64String(v) }
func (String) Equal(a, b string) bool             { return a == b }

// CaseInsensitiveString treats strings with equal lower-case forms as the
// same key. Keys are stored lower-cased, and Equal compares the same forms.
type CaseInsensitiveString struct{}

func (CaseInsensitiveString) Encode(v string) ([]byte, error) {
	return []byte(strings.ToLower(v)), nil
}

func (CaseInsensitiveString) Decode(data []byte) (string, error) { return string(data), nil }

func (CaseInsensitiveString) Hash(v string) uint64 {
	return xxhash.Sum64String(strings.ToLower(v))
}

func (CaseInsensitiveString) Equal(a, b string) bool {
	return strings.ToLower(a) == strings.ToLower(b)
}

// Int32 encodes int32 values as zig-zag varints.
type Int32 struct{}

func (Int32) Encode(v int32) ([]byte, error) {
	return binary.AppendVarint(nil, int64(v)), nil
}

func (Int32) Decode(data []byte) (int32, error) {
	v, n := binary.Varint(data)
	if n <= 0 || n != len(data) {
		return 0, fmt.Errorf("%w: int32 varint of %d bytes", ErrInvalidEncoding, len(data))
	}
	if v < -1<<31 || v > 1<<31-1 {
		return 0, fmt.Errorf("%w: %d overflows int32", ErrInvalidEncoding, v)
	}
	return int32(v), nil
}

func (Int32) Hash(v int32) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return xxhash.Sum64(buf[:])
}

func (Int32) Equal(a, b int32) bool { return a == b }

// VoidCodec encodes presence-only values as zero bytes.
type VoidCodec struct{}

func (VoidCodec) Encode(Void) ([]byte, error) { return nil, nil }

func (VoidCodec) Decode(data []byte) (Void, error) {
	if len(data) != 0 {
		return Void{}, fmt.Errorf("%w: void value of %d bytes", ErrInvalidEncoding, len(data))
	}
	return Void{}, nil
}

func (VoidCodec) Hash(Void) uint64     { return 0 }
func (VoidCodec) Equal(_, _ Void) bool { return true }

// Msgpack serializes arbitrary T with msgpack. Hash and equality are defined
// over the encoding, so T should encode deterministically (no maps).
type Msgpack[T any] struct{}

func (Msgpack[T]) Encode(v T) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return data, nil
}

func (Msgpack[T]) Decode(data []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: msgpack: %v", ErrInvalidEncoding, err)
	}
	return v, nil
}

func (m Msgpack[T]) Hash(v T) uint64 {
	data, err := m.Encode(v)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

func (m Msgpack[T]) Equal(a, b T) bool {
	ea, errA := m.Encode(a)
	eb, errB := m.Encode(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ea) == string(eb)
}
