// Package format provides the binary header shared by every fileindex storage file.
package format

import "errors"

// Header layout (4 bytes):
//
//	signature (1 byte, 'x' = 0x78)
//	type (1 byte, identifies the storage file)
//	version (1 byte)
//	flags (1 byte)
//
// Type codes:
//
//	'e' = key enumerator (keys.enum, files.enum, indexes.enum)
//	'l' = persistent map log (inverted.log, forward.log, stamps.log)
//	'm' = index storage metadata (meta.bin)
//	'd' = dirty file set
//	'p' = pack manifest
const (
	Signature  = 'x'
	HeaderSize = 4

	TypeEnumerator   = 'e'
	TypeMapLog       = 'l'
	TypeIndexMeta    = 'm'
	TypeDirtySet     = 'd'
	TypePackManifest = 'p'

	// FlagReadOnly marks files written for read-only distribution (packs).
	FlagReadOnly = 0x01
	// FlagCompacted marks a map log produced by compaction rather than appends.
	FlagCompacted = 0x02
)

var (
	ErrHeaderTooSmall    = errors.New("header too small")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
)

// Header represents the common 4-byte header.
type Header struct {
	Type    byte
	Version byte
	Flags   byte
}

// Encode writes the header to a 4-byte array.
func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{Signature, h.Type, h.Version, h.Flags}
}

// EncodeInto writes the header into the given buffer at offset 0.
// Returns the number of bytes written (always HeaderSize).
func (h Header) EncodeInto(buf []byte) int {
	buf[0] = Signature
	buf[1] = h.Type
	buf[2] = h.Version
	buf[3] = h.Flags
	return HeaderSize
}

// Decode reads a header from the given buffer.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	if buf[0] != Signature {
		return Header{}, ErrSignatureMismatch
	}
	return Header{
		Type:    buf[1],
		Version: buf[2],
		Flags:   buf[3],
	}, nil
}

// DecodeAndValidate reads a header and validates the type and version.
func DecodeAndValidate(buf []byte, expectedType, expectedVersion byte) (Header, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, err
	}
	if h.Type != expectedType {
		return Header{}, ErrTypeMismatch
	}
	if h.Version != expectedVersion {
		return Header{}, ErrVersionMismatch
	}
	return h, nil
}
