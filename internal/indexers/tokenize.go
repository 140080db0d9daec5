package indexers

import "iter"

// MinTokenLen is the shortest token Tokens yields.
const MinTokenLen = 2

// Tokens yields the words of data.
//
// Token rules:
//   - Word bytes: a-z, A-Z (lowercased), 0-9, '_', 0x80-0x9F, 0xA1-0xFF
//   - Delimiters: everything else (ASCII control/punctuation/space, 0xA0)
//   - Tokens shorter than MinTokenLen bytes are skipped
func Tokens(data []byte) iter.Seq[string] {
	return func(yield func(string) bool) {
		var current []byte
		for _, b := range data {
			if isWordByte(b) {
				current = append(current, lowercase(b))
				continue
			}
			if len(current) >= MinTokenLen && !yield(string(current)) {
				return
			}
			current = current[:0]
		}
		if len(current) >= MinTokenLen {
			yield(string(current))
		}
	}
}

func isWordByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_':
		return true
	case b >= 0x80 && b <= 0x9F:
		return true
	case b >= 0xA1: // 0xA1-0xFF (excludes 0xA0 non-breaking space)
		return true
	default:
		return false
	}
}

// lowercase converts ASCII uppercase to lowercase, leaves other bytes unchanged.
func lowercase(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// binarySniffLen is how much of a file is checked for NUL bytes.
const binarySniffLen = 8000

// isBinary reports whether data looks like a binary file.
func isBinary(data []byte) bool {
	for _, b := range data[:min(len(data), binarySniffLen)] {
		if b == 0 {
			return true
		}
	}
	return false
}
