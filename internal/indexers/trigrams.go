package indexers

import (
	"context"
	"fmt"
	"log/slog"

	"fileindex/internal/descriptor"
	"fileindex/internal/index"
)

// Trigram packs three bytes into a key. ASCII letters are lowercased.
func Trigram(a, b, c byte) int32 {
	return int32(lowercase(a))<<16 | int32(lowercase(b))<<8 | int32(lowercase(c))
}

// ParseTrigram packs a three-byte string.
func ParseTrigram(s string) (int32, error) {
	if len(s) != 3 {
		return 0, fmt.Errorf("trigram %q: need exactly 3 bytes, got %d", s, len(s))
	}
	return Trigram(s[0], s[1], s[2]), nil
}

// TrigramString unpacks a key produced by Trigram.
func TrigramString(t int32) string {
	return string([]byte{byte(t >> 16), byte(t >> 8), byte(t)})
}

// Trigrams returns the set of trigrams of data. Windows spanning a line
// break are skipped.
func Trigrams(_ context.Context, c index.Content) (map[int32]descriptor.Void, error) {
	if isBinary(c.Data) || len(c.Data) < 3 {
		return nil, nil
	}
	out := make(map[int32]descriptor.Void)
	d := c.Data
	for i := 0; i+2 < len(d); i++ {
		if d[i] == '\n' || d[i+1] == '\n' || d[i+2] == '\n' {
			continue
		}
		out[Trigram(d[i], d[i+1], d[i+2])] = descriptor.Void{}
	}
	return out, nil
}

// TrigramsConfig returns the configuration of the trigram index stored in dir.
func TrigramsConfig(dir string, logger *slog.Logger) index.Config[int32, descriptor.Void, index.Content] {
	return index.Config[int32, descriptor.Void, index.Content]{
		ID:              TrigramsID,
		Version:         TrigramsVersion,
		Indexer:         index.DataIndexerFunc[int32, descriptor.Void, index.Content](Trigrams),
		KeyDescriptor:   descriptor.Int32{},
		ValueDescriptor: descriptor.VoidCodec{},
		Dir:             dir,
		Logger:          logger,
	}
}
