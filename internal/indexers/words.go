package indexers

import (
	"context"
	"log/slog"
	"math"

	"fileindex/internal/descriptor"
	"fileindex/internal/index"
)

// WordCounts maps every token of data to its number of occurrences.
func WordCounts(_ context.Context, c index.Content) (map[string]int32, error) {
	if isBinary(c.Data) {
		return nil, nil
	}
	counts := make(map[string]int32)
	for tok := range Tokens(c.Data) {
		if n := counts[tok]; n < math.MaxInt32 {
			counts[tok] = n + 1
		}
	}
	return counts, nil
}

// WordsConfig returns the configuration of the words index stored in dir.
func WordsConfig(dir string, logger *slog.Logger) index.Config[string, int32, index.Content] {
	return index.Config[string, int32, index.Content]{
		ID:              WordsID,
		Version:         WordsVersion,
		Indexer:         index.DataIndexerFunc[string, int32, index.Content](WordCounts),
		KeyDescriptor:   descriptor.String{},
		ValueDescriptor: descriptor.Int32{},
		Dir:             dir,
		Logger:          logger,
	}
}
