// Package indexers provides the stock data indexers shipped with fileindex.
//
// Two indexes are available:
//   - words: lowercased word -> occurrence count in the file
//   - trigrams: packed 3-byte sequence -> presence
//
// Binary files (NUL in the first 8000 bytes) produce no data.
package indexers

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"fileindex/internal/index"
	"fileindex/internal/storage"
)

const (
	WordsID    = "words"
	TrigramsID = "trigrams"
)

// Versions of the stock indexers. Bump when the produced data changes.
const (
	WordsVersion    = 2
	TrigramsVersion = 1
)

var ErrUnknownIndexer = errors.New("unknown indexer")

// Names lists the stock indexers.
func Names() []string {
	return []string{TrigramsID, WordsID}
}

// Known reports whether name is a stock indexer.
func Known(name string) bool {
	return slices.Contains(Names(), name)
}

// Open opens the stock index called name in dir.
func Open(name, dir string, logger *slog.Logger) (index.Updatable, error) {
	return open(name, dir, nil, logger)
}

// OpenReadOnly opens the stock index called name from prebuilt storage.
func OpenReadOnly(name string, src storage.Source, logger *slog.Logger) (index.Updatable, error) {
	return open(name, "", src, logger)
}

func open(name, dir string, src storage.Source, logger *slog.Logger) (index.Updatable, error) {
	switch name {
	case WordsID:
		cfg := WordsConfig(dir, logger)
		cfg.Source = src
		return asUpdatable(index.New(cfg))
	case TrigramsID:
		cfg := TrigramsConfig(dir, logger)
		cfg.Source = src
		return asUpdatable(index.New(cfg))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndexer, name)
	}
}

func asUpdatable[X index.Updatable](x X, err error) (index.Updatable, error) {
	if err != nil {
		return nil, err
	}
	return x, nil
}
