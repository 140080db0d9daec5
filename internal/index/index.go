// Package index implements MapReduceIndex: an incrementally maintained
// inverted index from keys to the files (and per-file values) containing
// them.
//
// A DataIndexer maps one file's input to key/value pairs. The index keeps,
// per key, a container of value → file-id set, and per file, the pairs it
// last produced (the forward index). Updating a file diffs its new pairs
// against the forward record and touches only the keys that changed.
package index

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"fileindex/internal/descriptor"
	"fileindex/internal/logging"
	"fileindex/internal/storage"
	"fileindex/internal/storage/container"
)

var ErrNoInputConverter = errors.New("index cannot consume file content")

// DataIndexer extracts key/value pairs from one file's input. It must be a
// pure function of the input.
type DataIndexer[K comparable, V any, I any] interface {
	Map(ctx context.Context, input I) (map[K]V, error)
}

// DataIndexerFunc adapts a function to DataIndexer.
type DataIndexerFunc[K comparable, V any, I any] func(ctx context.Context, input I) (map[K]V, error)

func (f DataIndexerFunc[K, V, I]) Map(ctx context.Context, input I) (map[K]V, error) {
	return f(ctx, input)
}

// Content is the current state of a file as seen by indexes.
type Content struct {
	FileID  uint32
	Path    string
	Data    []byte
	Version uint64 // changes whenever Data changes
}

// Config configures a MapReduceIndex.
type Config[K comparable, V any, I any] struct {
	ID      string
	Version int

	Indexer         DataIndexer[K, V, I]
	KeyDescriptor   descriptor.Descriptor[K]
	ValueDescriptor descriptor.Descriptor[V]

	// Input converts file content to indexer input. When nil, I must be Content.
	Input func(*Content) (*I, error)

	// Dir is the writable storage directory. Ignored when Source is set.
	Dir string
	// Source opens existing storage read-only.
	Source storage.Source

	FileMode     os.FileMode
	CompactRatio float64

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// MapReduceIndex is a persistent inverted index maintained per file.
type MapReduceIndex[K comparable, V any, I any] struct {
	id      string
	version int
	indexer DataIndexer[K, V, I]
	keyDesc descriptor.Descriptor[K]
	valDesc descriptor.Descriptor[V]
	input   func(*Content) (*I, error)

	// mu serializes commits against reads of the inverted and forward maps.
	mu      sync.RWMutex
	storage *Storage

	modStamp atomic.Int64
	rebuild  rebuildState
	logger   *slog.Logger
}

// New opens the index storage described by cfg.
func New[K comparable, V any, I any](cfg Config[K, V, I]) (*MapReduceIndex[K, V, I], error) {
	if cfg.ID == "" {
		return nil, errors.New("index id is required")
	}
	if cfg.Indexer == nil || cfg.KeyDescriptor == nil || cfg.ValueDescriptor == nil {
		return nil, fmt.Errorf("index %s: indexer and descriptors are required", cfg.ID)
	}
	logger := logging.Default(cfg.Logger).With("component", "index", "index", cfg.ID)

	var (
		st  *Storage
		err error
	)
	if cfg.Source != nil {
		st, err = OpenStorageReadOnly(cfg.Source, cfg.ID, cfg.Version)
	} else {
		st, err = OpenStorage(cfg.Dir, cfg.ID, cfg.Version, StorageOptions{
			FileMode:     cfg.FileMode,
			CompactRatio: cfg.CompactRatio,
			Logger:       cfg.Logger,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", cfg.ID, err)
	}

	x := &MapReduceIndex[K, V, I]{
		id:      cfg.ID,
		version: cfg.Version,
		indexer: cfg.Indexer,
		keyDesc: cfg.KeyDescriptor,
		valDesc: cfg.ValueDescriptor,
		input:   cfg.Input,
		storage: st,
		logger:  logger,
	}
	x.modStamp.Store(time.Now().UnixNano())
	if st.Wiped {
		x.RequestRebuild(storage.Corrupted("index open", cfg.Dir, "storage discarded"))
	}
	logger.Info("index opened", "version", cfg.Version, "read_only", st.ReadOnly(),
		"keys", st.Keys.Len(), "files", st.Forward.Len())
	return x, nil
}

func (x *MapReduceIndex[K, V, I]) ID() string        { return x.id }
func (x *MapReduceIndex[K, V, I]) Version() int      { return x.version }
func (x *MapReduceIndex[K, V, I]) ReadOnly() bool    { return x.storage.ReadOnly() }
func (x *MapReduceIndex[K, V, I]) Meta() Meta        { return x.storage.Meta }
func (x *MapReduceIndex[K, V, I]) Storage() *Storage { return x.storage }

// ModificationStamp changes whenever indexed data changes. Equal stamps
// mean query results are unchanged.
func (x *MapReduceIndex[K, V, I]) ModificationStamp() int64 {
	return x.modStamp.Load()
}

// RequestRebuild marks the index as needing a rebuild. Only the first
// request after the index was last consistent takes effect.
func (x *MapReduceIndex[K, V, I]) RequestRebuild(cause error) bool {
	if !x.rebuild.request(cause) {
		return false
	}
	x.logger.Warn("rebuild requested", "cause", cause)
	return true
}

func (x *MapReduceIndex[K, V, I]) NeedsRebuild() bool {
	return x.rebuild.get() != StatusOK
}

func (x *MapReduceIndex[K, V, I]) RebuildStatus() RebuildStatus {
	return x.rebuild.get()
}

// RebuildCause returns the error behind the last rebuild request or
// rejected update.
func (x *MapReduceIndex[K, V, I]) RebuildCause() error {
	return x.rebuild.getCause()
}

// BeginRebuild claims a pending rebuild. Only one caller wins.
func (x *MapReduceIndex[K, V, I]) BeginRebuild() bool {
	if !x.rebuild.begin() {
		return false
	}
	x.logger.Info("rebuild started")
	return true
}

// FinishRebuild ends a claimed rebuild; on failure the index stays pending.
func (x *MapReduceIndex[K, V, I]) FinishRebuild(ok bool) {
	x.rebuild.finish(ok)
	x.logger.Info("rebuild finished", "ok", ok)
}

// fail escalates a storage failure to a rebuild request.
func (x *MapReduceIndex[K, V, I]) fail(err error) error {
	if storage.RequiresRebuild(err) {
		x.RequestRebuild(err)
	}
	return err
}

// GetData returns the container for key. Unknown keys yield an empty
// container. Never writes.
func (x *MapReduceIndex[K, V, I]) GetData(ctx context.Context, key K) (*container.Container[V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kb, err := x.keyDesc.Encode(key)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	keyID, ok := x.storage.Keys.TryEnumerate(kb)
	if !ok {
		return container.New(x.valDesc), nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	c, err := x.loadContainer(keyID)
	if err != nil {
		return nil, x.fail(err)
	}
	return c, nil
}

func (x *MapReduceIndex[K, V, I]) loadContainer(keyID uint32) (*container.Container[V], error) {
	data, ok, err := x.storage.Inverted.Get(keyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return container.New(x.valDesc), nil
	}
	c, err := container.Decode(x.valDesc, data)
	if err != nil {
		return nil, storage.Corrupted("index get", x.storage.Inverted.Path(), "key %d: %v", keyID, err)
	}
	return c, nil
}

// ProcessAllKeys calls fn for every key present in at least one file until
// fn returns false.
func (x *MapReduceIndex[K, V, I]) ProcessAllKeys(ctx context.Context, fn func(K) bool) error {
	var (
		i       int
		loopErr error
	)
	x.storage.Inverted.ProcessKeys(func(keyID uint32) bool {
		if i++; i%1024 == 0 {
			if loopErr = ctx.Err(); loopErr != nil {
				return false
			}
		}
		var key K
		if key, loopErr = x.decodeKey(keyID); loopErr != nil {
			return false
		}
		return fn(key)
	})
	if loopErr == nil {
		loopErr = ctx.Err()
	}
	if loopErr != nil {
		return x.fail(loopErr)
	}
	return nil
}

func (x *MapReduceIndex[K, V, I]) decodeKey(keyID uint32) (K, error) {
	var zero K
	kb, err := x.storage.Keys.ValueOf(keyID)
	if err != nil {
		return zero, err
	}
	key, err := x.keyDesc.Decode(kb)
	if err != nil {
		return zero, storage.Corrupted("index key", KeysFileName, "key %d: %v", keyID, err)
	}
	return key, nil
}

// GetIndexedFileData returns the pairs last indexed for fileID.
func (x *MapReduceIndex[K, V, I]) GetIndexedFileData(fileID uint32) (map[K]V, error) {
	x.mu.RLock()
	pairs, err := x.storage.Forward.Get(fileID)
	x.mu.RUnlock()
	if err != nil {
		return nil, x.fail(err)
	}

	out := make(map[K]V, len(pairs))
	for _, p := range pairs {
		key, err := x.decodeKey(p.KeyID)
		if err != nil {
			return nil, x.fail(err)
		}
		v, err := x.valDesc.Decode(p.Value)
		if err != nil {
			return nil, x.fail(storage.Corrupted("index file data", ForwardFileName, "file %d: %v", fileID, err))
		}
		out[key] = v
	}
	return out, nil
}

// IndexedFiles returns the ids of files with indexed data.
func (x *MapReduceIndex[K, V, I]) IndexedFiles() []uint32 {
	return x.storage.Forward.Files()
}

// Clear drops all indexed data and bumps the modification stamp.
func (x *MapReduceIndex[K, V, I]) Clear() error {
	if x.ReadOnly() {
		return storage.ReadOnly("index clear", x.id)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.storage.Clear(); err != nil {
		return x.fail(err)
	}
	x.modStamp.Add(1)
	x.logger.Info("index cleared")
	return nil
}

// Force makes all committed updates durable.
func (x *MapReduceIndex[K, V, I]) Force() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.fail(x.storage.Force())
}

// Compact reclaims the space of overwritten containers and forward records.
func (x *MapReduceIndex[K, V, I]) Compact() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.storage.Compact(); err != nil {
		return x.fail(err)
	}
	x.logger.Info("index compacted")
	return nil
}

func (x *MapReduceIndex[K, V, I]) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	err := x.storage.Close()
	x.logger.Info("index closed")
	return err
}

// UpdateFile indexes content as the new state of fileID. Nil content means
// the file is gone.
func (x *MapReduceIndex[K, V, I]) UpdateFile(ctx context.Context, fileID uint32, content *Content) (bool, error) {
	var in *I
	if content != nil {
		var err error
		if in, err = x.convert(content); err != nil {
			return false, err
		}
	}
	return x.Update(fileID, in).Compute(ctx)
}

func (x *MapReduceIndex[K, V, I]) convert(content *Content) (*I, error) {
	if x.input != nil {
		return x.input(content)
	}
	if in, ok := any(content).(*I); ok {
		return in, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoInputConverter, x.id)
}

// Updatable is the type-erased view of an index used for orchestration.
type Updatable interface {
	ID() string
	Version() int
	ReadOnly() bool
	UpdateFile(ctx context.Context, fileID uint32, content *Content) (bool, error)
	IndexedFiles() []uint32
	ModificationStamp() int64

	RequestRebuild(cause error) bool
	NeedsRebuild() bool
	RebuildStatus() RebuildStatus
	RebuildCause() error
	BeginRebuild() bool
	FinishRebuild(ok bool)

	Clear() error
	Force() error
	Close() error
}

// Reader is the typed query view of an index, independent of its input type.
type Reader[K comparable, V any] interface {
	Updatable
	GetData(ctx context.Context, key K) (*container.Container[V], error)
	ProcessAllKeys(ctx context.Context, fn func(K) bool) error
	GetIndexedFileData(fileID uint32) (map[K]V, error)
}

var _ Reader[string, int32] = (*MapReduceIndex[string, int32, Content])(nil)

func cmpPair(a, b container.Pair) int {
	if c := cmp.Compare(a.KeyID, b.KeyID); c != 0 {
		return c
	}
	return cmp.Compare(string(a.Value), string(b.Value))
}
