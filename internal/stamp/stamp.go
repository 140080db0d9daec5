// Package stamp records, per file and per index, whether the index holds
// data for the file's current content.
//
// A file is Current for an index only while both the content version it was
// indexed at and the index version it was indexed with still match. Records
// are cached and written back to a persistent map on flush; flushing never
// changes what readers observe.
package stamp

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gofrs/flock"
	"github.com/vmihailenco/msgpack/v5"

	"fileindex/internal/logging"
	"fileindex/internal/storage"
	"fileindex/internal/storage/enumerator"
	"fileindex/internal/storage/pmap"
)

const (
	StampsFileName  = "stamps.log"
	IndexesFileName = "indexes.enum"
	lockFileName    = ".lock"

	defaultMaxCachedFiles = 4096
)

var ErrLocked = errors.New("stamp store locked by another process")

// State is the indexed state of one file for one index.
type State uint8

const (
	Unindexed State = iota
	Current
	Outdated
)

func (s State) String() string {
	switch s {
	case Unindexed:
		return "unindexed"
	case Current:
		return "current"
	case Outdated:
		return "outdated"
	default:
		return "unknown"
	}
}

// FileChange answers whether a file changed since it was last indexed.
type FileChange uint8

const (
	ChangeUnknown FileChange = iota
	ChangeYes
	ChangeNo
)

func (c FileChange) String() string {
	switch c {
	case ChangeYes:
		return "yes"
	case ChangeNo:
		return "no"
	default:
		return "unknown"
	}
}

type entry struct {
	ContentVersion uint64 `msgpack:"c"`
	IndexVersion   int    `msgpack:"v"`
	Outdated       bool   `msgpack:"o,omitempty"`
}

type record struct {
	Token   uint64           `msgpack:"t,omitempty"`
	Indexed bool             `msgpack:"i,omitempty"`
	Indexes map[uint32]entry `msgpack:"x,omitempty"`

	dirty bool
}

func (r *record) empty() bool {
	return !r.Indexed && len(r.Indexes) == 0
}

// Config configures a persistent Store.
type Config struct {
	// Dir holds stamps.log and indexes.enum.
	Dir string

	// MaxCachedFiles bounds the write-back cache; overflowing it flushes
	// every cached record.
	MaxCachedFiles int

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Store holds indexing stamps.
type Store struct {
	mu       sync.Mutex
	stamps   *pmap.Map              // nil in memory mode
	names    *enumerator.Enumerator // nil in memory mode
	memNames map[string]uint32
	versions map[string]int
	cache    map[uint32]*record
	maxCache int
	lock     *flock.Flock
	logger   *slog.Logger
}

// Open opens the persistent stamp store in cfg.Dir.
func Open(cfg Config) (*Store, error) {
	logger := logging.Default(cfg.Logger).With("component", "stamp")

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, storage.Wrap("stamp open", cfg.Dir, err)
	}
	lock := flock.New(filepath.Join(cfg.Dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, storage.Wrap("stamp lock", cfg.Dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, cfg.Dir)
	}
	names, err := enumerator.Open(filepath.Join(cfg.Dir, IndexesFileName), enumerator.Options{Logger: cfg.Logger})
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	stamps, err := pmap.Open(filepath.Join(cfg.Dir, StampsFileName), pmap.Options{Logger: cfg.Logger})
	if err != nil {
		_ = names.Close()
		_ = lock.Unlock()
		return nil, err
	}

	s := newStore(cfg.MaxCachedFiles, logger)
	s.stamps, s.names, s.lock = stamps, names, lock
	logger.Debug("stamp store opened", "files", stamps.Len(), "indexes", names.Len())
	return s, nil
}

// NewMemory returns a store that keeps everything in memory.
func NewMemory() *Store {
	s := newStore(0, logging.Discard())
	s.memNames = make(map[string]uint32)
	return s
}

func newStore(maxCache int, logger *slog.Logger) *Store {
	return &Store{
		versions: make(map[string]int),
		cache:    make(map[uint32]*record),
		maxCache: cmp.Or(maxCache, defaultMaxCachedFiles),
		logger:   logger,
	}
}

func (s *Store) persistent() bool {
	return s.stamps != nil
}

// RegisterIndexVersion records the current version of indexID. Entries
// written under another version read as Outdated.
func (s *Store) RegisterIndexVersion(indexID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.indexNum(indexID); err != nil {
		return err
	}
	s.versions[indexID] = version
	return nil
}

func (s *Store) indexNum(indexID string) (uint32, error) {
	if !s.persistent() {
		if n, ok := s.memNames[indexID]; ok {
			return n, nil
		}
		n := uint32(len(s.memNames) + 1)
		s.memNames[indexID] = n
		return n, nil
	}
	return s.names.Enumerate([]byte(indexID))
}

func (s *Store) indexName(num uint32) (string, error) {
	if !s.persistent() {
		for name, n := range s.memNames {
			if n == num {
				return name, nil
			}
		}
		return "", fmt.Errorf("unknown index number %d", num)
	}
	b, err := s.names.ValueOf(num)
	return string(b), err
}

// load returns the cached record for fileID, reading it through when
// absent. The returned record is never nil.
func (s *Store) load(fileID uint32) (*record, error) {
	if r, ok := s.cache[fileID]; ok {
		return r, nil
	}
	if s.persistent() && len(s.cache) >= s.maxCache {
		if err := s.flushAllLocked(true); err != nil {
			return nil, err
		}
	}
	r := &record{}
	if s.persistent() {
		data, ok, err := s.stamps.Get(fileID)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := msgpack.Unmarshal(data, r); err != nil {
				return nil, storage.Corrupted("stamp load", StampsFileName, "file %d: %v", fileID, err)
			}
		}
	}
	s.cache[fileID] = r
	return r, nil
}

// peek loads a record for reading; failures read as an empty record so the
// file gets reindexed.
func (s *Store) peek(fileID uint32) *record {
	r, err := s.load(fileID)
	if err != nil {
		s.logger.Warn("unreadable stamp, treating file as unindexed", "file", fileID, "error", err)
		return &record{}
	}
	return r
}

func (s *Store) modify(fileID uint32, indexID string, fn func(r *record, num uint32)) error {
	var num uint32
	if indexID != "" {
		var err error
		if num, err = s.indexNum(indexID); err != nil {
			return err
		}
	}
	r, err := s.load(fileID)
	if err != nil {
		return err
	}
	fn(r, num)
	r.dirty = true
	return nil
}

// SetFileIndexedStateCurrent marks fileID as indexed by indexID at
// contentVersion under the index's registered version.
func (s *Store) SetFileIndexedStateCurrent(fileID uint32, indexID string, contentVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modify(fileID, indexID, func(r *record, num uint32) {
		if r.Indexes == nil {
			r.Indexes = make(map[uint32]entry)
		}
		r.Indexes[num] = entry{ContentVersion: contentVersion, IndexVersion: s.versions[indexID]}
	})
}

// SetFileIndexedStateOutdated marks fileID as needing reindexing by indexID.
func (s *Store) SetFileIndexedStateOutdated(fileID uint32, indexID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modify(fileID, indexID, func(r *record, num uint32) {
		if r.Indexes == nil {
			r.Indexes = make(map[uint32]entry)
		}
		e := r.Indexes[num]
		e.Outdated = true
		r.Indexes[num] = e
	})
}

// SetFileIndexedStateUnindexed forgets that indexID ever indexed fileID.
func (s *Store) SetFileIndexedStateUnindexed(fileID uint32, indexID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modify(fileID, indexID, func(r *record, num uint32) {
		delete(r.Indexes, num)
	})
}

// FileIndexedState returns the state of fileID for indexID given the
// file's current content version.
func (s *Store) FileIndexedState(fileID uint32, indexID string, contentVersion uint64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	num, ok := s.lookupNum(indexID)
	if !ok {
		return Unindexed
	}
	e, ok := s.peek(fileID).Indexes[num]
	switch {
	case !ok:
		return Unindexed
	case e.Outdated || e.ContentVersion != contentVersion || e.IndexVersion != s.versions[indexID]:
		return Outdated
	default:
		return Current
	}
}

func (s *Store) lookupNum(indexID string) (uint32, bool) {
	if !s.persistent() {
		n, ok := s.memNames[indexID]
		return n, ok
	}
	return s.names.TryEnumerate([]byte(indexID))
}

// GetNontrivialFileIndexedStates returns the ids of indexes holding any
// state (current or outdated) for fileID, sorted.
func (s *Store) GetNontrivialFileIndexedStates(fileID uint32) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.load(fileID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(r.Indexes))
	for num := range r.Indexes {
		name, err := s.indexName(num)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

// SetFileIndexed records that fileID was fully indexed for token.
func (s *Store) SetFileIndexed(fileID uint32, token uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modify(fileID, "", func(r *record, _ uint32) {
		r.Token = token
		r.Indexed = true
	})
}

// IsFileIndexed reports whether fileID was fully indexed for token.
func (s *Store) IsFileIndexed(fileID uint32, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.peek(fileID)
	return r.Indexed && r.Token == token
}

// IsFileChanged compares token with the one fileID was last indexed for.
func (s *Store) IsFileChanged(fileID uint32, token uint64) FileChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.peek(fileID)
	switch {
	case !r.Indexed:
		return ChangeUnknown
	case r.Token == token:
		return ChangeNo
	default:
		return ChangeYes
	}
}

// DropFile forgets every stamp of fileID.
func (s *Store) DropFile(fileID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modify(fileID, "", func(r *record, _ uint32) {
		r.Token, r.Indexed, r.Indexes = 0, false, nil
	})
}

// Files returns the ids of files with any stamp, ascending.
func (s *Store) Files() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[uint32]struct{})
	if s.persistent() {
		for _, id := range s.stamps.Keys() {
			ids[id] = struct{}{}
		}
	}
	for id, r := range s.cache {
		if r.empty() {
			delete(ids, id)
		} else {
			ids[id] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(ids))
}

// FlushCache writes fileID's cached record back to storage.
func (s *Store) FlushCache(fileID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cache[fileID]
	if !ok {
		return nil
	}
	if err := s.flushLocked(fileID, r); err != nil {
		return err
	}
	if s.persistent() {
		delete(s.cache, fileID)
	}
	return nil
}

// FlushCaches writes every cached record back to storage.
func (s *Store) FlushCaches() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushAllLocked(false)
}

func (s *Store) flushAllLocked(overflow bool) error {
	if !s.persistent() {
		return nil
	}
	var n int
	for id, r := range s.cache {
		if r.dirty {
			n++
		}
		if err := s.flushLocked(id, r); err != nil {
			return err
		}
	}
	clear(s.cache)
	if overflow {
		s.logger.Debug("stamp cache overflow flushed", "records", n)
	}
	return nil
}

func (s *Store) flushLocked(fileID uint32, r *record) error {
	if !r.dirty || !s.persistent() {
		return nil
	}
	var err error
	if r.empty() {
		err = s.stamps.Remove(fileID)
	} else {
		var data []byte
		if data, err = msgpack.Marshal(r); err == nil {
			err = s.stamps.Put(fileID, data)
		}
	}
	if err != nil {
		return storage.Wrap("stamp flush", StampsFileName, err)
	}
	r.dirty = false
	return nil
}

// Force flushes caches and makes stamps durable.
func (s *Store) Force() error {
	if err := s.FlushCaches(); err != nil {
		return err
	}
	if !s.persistent() {
		return nil
	}
	return errors.Join(s.names.Force(), s.stamps.Force())
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	err := s.FlushCaches()
	if !s.persistent() {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = errors.Join(err, s.names.Close(), s.stamps.Close(), s.lock.Unlock())
	s.logger.Debug("stamp store closed")
	return err
}
