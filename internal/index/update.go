package index

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"fileindex/internal/storage"
	"fileindex/internal/storage/container"
)

// UpdateComputation is a pending update of one file. Creating it has no
// side effects; Prepare runs the indexer and Apply commits the result.
type UpdateComputation[K comparable, V any, I any] struct {
	x      *MapReduceIndex[K, V, I]
	fileID uint32
	input  *I

	prepared bool
	snapshot []container.Pair // forward record seen by Prepare
	fresh    []encodedPair
}

type encodedPair struct {
	key   []byte
	value []byte
}

// Update returns the computation that makes fileID reflect input. A nil
// input removes all of the file's data.
func (x *MapReduceIndex[K, V, I]) Update(fileID uint32, input *I) *UpdateComputation[K, V, I] {
	return &UpdateComputation[K, V, I]{x: x, fileID: fileID, input: input}
}

// Prepare runs the indexer and snapshots the file's forward record. It does
// not modify storage.
func (u *UpdateComputation[K, V, I]) Prepare(ctx context.Context) error {
	x := u.x
	if err := ctx.Err(); err != nil {
		return err
	}
	if x.ReadOnly() {
		return storage.ReadOnly("index update", x.id)
	}

	var fresh []encodedPair
	if u.input != nil {
		data, err := x.indexer.Map(ctx, *u.input)
		if err != nil {
			return fmt.Errorf("index %s: map file %d: %w", x.id, u.fileID, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fresh = make([]encodedPair, 0, len(data))
		for k, v := range data {
			kb, err := x.keyDesc.Encode(k)
			if err != nil {
				return fmt.Errorf("index %s: encode key: %w", x.id, err)
			}
			vb, err := x.valDesc.Encode(v)
			if err != nil {
				return fmt.Errorf("index %s: encode value: %w", x.id, err)
			}
			fresh = append(fresh, encodedPair{key: kb, value: vb})
		}
	}

	x.mu.RLock()
	snapshot, err := x.storage.Forward.Get(u.fileID)
	x.mu.RUnlock()
	if err != nil {
		return err
	}

	u.snapshot = snapshot
	u.fresh = fresh
	u.prepared = true
	return nil
}

// Apply commits a prepared update. It reports false without error when the
// file's forward record changed since Prepare. Cancellation is honored only
// before the commit starts.
func (u *UpdateComputation[K, V, I]) Apply(ctx context.Context) (bool, error) {
	if !u.prepared {
		return false, errors.New("update not prepared")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	x := u.x

	x.mu.Lock()
	defer x.mu.Unlock()

	current, err := x.storage.Forward.Get(u.fileID)
	if err != nil {
		return false, err
	}
	if !slices.EqualFunc(current, u.snapshot, func(a, b container.Pair) bool { return cmpPair(a, b) == 0 }) {
		x.logger.Debug("stale update discarded", "file", u.fileID)
		return false, nil
	}

	pairs := make([]container.Pair, 0, len(u.fresh))
	for _, p := range u.fresh {
		keyID, err := x.storage.Keys.Enumerate(p.key)
		if err != nil {
			return false, err
		}
		pairs = append(pairs, container.Pair{KeyID: keyID, Value: p.value})
	}
	// Keys equal under the key descriptor share an id; keep one value per id
	// so the result does not depend on map iteration order.
	slices.SortFunc(pairs, cmpPair)
	pairs = slices.CompactFunc(pairs, func(a, b container.Pair) bool { return a.KeyID == b.KeyID })

	ops := container.Diff(current, pairs)
	if len(ops) == 0 {
		return true, nil
	}
	if err := u.commit(ops, pairs); err != nil {
		return false, err
	}
	x.modStamp.Add(1)
	return true, nil
}

func (u *UpdateComputation[K, V, I]) commit(ops []container.Op, pairs []container.Pair) error {
	x := u.x
	for i := 0; i < len(ops); {
		keyID := ops[i].KeyID
		c, err := x.loadContainer(keyID)
		if err != nil {
			return err
		}
		for ; i < len(ops) && ops[i].KeyID == keyID; i++ {
			switch ops[i].Kind {
			case container.OpRemove:
				c.Remove(u.fileID)
			case container.OpAdd:
				v, err := x.valDesc.Decode(ops[i].Value)
				if err != nil {
					return fmt.Errorf("index %s: decode value: %w", x.id, err)
				}
				c.Add(u.fileID, v)
			}
		}
		if c.IsEmpty() {
			err = x.storage.Inverted.Remove(keyID)
		} else {
			var data []byte
			if data, err = c.Encode(); err == nil {
				err = x.storage.Inverted.Put(keyID, data)
			}
		}
		if err != nil {
			return storage.Wrap("index commit", InvertedFileName, err)
		}
	}
	return x.storage.Forward.Put(u.fileID, pairs)
}

// Compute prepares and applies the update.
//
// It reports false when the index is read-only (the rejection is recorded
// as the RebuildCause), when the snapshot went stale, or on failure. A
// storage failure also requests a rebuild.
func (u *UpdateComputation[K, V, I]) Compute(ctx context.Context) (bool, error) {
	x := u.x
	err := u.Prepare(ctx)
	if err == nil {
		var ok bool
		if ok, err = u.Apply(ctx); err == nil {
			return ok, nil
		}
	}
	switch {
	case errors.Is(err, storage.ErrIncorrectOperation):
		x.rebuild.setCause(err)
		return false, nil
	case storage.IsCanceled(err):
		return false, err
	default:
		return false, x.fail(err)
	}
}
