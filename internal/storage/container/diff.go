package container

import (
	"bytes"
	"cmp"
	"slices"
)

// Pair is one (key, value) association produced by indexing a file, with
// the key enumerated and the value encoded.
type Pair struct {
	KeyID uint32
	Value []byte
}

// OpKind selects what an Op does to a key's container.
type OpKind uint8

const (
	OpRemove OpKind = iota + 1
	OpAdd
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Op is one container change for a single file.
type Op struct {
	KeyID uint32
	Kind  OpKind
	Value []byte // set for OpAdd
}

// SortPairs orders pairs by key id in place.
func SortPairs(pairs []Pair) {
	slices.SortFunc(pairs, func(a, b Pair) int { return cmp.Compare(a.KeyID, b.KeyID) })
}

// Diff returns the minimal container operations turning a file's old pairs
// into its new pairs, ordered by key id. Unchanged pairs yield nothing; a
// changed value yields a remove followed by an add. Both inputs must be
// sorted by key id with no duplicate keys.
func Diff(old, new []Pair) []Op {
	var ops []Op
	i, j := 0, 0
	for i < len(old) || j < len(new) {
		switch {
		case j == len(new) || (i < len(old) && old[i].KeyID < new[j].KeyID):
			ops = append(ops, Op{KeyID: old[i].KeyID, Kind: OpRemove})
			i++
		case i == len(old) || new[j].KeyID < old[i].KeyID:
			ops = append(ops, Op{KeyID: new[j].KeyID, Kind: OpAdd, Value: new[j].Value})
			j++
		default:
			if !bytes.Equal(old[i].Value, new[j].Value) {
				ops = append(ops,
					Op{KeyID: old[i].KeyID, Kind: OpRemove},
					Op{KeyID: new[j].KeyID, Kind: OpAdd, Value: new[j].Value},
				)
			}
			i++
			j++
		}
	}
	return ops
}
