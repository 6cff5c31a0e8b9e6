// Package posegraph holds the pose-graph data model: 64-bit symbol keys,
// nodes, typed factors, the graph store with its invariants and incremental
// diff tracking, keyed scans, and zip persistence.
package posegraph

import (
	"strconv"

	"github.com/pkg/errors"
)

const indexMask = (uint64(1) << 56) - 1

// Key is a 64-bit symbol: a one-character prefix identifying a robot or
// landmark class, plus a 56-bit index.
type Key uint64

// NewKey builds a key from a prefix character and an index.
func NewKey(prefix byte, index uint64) Key {
	return Key(uint64(prefix)<<56 | index&indexMask)
}

// Prefix returns the symbol's prefix character.
func (k Key) Prefix() byte {
	return byte(uint64(k) >> 56)
}

// Index returns the symbol's index.
func (k Key) Index() uint64 {
	return uint64(k) & indexMask
}

// Next returns the key after k in the same prefix.
func (k Key) Next() Key {
	return NewKey(k.Prefix(), k.Index()+1)
}

func (k Key) String() string {
	return string(k.Prefix()) + strconv.FormatUint(k.Index(), 10)
}

// ParseKey parses the textual form produced by String, e.g. "a12".
func ParseKey(s string) (Key, error) {
	if len(s) < 2 {
		return 0, errors.Errorf("invalid key %q", s)
	}
	idx, err := strconv.ParseUint(s[1:], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid key index in %q", s)
	}
	if idx > indexMask {
		return 0, errors.Errorf("key index out of range in %q", s)
	}
	return NewKey(s[0], idx), nil
}
