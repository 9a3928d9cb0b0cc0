package sstable

import (
	"github.com/siltkv/siltkv/internal/ikey"
)

// MergeIterator merges multiple per-file Iterators (already sorted by
// internal key) into one sorted stream. Equal user keys are expected
// here — every write gets its own sequence number, so what collides
// across files/memtables is the user key, not the internal key — but
// equal *internal* keys never occur, so no collapsing happens in this
// layer. Collapsing older versions of the same user key (compaction's
// job) is done by the caller, which sees every version of every key in
// sorted order and decides which to keep.
type MergeIterator struct {
	iterators []*Iterator
	key       []byte
	value     []byte
	err       error
}

// NewMergeIterator creates a merge iterator over readers' Iterators.
// Reader order doesn't affect correctness (no collapsing happens here),
// only which entry wins when a caller does want to collapse duplicates
// itself by preferring the first of several iterators reporting the same
// key — callers pass readers newest-to-oldest for that reason.
func NewMergeIterator(readers []*Reader) (*MergeIterator, error) {
	iterators := make([]*Iterator, 0, len(readers))
	for _, r := range readers {
		if r == nil {
			continue
		}
		it := r.NewIterator()
		it.Next()
		if it.Err() != nil {
			return nil, it.Err()
		}
		if it.Valid() {
			iterators = append(iterators, it)
		}
	}

	mi := &MergeIterator{iterators: iterators}
	mi.advance()
	return mi, mi.err
}

func (mi *MergeIterator) Valid() bool  { return mi.key != nil }
func (mi *MergeIterator) Key() []byte  { return mi.key }
func (mi *MergeIterator) Value() []byte { return mi.value }
func (mi *MergeIterator) Err() error   { return mi.err }

func (mi *MergeIterator) Next() {
	mi.advance()
}

// advance picks the iterator with the smallest current key, yields it,
// and steps it forward. Ties (only possible across distinct files for
// equal internal keys, which shouldn't happen, but is handled safely
// anyway) step every tied iterator forward together.
func (mi *MergeIterator) advance() {
	mi.key, mi.value = nil, nil

	var (
		minKey []byte
		minIdx []int
	)
	for i, it := range mi.iterators {
		if !it.Valid() {
			continue
		}
		switch {
		case minKey == nil || ikey.Compare(it.Key(), minKey) < 0:
			minKey = it.Key()
			minIdx = minIdx[:0]
			minIdx = append(minIdx, i)
		case ikey.Compare(it.Key(), minKey) == 0:
			minIdx = append(minIdx, i)
		}
	}

	if minKey == nil {
		return
	}

	mi.key = mi.iterators[minIdx[0]].Key()
	mi.value = mi.iterators[minIdx[0]].Value()

	for _, i := range minIdx {
		mi.iterators[i].Next()
		if err := mi.iterators[i].Err(); err != nil {
			mi.err = err
		}
	}
}

