package lsm

import (
	"bytes"

	"github.com/siltkv/siltkv/internal/ikey"
	"github.com/siltkv/siltkv/internal/memtable"
	"github.com/siltkv/siltkv/internal/sstable"
)

// ReadBytesPeriod is the number of internal-key/value bytes an
// AddrIterator parses before notifying its ReadSampler once, mirroring
// original_source's config::kReadBytesPeriod. The upstream LevelDB also
// randomizes the exact period to avoid every reader sampling at the same
// offsets; this port keeps the period fixed since nothing here drives a
// compaction decision off the signal yet (see DB.SampleRead).
const ReadBytesPeriod = 1 << 20

// ReadSampler receives a notification every ReadBytesPeriod bytes an
// AddrIterator scans past, keyed by the internal key it was parsing when
// the threshold crossed. DB satisfies this via SampleRead.
type ReadSampler interface {
	SampleRead(internalKey []byte)
}

// source is the minimal bidirectional cursor mergingSource needs from a
// memtable or an SSTable: position at an internal key and read it back.
type source interface {
	SeekToFirst()
	SeekToLast()
	Seek(target []byte)
	Next()
	Prev()
	Valid() bool
	Key() []byte
	Value() []byte
	Err() error
}

// memSource adapts a *memtable.Memtable to source. Each positioning call
// replaces the held SLIterator outright, since SkipList hands back a
// fresh iterator value rather than repositioning one in place.
type memSource struct {
	mt *memtable.Memtable
	it *memtable.SLIterator
}

func (s *memSource) SeekToFirst()        { s.it = s.mt.NewIterator() }
func (s *memSource) SeekToLast()         { s.it = s.mt.Last() }
func (s *memSource) Seek(target []byte)  { s.it = s.mt.Seek(target) }
func (s *memSource) Next() {
	if s.it != nil {
		s.it.Next()
	}
}
func (s *memSource) Prev() {
	if s.it != nil {
		s.it.Prev()
	}
}
func (s *memSource) Valid() bool { return s.it != nil && s.it.Valid() }
func (s *memSource) Key() []byte { return s.it.Key() }
func (s *memSource) Value() []byte { return s.it.Value() }
func (s *memSource) Err() error {
	if s.it == nil {
		return nil
	}
	return s.it.Err()
}

// sstSource adapts a *sstable.Reader to source the same way memSource
// does for a memtable. SeekToFirst is implemented as Seek(nil): the
// empty target sorts before every real key, so the usual forward scan
// across the sparse index lands on the table's first entry.
type sstSource struct {
	r   *sstable.Reader
	it  *sstable.Iterator
	err error
}

func (s *sstSource) SeekToFirst() {
	s.it, s.err = s.r.Seek(nil)
}
func (s *sstSource) SeekToLast() {
	s.it, s.err = s.r.Last()
}
func (s *sstSource) Seek(target []byte) {
	s.it, s.err = s.r.Seek(target)
}
func (s *sstSource) Next() {
	if s.it != nil {
		s.it.Next()
	}
}
func (s *sstSource) Prev() {
	if s.it != nil {
		s.it.Prev()
	}
}
func (s *sstSource) Valid() bool { return s.err == nil && s.it != nil && s.it.Valid() }
func (s *sstSource) Key() []byte { return s.it.Key() }
func (s *sstSource) Value() []byte { return s.it.Value() }
func (s *sstSource) Err() error {
	if s.err != nil {
		return s.err
	}
	if s.it != nil {
		return s.it.Err()
	}
	return nil
}

type mergeDirection int

const (
	mergeForward mergeDirection = iota
	mergeReverse
)

// mergingSource merges several internal-key-ordered sources into one,
// the same way LevelDB's MergingIterator does: at any time one child is
// "current" (holding the smallest key while moving forward, or the
// largest while moving backward), and crossing from one direction to
// the other requires repositioning every other child to straddle the
// current key before resuming the scan. original_source's db_iter.cc
// layers its user-key/sequence-number logic directly on top of an
// iterator with exactly this contract.
type mergingSource struct {
	children []source
	current  int
	dir      mergeDirection
}

func newMergingSource(children []source) *mergingSource {
	return &mergingSource{children: children, current: -1}
}

func (m *mergingSource) SeekToFirst() {
	for _, c := range m.children {
		c.SeekToFirst()
	}
	m.dir = mergeForward
	m.findSmallest()
}

func (m *mergingSource) SeekToLast() {
	for _, c := range m.children {
		c.SeekToLast()
	}
	m.dir = mergeReverse
	m.findLargest()
}

func (m *mergingSource) Seek(target []byte) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.dir = mergeForward
	m.findSmallest()
}

func (m *mergingSource) Valid() bool { return m.current >= 0 }

func (m *mergingSource) Key() []byte { return m.children[m.current].Key() }

func (m *mergingSource) Value() []byte { return m.children[m.current].Value() }

func (m *mergingSource) Err() error {
	for _, c := range m.children {
		if err := c.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergingSource) Next() {
	if m.dir != mergeForward {
		key := append([]byte(nil), m.children[m.current].Key()...)
		for i, c := range m.children {
			if i == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() && ikey.Compare(c.Key(), key) == 0 {
				c.Next()
			}
		}
		m.dir = mergeForward
	}
	m.children[m.current].Next()
	m.findSmallest()
}

func (m *mergingSource) Prev() {
	if m.dir != mergeReverse {
		key := append([]byte(nil), m.children[m.current].Key()...)
		for i, c := range m.children {
			if i == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() {
				c.Prev()
			} else {
				c.SeekToLast()
			}
		}
		m.dir = mergeReverse
	}
	m.children[m.current].Prev()
	m.findLargest()
}

func (m *mergingSource) findSmallest() {
	idx := -1
	for i, c := range m.children {
		if !c.Valid() {
			continue
		}
		if idx == -1 || ikey.Compare(c.Key(), m.children[idx].Key()) < 0 {
			idx = i
		}
	}
	m.current = idx
}

func (m *mergingSource) findLargest() {
	idx := -1
	for i, c := range m.children {
		if !c.Valid() {
			continue
		}
		if idx == -1 || ikey.Compare(c.Key(), m.children[idx].Key()) > 0 {
			idx = i
		}
	}
	m.current = idx
}

type direction int

const (
	dirForward direction = iota
	dirReverse
)

// AddrIterator walks the merged (userKey, seq, kind) => address space a
// DB's active memtable, immutable memtable, and SSTables together
// define, collapsing the versions of each user key down to the newest
// one at or below a snapshot sequence and hiding anything shadowed by a
// deletion. It yields a user key and the raw vlog address bytes stored
// for it (not the fetched value), so a caller can batch or parallelize
// the value fetch separately — exactly the split the prefetch iterator
// built on top of this needs. The direction/skip bookkeeping below is a
// direct port of original_source's DBAddrIter.
type AddrIterator struct {
	src     *mergingSource
	seq     uint64
	sampler ReadSampler

	direction direction
	valid     bool
	key       []byte // current key when direction == dirReverse; scratch otherwise
	value     []byte // current address bytes when direction == dirReverse
	err       error

	bytesUntilSample uint64
}

// newAddrIterator builds an iterator over the given sources as of
// snapshot seq. Sources should be ordered newest-to-oldest only insofar
// as that affects tie-breaking performance, not correctness: ties are
// the caller's problem to encode via seq, since mergingSource treats
// every child as equally authoritative.
func newAddrIterator(children []source, seq uint64, sampler ReadSampler) *AddrIterator {
	return &AddrIterator{
		src:              newMergingSource(children),
		seq:              seq,
		sampler:          sampler,
		direction:        dirForward,
		bytesUntilSample: ReadBytesPeriod,
	}
}

// NewAddrIterator snapshots db's active memtable, immutable memtable (if
// any), and SSTables, and returns an iterator over that snapshot as of
// seq. The snapshot is taken once, under a read lock; the iterator
// itself does not re-lock db as it walks, so it observes a fixed view
// even as db keeps accepting writes.
func (db *DB) NewAddrIterator(seq uint64) (*AddrIterator, error) {
	db.mu.RLock()
	active := db.active
	immutable := db.immutable
	sstables := make([]*sstable.Reader, len(db.sstables))
	copy(sstables, db.sstables)
	db.mu.RUnlock()

	if active == nil {
		return nil, ErrClosed
	}

	children := make([]source, 0, 2+len(sstables))
	children = append(children, &memSource{mt: active})
	if immutable != nil {
		children = append(children, &memSource{mt: immutable})
	}
	for _, r := range sstables {
		children = append(children, &sstSource{r: r})
	}
	return newAddrIterator(children, seq, db), nil
}

func (it *AddrIterator) Valid() bool { return it.valid }

// Key returns the current entry's user key.
func (it *AddrIterator) Key() []byte {
	if it.direction == dirForward {
		return ikey.UserKey(it.src.Key())
	}
	return it.key
}

// Value returns the current entry's raw vlog address bytes.
func (it *AddrIterator) Value() []byte {
	if it.direction == dirForward {
		return it.src.Value()
	}
	return it.value
}

func (it *AddrIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.src.Err()
}

// Seek positions the iterator at the first entry whose user key is >=
// target, visible as of the iterator's snapshot sequence.
func (it *AddrIterator) Seek(target []byte) {
	it.direction = dirForward
	it.value = nil
	it.src.Seek(ikey.SeekKey(target, it.seq))
	if it.src.Valid() {
		it.findNextUserEntry(false, &it.key)
	} else {
		it.valid = false
	}
}

func (it *AddrIterator) SeekToFirst() {
	it.direction = dirForward
	it.value = nil
	it.src.SeekToFirst()
	if it.src.Valid() {
		it.findNextUserEntry(false, &it.key)
	} else {
		it.valid = false
	}
}

func (it *AddrIterator) SeekToLast() {
	it.direction = dirReverse
	it.value = nil
	it.src.SeekToLast()
	it.findPrevUserEntry()
}

// Next advances to the next user key in ascending order.
func (it *AddrIterator) Next() {
	if it.direction == dirReverse {
		it.direction = dirForward
		if !it.src.Valid() {
			it.src.SeekToFirst()
		} else {
			it.src.Next()
		}
		if !it.src.Valid() {
			it.valid = false
			it.key = nil
			return
		}
		// it.key already holds the key to skip past.
	} else {
		it.key = append(it.key[:0], ikey.UserKey(it.src.Key())...)
		it.src.Next()
		if !it.src.Valid() {
			it.valid = false
			it.key = nil
			return
		}
	}
	it.findNextUserEntry(true, &it.key)
}

// Prev moves to the previous user key in ascending order.
func (it *AddrIterator) Prev() {
	if it.direction == dirForward {
		it.direction = dirReverse
		it.key = append(it.key[:0], ikey.UserKey(it.src.Key())...)
		for {
			it.src.Prev()
			if !it.src.Valid() {
				it.valid = false
				it.key = nil
				it.value = nil
				return
			}
			if bytes.Compare(ikey.UserKey(it.src.Key()), it.key) < 0 {
				break
			}
		}
	}
	it.findPrevUserEntry()
}

// findNextUserEntry scans src forward from its current position until
// it lands on a live (non-deleted, non-superseded) entry, or runs out.
// skip tracks the user key of the most recent deletion seen so that
// every older version of that key is skipped too.
func (it *AddrIterator) findNextUserEntry(skipping bool, skip *[]byte) {
	for it.src.Valid() {
		internalKey := it.src.Key()
		it.sample(internalKey)
		userKey, seq, kind, ok := ikey.Decode(internalKey)
		if ok && seq <= it.seq {
			switch kind {
			case ikey.KindDeletion:
				*skip = append((*skip)[:0], userKey...)
				skipping = true
			case ikey.KindValue:
				if !(skipping && bytes.Compare(userKey, *skip) <= 0) {
					it.valid = true
					return
				}
			}
		}
		it.src.Next()
	}
	it.valid = false
}

// findPrevUserEntry scans src backward, collapsing every run of
// same-user-key versions down to the newest one visible at the
// iterator's snapshot sequence, and stops as soon as it reaches a
// different (older, in ascending order) user key than the one it last
// resolved.
func (it *AddrIterator) findPrevUserEntry() {
	kind := ikey.KindDeletion
	for it.src.Valid() {
		internalKey := it.src.Key()
		it.sample(internalKey)
		userKey, seq, k, ok := ikey.Decode(internalKey)
		if ok && seq <= it.seq {
			if kind != ikey.KindDeletion && bytes.Compare(userKey, it.key) < 0 {
				break
			}
			kind = k
			if kind == ikey.KindDeletion {
				it.key = it.key[:0]
				it.value = nil
			} else {
				it.key = append(it.key[:0], userKey...)
				it.value = append(it.value[:0], it.src.Value()...)
			}
		}
		it.src.Prev()
	}

	if kind == ikey.KindDeletion {
		it.valid = false
		it.key = nil
		it.value = nil
		it.direction = dirForward
	} else {
		it.valid = true
	}
}

// sample notifies the ReadSampler once every ReadBytesPeriod bytes of
// internal-key-plus-value data this iterator has scanned past.
func (it *AddrIterator) sample(internalKey []byte) {
	if it.sampler == nil {
		return
	}
	n := uint64(len(internalKey)) + uint64(len(it.src.Value()))
	for it.bytesUntilSample < n {
		it.bytesUntilSample += ReadBytesPeriod
		it.sampler.SampleRead(internalKey)
	}
	it.bytesUntilSample -= n
}
