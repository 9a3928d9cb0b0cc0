package memtable

import (
	"math/rand"
	"sync"

	"github.com/siltkv/siltkv/internal/ikey"
	"github.com/siltkv/siltkv/internal/utils"
)

// implementation of skiplist, keyed by encoded internal key (see
// internal/ikey) rather than the raw user key: because every write
// allocates a fresh sequence number, internal keys are unique even when
// two writes share a user key, so Put never needs an in-place
// update-on-collision path the way a raw-key last-write-wins skiplist
// would.

const MaxLevel = 16

/*
basic structure
*/
type Node struct {
	key   []byte
	value []byte
	next  []*Node // denotes next node of IDXth level
}

type SkipList struct {
	head  *Node
	level int
	size  int
	mu    sync.RWMutex
}

func NewSkipList() *SkipList {
	return &SkipList{
		head:  &Node{next: make([]*Node, MaxLevel)},
		level: 1,
	}
}

/*
random level
*/
func (sl *SkipList) randomlevel() int {
	level := 1
	for rand.Float64() < 0.5 && level < MaxLevel {
		level++
	}
	return level
}

// Put inserts (internalKey, value). Internal keys are expected to be
// unique per call (distinct sequence numbers), but a duplicate is
// tolerated by overwriting in place rather than inserting twice.
func (sl *SkipList) Put(internalKey, val []byte) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	update := make([]*Node, MaxLevel)
	curr := sl.head

	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && ikey.Compare(curr.next[i].key, internalKey) < 0 {
			curr = curr.next[i]
		}
		update[i] = curr
	}

	curr = curr.next[0]
	if curr != nil && ikey.Compare(curr.key, internalKey) == 0 {
		curr.value = utils.CopyBytes(val)
		return
	}

	lvl := sl.randomlevel()
	if lvl > sl.level {
		for i := sl.level; i < lvl; i++ {
			update[i] = sl.head
		}
		sl.level = lvl
	}

	newNode := &Node{
		key:   utils.CopyBytes(internalKey),
		value: utils.CopyBytes(val),
		next:  make([]*Node, lvl),
	}

	for i := 0; i < lvl; i++ {
		newNode.next[i] = update[i].next[i]
		update[i].next[i] = newNode
	}

	sl.size++
}

// Get returns the value stored under the exact internal key, if present.
func (sl *SkipList) Get(internalKey []byte) ([]byte, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && ikey.Compare(curr.next[i].key, internalKey) < 0 {
			curr = curr.next[i]
		}
	}

	curr = curr.next[0]
	if curr != nil && ikey.Compare(curr.key, internalKey) == 0 {
		return curr.value, true
	}
	return nil, false
}

// Seek positions an iterator at the first entry whose internal key is >=
// target (i.e. the first entry not ordered strictly before target by
// ikey.Compare). This is how a point Get(userKey, snapshotSeq) finds the
// newest visible version: callers seek to ikey.SeekKey(userKey,
// snapshotSeq) and check whether the resulting entry's user key matches.
func (sl *SkipList) Seek(target []byte) *SLIterator {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && ikey.Compare(curr.next[i].key, target) < 0 {
			curr = curr.next[i]
		}
	}
	return &SLIterator{sl: sl, curr: curr.next[0]}
}

// SeekForPrev positions an iterator at the last entry whose internal key
// is strictly less than target, or an invalid iterator if none exists.
// The skiplist has no backward links, so this re-walks from head the same
// way Seek does (the standard technique, e.g. LevelDB's FindLessThan).
func (sl *SkipList) SeekForPrev(target []byte) *SLIterator {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && ikey.Compare(curr.next[i].key, target) < 0 {
			curr = curr.next[i]
		}
	}
	if curr == sl.head {
		return &SLIterator{sl: sl, curr: nil}
	}
	return &SLIterator{sl: sl, curr: curr}
}

// Last positions an iterator at the final entry in the list.
func (sl *SkipList) Last() *SLIterator {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil {
			curr = curr.next[i]
		}
	}
	if curr == sl.head {
		return &SLIterator{sl: sl, curr: nil}
	}
	return &SLIterator{sl: sl, curr: curr}
}

/*
Iterator
*/
type SLIterator struct {
	sl   *SkipList
	curr *Node
}

func (sl *SkipList) NewIterator() *SLIterator {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return &SLIterator{sl: sl, curr: sl.head.next[0]}
}

func (it *SLIterator) Valid() bool {
	return it.curr != nil
}

func (it *SLIterator) Next() {
	it.curr = it.curr.next[0]
}

// Prev repositions the iterator at the entry immediately before its
// current one. The skiplist has no backward links, so this re-walks
// from head via SeekForPrev — O(log n) instead of O(1), the same
// trade-off SeekForPrev itself makes.
func (it *SLIterator) Prev() {
	if it.sl == nil || it.curr == nil {
		it.curr = nil
		return
	}
	*it = *it.sl.SeekForPrev(it.curr.key)
}

func (it *SLIterator) Key() []byte {
	return it.curr.key
}

func (it *SLIterator) Value() []byte {
	return it.curr.value
}

// Err always returns nil: an in-memory skiplist iterator cannot fail.
// Present so SLIterator satisfies sstable.EntryIterator.
func (it *SLIterator) Err() error {
	return nil
}
