package prefetch

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// MaxSize is the ring's slot count. A slot's position is its logical
// index modulo MaxSize; front/back/cur track logical indices, never
// raw slot positions.
const MaxSize = 1024

// DefaultWorkers is the worker pool size New uses when its workers
// argument is <= 0, matching the original's W = 32.
const DefaultWorkers = 32

// initialIndex is the starting value for front/back/cur: mid-range so
// that Prev (which decrements front/cur) cannot underflow during
// normal use, the same trick original_source uses (1ULL << 63).
const initialIndex = uint64(1) << 63

// Source is what an Iterator pulls (key, address) pairs from: an
// address-iterator that has already resolved the LSM's merged,
// MVCC-filtered view down to live entries. internal/lsm.AddrIterator
// satisfies this directly.
type Source interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Err() error
	Seek(target []byte)
	SeekToFirst()
	SeekToLast()
	Next()
	Prev()
}

// Fetcher resolves a raw vlog address, as produced by a Source's
// Value(), to the user value stored there.
type Fetcher interface {
	Fetch(addr []byte) ([]byte, error)
}

// slot is one entry in the ring: valid/key/addr are filled in
// synchronously by the consumer before a fetch task is enqueued; val
// and err are filled in by whichever worker later pops that task, then
// published via seq so Value can tell when they're ready without a
// lock.
type slot struct {
	key   []byte
	addr  []byte
	val   []byte
	err   error
	valid bool
	seq   atomic.Uint64
}

// Iterator wraps a Source with a pool of worker goroutines that
// prefetch each entry's value as soon as its address is known, so a
// scan's Next call never blocks on disk — only Value does, and only
// until its own slot is filled. See original_source's
// ConcurrenceDBIter for the algorithm this ports.
type Iterator struct {
	src     Source
	fetcher Fetcher

	slots []slot

	front, back, cur uint64
	totTasks         uint64 // consumer-owned, never touched by workers
	completedTasks   atomic.Uint64
	dataSize         atomic.Uint64
	closing          atomic.Bool

	tq *taskQueue
	eg errgroup.Group
}

// New builds an Iterator over src, fetching values via fetcher using
// workers goroutines (DefaultWorkers if workers <= 0).
func New(src Source, fetcher Fetcher, workers int) *Iterator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	it := &Iterator{
		src:     src,
		fetcher: fetcher,
		slots:   make([]slot, MaxSize),
		tq:      newTaskQueue(),
		front:   initialIndex,
		back:    initialIndex,
		cur:     initialIndex,
	}
	for i := 0; i < workers; i++ {
		it.eg.Go(func() error {
			it.runWorker()
			return nil
		})
	}
	return it
}

func (it *Iterator) runWorker() {
	for {
		t, ok := it.tq.pop(it.closing.Load)
		if !ok {
			return
		}
		s := &it.slots[t.slot]
		val, err := it.fetcher.Fetch(s.addr)
		s.val = val
		s.err = err
		s.seq.Store(t.seq)
		it.dataSize.Add(uint64(len(val)))
		it.completedTasks.Add(1)
	}
}

// getValue copies the source's current (key, address) into slotIdx and
// enqueues a fetch for it under logicalSeq. It reports whether the
// source was valid (and so a task was actually enqueued).
func (it *Iterator) getValue(slotIdx, logicalSeq uint64) bool {
	s := &it.slots[slotIdx]
	s.seq.Store(0) // mark "prefetching": not equal to any real logical index
	if !it.src.Valid() {
		s.valid = false
		return false
	}
	s.valid = true
	s.key = append(s.key[:0], it.src.Key()...)
	it.dataSize.Add(uint64(len(s.key)))
	s.addr = append(s.addr[:0], it.src.Value()...)

	it.totTasks++
	it.tq.push(task{slot: slotIdx, seq: logicalSeq})
	return true
}

func (it *Iterator) quiesce() {
	for it.completedTasks.Load() != it.totTasks {
		runtime.Gosched()
	}
}

// afterSeek re-centers the ring on a freshly repositioned source: it
// waits out every task from before the seek (their results are
// discarded by being overwritten), resets the window, and starts
// exactly one fetch at the new position.
func (it *Iterator) afterSeek() {
	it.quiesce()
	it.front, it.back, it.cur = initialIndex, initialIndex, initialIndex
	it.completedTasks.Store(0)
	it.totTasks = 0
	it.getValue(it.back%MaxSize, it.cur)
	it.back++
}

func (it *Iterator) Seek(target []byte) {
	it.src.Seek(target)
	it.afterSeek()
}

func (it *Iterator) SeekToFirst() {
	it.src.SeekToFirst()
	it.afterSeek()
}

func (it *Iterator) SeekToLast() {
	it.src.SeekToLast()
	it.afterSeek()
}

// Next advances to the next entry, topping up the prefetch window by
// up to 256 entries whenever the consumer catches up to the producer.
func (it *Iterator) Next() {
	it.cur++
	if it.cur == it.back {
		for s := it.cur; s < it.cur+256; s++ {
			it.src.Next()
			slotIdx := it.back % MaxSize
			it.back++
			if !it.getValue(slotIdx, s) {
				break
			}
		}
		for it.back-it.front > MaxSize {
			it.front++
		}
	}
}

// Prev is the mirror image of Next, walking the window backward.
func (it *Iterator) Prev() {
	if it.cur == it.front {
		for s := it.cur - 1; ; s-- {
			it.src.Prev()
			it.front--
			if !it.getValue(it.front%MaxSize, s) {
				break
			}
			if s == it.cur-256 {
				break
			}
		}
		for it.back-it.front > MaxSize {
			it.back--
		}
	}
	it.cur--
}

// Valid reports whether the current entry is live. This never blocks:
// valid is set synchronously by getValue before its fetch is enqueued.
func (it *Iterator) Valid() bool {
	return it.slots[it.cur%MaxSize].valid
}

// Key returns the current entry's key. Like Valid, this is available
// without waiting on the fetch.
func (it *Iterator) Key() []byte {
	return it.slots[it.cur%MaxSize].key
}

// Value returns the current entry's fetched value, blocking until the
// worker assigned to it has finished.
func (it *Iterator) Value() []byte {
	it.awaitCurrent()
	return it.slots[it.cur%MaxSize].val
}

// Err returns any error the current entry's fetch produced, blocking
// the same way Value does. When the iterator is not positioned at an
// entry, only the source's error is reported.
func (it *Iterator) Err() error {
	if err := it.src.Err(); err != nil {
		return err
	}
	if !it.slots[it.cur%MaxSize].valid {
		return nil
	}
	it.awaitCurrent()
	return it.slots[it.cur%MaxSize].err
}

func (it *Iterator) awaitCurrent() {
	s := &it.slots[it.cur%MaxSize]
	for s.seq.Load() != it.cur {
		runtime.Gosched()
	}
}

// DataSize returns the cumulative key+value bytes this iterator has
// fetched so far, blocking until every dispatched task has completed.
// It is a benchmarking hook, not meant for the hot path.
func (it *Iterator) DataSize() uint64 {
	for it.completedTasks.Load() != it.totTasks {
		runtime.Gosched()
	}
	return it.dataSize.Load()
}

// Close drains every in-flight fetch, then signals and joins the
// worker pool. No slot is freed while a worker might still be writing
// to it.
func (it *Iterator) Close() error {
	it.quiesce()
	it.closing.Store(true)
	it.tq.wakeAll()
	return it.eg.Wait()
}
