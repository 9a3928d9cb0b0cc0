// Package prefetch implements the concurrent read-ahead layer that sits
// on top of an address-iterator: resolving a vlog address into a value
// is a random-access read that can hit disk, and doing that inline in
// Next would serialize disk latency into every step of a scan. This
// package interposes a worker pool that starts the fetch as soon as an
// entry's address is known, so Next returns immediately and only Value
// blocks, and only until that one slot is filled. Grounded directly on
// original_source's ConcurrenceDBIter/TaskQueue/IterCache trio.
package prefetch

import "sync"

// task is one pending fetch job: resolve the address already copied
// into slots[slot] and stamp the result with the logical index seq so
// the consumer can tell when that exact generation of the slot is
// ready.
type task struct {
	slot uint64
	seq  uint64
}

// initialQueueCapacity is the task queue's starting size; it doubles
// whenever a push would overflow it.
const initialQueueCapacity = 512

// taskQueue is a growable ring buffer of pending fetch jobs, guarded by
// its own mutex and condition variable rather than a channel: a
// channel can't be resized once full, and this queue is meant to
// absorb bursts (§4.F) instead of applying backpressure to the
// producer.
type taskQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []task
	head uint64
	tail uint64
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{buf: make([]task, initialQueueCapacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues t, growing the ring if it's full, and wakes one
// waiting worker if the queue was empty.
func (q *taskQueue) push(t task) {
	q.mu.Lock()
	wasEmpty := q.head == q.tail
	if q.head-q.tail == uint64(len(q.buf)) {
		q.grow()
	}
	q.buf[q.head%uint64(len(q.buf))] = t
	q.head++
	if wasEmpty {
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *taskQueue) grow() {
	n := len(q.buf)
	grown := make([]task, n*2)
	for i := uint64(0); i < uint64(n); i++ {
		grown[i] = q.buf[(q.tail+i)%uint64(n)]
	}
	q.tail = 0
	q.head = uint64(n)
	q.buf = grown
}

// pop blocks until a task is available. It returns ok == false as soon
// as closing is observed, whether or not tasks are still queued; tasks
// left in the queue at that point are never run.
func (q *taskQueue) pop(closing func() bool) (task, bool) {
	q.mu.Lock()
	for q.head == q.tail {
		if closing() {
			q.mu.Unlock()
			return task{}, false
		}
		q.cond.Wait()
	}
	if closing() {
		q.mu.Unlock()
		return task{}, false
	}
	t := q.buf[q.tail%uint64(len(q.buf))]
	q.tail++
	q.mu.Unlock()
	return t, true
}

// wakeAll wakes every worker blocked in pop, so they can observe
// closing and exit.
func (q *taskQueue) wakeAll() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}
