// Package kv is the public entry point to the storage engine: a thin
// facade over internal/lsm that speaks plain []byte keys/values instead
// of the internal-key/sequence-number scheme the collaborator underneath
// actually uses.
package kv

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/siltkv/siltkv/internal/lsm"
	"github.com/siltkv/siltkv/internal/prefetch"
)

var (
	// ErrNotFound is returned when a key is not found.
	ErrNotFound = errors.New("kv: key not found")
	// ErrClosed is returned when the DB is closed.
	ErrClosed = lsm.ErrClosed
)

// Options configures Open.
type Options struct {
	// MemtableSize caps each memtable before it is frozen and flushed;
	// 0 uses the engine's default.
	MemtableSize int

	// CompactionTrigger is the number of SSTables that triggers merging
	// the oldest ones together; 0 uses the engine's default.
	CompactionTrigger int

	// SyncWrites makes each write flush and fsync the vlog bytes buffered
	// ahead of it; the write's own record stays buffered when it fits.
	SyncWrites bool

	// VlogMaxFileSize caps each vlog file before rotation; 0 uses the
	// engine's default.
	VlogMaxFileSize uint64

	// PrefetchWorkers sets the default worker-pool size for iterators
	// that don't override it in their IteratorOptions; 0 uses
	// prefetch.DefaultWorkers.
	PrefetchWorkers int

	Logger zerolog.Logger
}

// DB is a key-value database backed by an LSM tree with values held in a
// separate value log.
type DB struct {
	db *lsm.DB
}

// Open opens a database at path, creating one if it doesn't already exist.
func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, errors.New("kv: path cannot be empty")
	}

	lsmDB, err := lsm.Open(lsm.Options{
		DataDir:           path,
		MemtableSize:      opts.MemtableSize,
		CompactionTrigger: opts.CompactionTrigger,
		SyncWrites:        opts.SyncWrites,
		VlogMaxFileSize:   opts.VlogMaxFileSize,
		PrefetchWorkers:   opts.PrefetchWorkers,
		Logger:            opts.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "kv: open")
	}
	return &DB{db: lsmDB}, nil
}

// Close closes the database and releases all resources.
func (db *DB) Close() error {
	return db.db.Close()
}

// Put stores a key-value pair, overwriting any existing value for key.
func (db *DB) Put(key, value []byte) error {
	if err := db.db.Put(key, value); err != nil {
		return translateClosed(err)
	}
	return nil
}

// Get retrieves the value for key. It returns ErrNotFound if the key
// doesn't exist or has been deleted.
func (db *DB) Get(key []byte) ([]byte, error) {
	val, found, err := db.db.Get(key)
	if err != nil {
		return nil, translateClosed(err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return val, nil
}

// Delete removes key. It is a no-op if the key doesn't exist.
func (db *DB) Delete(key []byte) error {
	if err := db.db.Delete(key); err != nil {
		return translateClosed(err)
	}
	return nil
}

func translateClosed(err error) error {
	if errors.Cause(err) == lsm.ErrClosed {
		return ErrClosed
	}
	return err
}

// WriteBatch accumulates Put/Delete operations for atomic commit: every
// operation in one Write call draws its sequence number from a single
// contiguous range before any of them become visible, so no reader
// observes only part of the batch. It does not provide cross-batch
// transactions.
type WriteBatch struct {
	b lsm.WriteBatch
}

// Put stages a key-value write.
func (wb *WriteBatch) Put(key, value []byte) { wb.b.Put(key, value) }

// Delete stages a deletion.
func (wb *WriteBatch) Delete(key []byte) { wb.b.Delete(key) }

// Len returns the number of staged operations.
func (wb *WriteBatch) Len() int { return wb.b.Len() }

// Write commits batch atomically.
func (db *DB) Write(batch *WriteBatch) error {
	if err := db.db.Write(&batch.b); err != nil {
		return translateClosed(err)
	}
	return nil
}

// Snapshot is a thin handle around a sequence number captured at a point
// in time: Get and iterators taken against it ignore writes made after
// it was created. Compaction does not consult open snapshots: it keeps
// only the newest version of each key, so an older version a snapshot
// would read is no longer found once its SSTable has been compacted.
type Snapshot struct {
	db  *lsm.DB
	seq uint64
}

// NewSnapshot captures the database's current sequence number.
func (db *DB) NewSnapshot() *Snapshot {
	return &Snapshot{db: db.db, seq: db.db.CurrentSequence()}
}

// Get retrieves the value for key as of the snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	val, found, err := s.db.GetAt(key, s.seq)
	if err != nil {
		return nil, translateClosed(err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return val, nil
}

// IteratorOptions configures NewIterator.
type IteratorOptions struct {
	// Snapshot pins the iterator to a previously captured view; nil
	// iterates as of the current sequence number.
	Snapshot *Snapshot

	// Workers overrides the prefetch worker-pool size for this
	// iterator; 0 falls back to Options.PrefetchWorkers.
	Workers int
}

// Iterator is a bidirectional scan over the database, backed by a
// concurrent read-ahead iterator: Next/Prev never block on resolving a
// value from the vlog, only Value does, and only until that entry's
// fetch has completed.
type Iterator struct {
	it *prefetch.Iterator
}

// NewIterator returns an Iterator over db as of opts.Snapshot (or the
// current sequence number if nil). The returned Iterator must be closed.
func (db *DB) NewIterator(opts IteratorOptions) (*Iterator, error) {
	seq := db.db.CurrentSequence()
	if opts.Snapshot != nil {
		seq = opts.Snapshot.seq
	}
	pit, err := db.db.NewPrefetchIterator(seq, opts.Workers)
	if err != nil {
		return nil, translateClosed(err)
	}
	return &Iterator{it: pit}, nil
}

// SeekToFirst positions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() { it.it.SeekToFirst() }

// SeekToLast positions the iterator at the largest key.
func (it *Iterator) SeekToLast() { it.it.SeekToLast() }

// Seek positions the iterator at the first key >= target.
func (it *Iterator) Seek(target []byte) { it.it.Seek(target) }

// Next advances to the next key in ascending order.
func (it *Iterator) Next() { it.it.Next() }

// Prev moves to the previous key in ascending order.
func (it *Iterator) Prev() { it.it.Prev() }

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.it.Valid() }

// Key returns the current entry's key.
func (it *Iterator) Key() []byte { return it.it.Key() }

// Value returns the current entry's value, blocking until its
// background fetch has completed.
func (it *Iterator) Value() []byte { return it.it.Value() }

// Err returns any error encountered while scanning or fetching.
func (it *Iterator) Err() error { return it.it.Err() }

// Close releases the iterator's worker pool. It must be called exactly
// once per Iterator.
func (it *Iterator) Close() error { return it.it.Close() }
