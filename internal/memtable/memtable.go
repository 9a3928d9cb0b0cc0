package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/siltkv/siltkv/internal/wal"
)

// DefaultMaxSize is the default maximum size for a memtable (4MB). When a
// memtable reaches this size, it should be frozen and flushed to an
// SSTable.
const DefaultMaxSize = 4 << 20

var ErrFrozen = errors.New("memtable: frozen")

// Memtable wraps a SkipList keyed by encoded internal keys (see
// internal/ikey) with WAL support for durability. The value stored
// alongside each internal key is a varint-encoded vlog.Address (or, for a
// deletion entry, a zero-length slice): the memtable never holds user
// value bytes directly, matching the WiscKey split of keys from values.
type Memtable struct {
	sl      *SkipList
	wal     *wal.WalWriter
	walPath string
	maxSize int
	size    int64 // atomic
	frozen  int32 // atomic flag: 0 = not frozen, 1 = frozen
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// Open creates a memtable backed by the WAL at walPath, recovering any
// records already present in it. maxSize of 0 uses DefaultMaxSize.
func Open(walPath string, maxSize int, logger zerolog.Logger) (*Memtable, error) {
	walWriter, err := wal.NewWalWriter(walPath)
	if err != nil {
		return nil, errors.Wrapf(err, "memtable: open wal %s", walPath)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	mt := &Memtable{
		sl:      NewSkipList(),
		wal:     walWriter,
		walPath: walPath,
		maxSize: maxSize,
		logger:  logger,
	}

	if err := mt.recoverFromWAL(); err != nil {
		walWriter.Close()
		return nil, err
	}

	return mt, nil
}

// Put inserts (internalKey, addressBytes) into the memtable, writing to
// the WAL first and the skiplist second.
func (mt *Memtable) Put(internalKey, addressBytes []byte) error {
	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrFrozen
	}

	mt.mu.Lock()
	if atomic.LoadInt32(&mt.frozen) == 1 {
		mt.mu.Unlock()
		return ErrFrozen
	}
	if err := mt.wal.Write(internalKey, addressBytes); err != nil {
		mt.mu.Unlock()
		return errors.Wrap(err, "memtable: wal write")
	}
	mt.mu.Unlock()

	mt.sl.Put(internalKey, addressBytes)
	atomic.AddInt64(&mt.size, int64(len(internalKey)+len(addressBytes)))

	return nil
}

// Get returns the value stored under the exact internal key, if present.
// Most lookups should use Seek instead, since a point Get(userKey,
// snapshotSeq) needs the newest version at or below a snapshot, not an
// exact internal-key match.
func (mt *Memtable) Get(internalKey []byte) ([]byte, bool) {
	return mt.sl.Get(internalKey)
}

// Seek returns an iterator at the first entry whose internal key is >=
// target.
func (mt *Memtable) Seek(target []byte) *SLIterator {
	return mt.sl.Seek(target)
}

// SeekForPrev returns an iterator at the last entry whose internal key is
// strictly less than target.
func (mt *Memtable) SeekForPrev(target []byte) *SLIterator {
	return mt.sl.SeekForPrev(target)
}

// Last returns an iterator at the final entry in the memtable.
func (mt *Memtable) Last() *SLIterator {
	return mt.sl.Last()
}

// Size returns the estimated current size of the memtable.
func (mt *Memtable) Size() int {
	return int(atomic.LoadInt64(&mt.size))
}

// IsFull reports whether the memtable has reached its maximum size and
// should be frozen and flushed.
func (mt *Memtable) IsFull() bool {
	return int(atomic.LoadInt64(&mt.size)) >= mt.maxSize
}

// Freeze marks the memtable immutable. Subsequent Put calls fail with
// ErrFrozen; reads remain allowed. Call this before flushing to an
// SSTable.
func (mt *Memtable) Freeze() error {
	if !atomic.CompareAndSwapInt32(&mt.frozen, 0, 1) {
		return nil
	}
	mt.mu.Lock()
	err := mt.wal.Sync()
	mt.mu.Unlock()
	return errors.Wrap(err, "memtable: sync wal on freeze")
}

// IsFrozen reports whether Freeze has been called.
func (mt *Memtable) IsFrozen() bool {
	return atomic.LoadInt32(&mt.frozen) == 1
}

func (mt *Memtable) recoverFromWAL() error {
	result, err := mt.wal.Load(func(k, v []byte) {
		mt.sl.Put(k, v)
		atomic.AddInt64(&mt.size, int64(len(k)+len(v)))
	})
	if err != nil {
		return errors.Wrap(err, "memtable: recover wal")
	}

	mt.logger.Debug().
		Int("recovered", result.Recovered).
		Int("skipped", result.Skipped).
		Str("wal", mt.walPath).
		Msg("memtable recovered from wal")

	return nil
}

// Close closes the underlying WAL file.
func (mt *Memtable) Close() error {
	if mt.wal != nil {
		return mt.wal.Close()
	}
	return nil
}

// NewIterator returns an iterator over every entry in the memtable, in
// ascending internal-key order.
func (mt *Memtable) NewIterator() *SLIterator {
	return mt.sl.NewIterator()
}

// WalPath returns the path to this memtable's WAL file.
func (mt *Memtable) WalPath() string {
	return mt.walPath
}
