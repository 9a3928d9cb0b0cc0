package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/siltkv/siltkv/internal/ikey"
	"github.com/siltkv/siltkv/internal/memtable"
	"github.com/siltkv/siltkv/internal/sstable"
	"github.com/siltkv/siltkv/internal/utils"
	"github.com/siltkv/siltkv/internal/vlog"
)

var ErrClosed = errors.New("lsm: db is closed")

// DB is the LSM-tree collaborator that keys live in while their values
// live in the vlog: it owns the active and immutable memtables, the open
// SSTables, and the vlog manager, and arbitrates every Get/Put/Delete
// through the internal-key/sequence-number scheme.
type DB struct {
	mu sync.RWMutex

	active    *memtable.Memtable
	immutable *memtable.Memtable
	sstables  []*sstable.Reader // newest first
	closed    bool

	vlogs *vlog.Manager

	dataDir      string
	syncWrites   bool
	memtableSize int

	seq         atomic.Uint64
	readSamples atomic.Uint64

	flushWg   sync.WaitGroup
	compactWg sync.WaitGroup

	compactTrigger  int
	prefetchWorkers int
	logger          zerolog.Logger
}

// Options configures Open.
type Options struct {
	DataDir string

	// MemtableSize caps each memtable before it is frozen and flushed;
	// 0 uses memtable.DefaultMaxSize.
	MemtableSize int

	// CompactionTrigger is the number of SSTables that triggers merging
	// the oldest ones together; 0 uses a default of 4.
	CompactionTrigger int

	// SyncWrites passes sync to the vlog on every Put (for a batch, only
	// when its last operation is a Put): the vlog bytes buffered ahead of that record
	// are flushed and fsynced, while the record itself stays buffered
	// when it fits (see vlog.Writer.AddRecord). The WAL keeps its own
	// periodic fsync either way.
	SyncWrites bool

	// VlogMaxFileSize caps each vlog file before rotation; 0 uses
	// vlog.DefaultMaxFileSize.
	VlogMaxFileSize uint64

	// PrefetchWorkers sets the default worker-pool size NewPrefetchIterator
	// uses when a caller doesn't override it; 0 uses prefetch.DefaultWorkers.
	PrefetchWorkers int

	Logger zerolog.Logger
}

type walSegment struct {
	path string
	ts   int64
}

// listWALSegments finds every WAL file in dataDir and orders them oldest
// to newest, so Open can recover any that were never flushed (one
// immutable memtable's worth of unflushed writes can survive a crash
// mid-rotation) before adopting the newest as the active memtable.
func listWALSegments(dataDir string) ([]walSegment, error) {
	matches, err := filepath.Glob(filepath.Join(dataDir, "*.wal"))
	if err != nil {
		return nil, err
	}

	segs := make([]walSegment, 0, len(matches))
	for _, p := range matches {
		base := filepath.Base(p)

		var ts int64
		switch {
		case base == "active.wal":
			ts = 0
		case strings.HasPrefix(base, "active-") && strings.HasSuffix(base, ".wal"):
			num := strings.TrimSuffix(strings.TrimPrefix(base, "active-"), ".wal")
			if v, err := strconv.ParseInt(num, 10, 64); err == nil {
				ts = v
			} else if st, statErr := os.Stat(p); statErr == nil {
				ts = st.ModTime().UnixNano()
			}
		default:
			if st, statErr := os.Stat(p); statErr == nil {
				ts = st.ModTime().UnixNano()
			}
		}

		segs = append(segs, walSegment{path: p, ts: ts})
	}

	sort.Slice(segs, func(i, j int) bool {
		if segs[i].ts != segs[j].ts {
			return segs[i].ts < segs[j].ts
		}
		return segs[i].path < segs[j].path
	})

	return segs, nil
}

// Open opens (and if necessary creates) a database rooted at
// opts.DataDir, recovering its manifest, sequence counter, vlogs, and any
// WAL segments left over from an unclean shutdown.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "lsm: mkdir data dir")
	}

	compactTrigger := opts.CompactionTrigger
	if compactTrigger <= 0 {
		compactTrigger = 4
	}
	logger := opts.Logger

	seq, err := loadSequence(opts.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "lsm: load sequence")
	}

	vlogs, err := vlog.OpenManager(vlog.ManagerOptions{
		Dir:         opts.DataDir,
		MaxFileSize: opts.VlogMaxFileSize,
		Logger:      logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "lsm: open vlog manager")
	}

	sstPaths, err := loadManifest(opts.DataDir)
	if err != nil {
		vlogs.Close()
		return nil, errors.Wrap(err, "lsm: load manifest")
	}

	var sstables []*sstable.Reader
	for i := len(sstPaths) - 1; i >= 0; i-- {
		reader, err := sstable.NewReader(sstPaths[i])
		if err != nil {
			logger.Warn().Err(err).Str("path", sstPaths[i]).Msg("lsm: skipping unreadable sstable on open")
			continue
		}
		sstables = append(sstables, reader)
	}

	segs, err := listWALSegments(opts.DataDir)
	if err != nil {
		vlogs.Close()
		return nil, err
	}
	if len(segs) == 0 {
		segs = append(segs, walSegment{path: filepath.Join(opts.DataDir, "active.wal"), ts: 0})
	}

	activeWalPath := segs[len(segs)-1].path
	mt, err := memtable.Open(activeWalPath, opts.MemtableSize, logger)
	if err != nil {
		vlogs.Close()
		return nil, err
	}

	db := &DB{
		dataDir:         opts.DataDir,
		active:          mt,
		sstables:        sstables,
		vlogs:           vlogs,
		syncWrites:      opts.SyncWrites,
		memtableSize:    opts.MemtableSize,
		compactTrigger:  compactTrigger,
		prefetchWorkers: opts.PrefetchWorkers,
		logger:          logger,
	}
	db.seq.Store(seq)

	// Any older WAL segments hold writes a prior process never flushed
	// to an SSTable. Flush them synchronously during Open (oldest
	// first) so the runtime model stays active+optional-immutable.
	if len(segs) > 1 {
		for _, seg := range segs[:len(segs)-1] {
			oldMt, err := memtable.Open(seg.path, opts.MemtableSize, logger)
			if err != nil {
				db.Close()
				return nil, err
			}
			if err := oldMt.Freeze(); err != nil {
				oldMt.Close()
				db.Close()
				return nil, err
			}
			db.flushWg.Add(1)
			db.flushMemtable(oldMt, seg.path)
		}
	}

	return db, nil
}

// Close flushes the sequence counter and releases every open file. It is
// safe to call more than once.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	active := db.active
	immutable := db.immutable
	sstables := db.sstables
	vlogs := db.vlogs
	db.active = nil
	db.immutable = nil
	db.sstables = nil
	db.vlogs = nil
	db.mu.Unlock()

	db.flushWg.Wait()
	db.compactWg.Wait()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(errors.Wrap(saveSequence(db.dataDir, db.seq.Load()), "lsm: save sequence"))
	if active != nil {
		record(active.Close())
	}
	if immutable != nil {
		record(immutable.Close())
	}
	for _, r := range sstables {
		if r != nil {
			record(r.Close())
		}
	}
	if vlogs != nil {
		record(vlogs.Close())
	}
	return firstErr
}

// WriteBatch accumulates Put/Delete operations for atomic commit: every
// operation lands under one contiguous sequence range and is written to
// the memtable as a unit, so a reader never observes a partial batch.
type WriteBatch struct {
	ops []batchOp
}

type batchOp struct {
	key   []byte
	value []byte
	kind  ikey.Kind
}

// Put stages a value write.
func (b *WriteBatch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: utils.CopyBytes(key), value: utils.CopyBytes(value), kind: ikey.KindValue})
}

// Delete stages a tombstone write.
func (b *WriteBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: utils.CopyBytes(key), kind: ikey.KindDeletion})
}

// Len returns the number of staged operations.
func (b *WriteBatch) Len() int { return len(b.ops) }

// Put writes a single key-value pair, equivalent to a one-operation
// WriteBatch.
func (db *DB) Put(key, value []byte) error {
	b := &WriteBatch{}
	b.Put(key, value)
	return db.Write(b)
}

// Delete removes key, equivalent to a one-operation WriteBatch.
func (db *DB) Delete(key []byte) error {
	b := &WriteBatch{}
	b.Delete(key)
	return db.Write(b)
}

// Write commits batch atomically: every operation draws its sequence
// number from one contiguous range before any of them reach the vlog or
// memtable, so no reader can observe only part of the batch.
func (db *DB) Write(batch *WriteBatch) error {
	if batch == nil || len(batch.ops) == 0 {
		return nil
	}

	db.mu.RLock()
	if db.active == nil {
		db.mu.RUnlock()
		return ErrClosed
	}
	mt := db.active
	db.mu.RUnlock()

	n := uint64(len(batch.ops))
	base := db.seq.Add(n) - n + 1

	type entry struct {
		internalKey []byte
		addrBytes   []byte
	}
	entries := make([]entry, len(batch.ops))

	for i, op := range batch.ops {
		seq := base + uint64(i)
		var addrBytes []byte
		if op.kind == ikey.KindValue {
			sync := db.syncWrites && i == len(batch.ops)-1
			addr, err := db.vlogs.AddRecord(op.key, op.value, sync)
			if err != nil {
				return errors.Wrap(err, "lsm: vlog append")
			}
			addrBytes = addr.Encode(nil)
		}
		entries[i] = entry{internalKey: ikey.Append(op.key, seq, op.kind), addrBytes: addrBytes}
	}

	for _, e := range entries {
		if err := mt.Put(e.internalKey, e.addrBytes); err != nil {
			return errors.Wrap(err, "lsm: memtable put")
		}
	}

	if mt.IsFull() {
		return db.rotateMemtable()
	}
	return nil
}

// Get reads key as of the current sequence number.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	return db.GetAt(key, db.seq.Load())
}

// CurrentSequence returns the sequence number of the most recent write
// committed to db, suitable for pinning a snapshot.
func (db *DB) CurrentSequence() uint64 {
	return db.seq.Load()
}

// GetAt reads key as of a previously captured snapshot sequence, so
// repeated calls against the same seq observe a fixed view of the DB
// regardless of concurrent writes (backs pkg/kv's Snapshot).
func (db *DB) GetAt(key []byte, seq uint64) ([]byte, bool, error) {
	db.mu.RLock()
	active := db.active
	immutable := db.immutable
	sstables := make([]*sstable.Reader, len(db.sstables))
	copy(sstables, db.sstables)
	db.mu.RUnlock()

	if active == nil {
		return nil, false, ErrClosed
	}

	target := ikey.SeekKey(key, seq)

	if it := active.Seek(target); it.Valid() {
		val, found, matched, err := db.resolve(it.Key(), it.Value(), key)
		if err != nil || matched {
			return val, found, err
		}
	}
	if immutable != nil {
		if it := immutable.Seek(target); it.Valid() {
			val, found, matched, err := db.resolve(it.Key(), it.Value(), key)
			if err != nil || matched {
				return val, found, err
			}
		}
	}
	for _, r := range sstables {
		it, err := r.Seek(target)
		if err != nil {
			return nil, false, errors.Wrap(err, "lsm: sstable seek")
		}
		if it.Valid() {
			val, found, matched, err := db.resolve(it.Key(), it.Value(), key)
			if err != nil || matched {
				return val, found, err
			}
		}
	}

	return nil, false, nil
}

// resolve interprets the entry an internal-key Seek landed on: matched
// reports whether it actually belongs to wantKey (Seek can land on the
// next, different key once wantKey's own versions are exhausted in that
// source). found/value are only meaningful when matched is true.
func (db *DB) resolve(internalKey, addrBytes, wantKey []byte) (value []byte, found, matched bool, err error) {
	userKey, _, kind, ok := ikey.Decode(internalKey)
	if !ok || !bytes.Equal(userKey, wantKey) {
		return nil, false, false, nil
	}
	db.SampleRead(internalKey)

	if kind == ikey.KindDeletion {
		return nil, false, true, nil
	}

	addr, err := vlog.DecodeAddress(addrBytes)
	if err != nil {
		return nil, false, true, errors.Wrap(err, "lsm: decode value address")
	}
	val, err := db.vlogs.Fetch(addr)
	if err != nil {
		return nil, false, true, errors.Wrap(err, "lsm: vlog fetch")
	}
	return val, true, true, nil
}

// SampleRead implements ReadSampler: the address-iterator notifies it
// once every ReadBytesPeriod bytes of entries parsed while walking a
// scan. Driving compaction heuristics from this signal is future work;
// for now the count is kept for diagnostics only.
func (db *DB) SampleRead(internalKey []byte) {
	db.readSamples.Add(1)
}

// rotateMemtable freezes the active memtable, moves it to immutable,
// opens a fresh active memtable, and flushes the frozen one in the
// background.
func (db *DB) rotateMemtable() error {
	db.mu.Lock()
	if db.immutable != nil {
		// A flush is already in flight; the caller's batch still
		// landed in the (now over-full) active memtable, which is
		// fine — it will trigger another rotation once this one
		// completes.
		db.mu.Unlock()
		return nil
	}
	if err := db.active.Freeze(); err != nil {
		db.mu.Unlock()
		return errors.Wrap(err, "lsm: freeze memtable")
	}
	oldWalPath := db.active.WalPath()
	db.immutable = db.active

	newWalPath := filepath.Join(db.dataDir, fmt.Sprintf("active-%d.wal", time.Now().UnixNano()))
	newActive, err := memtable.Open(newWalPath, db.memtableSize, db.logger)
	if err != nil {
		db.mu.Unlock()
		return errors.Wrap(err, "lsm: open new memtable")
	}
	db.active = newActive
	immutable := db.immutable
	db.mu.Unlock()

	db.flushWg.Add(1)
	go db.flushMemtable(immutable, oldWalPath)
	return nil
}

// flushMemtable drains mt into a new SSTable, registers it, and deletes
// the WAL segment it replaces. rotateMemtable runs it in its own
// goroutine; Open calls it directly for WAL segments left from a
// previous run.
func (db *DB) flushMemtable(mt *memtable.Memtable, walPath string) {
	defer db.flushWg.Done()

	sstPath := strings.TrimSuffix(walPath, ".wal") + ".sst"

	approxEntries := mt.Size() / 32
	writer, err := sstable.NewWriter(sstPath, approxEntries)
	if err != nil {
		db.logger.Error().Err(err).Str("path", sstPath).Msg("lsm: flush: create sstable writer")
		return
	}
	if err := writer.WriteFromIterator(mt.NewIterator()); err != nil {
		writer.Close()
		db.logger.Error().Err(err).Str("path", sstPath).Msg("lsm: flush: write sstable")
		return
	}
	if err := writer.Close(); err != nil {
		db.logger.Error().Err(err).Str("path", sstPath).Msg("lsm: flush: close sstable writer")
		return
	}

	reader, err := sstable.NewReader(sstPath)
	if err != nil {
		db.logger.Error().Err(err).Str("path", sstPath).Msg("lsm: flush: reopen sstable")
		return
	}

	db.mu.Lock()
	db.sstables = append([]*sstable.Reader{reader}, db.sstables...)
	if db.immutable == mt {
		db.immutable = nil
	}
	shouldCompact := len(db.sstables) >= db.compactTrigger
	db.mu.Unlock()

	if err := appendToManifest(db.dataDir, sstPath); err != nil {
		db.logger.Error().Err(err).Msg("lsm: flush: append manifest")
	}
	if err := saveSequence(db.dataDir, db.seq.Load()); err != nil {
		db.logger.Error().Err(err).Msg("lsm: flush: save sequence")
	}

	mt.Close()
	if err := os.Remove(walPath); err != nil && !os.IsNotExist(err) {
		db.logger.Warn().Err(err).Str("path", walPath).Msg("lsm: flush: remove old wal")
	}

	if shouldCompact {
		db.compactWg.Add(1)
		go db.compactSSTables()
	}
}

// compactSSTables merges the oldest compactTrigger SSTables into one or
// more replacement files, collapsing every run of entries that share a
// user key down to the single highest surviving sequence number and
// dropping tombstones outright once nothing below them can still see the
// deleted key. Superseded value addresses are reported to the vlog
// manager for a future cleaning pass.
func (db *DB) compactSSTables() {
	defer db.compactWg.Done()

	db.mu.Lock()
	if len(db.sstables) < db.compactTrigger {
		db.mu.Unlock()
		return
	}
	compactCount := db.compactTrigger
	startIdx := len(db.sstables) - compactCount
	readersToCompact := make([]*sstable.Reader, compactCount)
	copy(readersToCompact, db.sstables[startIdx:])
	oldPaths := make([]string, len(readersToCompact))
	for i, r := range readersToCompact {
		oldPaths[i] = r.Path()
	}
	db.mu.Unlock()

	mergeIt, err := sstable.NewMergeIterator(readersToCompact)
	if err != nil {
		db.logger.Error().Err(err).Msg("lsm: compaction: build merge iterator")
		return
	}

	baseTimestamp := time.Now().UnixNano()
	fileCounter := 0
	outputPath := filepath.Join(db.dataDir, fmt.Sprintf("compact-%d-%d.sst", baseTimestamp, fileCounter))
	writer, err := sstable.NewWriter(outputPath, 0)
	if err != nil {
		db.logger.Error().Err(err).Msg("lsm: compaction: create writer")
		return
	}
	outputPaths := []string{outputPath}
	var newReaders []*sstable.Reader

	cleanup := func() {
		writer.Close()
		for _, r := range newReaders {
			r.Close()
		}
		for _, p := range outputPaths {
			os.Remove(p)
		}
	}

	var lastUserKey []byte
	haveLastUserKey := false

	for mergeIt.Valid() {
		internalKey := mergeIt.Key()
		addrBytes := mergeIt.Value()

		userKey, _, kind, ok := ikey.Decode(internalKey)
		if !ok {
			mergeIt.Next()
			continue
		}

		if haveLastUserKey && bytes.Equal(userKey, lastUserKey) {
			// An older version of a key already resolved in this
			// batch: it is fully superseded.
			if kind == ikey.KindValue {
				if addr, err := vlog.DecodeAddress(addrBytes); err == nil {
					db.vlogs.MarkSuperseded(addr)
				}
			}
			mergeIt.Next()
			continue
		}
		lastUserKey = utils.CopyBytes(userKey)
		haveLastUserKey = true

		if kind == ikey.KindDeletion {
			mergeIt.Next()
			continue
		}

		if writer.Size() > 0 && writer.Size()+int64(len(internalKey)+len(addrBytes)) > sstable.MaxSSTableFileSize {
			if err := writer.Finish(); err != nil {
				db.logger.Error().Err(err).Msg("lsm: compaction: finish sstable")
				cleanup()
				return
			}
			reader, err := sstable.NewReader(outputPath)
			if err != nil {
				db.logger.Error().Err(err).Msg("lsm: compaction: reopen sstable")
				cleanup()
				return
			}
			newReaders = append(newReaders, reader)

			fileCounter++
			outputPath = filepath.Join(db.dataDir, fmt.Sprintf("compact-%d-%d.sst", baseTimestamp, fileCounter))
			writer, err = sstable.NewWriter(outputPath, 0)
			if err != nil {
				db.logger.Error().Err(err).Msg("lsm: compaction: create writer")
				for _, r := range newReaders {
					r.Close()
				}
				for _, p := range outputPaths {
					os.Remove(p)
				}
				return
			}
			outputPaths = append(outputPaths, outputPath)
		}

		if err := writer.Write(internalKey, addrBytes); err != nil {
			db.logger.Error().Err(err).Msg("lsm: compaction: write entry")
			cleanup()
			return
		}

		mergeIt.Next()
	}
	if err := mergeIt.Err(); err != nil {
		db.logger.Error().Err(err).Msg("lsm: compaction: merge iterator")
		cleanup()
		return
	}

	if err := writer.Finish(); err != nil {
		db.logger.Error().Err(err).Msg("lsm: compaction: finish sstable")
		cleanup()
		return
	}
	lastReader, err := sstable.NewReader(outputPath)
	if err != nil {
		db.logger.Error().Err(err).Msg("lsm: compaction: reopen sstable")
		cleanup()
		return
	}
	newReaders = append(newReaders, lastReader)

	db.mu.Lock()
	if len(db.sstables) < len(readersToCompact) {
		db.mu.Unlock()
		for _, r := range newReaders {
			r.Close()
		}
		for _, r := range readersToCompact {
			r.Close()
		}
		for _, p := range outputPaths {
			os.Remove(p)
		}
		return
	}
	currentStartIdx := len(db.sstables) - len(readersToCompact)
	stillMatch := true
	for i, r := range readersToCompact {
		if currentStartIdx+i >= len(db.sstables) || db.sstables[currentStartIdx+i] != r {
			stillMatch = false
			break
		}
	}
	if !stillMatch {
		db.mu.Unlock()
		for _, r := range newReaders {
			r.Close()
		}
		for _, r := range readersToCompact {
			r.Close()
		}
		for _, p := range outputPaths {
			os.Remove(p)
		}
		return
	}

	for _, r := range readersToCompact {
		r.Close()
	}
	db.sstables = append(db.sstables[:currentStartIdx], newReaders...)

	currentPaths := make([]string, len(db.sstables))
	for i, r := range db.sstables {
		currentPaths[i] = r.Path()
	}
	shouldCompactAgain := len(db.sstables) >= db.compactTrigger
	db.mu.Unlock()

	for _, path := range oldPaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			db.logger.Warn().Err(err).Str("path", path).Msg("lsm: compaction: remove old sstable")
		}
	}

	if err := rewriteManifest(db.dataDir, currentPaths); err != nil {
		db.logger.Error().Err(err).Msg("lsm: compaction: rewrite manifest")
	}

	if shouldCompactAgain {
		db.compactWg.Add(1)
		go db.compactSSTables()
	}
}
