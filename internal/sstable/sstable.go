// Package sstable implements the on-disk sorted table format: entries are
// internal keys (see internal/ikey) mapped to varint-encoded vlog
// addresses, grouped into 4KiB blocks indexed by a sparse BlockIndex and
// guarded by a per-table BloomFilter, laid out as
// [data blocks][bloom filter][block index][32-byte footer].
package sstable

import (
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/siltkv/siltkv/internal/ikey"
	"github.com/siltkv/siltkv/internal/utils"
)

const (
	maxSSTableKeySize   = 1 << 20  // 1MB
	maxSSTableValueSize = 10 << 20 // 10MB

	bloomFalsePositiveRate = 0.01
)

// sstableMeta is the parsed bloom filter + block index for one table
// file, cached across Reader opens so repeatedly reopening the same
// SSTable (routine during compaction) doesn't re-read and re-parse the
// footer/index/bloom section from disk every time.
type sstableMeta struct {
	bloom            *BloomFilter
	index            *BlockIndex
	bloomOffset      int64
	blockIndexOffset int64
}

var (
	metaCacheOnce sync.Once
	metaCache     *lru.Cache[string, *sstableMeta]
)

func getMetaCache() *lru.Cache[string, *sstableMeta] {
	metaCacheOnce.Do(func() {
		metaCache, _ = lru.New[string, *sstableMeta](256)
	})
	return metaCache
}

// Writer builds one immutable SSTable file from a sorted stream of
// internal-key/address entries.
type Writer struct {
	file *os.File
	path string

	blockBuf []byte
	firstKey []byte
	offset   int64 // bytes already written to file, excluding blockBuf

	index *BlockIndex
	bloom *BloomFilter

	written int // entries written
}

// MaxSSTableFileSize is the target size at which a compaction output
// splits into a new file rather than growing one table without bound.
const MaxSSTableFileSize = 64 << 20

// NewWriter creates a table writer. approxEntries sizes the Bloom filter
// up front; passing 0 sizes it for a single element (16 bits), which a
// table of more than a few entries saturates, so its filter then rejects
// almost no lookups.
func NewWriter(path string, approxEntries int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: create %s", path)
	}
	if approxEntries < 1 {
		approxEntries = 1
	}
	return &Writer{
		file:  f,
		path:  path,
		index: &BlockIndex{},
		bloom: NewBloomFilter(uint32(approxEntries), bloomFalsePositiveRate),
	}, nil
}

func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Size returns the number of data bytes written so far, counting both
// the blocks already in the file and the block still buffered in memory
// (the footer isn't written until Finish). Callers doing
// compaction use this to decide when to roll over to a new output file.
func (w *Writer) Size() int64 {
	return w.offset + int64(len(w.blockBuf))
}

// Write appends one internal-key/address entry to the table. Entries
// must arrive in ascending internal-key order.
func (w *Writer) Write(key, val []byte) error {
	if w.file == nil {
		return os.ErrInvalid
	}
	if w.firstKey == nil {
		w.firstKey = utils.CopyBytes(key)
	}

	entry := utils.PutVarlen(nil, key)
	entry = utils.PutVarlen(entry, val)

	if len(w.blockBuf)+len(entry) > BlockSize && len(w.blockBuf) > 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	w.blockBuf = append(w.blockBuf, entry...)
	w.bloom.Add(ikey.UserKey(key))
	w.written++
	return nil
}

// WriteFromIterator drains it (sorted ascending by internal key) and
// calls Finish.
func (w *Writer) WriteFromIterator(it EntryIterator) error {
	for it.Valid() {
		if err := w.Write(it.Key(), it.Value()); err != nil {
			return err
		}
		it.Next()
	}
	if err := it.Err(); err != nil {
		return errors.Wrap(err, "sstable: source iterator")
	}
	return w.Finish()
}

// Finish flushes any buffered block and writes the Bloom filter, block
// index, and footer. No further Write calls are valid afterward.
func (w *Writer) Finish() error {
	if len(w.blockBuf) > 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	return w.writeFooter()
}

func (w *Writer) flushBlock() error {
	off := w.offset
	if _, err := w.file.Write(w.blockBuf); err != nil {
		return errors.Wrap(err, "sstable: write block")
	}
	w.index.Add(w.firstKey, off)
	w.offset += int64(len(w.blockBuf))
	w.blockBuf = w.blockBuf[:0]
	w.firstKey = nil
	return nil
}

func (w *Writer) writeFooter() error {
	bloomOffset := w.offset
	if w.bloom == nil {
		w.bloom = NewBloomFilter(1, bloomFalsePositiveRate)
	}
	bloomBytes := w.bloom.Bytes()
	if _, err := w.file.Write(bloomBytes); err != nil {
		return errors.Wrap(err, "sstable: write bloom filter")
	}
	w.offset += int64(len(bloomBytes))

	blockIndexOffset := w.offset
	indexBytes := w.index.Serialize()
	if _, err := w.file.Write(indexBytes); err != nil {
		return errors.Wrap(err, "sstable: write block index")
	}

	footer := &Footer{
		BloomFilterOffset: bloomOffset,
		BlockIndexOffset:  blockIndexOffset,
		BlockIndexSize:    int64(len(indexBytes)),
		MagicNumber:       MagicNumber,
	}
	if _, err := w.file.Write(footer.Serialize()); err != nil {
		return errors.Wrap(err, "sstable: write footer")
	}

	return errors.Wrap(w.file.Sync(), "sstable: sync")
}

// Reader serves point and range reads from one immutable SSTable file.
type Reader struct {
	file     *os.File
	path     string
	fileSize int64
	meta     *sstableMeta
}

func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: open %s", path)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "sstable: stat %s", path)
	}

	r := &Reader{file: f, path: path, fileSize: stat.Size()}
	if cached, ok := getMetaCache().Get(path); ok {
		r.meta = cached
		return r, nil
	}

	meta, err := r.loadMeta()
	if err != nil {
		f.Close()
		return nil, err
	}
	r.meta = meta
	getMetaCache().Add(path, meta)
	return r, nil
}

func (r *Reader) loadMeta() (*sstableMeta, error) {
	if r.fileSize < 32 {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "sstable: file too small")
	}

	footerBuf := make([]byte, 32)
	if _, err := r.file.ReadAt(footerBuf, r.fileSize-32); err != nil {
		return nil, errors.Wrap(err, "sstable: read footer")
	}
	footer, err := DeserializeFooter(footerBuf)
	if err != nil {
		return nil, errors.Wrap(err, "sstable: parse footer")
	}

	bloomBuf := make([]byte, footer.BlockIndexOffset-footer.BloomFilterOffset)
	if _, err := r.file.ReadAt(bloomBuf, footer.BloomFilterOffset); err != nil {
		return nil, errors.Wrap(err, "sstable: read bloom filter")
	}
	bloom, err := LoadBloomFilter(bloomBuf)
	if err != nil {
		return nil, errors.Wrap(err, "sstable: parse bloom filter")
	}

	indexBuf := make([]byte, footer.BlockIndexSize)
	if _, err := r.file.ReadAt(indexBuf, footer.BlockIndexOffset); err != nil {
		return nil, errors.Wrap(err, "sstable: read block index")
	}
	index, err := DeserializeBlockIndex(indexBuf)
	if err != nil {
		return nil, errors.Wrap(err, "sstable: parse block index")
	}

	return &sstableMeta{
		bloom:            bloom,
		index:            index,
		bloomOffset:      footer.BloomFilterOffset,
		blockIndexOffset: footer.BlockIndexOffset,
	}, nil
}

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Path returns the file path this reader was opened from.
func (r *Reader) Path() string {
	return r.path
}

// Get returns the address bytes stored under the exact internal key, if
// present. The Bloom filter is checked first; a miss there is conclusive.
func (r *Reader) Get(target []byte) ([]byte, bool, error) {
	if r == nil || r.file == nil {
		return nil, false, os.ErrInvalid
	}
	if !r.meta.bloom.MayContain(ikey.UserKey(target)) {
		return nil, false, nil
	}

	it, err := r.Seek(target)
	if err != nil {
		return nil, false, err
	}
	if it.Valid() && ikey.Compare(it.Key(), target) == 0 {
		return utils.CopyBytes(it.Value()), true, nil
	}
	return nil, false, it.Err()
}

// Seek returns an iterator positioned at the first entry whose internal
// key is >= target, starting from the one block the sparse index says
// could hold target and walking forward across block boundaries as
// needed (target may sort after every key in that block).
func (r *Reader) Seek(target []byte) (*Iterator, error) {
	if len(r.meta.index.Entries) == 0 {
		return &Iterator{eof: true}, nil
	}

	blockIdx := r.meta.index.FindBlockIndex(target)
	if blockIdx < 0 {
		blockIdx = 0
	}

	it := &Iterator{r: r, blockIdx: blockIdx}
	it.Next()
	for it.Valid() && ikey.Compare(it.Key(), target) < 0 {
		it.Next()
	}
	if it.err != nil {
		return nil, it.err
	}
	return it, nil
}

// Iterator walks every entry of the table in ascending internal-key order.
type Iterator struct {
	r         *Reader
	blockIdx  int
	block     []byte // current block's raw bytes, nil until primed
	pos       int    // offset within block
	key, val  []byte
	eof       bool
	err       error
}

func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r}
}

func (it *Iterator) Valid() bool { return !it.eof && it.key != nil }
func (it *Iterator) Key() []byte { return it.key }
func (it *Iterator) Value() []byte { return it.val }
func (it *Iterator) Err() error { return it.err }

// Next advances to the next entry, loading the next block on demand.
func (it *Iterator) Next() {
	if it.eof || it.err != nil {
		return
	}

	for {
		if it.block == nil {
			if !it.loadBlock() {
				return
			}
		}
		if it.pos >= len(it.block) {
			it.block = nil
			it.blockIdx++
			continue
		}

		key, n, ok := utils.GetVarlen(it.block[it.pos:])
		if !ok || len(key) > maxSSTableKeySize {
			it.err = errors.Wrap(io.ErrUnexpectedEOF, "sstable: corrupt block entry")
			it.eof = true
			return
		}
		rest := it.block[it.pos+n:]
		val, n2, ok := utils.GetVarlen(rest)
		if !ok || len(val) > maxSSTableValueSize {
			it.err = errors.Wrap(io.ErrUnexpectedEOF, "sstable: corrupt block entry")
			it.eof = true
			return
		}

		it.key = key
		it.val = val
		it.pos += n + n2
		return
	}
}

// loadBlock reads the next data block into it.block. Returns false once
// every block has been consumed.
func (it *Iterator) loadBlock() bool {
	if it.r == nil {
		it.eof = true
		return false
	}
	buf, err := it.r.readBlock(it.blockIdx)
	if err != nil {
		it.err = err
		it.eof = true
		return false
	}
	if buf == nil {
		it.eof = true
		return false
	}
	it.block = buf
	it.pos = 0
	return true
}

// readBlock reads the raw bytes of data block blockIdx, or (nil, nil)
// once blockIdx runs past the last block.
func (r *Reader) readBlock(blockIdx int) ([]byte, error) {
	entries := r.meta.index.Entries
	if blockIdx < 0 || blockIdx >= len(entries) {
		return nil, nil
	}
	start := entries[blockIdx].Offset
	end := r.meta.bloomOffset
	if blockIdx+1 < len(entries) {
		end = entries[blockIdx+1].Offset
	}
	buf := make([]byte, end-start)
	if _, err := r.file.ReadAt(buf, start); err != nil {
		return nil, errors.Wrap(err, "sstable: read block")
	}
	return buf, nil
}

type blockEntry struct {
	key, val []byte
	endPos   int // byte offset within the block right after this entry
}

// decodeBlockEntries eagerly parses every entry of a data block, for the
// backward-iteration paths (SeekForPrev, Last, Prev) that need to find
// the last entry satisfying some condition rather than the first.
func decodeBlockEntries(block []byte) ([]blockEntry, error) {
	var entries []blockEntry
	pos := 0
	for pos < len(block) {
		key, n, ok := utils.GetVarlen(block[pos:])
		if !ok || len(key) > maxSSTableKeySize {
			return nil, errors.Wrap(io.ErrUnexpectedEOF, "sstable: corrupt block entry")
		}
		val, n2, ok := utils.GetVarlen(block[pos+n:])
		if !ok || len(val) > maxSSTableValueSize {
			return nil, errors.Wrap(io.ErrUnexpectedEOF, "sstable: corrupt block entry")
		}
		pos += n + n2
		entries = append(entries, blockEntry{key: key, val: val, endPos: pos})
	}
	return entries, nil
}

// SeekForPrev returns an iterator positioned at the last entry whose
// internal key is strictly less than target, or an invalid (eof)
// iterator if none exists. Used by the bidirectional address-iterator
// (internal/lsm) to support Prev.
func (r *Reader) SeekForPrev(target []byte) (*Iterator, error) {
	blockIdx := r.meta.index.FindBlockIndex(target)
	if blockIdx < 0 {
		return &Iterator{eof: true}, nil
	}

	for blockIdx >= 0 {
		buf, err := r.readBlock(blockIdx)
		if err != nil {
			return nil, err
		}
		entries, err := decodeBlockEntries(buf)
		if err != nil {
			return nil, err
		}
		for i := len(entries) - 1; i >= 0; i-- {
			if ikey.Compare(entries[i].key, target) < 0 {
				return &Iterator{r: r, blockIdx: blockIdx, block: buf, pos: entries[i].endPos, key: entries[i].key, val: entries[i].val}, nil
			}
		}
		blockIdx--
	}
	return &Iterator{eof: true}, nil
}

// Last returns an iterator positioned at the table's final entry.
func (r *Reader) Last() (*Iterator, error) {
	blockIdx := len(r.meta.index.Entries) - 1
	if blockIdx < 0 {
		return &Iterator{eof: true}, nil
	}
	buf, err := r.readBlock(blockIdx)
	if err != nil {
		return nil, err
	}
	entries, err := decodeBlockEntries(buf)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &Iterator{eof: true}, nil
	}
	last := entries[len(entries)-1]
	return &Iterator{r: r, blockIdx: blockIdx, block: buf, pos: last.endPos, key: last.key, val: last.val}, nil
}

// Prev repositions the iterator at the entry immediately before its
// current one, re-deriving position via SeekForPrev — the same
// re-walk trade-off memtable.SLIterator.Prev makes, since blocks parse
// only forward.
func (it *Iterator) Prev() {
	if it.r == nil || it.err != nil || it.key == nil {
		it.eof = true
		return
	}
	prev, err := it.r.SeekForPrev(it.key)
	if err != nil {
		it.err = err
		it.eof = true
		return
	}
	*it = *prev
}

// EntryIterator is satisfied by any sorted-internal-key source a Writer
// can drain: memtable.SLIterator and sstable.MergeIterator both implement
// it without modification.
type EntryIterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next()
	Err() error
}
