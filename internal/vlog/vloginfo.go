package vlog

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// WriteBufferSize is the fixed size of a vlog's in-memory coalescing
// buffer.
const WriteBufferSize = 4096

// magicHeaderSize is the size of the small header written once at vlog
// creation. head and currentHead() are absolute file offsets, so the
// first record of a fresh vlog starts at offset magicHeaderSize.
const magicHeaderSize = 8

var vlogMagic = [magicHeaderSize]byte{'S', 'I', 'L', 'T', 'V', 'L', 'O', 1}

// vlogInfo is the per-open-vlog state: a fixed write buffer, the
// flushed/logical head offset, the rwlock serializing writer mutation
// against reader access to {buffer, size, head}, and the two handles
// (writer, fetcher) that hold non-owning references back to it.
type vlogInfo struct {
	fileNumber uint64

	rwlock sync.RWMutex // shared/exclusive lock protecting {buffer, size, head}
	buffer [WriteBufferSize]byte
	size   int
	head   uint64

	writeFile *os.File // appendable
	readFile  *os.File // positional random access (pread-style via ReadAt)

	cache *valueCache

	count atomic.Uint64 // superseded-record count; informational only
}

func createVlogInfo(path string, fileNumber uint64) (*vlogInfo, error) {
	wf, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "vlog: create %s", path)
	}
	if _, err := wf.Write(vlogMagic[:]); err != nil {
		wf.Close()
		return nil, errors.Wrapf(err, "vlog: write header %s", path)
	}
	rf, err := os.Open(path)
	if err != nil {
		wf.Close()
		return nil, errors.Wrapf(err, "vlog: open %s for read", path)
	}
	return &vlogInfo{
		fileNumber: fileNumber,
		head:       magicHeaderSize,
		writeFile:  wf,
		readFile:   rf,
		cache:      newValueCache(),
	}, nil
}

func openVlogInfo(path string, fileNumber uint64) (*vlogInfo, error) {
	wf, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "vlog: reopen %s", path)
	}
	rf, err := os.Open(path)
	if err != nil {
		wf.Close()
		return nil, errors.Wrapf(err, "vlog: reopen %s for read", path)
	}
	info, err := wf.Stat()
	if err != nil {
		wf.Close()
		rf.Close()
		return nil, errors.Wrapf(err, "vlog: stat %s", path)
	}
	size := info.Size()
	if size < magicHeaderSize {
		wf.Close()
		rf.Close()
		return nil, errors.Wrapf(ErrCorruption, "vlog: %s missing header", path)
	}
	if _, err := wf.Seek(0, os.SEEK_END); err != nil {
		wf.Close()
		rf.Close()
		return nil, errors.Wrapf(err, "vlog: seek %s", path)
	}
	return &vlogInfo{
		fileNumber: fileNumber,
		head:       uint64(size),
		writeFile:  wf,
		readFile:   rf,
		cache:      newValueCache(),
	}, nil
}

// close flushes and fsyncs any buffered bytes before closing both file
// handles, so a clean shutdown never drops a write sitting in the
// coalescing buffer.
func (vi *vlogInfo) close() error {
	var firstErr error
	vi.rwlock.Lock()
	if err := vi.syncLocked(); err != nil {
		firstErr = err
	}
	vi.rwlock.Unlock()

	if err := vi.writeFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := vi.readFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// currentHead returns head+size: the offset at which the next framed
// record will begin.
func (vi *vlogInfo) currentHead() uint64 {
	vi.rwlock.RLock()
	defer vi.rwlock.RUnlock()
	return vi.head + uint64(vi.size)
}

// flushLocked writes the buffer to disk and resets size to 0. Caller must
// hold rwlock exclusively. On error, head and size are left unchanged so a
// retried flush is safe.
func (vi *vlogInfo) flushLocked() error {
	if vi.size == 0 {
		return nil
	}
	if _, err := vi.writeFile.Write(vi.buffer[:vi.size]); err != nil {
		return errors.Wrap(err, "vlog: flush")
	}
	vi.head += uint64(vi.size)
	vi.size = 0
	return nil
}

func (vi *vlogInfo) syncLocked() error {
	if err := vi.flushLocked(); err != nil {
		return err
	}
	return vi.writeFile.Sync()
}

func (vi *vlogInfo) markSuperseded() {
	vi.count.Add(1)
}

func (vi *vlogInfo) supersededCount() uint64 {
	return vi.count.Load()
}
