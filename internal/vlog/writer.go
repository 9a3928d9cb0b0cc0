package vlog

import "github.com/pkg/errors"

// Writer appends records to one vlog file. It holds a non-owning reference
// to the vlogInfo shared with the Fetcher that serves reads from the same
// file: vlogInfo is the cross-component shared state, and Writer/Fetcher
// are thin, lock-discipline-aware views onto it.
type Writer struct {
	info *vlogInfo
}

func newWriter(info *vlogInfo) *Writer {
	return &Writer{info: info}
}

// AddRecord frames (userKey, userValue) and atomically appends it to the
// vlog, returning the Address at which it was written. sync first flushes
// and fsyncs everything already buffered ahead of the frame; a frame that
// fits in the buffer is then buffered, not written, so it reaches disk at
// the next flush, Sync or Close. A frame larger than the buffer is always
// written and fsynced directly.
func (w *Writer) AddRecord(userKey, userValue []byte, sync bool) (Address, error) {
	frame := appendFrame(nil, userKey, userValue)
	return w.info.appendFrame(frame, sync)
}

// Sync flushes any buffered bytes to the OS and fsyncs the vlog file.
func (w *Writer) Sync() error {
	w.info.rwlock.Lock()
	defer w.info.rwlock.Unlock()
	return w.info.syncLocked()
}

// appendFrame implements the buffering algorithm: a frame that fits in
// the remaining buffer space is coalesced; a frame that doesn't first
// triggers a flush of whatever is already buffered, then either lands in
// the now-empty buffer or, if it's larger than the whole buffer, bypasses
// it entirely via a synced append straight to the file.
func (vi *vlogInfo) appendFrame(frame []byte, sync bool) (Address, error) {
	vi.rwlock.Lock()
	defer vi.rwlock.Unlock()

	addr := Address{
		FileNumber: vi.fileNumber,
		Offset:     vi.head + uint64(vi.size),
		Size:       uint64(len(frame)),
	}

	needsFlush := sync || vi.size+len(frame) > WriteBufferSize
	if needsFlush {
		if err := vi.flushLocked(); err != nil {
			return Address{}, err
		}

		if len(frame) > WriteBufferSize {
			if _, err := vi.writeFile.Write(frame); err != nil {
				return Address{}, errors.Wrap(err, "vlog: oversized append")
			}
			if err := vi.writeFile.Sync(); err != nil {
				return Address{}, errors.Wrap(err, "vlog: oversized append sync")
			}
			vi.head += uint64(len(frame))
			return addr, nil
		}

		if sync {
			if err := vi.writeFile.Sync(); err != nil {
				return Address{}, errors.Wrap(err, "vlog: sync")
			}
		}
	}

	copy(vi.buffer[vi.size:], frame)
	vi.size += len(frame)
	return addr, nil
}
