package vlog

import "github.com/pkg/errors"

// Fetcher serves value reads for one vlog file: a shared-lock fast path
// over the writer's in-memory buffer when the requested frame hasn't been
// flushed yet, falling back to a positional (pread-style) file read
// otherwise. os.File.ReadAt does not share the file's cursor with
// concurrent writers, so no extra locking is needed around it.
type Fetcher struct {
	info *vlogInfo
}

func newFetcher(info *vlogInfo) *Fetcher {
	return &Fetcher{info: info}
}

// Get returns the user value stored in the frame at (offset, size).
func (f *Fetcher) Get(offset, size uint64) ([]byte, error) {
	if v, hit := f.info.cache.lookup(offset, nil); hit {
		return v, nil
	}

	frame, err := f.readFrame(offset, size)
	if err != nil {
		return nil, err
	}

	_, value, err := parseFrame(frame)
	if err != nil {
		return nil, err
	}

	f.info.cache.insert(offset, value)
	return value, nil
}

func (f *Fetcher) readFrame(offset, size uint64) ([]byte, error) {
	vi := f.info

	vi.rwlock.RLock()
	inBuffer := offset >= vi.head
	var buffered []byte
	if inBuffer {
		start := offset - vi.head
		end := start + size
		if end > uint64(vi.size) {
			vi.rwlock.RUnlock()
			return nil, errors.Wrap(ErrCorruption, "vlog: address past buffered tail")
		}
		buffered = append([]byte(nil), vi.buffer[start:end]...)
	}
	vi.rwlock.RUnlock()

	if inBuffer {
		return buffered, nil
	}

	frame := make([]byte, size)
	n, err := vi.readFile.ReadAt(frame, int64(offset))
	if err != nil {
		return nil, errors.Wrap(err, "vlog: positional read")
	}
	if uint64(n) != size {
		return nil, errors.Wrap(ErrCorruption, "short vlog read")
	}
	return frame, nil
}
