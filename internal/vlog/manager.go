// Package vlog implements the WiscKey-style value log: values are appended
// to a rotating set of append-only files and addressed by (file number,
// offset, size) triples stored in the LSM tree in place of the value
// itself.
package vlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultMaxFileSize is the vlog rotation threshold: once a vlog's logical
// length reaches this many bytes, the next AddRecord call rotates to a
// fresh file rather than growing the current one without bound.
const DefaultMaxFileSize = 64 << 20

var vlogFileRE = regexp.MustCompile(`^(\d+)\.vlog$`)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Dir         string
	MaxFileSize uint64 // 0 means DefaultMaxFileSize
	Logger      zerolog.Logger

	// NextFileNumber, when non-nil, is shared with the caller's SSTable
	// file-number allocator so vlog and SSTable files draw from one
	// global, monotonically increasing namespace. A Manager opened
	// without one keeps a private counter.
	NextFileNumber *atomic.Uint64
}

// Manager owns every open vlog file for one database: it routes
// AddRecord calls to the current (newest, still-writable) vlog, rotating
// to a new file once the current one crosses MaxFileSize, and routes
// Fetch calls to whichever vlog the address names.
type Manager struct {
	dir         string
	maxFileSize uint64
	logger      zerolog.Logger
	nextNumber  *atomic.Uint64

	mu      sync.RWMutex
	vlogs   map[uint64]*vlogInfo
	current *vlogInfo
}

// VlogStats summarizes one open vlog file, for diagnostics and for a
// future cleaning/garbage-collection pass that isn't implemented yet.
type VlogStats struct {
	FileNumber uint64
	Head       uint64
	Superseded uint64
}

// OpenManager scans dir for existing "<number>.vlog" files, opens each of
// them, and selects the newest as the writable current vlog. If dir has no
// vlog files yet, it creates the first one.
func OpenManager(opts ManagerOptions) (*Manager, error) {
	maxFileSize := opts.MaxFileSize
	if maxFileSize == 0 {
		maxFileSize = DefaultMaxFileSize
	}
	nextNumber := opts.NextFileNumber
	if nextNumber == nil {
		nextNumber = new(atomic.Uint64)
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "vlog: read dir %s", opts.Dir)
	}

	m := &Manager{
		dir:         opts.Dir,
		maxFileSize: maxFileSize,
		logger:      opts.Logger,
		nextNumber:  nextNumber,
		vlogs:       make(map[uint64]*vlogInfo),
	}

	var numbers []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := vlogFileRE.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		var n uint64
		if _, err := fmt.Sscanf(match[1], "%d", &n); err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	for _, n := range numbers {
		info, err := openVlogInfo(m.path(n), n)
		if err != nil {
			m.closeAll()
			return nil, err
		}
		m.vlogs[n] = info
		if n >= m.nextNumber.Load() {
			m.nextNumber.Store(n + 1)
		}
	}

	if len(numbers) == 0 {
		if err := m.rotateLocked(); err != nil {
			return nil, err
		}
	} else {
		m.current = m.vlogs[numbers[len(numbers)-1]]
	}

	m.logger.Debug().Int("vlogs", len(m.vlogs)).Uint64("current", m.current.fileNumber).Msg("vlog manager opened")
	return m, nil
}

func (m *Manager) path(fileNumber uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%06d.vlog", fileNumber))
}

// AddRecord appends (userKey, userValue) to the current vlog, rotating to
// a new file first if the current one has crossed MaxFileSize.
func (m *Manager) AddRecord(userKey, userValue []byte, sync bool) (Address, error) {
	m.mu.Lock()
	if m.current.currentHead() >= m.maxFileSize {
		if err := m.rotateLocked(); err != nil {
			m.mu.Unlock()
			return Address{}, err
		}
	}
	current := m.current
	m.mu.Unlock()

	return newWriter(current).AddRecord(userKey, userValue, sync)
}

// rotateLocked flushes the outgoing current vlog's write buffer, then
// creates a new vlog file and makes it current. Callers must hold mu.
func (m *Manager) rotateLocked() error {
	if m.current != nil {
		m.current.rwlock.Lock()
		err := m.current.flushLocked()
		m.current.rwlock.Unlock()
		if err != nil {
			return err
		}
	}

	n := m.nextNumber.Add(1) - 1
	info, err := createVlogInfo(m.path(n), n)
	if err != nil {
		return err
	}
	m.vlogs[n] = info
	m.current = info
	m.logger.Debug().Uint64("file_number", n).Msg("vlog rotated")
	return nil
}

// Fetch reads the user value stored at addr.
func (m *Manager) Fetch(addr Address) ([]byte, error) {
	m.mu.RLock()
	info, ok := m.vlogs[addr.FileNumber]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrCorruption, "vlog: unknown file number %d", addr.FileNumber)
	}
	return newFetcher(info).Get(addr.Offset, addr.Size)
}

// MarkSuperseded records that the record at addr has been overwritten or
// deleted by a newer write, for use by a future compaction/cleaning pass.
func (m *Manager) MarkSuperseded(addr Address) {
	m.mu.RLock()
	info, ok := m.vlogs[addr.FileNumber]
	m.mu.RUnlock()
	if ok {
		info.markSuperseded()
	}
}

// Sync flushes and fsyncs the current vlog.
func (m *Manager) Sync() error {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()
	return newWriter(current).Sync()
}

// CurrentHead returns the offset at which the next record written via
// AddRecord will land, absent an intervening rotation.
func (m *Manager) CurrentHead() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.currentHead()
}

// Stats returns a snapshot of every open vlog.
func (m *Manager) Stats() []VlogStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]VlogStats, 0, len(m.vlogs))
	for n, info := range m.vlogs {
		stats = append(stats, VlogStats{
			FileNumber: n,
			Head:       info.currentHead(),
			Superseded: info.supersededCount(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].FileNumber < stats[j].FileNumber })
	return stats
}

// Close closes every open vlog file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeAll()
}

func (m *Manager) closeAll() error {
	var firstErr error
	for _, info := range m.vlogs {
		if err := info.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
