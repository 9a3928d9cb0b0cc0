package lsm

import (
	"github.com/siltkv/siltkv/internal/prefetch"
	"github.com/siltkv/siltkv/internal/vlog"
)

// vlogFetcher adapts *vlog.Manager to prefetch.Fetcher: it decodes the
// raw address bytes an AddrIterator hands back before asking the
// manager to resolve them, so the prefetch package never needs to
// import internal/vlog itself.
type vlogFetcher struct {
	vlogs *vlog.Manager
}

func (f vlogFetcher) Fetch(addrBytes []byte) ([]byte, error) {
	addr, err := vlog.DecodeAddress(addrBytes)
	if err != nil {
		return nil, err
	}
	return f.vlogs.Fetch(addr)
}

// NewPrefetchIterator returns a concurrent, read-ahead iterator over db
// as of snapshot seq, using workers background goroutines to resolve
// vlog addresses. workers <= 0 falls back to Options.PrefetchWorkers,
// and 0 there falls back to prefetch.DefaultWorkers. Callers must Close
// the returned iterator to join its worker pool.
func (db *DB) NewPrefetchIterator(seq uint64, workers int) (*prefetch.Iterator, error) {
	addrIt, err := db.NewAddrIterator(seq)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = db.prefetchWorkers
	}
	return prefetch.New(addrIt, vlogFetcher{vlogs: db.vlogs}, workers), nil
}
