// Command demo drives the engine through a handful of hand-picked
// scenarios useful for eyeballing its behavior: plain Put/Get/Delete,
// forcing a memtable flush, forcing a compaction, forcing an SSTable
// split, and a close-then-reopen recovery check.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/siltkv/siltkv/internal/lsm"
	"github.com/siltkv/siltkv/internal/sstable"
)

func main() {
	scenario := pflag.StringP("scenario", "s", "basic",
		"which demo to run: basic, flush, compaction, split, recovery")
	dir := pflag.StringP("dir", "d", "", "data directory to use (default: a temp dir that is removed on exit)")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug-level logging")
	pflag.Parse()

	logLevel := zerolog.InfoLevel
	if *verbose {
		logLevel = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(logLevel).
		With().Timestamp().Logger()

	dataDir := *dir
	if dataDir == "" {
		tmp, err := os.MkdirTemp("", "siltkv-demo-")
		if err != nil {
			logger.Fatal().Err(err).Msg("create temp dir")
		}
		defer os.RemoveAll(tmp)
		dataDir = tmp
	}

	var err error
	switch *scenario {
	case "basic":
		err = runBasic(dataDir, logger)
	case "flush":
		err = runFlush(dataDir, logger)
	case "compaction":
		err = runCompaction(dataDir, logger)
	case "split":
		err = runSplit(dataDir, logger)
	case "recovery":
		err = runRecovery(dataDir, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", *scenario)
		pflag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("scenario", *scenario).Msg("demo failed")
	}
}

// runBasic exercises Put/Get/Delete over a handful of user keys.
func runBasic(dataDir string, logger zerolog.Logger) error {
	db, err := lsm.Open(lsm.Options{DataDir: dataDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	users := []string{"user:1001", "user:1002", "user:1003", "user:1004", "user:1005"}
	for i, u := range users {
		if err := db.Put([]byte(u), []byte(fmt.Sprintf("profile-data-%d", i))); err != nil {
			return fmt.Errorf("put %s: %w", u, err)
		}
	}

	for _, u := range users {
		val, found, err := db.Get([]byte(u))
		if err != nil {
			return fmt.Errorf("get %s: %w", u, err)
		}
		logger.Info().Str("key", u).Bool("found", found).Bytes("value", val).Msg("get")
	}

	if err := db.Delete([]byte(users[0])); err != nil {
		return fmt.Errorf("delete %s: %w", users[0], err)
	}
	_, found, err := db.Get([]byte(users[0]))
	if err != nil {
		return fmt.Errorf("get after delete: %w", err)
	}
	logger.Info().Str("key", users[0]).Bool("found", found).Msg("get after delete, expect false")
	return nil
}

// runFlush writes enough keys to force at least one memtable flush to
// an SSTable, then spot-checks a handful of them.
func runFlush(dataDir string, logger zerolog.Logger) error {
	// The memtable holds keys and vlog addresses only, so it is kept
	// small enough for 1000 entries to overflow it.
	db, err := lsm.Open(lsm.Options{DataDir: dataDir, MemtableSize: 16 << 10, Logger: logger})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	const numKeys = 1000
	value := make([]byte, 5*1024)
	for i := range value {
		value[i] = byte(i)
	}

	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("flush-key-%06d", i))
		if err := db.Put(key, value); err != nil {
			return fmt.Errorf("put %d: %w", i, err)
		}
	}

	for i := 0; i < numKeys; i += numKeys / 10 {
		key := []byte(fmt.Sprintf("flush-key-%06d", i))
		_, found, err := db.Get(key)
		if err != nil {
			return fmt.Errorf("get %d: %w", i, err)
		}
		if !found {
			return fmt.Errorf("key %s missing after flush", key)
		}
	}

	sstFiles, err := sstFilesIn(dataDir)
	if err != nil {
		return err
	}
	logger.Info().Int("sstable_count", len(sstFiles)).Msg("flush demo complete")
	return nil
}

// runCompaction writes several batches large enough to trigger repeated
// flushes and, once enough SSTables pile up, a background compaction.
func runCompaction(dataDir string, logger zerolog.Logger) error {
	db, err := lsm.Open(lsm.Options{DataDir: dataDir, MemtableSize: 16 << 10, CompactionTrigger: 4, Logger: logger})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	value := make([]byte, 5*1024)
	for i := range value {
		value[i] = byte(i)
	}

	for batch := 0; batch < 6; batch++ {
		for i := 0; i < 800; i++ {
			key := []byte(fmt.Sprintf("compact-key-%02d-%06d", batch, i))
			if err := db.Put(key, value); err != nil {
				return fmt.Errorf("batch %d put %d: %w", batch, i, err)
			}
		}
		logger.Info().Int("batch", batch).Msg("wrote batch")
	}

	sstFiles, err := sstFilesIn(dataDir)
	if err != nil {
		return err
	}
	var compacted int
	for _, f := range sstFiles {
		base := filepath.Base(f)
		if len(base) >= 7 && base[:7] == "compact" {
			compacted++
		}
	}
	logger.Info().
		Int("sstable_count", len(sstFiles)).
		Int("compacted_count", compacted).
		Msg("compaction demo complete")
	return nil
}

// runSplit writes values large enough that a single compaction output
// exceeds sstable.MaxSSTableFileSize and must be split across multiple
// output files, then reports on the resulting file sizes.
func runSplit(dataDir string, logger zerolog.Logger) error {
	db, err := lsm.Open(lsm.Options{DataDir: dataDir, CompactionTrigger: 2, Logger: logger})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	// Each batch alone is sized to push a compaction output past
	// sstable.MaxSSTableFileSize so the compactor must split it.
	valueSize := (sstable.MaxSSTableFileSize * 2) / 800
	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte(i)
	}

	for batch := 0; batch < 3; batch++ {
		for i := 0; i < 800; i++ {
			key := []byte(fmt.Sprintf("split-key-%02d-%06d", batch, i))
			if err := db.Put(key, value); err != nil {
				return fmt.Errorf("batch %d put %d: %w", batch, i, err)
			}
		}
	}

	sstFiles, err := sstFilesIn(dataDir)
	if err != nil {
		return err
	}
	var oversizedCount int
	for _, f := range sstFiles {
		info, err := os.Stat(f)
		if err != nil {
			return err
		}
		logger.Info().Str("file", filepath.Base(f)).Int64("size", info.Size()).Msg("sstable")
		if uint64(info.Size()) > sstable.MaxSSTableFileSize {
			oversizedCount++
		}
	}
	logger.Info().
		Int("sstable_count", len(sstFiles)).
		Int("oversized_count", oversizedCount).
		Msg("split demo complete")
	return nil
}

// runRecovery writes data, closes the database, reopens it, and checks
// that both memtable-resident and already-flushed data survive the
// round trip, then confirms the reopened database still accepts writes.
func runRecovery(dataDir string, logger zerolog.Logger) error {
	db, err := lsm.Open(lsm.Options{DataDir: dataDir, MemtableSize: 16 << 10, Logger: logger})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	if err := db.Put([]byte("small-key"), []byte("small-value")); err != nil {
		return fmt.Errorf("put small key: %w", err)
	}

	const numKeys = 1000
	value := make([]byte, 5*1024)
	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("recovery-key-%06d", i))
		if err := db.Put(key, value); err != nil {
			return fmt.Errorf("put %d: %w", i, err)
		}
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	db, err = lsm.Open(lsm.Options{DataDir: dataDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	defer db.Close()

	val, found, err := db.Get([]byte("small-key"))
	if err != nil {
		return fmt.Errorf("get small key after reopen: %w", err)
	}
	if !found || string(val) != "small-value" {
		return fmt.Errorf("small key not recovered correctly: found=%v value=%q", found, val)
	}

	for i := 0; i < numKeys; i += numKeys / 10 {
		key := []byte(fmt.Sprintf("recovery-key-%06d", i))
		_, found, err := db.Get(key)
		if err != nil {
			return fmt.Errorf("get %d after reopen: %w", i, err)
		}
		if !found {
			return fmt.Errorf("flushed key %s not recovered", key)
		}
	}

	if err := db.Put([]byte("post-recovery-key"), []byte("post-recovery-value")); err != nil {
		return fmt.Errorf("put after recovery: %w", err)
	}
	val, found, err = db.Get([]byte("post-recovery-key"))
	if err != nil || !found || string(val) != "post-recovery-value" {
		return fmt.Errorf("write after recovery did not round-trip: found=%v err=%v", found, err)
	}

	logger.Info().Msg("recovery demo complete")
	return nil
}

func sstFilesIn(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, "*.sst"))
}
