package memtable

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/siltkv/siltkv/internal/ikey"
)

func TestPutGet(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "test.wal")

	mt, err := Open(walPath, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create memtable: %v", err)
	}
	defer mt.Close()

	testData := map[string]string{
		"key1": "value1",
		"key2": "value2",
		"key3": "value3",
	}

	for k, v := range testData {
		ik := ikey.Append([]byte(k), 1, ikey.KindValue)
		if err := mt.Put(ik, []byte(v)); err != nil {
			t.Fatalf("Failed to put %s: %v", k, err)
		}
	}

	for k, expectedV := range testData {
		ik := ikey.Append([]byte(k), 1, ikey.KindValue)
		val, found := mt.Get(ik)
		if !found {
			t.Errorf("Key %s not found", k)
			continue
		}
		if string(val) != expectedV {
			t.Errorf("Key %s: expected %s, got %s", k, expectedV, string(val))
		}
	}

	nonexistent := ikey.Append([]byte("nonexistent"), 1, ikey.KindValue)
	if _, found := mt.Get(nonexistent); found {
		t.Error("Non-existent key should not be found")
	}
}

func TestSeekResolvesNewestVersionAtOrBelowSnapshot(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "test.wal")

	mt, err := Open(walPath, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create memtable: %v", err)
	}
	defer mt.Close()

	userKey := []byte("key1")
	if err := mt.Put(ikey.Append(userKey, 1, ikey.KindValue), []byte("v1")); err != nil {
		t.Fatalf("put seq 1: %v", err)
	}
	if err := mt.Put(ikey.Append(userKey, 2, ikey.KindValue), []byte("v2")); err != nil {
		t.Fatalf("put seq 2: %v", err)
	}
	if err := mt.Put(ikey.Append(userKey, 3, ikey.KindDeletion), nil); err != nil {
		t.Fatalf("put seq 3 (delete): %v", err)
	}

	// As of seq 1, only the first version should be visible.
	it := mt.Seek(ikey.SeekKey(userKey, 1))
	if !it.Valid() {
		t.Fatal("expected a visible version at seq 1")
	}
	gotKey, gotSeq, gotKind, ok := ikey.Decode(it.Key())
	if !ok || string(gotKey) != "key1" || gotSeq != 1 || gotKind != ikey.KindValue {
		t.Fatalf("seq 1 seek landed on unexpected entry: key=%s seq=%d kind=%v", gotKey, gotSeq, gotKind)
	}

	// As of seq 2, the newer value should win.
	it = mt.Seek(ikey.SeekKey(userKey, 2))
	gotKey, gotSeq, gotKind, ok = ikey.Decode(it.Key())
	if !ok || string(gotKey) != "key1" || gotSeq != 2 || gotKind != ikey.KindValue {
		t.Fatalf("seq 2 seek landed on unexpected entry: key=%s seq=%d kind=%v", gotKey, gotSeq, gotKind)
	}

	// As of seq 3, the deletion should be the newest visible entry.
	it = mt.Seek(ikey.SeekKey(userKey, 3))
	gotKey, gotSeq, gotKind, ok = ikey.Decode(it.Key())
	if !ok || string(gotKey) != "key1" || gotSeq != 3 || gotKind != ikey.KindDeletion {
		t.Fatalf("seq 3 seek landed on unexpected entry: key=%s seq=%d kind=%v", gotKey, gotSeq, gotKind)
	}
}

func TestFreeze(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "test.wal")

	mt, err := Open(walPath, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create memtable: %v", err)
	}
	defer mt.Close()

	ik1 := ikey.Append([]byte("key1"), 1, ikey.KindValue)
	if err := mt.Put(ik1, []byte("value1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	if err := mt.Freeze(); err != nil {
		t.Fatalf("Failed to freeze: %v", err)
	}

	ik2 := ikey.Append([]byte("key2"), 2, ikey.KindValue)
	if err := mt.Put(ik2, []byte("value2")); err != ErrFrozen {
		t.Errorf("Expected ErrFrozen, got %v", err)
	}

	// Get should still work after freeze.
	val, found := mt.Get(ik1)
	if !found {
		t.Error("Get should still work after freeze")
	}
	if string(val) != "value1" {
		t.Errorf("Expected value1, got %s", string(val))
	}
}

func TestRecovery(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "test.wal")

	mt1, err := Open(walPath, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create memtable: %v", err)
	}

	testData := map[string]string{
		"key1": "value1",
		"key2": "value2",
		"key3": "value3",
	}

	for k, v := range testData {
		ik := ikey.Append([]byte(k), 1, ikey.KindValue)
		if err := mt1.Put(ik, []byte(v)); err != nil {
			t.Fatalf("Failed to put %s: %v", k, err)
		}
	}

	mt1.Close()

	mt2, err := Open(walPath, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create new memtable: %v", err)
	}
	defer mt2.Close()

	for k, expectedV := range testData {
		ik := ikey.Append([]byte(k), 1, ikey.KindValue)
		val, found := mt2.Get(ik)
		if !found {
			t.Errorf("Key %s not recovered", k)
			continue
		}
		if string(val) != expectedV {
			t.Errorf("Key %s: expected %s, got %s", k, expectedV, string(val))
		}
	}
}

func TestIsFull(t *testing.T) {
	tmpDir := t.TempDir()
	walPath := filepath.Join(tmpDir, "test.wal")

	mt, err := Open(walPath, 16, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create memtable: %v", err)
	}
	defer mt.Close()

	if mt.IsFull() {
		t.Error("New memtable should not be full")
	}

	ik := ikey.Append([]byte("key1"), 1, ikey.KindValue)
	if err := mt.Put(ik, []byte("value1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	if mt.Size() == 0 {
		t.Error("Size should be non-zero after put")
	}
	if !mt.IsFull() {
		t.Error("Memtable should be full once it exceeds its small configured maxSize")
	}
}
