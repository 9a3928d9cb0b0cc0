package memtable

import (
	"testing"
)

func TestSkipListPutGet(t *testing.T) {
	sl := NewSkipList()

	// Put some data
	testData := map[string]string{
		"key3": "value3",
		"key1": "value1",
		"key2": "value2",
		"key5": "value5",
		"key4": "value4",
	}

	for k, v := range testData {
		sl.Put([]byte(k), []byte(v))
	}

	// Get all data
	for k, expectedV := range testData {
		val, found := sl.Get([]byte(k))
		if !found {
			t.Errorf("Key %s not found", k)
			continue
		}
		if string(val) != expectedV {
			t.Errorf("Key %s: expected %s, got %s", k, expectedV, string(val))
		}
	}

	// Get non-existent key
	_, found := sl.Get([]byte("nonexistent"))
	if found {
		t.Error("Non-existent key should not be found")
	}
}

func TestSkipListUpdate(t *testing.T) {
	sl := NewSkipList()

	// Put initial value
	sl.Put([]byte("key1"), []byte("value1"))

	// Update it
	sl.Put([]byte("key1"), []byte("value1_updated"))

	// Verify update
	val, found := sl.Get([]byte("key1"))
	if !found {
		t.Fatal("Key should exist after update")
	}
	if string(val) != "value1_updated" {
		t.Errorf("Expected value1_updated, got %s", string(val))
	}
}

// TestSkipListEmptyValue verifies that a nil/empty value is still a
// retrievable entry: the skiplist itself has no notion of a tombstone
// (that lives in the internal key's Kind field one layer up), so Put
// with a nil value just stores an empty value rather than deleting.
func TestSkipListEmptyValue(t *testing.T) {
	sl := NewSkipList()

	sl.Put([]byte("key1"), []byte("value1"))
	sl.Put([]byte("key1"), nil)

	val, found := sl.Get([]byte("key1"))
	if !found {
		t.Fatal("key should still be found after overwriting with a nil value")
	}
	if len(val) != 0 {
		t.Errorf("expected empty value, got %q", val)
	}
}

func TestSkipListSeekForPrevAndLast(t *testing.T) {
	sl := NewSkipList()
	for _, k := range []string{"a", "c", "e"} {
		sl.Put([]byte(k), []byte("v-"+k))
	}

	it := sl.SeekForPrev([]byte("d"))
	if !it.Valid() || string(it.Key()) != "c" {
		t.Fatalf("SeekForPrev(d): key=%q valid=%v", it.Key(), it.Valid())
	}

	it = sl.SeekForPrev([]byte("a"))
	if it.Valid() {
		t.Fatalf("SeekForPrev(a) should find nothing before the first key, got %q", it.Key())
	}

	last := sl.Last()
	if !last.Valid() || string(last.Key()) != "e" {
		t.Fatalf("Last: key=%q valid=%v", last.Key(), last.Valid())
	}

	last.Prev()
	if !last.Valid() || string(last.Key()) != "c" {
		t.Fatalf("Prev from last: key=%q valid=%v", last.Key(), last.Valid())
	}
}

func TestSkipListIterator(t *testing.T) {
	sl := NewSkipList()

	// Put data in random order
	testData := []struct {
		key   string
		value string
	}{
		{"key3", "value3"},
		{"key1", "value1"},
		{"key2", "value2"},
		{"key5", "value5"},
		{"key4", "value4"},
	}

	for _, d := range testData {
		sl.Put([]byte(d.key), []byte(d.value))
	}

	// Iterate and verify order
	it := sl.NewIterator()
	expectedOrder := []string{"key1", "key2", "key3", "key4", "key5"}
	idx := 0

	for it.Valid() {
		if idx >= len(expectedOrder) {
			t.Errorf("Iterator returned more items than expected")
			break
		}

		key := string(it.Key())
		if key != expectedOrder[idx] {
			t.Errorf("Position %d: expected %s, got %s", idx, expectedOrder[idx], key)
		}

		it.Next()
		idx++
	}

	if idx != len(expectedOrder) {
		t.Errorf("Expected %d items, got %d", len(expectedOrder), idx)
	}
}

func TestSkipListSize(t *testing.T) {
	sl := NewSkipList()

	if sl.size != 0 {
		t.Errorf("New skip list should have size 0, got %d", sl.size)
	}

	// Put some data
	sl.Put([]byte("key1"), []byte("value1"))
	if sl.size != 1 {
		t.Errorf("Expected size 1, got %d", sl.size)
	}

	sl.Put([]byte("key2"), []byte("value2"))
	if sl.size != 2 {
		t.Errorf("Expected size 2, got %d", sl.size)
	}

	// Update existing key (should not increase size)
	sl.Put([]byte("key1"), []byte("value1_updated"))
	if sl.size != 2 {
		t.Errorf("Update should not increase size, expected 2, got %d", sl.size)
	}
}
