package kv

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetSetDelete(t *testing.T) {
	db := openTemp(t)
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing err = %v", err)
	}
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
}

func TestSetIfAbsentKeepsFirstValue(t *testing.T) {
	db := openTemp(t)
	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := db.SetIfAbsent([]byte("key"), []byte(fmt.Sprintf("v%d", i)))
			if err != nil {
				t.Errorf("SetIfAbsent: %v", err)
				return
			}
			results[i] = string(v)
		}(i)
	}
	wg.Wait()
	for _, r := range results[1:] {
		if r != results[0] {
			t.Fatalf("callers saw different values: %v", results)
		}
	}
	stored, _ := db.Get([]byte("key"))
	if string(stored) != results[0] {
		t.Fatalf("stored %q, callers saw %q", stored, results[0])
	}
}

func TestScanPrefix(t *testing.T) {
	db := openTemp(t)
	for _, k := range []string{"a/2", "a/1", "b/1", "a/3"} {
		if err := db.Set([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	var keys []string
	err := db.Scan([]byte("a/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return len(keys) < 2
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if fmt.Sprint(keys) != "[a/1 a/2]" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestPrefixEnd(t *testing.T) {
	if got := prefixEnd([]byte{'a', 0xff}); string(got) != "b" {
		t.Fatalf("prefixEnd = %q", got)
	}
	if got := prefixEnd([]byte{0xff}); got != nil {
		t.Fatalf("prefixEnd(0xff) = %v, want nil", got)
	}
}
