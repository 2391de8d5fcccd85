package kv

import (
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
)

var ErrNotFound = errors.New("kv: not found")

// DB is the embedded, fsync'd key-value store shared by the gateway replay
// cache and the event outbox. Callers namespace their keys with a prefix.
type DB struct {
	db *pebble.DB
	mu sync.Mutex
}

func Open(dir string) (*DB, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Get(key []byte) ([]byte, error) {
	val, closer, err := d.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Set writes durably; the value is on disk when Set returns.
func (d *DB) Set(key, value []byte) error {
	return d.db.Set(key, value, pebble.Sync)
}

// SetIfAbsent writes value only when key is missing and returns the value now
// stored under key.
func (d *DB) SetIfAbsent(key, value []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, err := d.Get(key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := d.Set(key, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (d *DB) Delete(key []byte) error {
	return d.db.Delete(key, pebble.Sync)
}

// Scan visits every key with the given prefix in key order until fn returns false.
// key and value are only valid for the duration of the call.
func (d *DB) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
