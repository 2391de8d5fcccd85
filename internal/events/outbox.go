package events

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"QuickCashEngine/internal/kv"
	"QuickCashEngine/internal/models"
)

var outboxPrefix = []byte("outbox/")

// Entry is one pending outbox record.
type Entry struct {
	Seq   uint64
	Event models.Event
}

// Outbox is an append-only queue of events in the KV store, keyed by a
// big-endian sequence so a prefix scan yields them in append order.
type Outbox struct {
	db  *kv.DB
	mu  sync.Mutex
	seq uint64
}

// OpenOutbox resumes the sequence after the highest pending entry.
func OpenOutbox(db *kv.DB) (*Outbox, error) {
	o := &Outbox{db: db}
	err := db.Scan(outboxPrefix, func(key, _ []byte) bool {
		if seq, ok := seqFromKey(key); ok && seq > o.seq {
			o.seq = seq
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) Append(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	return o.db.Set(outboxKey(o.seq), data)
}

// Pending returns up to limit entries in append order.
func (o *Outbox) Pending(limit int) ([]Entry, error) {
	var (
		out     []Entry
		scanErr error
	)
	err := o.db.Scan(outboxPrefix, func(key, value []byte) bool {
		seq, ok := seqFromKey(key)
		if !ok {
			return true
		}
		var ev models.Event
		if err := json.Unmarshal(value, &ev); err != nil {
			scanErr = err
			return false
		}
		out = append(out, Entry{Seq: seq, Event: ev})
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, scanErr
}

// Ack removes a delivered entry.
func (o *Outbox) Ack(seq uint64) error {
	return o.db.Delete(outboxKey(seq))
}

func outboxKey(seq uint64) []byte {
	key := make([]byte, len(outboxPrefix)+8)
	copy(key, outboxPrefix)
	binary.BigEndian.PutUint64(key[len(outboxPrefix):], seq)
	return key
}

func seqFromKey(key []byte) (uint64, bool) {
	if len(key) != len(outboxPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(outboxPrefix):]), true
}
