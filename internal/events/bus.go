package events

import (
	"context"
	"sync"

	"QuickCashEngine/internal/models"

	"go.uber.org/zap"
)

// Bus fans events out to in-process subscribers and, when an outbox is
// attached, to the durable outbox the relay drains. Delivery to subscribers is
// best-effort: a full subscriber buffer drops the event for that subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan models.Event
	nextID int
	outbox *Outbox
	log    *zap.SugaredLogger
}

func NewBus(outbox *Outbox, log *zap.SugaredLogger) *Bus {
	return &Bus{
		subs:   make(map[int]chan models.Event),
		outbox: outbox,
		log:    log,
	}
}

// Subscribe registers a listener with the given buffer size. The returned
// cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(ctx context.Context, ev models.Event) {
	if b.outbox != nil {
		if err := b.outbox.Append(ev); err != nil {
			b.log.Errorw("outbox append failed", "type", ev.Type, "participant_id", ev.ParticipantID, "err", err)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warnw("subscriber buffer full, event dropped", "type", ev.Type, "participant_id", ev.ParticipantID)
		}
	}
}
