package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Relay drains the outbox into a Kafka topic. An entry is removed only after
// the broker acknowledged it; on a send failure the batch stops and the rest
// is retried on the next tick, preserving per-participant order.
type Relay struct {
	outbox   *Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	batch    int
	log      *zap.SugaredLogger
}

func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}

func NewRelay(outbox *Outbox, producer sarama.SyncProducer, topic string, log *zap.SugaredLogger) *Relay {
	return &Relay{
		outbox:   outbox,
		producer: producer,
		topic:    topic,
		interval: 250 * time.Millisecond,
		batch:    256,
		log:      log,
	}
}

func (r *Relay) Run(ctx context.Context) {
	r.log.Infow("event relay started", "topic", r.topic)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Flush(); err != nil {
				r.log.Warnw("event relay flush failed", "err", err)
			}
		}
	}
}

// Flush sends one batch and returns how many entries were acknowledged.
func (r *Relay) Flush() (int, error) {
	entries, err := r.outbox.Pending(r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range entries {
		data, err := json.Marshal(e.Event)
		if err != nil {
			return sent, err
		}
		msg := &sarama.ProducerMessage{
			Topic: r.topic,
			Key:   sarama.StringEncoder(e.Event.ParticipantID),
			Value: sarama.ByteEncoder(data),
		}
		if _, _, err := r.producer.SendMessage(msg); err != nil {
			return sent, err
		}
		if err := r.outbox.Ack(e.Seq); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) Close() error {
	return r.producer.Close()
}
