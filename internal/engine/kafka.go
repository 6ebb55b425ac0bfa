package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"l3book/internal/depth"
)

// KafkaSink writes every snapshot as JSON to one topic, keyed by product so
// that a product's snapshots stay ordered within a partition. Writes are
// asynchronous; delivery failures reach onErr from the writer goroutine.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string, onErr func(error)) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			Completion: func(_ []kafka.Message, err error) {
				if err != nil && onErr != nil {
					onErr(err)
				}
			},
		},
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, snap depth.Snapshot) error {
	msg, err := snapshotMessage(snap)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func snapshotMessage(snap depth.Snapshot) (kafka.Message, error) {
	value, err := json.Marshal(snap)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return kafka.Message{
		Key:   []byte(snap.Product),
		Value: value,
		Time:  snap.Time,
	}, nil
}
