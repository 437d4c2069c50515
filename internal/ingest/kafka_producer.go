package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes JSON messages to one topic. The server runs one for
// driver locations and one for ride events.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation keys by driver so one driver's reports stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, rep models.LocationReport) error {
	return k.publish(ctx, rep.DriverID, rep)
}

// Notify publishes a ride event keyed by ride id.
func (k *KafkaProducer) Notify(ctx context.Context, ev models.RideEvent) error {
	return k.publish(ctx, ev.RideID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
