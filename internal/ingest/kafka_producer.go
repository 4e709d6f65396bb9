package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-pooling/internal/models"
)

// PartitionCellPrecision groups events by a ~5 km pickup cell, so all
// events around one airport land on the same partition in order.
const PartitionCellPrecision = 5

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// Publish writes ev keyed by its pickup cell.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(EventKey(ev)), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// EventKey is the partition key for ev. Pool events without a pickup fall
// back to the pool id.
func EventKey(ev models.Event) string {
	if ev.Pickup != (models.Coordinate{}) {
		return geohash.EncodeWithPrecision(ev.Pickup.Lat, ev.Pickup.Lon, PartitionCellPrecision)
	}
	if ev.PoolID != "" {
		return ev.PoolID
	}
	return ev.RideID
}

// LogPublisher logs events instead of shipping them; used when no broker
// is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l LogPublisher) Publish(_ context.Context, ev models.Event) error {
	l.Logger.Debug("event", "type", ev.Type, "ride_id", ev.RideID, "pool_id", ev.PoolID, "status", ev.Status)
	return nil
}
