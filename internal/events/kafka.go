package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/carepay/healthcredit/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

var kafkaPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "events",
	Name:      "kafka_publish_failures_total",
	Help:      "Events that could not be handed to Kafka.",
})

func init() {
	prometheus.MustRegister(kafkaPublishFailures)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a topic keyed by owner id, so one owner's
// events stay on one partition in publish order.
type KafkaPublisher struct {
	w      messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates an async writer for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				kafkaPublishFailures.Add(float64(len(msgs)))
				logger.Warn("kafka delivery failed", "messages", len(msgs), "error", err)
			}
		},
	}
	return &KafkaPublisher{w: w, logger: logger}
}

func newKafkaPublisherWithWriter(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{w: w, logger: logger}
}

// Publish encodes ev as JSON and hands it to the writer.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		kafkaPublishFailures.Inc()
		p.logger.Error("encode event", "type", ev.Type, "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.OwnerID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		kafkaPublishFailures.Inc()
		p.logger.Warn("publish event", "type", ev.Type, "error", err)
	}
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
