package audit

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

// NATSSink publishes entries to a NATS subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink connects to url.
func NewNATSSink(url, subject, name string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) Publish(_ context.Context, _ Entry, payload []byte) error {
	return s.nc.Publish(s.subject, payload)
}

func (s *NATSSink) Close() error {
	return s.nc.Drain()
}

// KafkaSink writes entries to a Kafka topic keyed by tool name.
type KafkaSink struct {
	w *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic})}
}

func (s *KafkaSink) Publish(ctx context.Context, e Entry, payload []byte) error {
	return s.w.WriteMessages(ctx, kafka.Message{Key: []byte(e.Tool), Value: payload})
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}
