package kafka

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
)

// Reader is the subset of *kafkago.Reader used by Source.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer is the subset of *kafkago.Writer used by Source, Sink and
// AuditRecorder.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

func toIngest(km kafkago.Message) *ingest.Message {
	m := &ingest.Message{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       km.Key,
		Value:     km.Value,
		Time:      km.Time,
	}
	for _, h := range km.Headers {
		m.SetHeader(h.Key, string(h.Value))
	}
	return m
}

func fromIngest(m *ingest.Message, topic string) kafkago.Message {
	return kafkago.Message{
		Topic:   topic,
		Key:     m.Key,
		Value:   m.Value,
		Headers: headers(m.Headers),
	}
}

func headers(h map[string]string) []kafkago.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafkago.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// position is the commit handle for m.
func position(m *ingest.Message) kafkago.Message {
	return kafkago.Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
}
