package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
	"github.com/CDCgov/nhsnlink-sub007/sink"
)

var _ sink.Sink = (*Sink)(nil)

// Sink writes dispatch commands as JSON, keyed by dedup key.
type Sink struct {
	writer Writer
	topic  string
}

// NewSink creates a Sink writing to topic.
func NewSink(w Writer, topic string) *Sink {
	return &Sink{writer: w, topic: topic}
}

// Send implements sink.Sink.
func (s *Sink) Send(ctx context.Context, cmd sink.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("kafka: encode command %s: %w", cmd.Key, err)
	}
	h := make(map[string]string, len(cmd.Headers)+1)
	for k, v := range cmd.Headers {
		h[k] = v
	}
	if cmd.CorrelationID != "" {
		h[ingest.HeaderCorrelationID] = cmd.CorrelationID
	}
	msg := kafkago.Message{
		Topic:   s.topic,
		Key:     []byte(cmd.Key),
		Value:   body,
		Headers: headers(h),
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: send %s to %s: %w", cmd.Key, s.topic, err)
	}
	return nil
}

// Close closes the underlying writer.
func (s *Sink) Close() error { return s.writer.Close() }
