package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	audithook "github.com/CDCgov/nhsnlink-sub007/audit_hook"
	"github.com/CDCgov/nhsnlink-sub007/ingest"
)

var _ audithook.Recorder = (*AuditRecorder)(nil)

// AuditRecorder publishes audit events as JSON, keyed by facility.
type AuditRecorder struct {
	writer Writer
	topic  string
}

// NewAuditRecorder creates an AuditRecorder writing to topic.
func NewAuditRecorder(w Writer, topic string) *AuditRecorder {
	return &AuditRecorder{writer: w, topic: topic}
}

// Record implements audithook.Recorder.
func (a *AuditRecorder) Record(ctx context.Context, evt *audithook.AuditEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("kafka: encode audit event: %w", err)
	}
	msg := kafkago.Message{
		Topic: a.topic,
		Key:   []byte(evt.FacilityID),
		Value: body,
	}
	if evt.CorrelationID != "" {
		msg.Headers = headers(map[string]string{ingest.HeaderCorrelationID: evt.CorrelationID})
	}
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: audit to %s: %w", a.topic, err)
	}
	return nil
}
