package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	audithook "github.com/CDCgov/nhsnlink-sub007/audit_hook"
	"github.com/CDCgov/nhsnlink-sub007/ingest"
	"github.com/CDCgov/nhsnlink-sub007/kafka"
	"github.com/CDCgov/nhsnlink-sub007/sink"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     chan kafkago.Message
	committed []kafkago.Message
	closed    bool
}

func newFakeReader(msgs ...kafkago.Message) *fakeReader {
	r := &fakeReader{queue: make(chan kafkago.Message, len(msgs)+1)}
	for _, m := range msgs {
		r.queue <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case m := <-r.queue:
		return m, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeWriter struct {
	mu      sync.Mutex
	written []kafkago.Message
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func header(m kafkago.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestSource_FetchAck(t *testing.T) {
	r := newFakeReader(kafkago.Message{
		Topic: kafka.TopicPatientEvent, Partition: 2, Offset: 41,
		Key: []byte("fac-1/p-1"), Value: []byte(`{}`),
		Headers: []kafkago.Header{{Key: ingest.HeaderCorrelationID, Value: []byte("corr-1")}},
	})
	src := kafka.NewSource(r, &fakeWriter{})

	m, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if m.Partition != 2 || m.Offset != 41 || m.Header(ingest.HeaderCorrelationID) != "corr-1" {
		t.Errorf("message = %+v", m)
	}
	if err := src.Ack(context.Background(), m); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if len(r.committed) != 1 || r.committed[0].Offset != 41 || r.committed[0].Topic != kafka.TopicPatientEvent {
		t.Errorf("committed = %+v", r.committed)
	}
}

func TestSource_RedeliverWritesRetryTopicThenCommits(t *testing.T) {
	r := newFakeReader()
	w := &fakeWriter{}
	src := kafka.NewSource(r, w, kafka.WithRetryTopic("retry"))

	m := &ingest.Message{Topic: kafka.TopicPatientEvent, Partition: 1, Offset: 7, Key: []byte("k"), Value: []byte("v")}
	nb := time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)
	if err := src.Redeliver(context.Background(), m, 1, nb); err != nil {
		t.Fatalf("Redeliver: %v", err)
	}

	if len(w.written) != 1 {
		t.Fatalf("written = %d, want 1", len(w.written))
	}
	out := w.written[0]
	if out.Topic != "retry" || string(out.Key) != "k" {
		t.Errorf("redelivered = %+v", out)
	}
	if header(out, ingest.HeaderDelivery) != "1" ||
		header(out, ingest.HeaderOriginTopic) != kafka.TopicPatientEvent ||
		header(out, ingest.HeaderOriginOffset) != "7" {
		t.Errorf("headers = %+v", out.Headers)
	}
	if got := header(out, ingest.HeaderNotBefore); got != nb.Format(time.RFC3339Nano) {
		t.Errorf("not-before = %q", got)
	}
	if len(r.committed) != 1 || r.committed[0].Offset != 7 {
		t.Errorf("original not committed: %+v", r.committed)
	}
}

func TestSource_RedeliverWriteFailureDoesNotCommit(t *testing.T) {
	r := newFakeReader()
	src := kafka.NewSource(r, &fakeWriter{err: errors.New("broker down")})

	err := src.Redeliver(context.Background(), &ingest.Message{Topic: "t", Offset: 3}, 1, time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(r.committed) != 0 {
		t.Error("offset committed despite failed redelivery")
	}
}

func TestSource_FetchHoldsUntilNotBefore(t *testing.T) {
	now := time.Now()
	nb := now.Add(30 * time.Millisecond)
	r := newFakeReader(kafkago.Message{
		Topic:   "retry",
		Headers: []kafkago.Header{{Key: ingest.HeaderNotBefore, Value: []byte(nb.UTC().Format(time.RFC3339Nano))}},
	})
	src := kafka.NewSource(r, &fakeWriter{})

	if _, err := src.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if time.Now().Before(nb) {
		t.Error("Fetch returned before not-before")
	}
}

func TestSource_FetchHoldRespectsContext(t *testing.T) {
	nb := time.Now().Add(time.Hour)
	r := newFakeReader(kafkago.Message{
		Headers: []kafkago.Header{{Key: ingest.HeaderNotBefore, Value: []byte(nb.UTC().Format(time.RFC3339Nano))}},
	})
	src := kafka.NewSource(r, &fakeWriter{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := src.Fetch(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestSource_CloseThenFetch(t *testing.T) {
	r := newFakeReader()
	src := kafka.NewSource(r, &fakeWriter{})
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !r.closed {
		t.Error("reader not closed")
	}
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ingest.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSource_Publish(t *testing.T) {
	w := &fakeWriter{}
	src := kafka.NewSource(newFakeReader(), w)

	if err := src.Publish(context.Background(), &ingest.Message{Topic: kafka.TopicPatientEvent, Value: []byte("x")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.written) != 1 || w.written[0].Topic != kafka.TopicPatientEvent {
		t.Errorf("written = %+v", w.written)
	}
	if err := src.Publish(context.Background(), &ingest.Message{}); err == nil {
		t.Error("expected error for message without topic")
	}
}

func TestSink_Send(t *testing.T) {
	w := &fakeWriter{}
	s := kafka.NewSink(w, kafka.TopicDataAcquisition)

	cmd := sink.Command{
		Key:           "fac-1/p-1/trk-1/Discharge",
		FacilityID:    "fac-1",
		PatientID:     "p-1",
		CorrelationID: "corr-1",
		TrackingID:    "trk-1",
		Headers:       map[string]string{"authorization": "Bearer x"},
	}
	if err := s.Send(context.Background(), cmd); err != nil {
		t.Fatalf("Send: %v", err)
	}

	out := w.written[0]
	if string(out.Key) != cmd.Key {
		t.Errorf("Key = %q, want dedup key", out.Key)
	}
	if header(out, "authorization") != "Bearer x" || header(out, ingest.HeaderCorrelationID) != "corr-1" {
		t.Errorf("headers = %+v", out.Headers)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["reportTrackingId"] != "trk-1" {
		t.Errorf("reportTrackingId = %v", decoded["reportTrackingId"])
	}
	if _, ok := decoded["Headers"]; ok {
		t.Error("headers must not be serialized into the body")
	}
}

func TestAuditRecorder(t *testing.T) {
	w := &fakeWriter{}
	rec := kafka.NewAuditRecorder(w, kafka.TopicAudit)

	err := rec.Record(context.Background(), &audithook.AuditEvent{
		Action:        audithook.ActionReportCreated,
		FacilityID:    "fac-1",
		CorrelationID: "corr-9",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	out := w.written[0]
	if out.Topic != kafka.TopicAudit || string(out.Key) != "fac-1" {
		t.Errorf("message = %+v", out)
	}
	if header(out, ingest.HeaderCorrelationID) != "corr-9" {
		t.Errorf("correlation header missing")
	}
}

func TestDefaultConfig(t *testing.T) {
	c := kafka.DefaultConfig()
	if c.RetryTopic == "" || c.DispatchTopic == "" || len(c.Topics) == 0 {
		t.Errorf("DefaultConfig = %+v", c)
	}
}
