// Package ingest defines the stream ingestion boundary: where messages come
// from, how they are acknowledged, and how a failed message is handed back
// for redelivery.
package ingest

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Header names carried on redelivered messages.
const (
	// HeaderDelivery counts how many times the message was redelivered.
	HeaderDelivery = "x-delivery"
	// HeaderNotBefore is the RFC 3339 instant before which a redelivered
	// message must not be processed.
	HeaderNotBefore = "x-not-before"
	// HeaderOriginTopic, HeaderOriginPartition and HeaderOriginOffset record
	// where a redelivered message was first read.
	HeaderOriginTopic     = "x-origin-topic"
	HeaderOriginPartition = "x-origin-partition"
	HeaderOriginOffset    = "x-origin-offset"
	// HeaderCorrelationID propagates a correlation id.
	HeaderCorrelationID = "x-correlation-id"
)

// ErrClosed is returned by Fetch after the source is closed.
var ErrClosed = errors.New("ingest: source closed")

// Message is one record read from the stream.
type Message struct {
	Topic     string            `json:"topic"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       []byte            `json:"key,omitempty"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Time      time.Time         `json:"time"`
}

// Header returns the named header or "".
func (m *Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// SetHeader sets a header, allocating the map if needed.
func (m *Message) SetHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[name] = value
}

// Delivery returns the redelivery count carried on the message.
func (m *Message) Delivery() int {
	n, err := strconv.Atoi(m.Header(HeaderDelivery))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// NotBefore returns the earliest processing instant, or the zero time.
func (m *Message) NotBefore() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Header(HeaderNotBefore))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Origin returns where the message was first read. For a message that was
// never redelivered this is its own position, so retries of the same
// logical message share a single ledger entry.
func (m *Message) Origin() (topic string, partition int, offset int64) {
	topic, partition, offset = m.Topic, m.Partition, m.Offset
	if t := m.Header(HeaderOriginTopic); t != "" {
		topic = t
		if p, err := strconv.Atoi(m.Header(HeaderOriginPartition)); err == nil {
			partition = p
		}
		if o, err := strconv.ParseInt(m.Header(HeaderOriginOffset), 10, 64); err == nil {
			offset = o
		}
	}
	return topic, partition, offset
}

// Redelivery returns a copy of m stamped for redelivery after delay.
func (m *Message) Redelivery(delivery int, notBefore time.Time) *Message {
	topic, partition, offset := m.Origin()
	cp := *m
	cp.Headers = make(map[string]string, len(m.Headers)+5)
	for k, v := range m.Headers {
		cp.Headers[k] = v
	}
	cp.Headers[HeaderOriginTopic] = topic
	cp.Headers[HeaderOriginPartition] = strconv.Itoa(partition)
	cp.Headers[HeaderOriginOffset] = strconv.FormatInt(offset, 10)
	cp.Headers[HeaderDelivery] = strconv.Itoa(delivery)
	cp.Headers[HeaderNotBefore] = notBefore.UTC().Format(time.RFC3339Nano)
	return &cp
}

// Source is the stream boundary.
type Source interface {
	// Fetch blocks until a message is available or ctx is done.
	Fetch(ctx context.Context) (*Message, error)
	// Ack commits the message; it will not be delivered again.
	Ack(ctx context.Context, m *Message) error
	// Redeliver hands m back to the stream so that it is delivered again no
	// earlier than notBefore, then commits the original.
	Redeliver(ctx context.Context, m *Message, delivery int, notBefore time.Time) error
	Close() error
}

// Publisher writes raw messages back to the stream. It is used to replay
// dead-lettered messages.
type Publisher interface {
	Publish(ctx context.Context, m *Message) error
}
