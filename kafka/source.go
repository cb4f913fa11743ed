package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
)

// Compile-time interface checks.
var (
	_ ingest.Source    = (*Source)(nil)
	_ ingest.Publisher = (*Source)(nil)
)

// Source implements ingest.Source over a consumer-group reader.
type Source struct {
	reader     Reader
	writer     Writer
	retryTopic string
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	closed bool
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithRetryTopic sets the topic redelivered messages are written to.
func WithRetryTopic(topic string) SourceOption {
	return func(s *Source) { s.retryTopic = topic }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SourceOption {
	return func(s *Source) { s.logger = l }
}

// WithClock overrides the time source used for not-before waits.
func WithClock(now func() time.Time) SourceOption {
	return func(s *Source) { s.now = now }
}

// NewSource creates a Source. The writer is used for redelivery and replay.
func NewSource(r Reader, w Writer, opts ...SourceOption) *Source {
	s := &Source{
		reader:     r,
		writer:     w,
		retryTopic: TopicRetry,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch implements ingest.Source. A redelivered message is held until its
// not-before instant. Messages on the retry topic are written in not-before
// order, so holding the head does not delay later ones.
func (s *Source) Fetch(ctx context.Context) (*ingest.Message, error) {
	if s.isClosed() {
		return nil, ingest.ErrClosed
	}
	km, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if s.isClosed() {
			return nil, ingest.ErrClosed
		}
		return nil, fmt.Errorf("kafka: fetch: %w", err)
	}
	m := toIngest(km)

	if nb := m.NotBefore(); !nb.IsZero() {
		if wait := nb.Sub(s.now()); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return m, nil
}

// Ack implements ingest.Source.
func (s *Source) Ack(ctx context.Context, m *ingest.Message) error {
	if err := s.reader.CommitMessages(ctx, position(m)); err != nil {
		return fmt.Errorf("kafka: commit %s/%d/%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return nil
}

// Redeliver implements ingest.Source. The copy is written to the retry topic
// before the original offset is committed, so a crash in between produces a
// duplicate rather than a loss.
func (s *Source) Redeliver(ctx context.Context, m *ingest.Message, delivery int, notBefore time.Time) error {
	cp := m.Redelivery(delivery, notBefore)
	if err := s.writer.WriteMessages(ctx, fromIngest(cp, s.retryTopic)); err != nil {
		return fmt.Errorf("kafka: redeliver to %s: %w", s.retryTopic, err)
	}
	s.logger.Debug("message redelivered",
		slog.String("topic", m.Topic),
		slog.Int("partition", m.Partition),
		slog.Int64("offset", m.Offset),
		slog.Int("delivery", delivery),
		slog.Time("not_before", notBefore),
	)
	return s.Ack(ctx, m)
}

// Publish implements ingest.Publisher by writing m to its own topic.
func (s *Source) Publish(ctx context.Context, m *ingest.Message) error {
	if m.Topic == "" {
		return errors.New("kafka: publish: message has no topic")
	}
	if err := s.writer.WriteMessages(ctx, fromIngest(m, m.Topic)); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", m.Topic, err)
	}
	return nil
}

// Close implements ingest.Source. It closes the reader and the writer.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return errors.Join(s.reader.Close(), s.writer.Close())
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
