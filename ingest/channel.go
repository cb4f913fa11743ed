package ingest

import (
	"context"
	"sync"
	"time"
)

// ChannelSource is an in-process Source backed by a channel. Redelivered
// messages are re-queued once their not-before instant passes. It is used by
// tests and single-process deployments.
type ChannelSource struct {
	ch     chan *Message
	mu     sync.Mutex
	acked  []*Message
	closed bool
	offset int64
	timers []*time.Timer
	done   chan struct{}
}

// NewChannelSource creates a source with the given buffer size.
func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{ch: make(chan *Message, buffer), done: make(chan struct{})}
}

// Push enqueues m, assigning the next offset when m.Offset is zero.
func (s *ChannelSource) Push(m *Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.offset++
	if m.Offset == 0 {
		m.Offset = s.offset
	}
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}
	s.mu.Unlock()

	select {
	case s.ch <- m:
	case <-s.done:
	}
}

// Fetch implements Source.
func (s *ChannelSource) Fetch(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case m := <-s.ch:
		return m, nil
	}
}

// Ack implements Source.
func (s *ChannelSource) Ack(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, m)
	return nil
}

// Redeliver implements Source. The copy is re-queued with a fresh offset.
func (s *ChannelSource) Redeliver(_ context.Context, m *Message, delivery int, notBefore time.Time) error {
	cp := m.Redelivery(delivery, notBefore)
	cp.Offset = 0

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.acked = append(s.acked, m)
	wait := time.Until(notBefore)
	if wait < 0 {
		wait = 0
	}
	s.timers = append(s.timers, time.AfterFunc(wait, func() { s.Push(cp) }))
	return nil
}

// Publish implements Publisher.
func (s *ChannelSource) Publish(_ context.Context, m *Message) error {
	cp := *m
	cp.Offset = 0
	go s.Push(&cp)
	return nil
}

// Acked returns the messages acknowledged so far.
func (s *ChannelSource) Acked() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.acked...)
}

// Close implements Source.
func (s *ChannelSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	close(s.done)
	return nil
}
