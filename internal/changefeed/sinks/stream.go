package sinks

import (
	"context"
	"sync"

	"github.com/mostpan/tbgdb/internal/changefeed"
)

const subscriberBuffer = 256

// StreamSink fans change events out to live subscribers, backing the API's
// cache-invalidation stream. Slow subscribers lose events rather than stall
// the feed; consumers needing completeness rebuild from the store.
type StreamSink struct {
	mu     sync.Mutex
	subs   map[int]chan changefeed.Event
	nextID int
	closed bool
}

// NewStreamSink constructs an empty StreamSink.
func NewStreamSink() *StreamSink {
	return &StreamSink{subs: make(map[int]chan changefeed.Event)}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed on cancel or sink shutdown.
func (s *StreamSink) Subscribe() (<-chan changefeed.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ch := make(chan changefeed.Event)
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	ch := make(chan changefeed.Event, subscriberBuffer)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// Consume delivers each event to every subscriber without blocking.
func (s *StreamSink) Consume(_ context.Context, batch []changefeed.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		for _, sub := range s.subs {
			select {
			case sub <- evt:
			default:
			}
		}
	}
	return nil
}

// Close terminates all subscriber channels.
func (s *StreamSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub)
	}
	return nil
}
