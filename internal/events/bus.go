package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type subscriber struct {
	ch     chan Event
	topics map[Topic]bool // nil = every topic
}

func (s *subscriber) wants(t Topic) bool {
	return s.topics == nil || s.topics[t]
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for topics (all topics when none are given)
// and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs = append(b.subs, sub)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					close(s.ch)
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
	return sub.ch, unsub
}

// Publish fans the event out without blocking; slow subscribers miss it.
func (b *Bus) Publish(topic Topic, runID string, data any) {
	b.PublishEvent(Event{Topic: topic, RunID: runID, At: time.Now().UTC(), Data: data})
}

// PublishEvent delivers a prepared envelope.
func (b *Bus) PublishEvent(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Topic) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
