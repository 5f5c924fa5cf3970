package inproc

import (
	"context"
	"sync"

	"traffic_marl/internal/messaging"
)

// Bus is an in-process topic fan-out. Publish never blocks: a subscriber
// whose queue is full misses the payload.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
	buffer int
	closed bool
}

type subscription struct {
	bus    *Bus
	topics []string
	ch     chan []byte
	once   sync.Once
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		topics: make(map[string][]*subscription),
		buffer: buffer,
	}
}

// Register declares a topic so publishing to it succeeds before anyone
// subscribes.
func (b *Bus) Register(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = nil
	}
}

func (b *Bus) Subscribe(topics ...string) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, messaging.ErrClosed
	}
	sub := &subscription{
		bus:    b,
		topics: append([]string(nil), topics...),
		ch:     make(chan []byte, b.buffer),
	}
	for _, topic := range topics {
		b.topics[topic] = append(b.topics[topic], sub)
	}
	return sub, nil
}

func (b *Bus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return messaging.ErrClosed
	}
	subs, ok := b.topics[topic]
	if !ok {
		return messaging.ErrTopicNotRegistered
	}
	var err error
	for _, sub := range subs {
		select {
		case sub.ch <- append([]byte(nil), payload...):
		default:
			err = messaging.ErrQueueFull
		}
	}
	return err
}

func (b *Bus) Close() error {
	b.mu.Lock()
	subs := make(map[*subscription]struct{})
	for _, list := range b.topics {
		for _, sub := range list {
			subs[sub] = struct{}{}
		}
	}
	b.closed = true
	b.topics = make(map[string][]*subscription)
	b.mu.Unlock()

	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (s *subscription) Messages() <-chan []byte {
	return s.ch
}

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	for _, topic := range s.topics {
		list := s.bus.topics[topic]
		for i, other := range list {
			if other == s {
				s.bus.topics[topic] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	return nil
}
