package realtime

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerClosed = errors.New("realtime broker closed")

// Broker is the in-process push feed used with the in-memory store.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]*brokerSub
	nextID uint64
	buffer int
	closed bool
}

type brokerSub struct {
	filter Filter
	ch     chan RawEvent
	once   sync.Once
}

func (s *brokerSub) close() {
	s.once.Do(func() { close(s.ch) })
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{subs: make(map[uint64]*brokerSub), buffer: buffer}
}

// Publish fans out to matching subscribers. Slow subscribers lose events
// instead of stalling the writer.
func (b *Broker) Publish(_ context.Context, event RawEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, sub := range b.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, filter Filter) (<-chan RawEvent, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrBrokerClosed
	}
	b.nextID++
	id := b.nextID
	sub := &brokerSub{filter: filter, ch: make(chan RawEvent, b.buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.ch, cancel, nil
}

// Disconnect closes every subscriber channel as a dropped transport would,
// without closing the broker.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*brokerSub)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*brokerSub)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}
