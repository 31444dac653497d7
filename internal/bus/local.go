package bus

import (
	"context"
	"sync"
)

const localBufferSize = 256

// Local is an in-process Bus. Several registries sharing one Local behave
// like separate nodes sharing a broker.
type Local struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSubscription]struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[*localSubscription]struct{})}
}

type localSubscription struct {
	bus   *Local
	topic string
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *localSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		// done unblocks any Publish parked on this subscription so the
		// write lock below can be acquired.
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s)
		if len(s.bus.subs[s.topic]) == 0 {
			delete(s.bus.subs, s.topic)
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (l *Local) Publish(ctx context.Context, topic string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	for sub := range l.subs[topic] {
		select {
		case sub.ch <- payload:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	sub := &localSubscription{bus: l, topic: topic, ch: make(chan []byte, localBufferSize), done: make(chan struct{})}
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[*localSubscription]struct{})
	}
	l.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	var subs []*localSubscription
	for _, set := range l.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	l.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
