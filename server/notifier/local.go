package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Local is an in-process Notifier. Every subscription owns an unbounded queue
// drained by a single goroutine, so events for a key reach a subscriber in the
// order they were published.
type Local struct {
	mu     sync.Mutex
	subs   map[string]map[*localSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[*localSub]struct{})}
}

func (l *Local) Publish(_ context.Context, origin, key string, value []byte) error {
	event := Event{Key: key, Value: append([]byte{}, value...), Origin: origin, At: time.Now()}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	eventsPublished.WithLabelValues(key).Inc()
	for sub := range l.subs[key] {
		if sub.origin == origin {
			continue
		}
		sub.push(event)
	}

	return nil
}

func (l *Local) Subscribe(origin, key string, handler Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	sub := &localSub{
		bus:     l,
		origin:  origin,
		key:     key,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if l.subs[key] == nil {
		l.subs[key] = make(map[*localSub]struct{})
	}
	l.subs[key][sub] = struct{}{}

	l.wg.Add(1)
	go sub.loop()

	return sub, nil
}

// Close removes every subscription and waits for their goroutines to exit.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true

	subs := []*localSub{}
	for _, byKey := range l.subs {
		for sub := range byKey {
			subs = append(subs, sub)
		}
	}
	l.subs = make(map[string]map[*localSub]struct{})
	l.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	l.wg.Wait()

	return nil
}

func (l *Local) remove(sub *localSub) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if byKey := l.subs[sub.key]; byKey != nil {
		delete(byKey, sub)
		if len(byKey) == 0 {
			delete(l.subs, sub.key)
		}
	}
}

type localSub struct {
	bus     *Local
	origin  string
	key     string
	handler Handler

	mu      sync.Mutex
	pending []Event
	signal  chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

func (s *localSub) push(event Event) {
	s.mu.Lock()
	s.pending = append(s.pending, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *localSub) loop() {
	defer s.bus.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
			s.drain()
		}
	}
}

func (s *localSub) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		event := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if s.stopped.Load() {
			return
		}

		eventsDelivered.WithLabelValues(event.Key).Inc()
		s.handler(event)
	}
}

func (s *localSub) Unsubscribe() {
	s.bus.remove(s)
	s.stop()
}

func (s *localSub) stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.done)
	})
}
