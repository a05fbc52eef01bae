package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Daskott/safeguard/server/logger"
	"github.com/redis/go-redis/v9"
)

var logg = logger.Component(logger.NewLogger(), "notifier", logger.Magenta)

// Redis is a Notifier for contexts living in different processes. Each
// subscription holds its own PUBSUB connection; redis delivers messages on a
// channel in publish order.
type Redis struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

func NewRedis(client *redis.Client, channelPrefix string) *Redis {
	return &Redis{client: client, prefix: channelPrefix, subs: make(map[*redisSub]struct{})}
}

func (r *Redis) channel(key string) string {
	return r.prefix + key
}

func (r *Redis) Publish(ctx context.Context, origin, key string, value []byte) error {
	payload, err := json.Marshal(Event{Key: key, Value: value, Origin: origin, At: time.Now()})
	if err != nil {
		return err
	}

	if err := r.client.Publish(ctx, r.channel(key), payload).Err(); err != nil {
		return fmt.Errorf("publish %v: %v", key, err)
	}

	eventsPublished.WithLabelValues(key).Inc()
	return nil
}

func (r *Redis) Subscribe(origin, key string, handler Handler) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := r.client.Subscribe(ctx, r.channel(key))
	// Wait for confirmation so no publish after Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %v", key, err)
	}

	sub := &redisSub{bus: r, pubsub: pubsub, origin: origin, handler: handler, exited: make(chan struct{})}
	r.subs[sub] = struct{}{}
	go sub.loop()

	return sub, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := []*redisSub{}
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[*redisSub]struct{})
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
		<-sub.exited
	}
	return nil
}

type redisSub struct {
	bus     *Redis
	pubsub  *redis.PubSub
	origin  string
	handler Handler
	once    sync.Once
	exited  chan struct{}
}

func (s *redisSub) loop() {
	defer close(s.exited)

	for msg := range s.pubsub.Channel() {
		event := Event{}
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			logg.Errorf("dropping malformed event on %v: %v", msg.Channel, err)
			continue
		}

		if event.Origin == s.origin {
			continue
		}

		eventsDelivered.WithLabelValues(event.Key).Inc()
		s.handler(event)
	}
}

func (s *redisSub) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.stop()
}

func (s *redisSub) stop() {
	s.once.Do(func() {
		if err := s.pubsub.Close(); err != nil {
			logg.Warnf("closing subscription: %v", err)
		}
	})
}
