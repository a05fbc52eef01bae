// Package notifier lets independent browsing contexts observe writes to shared
// record keys. A context never receives the events it published itself.
package notifier

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrClosed = errors.New("notifier is closed")

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeguard_notifier_events_published_total",
		Help: "Change events published, by record key.",
	}, []string{"key"})

	eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeguard_notifier_events_delivered_total",
		Help: "Change events handed to subscribers, by record key.",
	}, []string{"key"})
)

type Event struct {
	Key    string    `json:"key"`
	Value  []byte    `json:"value"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

type Handler func(Event)

type Subscription interface {
	// Unsubscribe stops delivery. A handler call already running is allowed to finish.
	Unsubscribe()
}

type Notifier interface {
	Publish(ctx context.Context, origin, key string, value []byte) error
	Subscribe(origin, key string, handler Handler) (Subscription, error)
	Close() error
}

// NewContextID names a new browsing context.
func NewContextID() string {
	return "ctx-" + uuid.NewString()
}
