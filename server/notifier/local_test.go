package notifier

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []string{}
	for _, e := range r.events {
		out = append(out, string(e.Value))
	}
	return out
}

func TestLocalDeliversToOtherContextsOnly(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewLocal()
	defer bus.Close()

	publisher, other := NewContextID(), NewContextID()
	own, remote := &recorder{}, &recorder{}

	_, err := bus.Subscribe(publisher, "emergencies", own.handle)
	require.Nil(t, err)
	_, err = bus.Subscribe(other, "emergencies", remote.handle)
	require.Nil(t, err)

	require.Nil(t, bus.Publish(context.Background(), publisher, "emergencies", []byte(`{"a":1}`)))

	assert.Eventually(t, func() bool { return len(remote.values()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"a":1}`}, remote.values())
	assert.Empty(t, own.values(), "publisher should not receive its own event")
}

func TestLocalPreservesPerKeyOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewLocal()
	defer bus.Close()

	rec := &recorder{}
	_, err := bus.Subscribe("viewer", "emergencies", rec.handle)
	require.Nil(t, err)

	expected := []string{}
	for i := 0; i < 200; i++ {
		value := fmt.Sprintf("%d", i)
		expected = append(expected, value)
		require.Nil(t, bus.Publish(context.Background(), "writer", "emergencies", []byte(value)))
	}

	assert.Eventually(t, func() bool { return len(rec.values()) == len(expected) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, expected, rec.values())
}

func TestLocalFiltersByKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewLocal()
	defer bus.Close()

	rec := &recorder{}
	_, err := bus.Subscribe("viewer", "emergencyData", rec.handle)
	require.Nil(t, err)

	require.Nil(t, bus.Publish(context.Background(), "writer", "emergencies", []byte("x")))
	require.Nil(t, bus.Publish(context.Background(), "writer", "emergencyData", []byte("y")))

	assert.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"y"}, rec.values())
}

func TestLocalUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewLocal()
	defer bus.Close()

	rec := &recorder{}
	sub, err := bus.Subscribe("viewer", "emergencies", rec.handle)
	require.Nil(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()

	require.Nil(t, bus.Publish(context.Background(), "writer", "emergencies", []byte("x")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.values(), "no events should be delivered after unsubscribe")
}

func TestLocalClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewLocal()
	_, err := bus.Subscribe("viewer", "emergencies", func(Event) {})
	require.Nil(t, err)

	assert.Nil(t, bus.Close())
	assert.Nil(t, bus.Close(), "closing twice should be harmless")
	assert.ErrorIs(t, bus.Publish(context.Background(), "writer", "emergencies", nil), ErrClosed)

	_, err = bus.Subscribe("viewer", "emergencies", func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}
