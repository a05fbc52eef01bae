package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/Daskott/safeguard/server/store"
	"github.com/Daskott/safeguard/utils"
)

// SimulatedAudio emits one opaque chunk per interval while started.
type SimulatedAudio struct {
	Interval time.Duration
}

func NewSimulatedAudio(interval time.Duration) *SimulatedAudio {
	if interval <= 0 {
		interval = DefaultAudioInterval
	}
	return &SimulatedAudio{Interval: interval}
}

func (s *SimulatedAudio) Start(ctx context.Context, userID string, sink AudioSink) (StopFunc, error) {
	return runTicker(ctx, s.Interval, func(now time.Time) {
		sink(store.ChunkRef{ID: utils.NewChunkID(now), Timestamp: now.UTC().Truncate(time.Millisecond)})
	}), nil
}

// SimulatedLocation random-walks a coordinate by at most MaxDelta/2 degrees
// per axis every interval.
type SimulatedLocation struct {
	Interval time.Duration
	MaxDelta float64

	mu   sync.Mutex
	rand *rand.Rand
}

func NewSimulatedLocation(interval time.Duration, maxDelta float64) *SimulatedLocation {
	if interval <= 0 {
		interval = DefaultLocationInterval
	}
	if maxDelta <= 0 {
		maxDelta = DefaultMaxDelta
	}
	return &SimulatedLocation{
		Interval: interval,
		MaxDelta: maxDelta,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedLocation) Start(ctx context.Context, userID string, from store.Location, sink LocationSink) (StopFunc, error) {
	last := from
	return runTicker(ctx, s.Interval, func(now time.Time) {
		last = s.Jitter(last)
		sink(store.LocationFix{Location: last, Timestamp: now.UTC().Truncate(time.Millisecond)})
	}), nil
}

// Jitter moves loc by a uniform delta in [-MaxDelta/2, MaxDelta/2) on each axis.
func (s *SimulatedLocation) Jitter(loc store.Location) store.Location {
	s.mu.Lock()
	defer s.mu.Unlock()

	return store.Location{
		loc[0] + (s.rand.Float64()-0.5)*s.MaxDelta,
		loc[1] + (s.rand.Float64()-0.5)*s.MaxDelta,
	}
}

// runTicker calls tick every interval on its own goroutine until ctx is done
// or the returned StopFunc is called.
func runTicker(ctx context.Context, interval time.Duration, tick func(time.Time)) StopFunc {
	stopChan := make(chan struct{})
	exited := make(chan struct{})
	once := sync.Once{}

	go func() {
		defer close(exited)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopChan:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				// stop may have raced with the tick
				select {
				case <-stopChan:
					return
				default:
				}
				tick(now)
			}
		}
	}()

	return func() {
		once.Do(func() { close(stopChan) })
		<-exited
	}
}
