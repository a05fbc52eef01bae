package source

import (
	"context"
	"sync"

	"github.com/Daskott/safeguard/server/store"
)

// Tracker writes every fix produced by a LocationSource into the user's
// emergencyData slot while tracking is enabled. Tracking is independent of
// alert state.
type Tracker struct {
	store  *store.Store
	source LocationSource

	mu      sync.Mutex
	running map[string]StopFunc
}

func NewTracker(s *store.Store, source LocationSource) *Tracker {
	return &Tracker{store: s, source: source, running: make(map[string]StopFunc)}
}

// Enable starts tracking userID from the given coordinate. Enabling an
// already tracked user is a no-op.
func (t *Tracker) Enable(ctx context.Context, userID string, from store.Location) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.running[userID]; ok {
		return nil
	}

	if fix, found, err := t.store.Location(ctx, userID); err == nil && found {
		from = fix.Location
	}

	stop, err := t.source.Start(context.Background(), userID, from, func(fix store.LocationFix) {
		if err := t.store.SetLocation(context.Background(), userID, fix); err != nil {
			logg.Errorf("tracking %v: %v", userID, err)
		}
	})
	if err != nil {
		return err
	}

	t.running[userID] = stop
	return nil
}

func (t *Tracker) Disable(userID string) {
	t.mu.Lock()
	stop, ok := t.running[userID]
	delete(t.running, userID)
	t.mu.Unlock()

	if ok {
		stop()
	}
}

// Toggle flips tracking for userID and reports whether it is now enabled.
func (t *Tracker) Toggle(ctx context.Context, userID string, from store.Location) (bool, error) {
	if t.Enabled(userID) {
		t.Disable(userID)
		return false, nil
	}
	return true, t.Enable(ctx, userID, from)
}

func (t *Tracker) Enabled(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.running[userID]
	return ok
}

// Close stops every running tracker.
func (t *Tracker) Close() {
	t.mu.Lock()
	running := t.running
	t.running = make(map[string]StopFunc)
	t.mu.Unlock()

	for _, stop := range running {
		stop()
	}
}
