// Package alert owns the emergency alert state machine of a user:
// Idle -> Active(Normal|Doubt) -> Cancelled(FalseAlarm|Resolved).
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Daskott/safeguard/server/logger"
	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/server/source"
	"github.com/Daskott/safeguard/server/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrAlreadyActive = errors.New("an alert is already active for this user")
	ErrClosed        = errors.New("alert controller is closed")

	logg = logger.Component(logger.NewLogger(), "alert", logger.Red)

	alertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeguard_alerts_triggered_total",
		Help: "Alerts triggered, by mode.",
	}, []string{"mode"})

	alertsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeguard_alerts_cancelled_total",
		Help: "Alerts cancelled, by outcome.",
	}, []string{"outcome"})

	audioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safeguard_alert_audio_chunks_total",
		Help: "Audio chunks appended to active alerts.",
	})
)

type Option func(*Controller)

// WithClock replaces the clock used for timestamps and elapsed time.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// Controller drives the alert of one user from one browsing context. Its
// local view is updated synchronously on every mutation it makes and from
// change events for the writes of other contexts.
type Controller struct {
	store *store.Store
	audio source.AudioSource
	clock func() time.Time

	mu        sync.Mutex
	userID    string
	record    *store.AlertRecord
	stopAudio source.StopFunc
	sub       notifier.Subscription
	closed    bool
}

func NewController(s *store.Store, audio source.AudioSource, opts ...Option) *Controller {
	c := &Controller{store: s, audio: audio, clock: store.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger starts a new alert for user. It is a no-op without a user.
func (c *Controller) Trigger(ctx context.Context, user *store.User, loc store.Location, doubtMode bool) (*store.AlertRecord, error) {
	if user == nil {
		return nil, nil
	}

	if err := c.bind(user.ID); err != nil {
		return nil, err
	}

	record := &store.AlertRecord{
		UserID:             user.ID,
		UserName:           user.FullName,
		Timestamp:          c.clock(),
		Location:           loc,
		Active:             true,
		DoubtMode:          doubtMode,
		BraceletCode:       user.BraceletCode,
		PlayAlarmOnContact: !doubtMode,
		AudioChunks:        []string{},
		LiveStreamActive:   true,
	}

	err := c.store.MutateAlerts(ctx, func(current map[string]*store.AlertRecord, history map[string]store.History) (bool, bool, error) {
		if existing := current[user.ID]; existing != nil && existing.Active {
			return false, false, ErrAlreadyActive
		}

		current[user.ID] = record
		history[user.ID] = append(history[user.ID], record.Clone())
		return true, true, nil
	})
	if err != nil {
		return nil, err
	}

	mode := Normal
	if doubtMode {
		mode = Doubt
	}
	alertsTriggered.WithLabelValues(mode.String()).Inc()
	logg.Infof("%v triggered a %v alert at %v", user.ID, mode, loc)

	previous := c.setRecord(record.Clone())
	if previous != nil {
		previous()
	}

	if err := c.startAudio(record); err != nil {
		logg.Errorf("starting audio for %v: %v", user.ID, err)
	}

	return record.Clone(), nil
}

// Cancel ends the user's active alert. It is a no-op without a user or
// without an active alert, so a second cancel changes nothing.
func (c *Controller) Cancel(ctx context.Context, user *store.User, wasRealEmergency bool, emergencyType store.EmergencyType) error {
	if user == nil {
		return nil
	}

	if wasRealEmergency && emergencyType != "" && !emergencyType.Valid() {
		return fmt.Errorf("unknown emergency type %q", emergencyType)
	}

	if err := c.bind(user.ID); err != nil {
		return err
	}

	var cancelled *store.AlertRecord
	err := c.store.MutateAlerts(ctx, func(current map[string]*store.AlertRecord, history map[string]store.History) (bool, bool, error) {
		record := current[user.ID]
		if record == nil || !record.Active {
			return false, false, nil
		}

		now := c.clock()
		was := wasRealEmergency

		record.Active = false
		record.PlayAlarmOnContact = false
		record.LiveStreamActive = false
		record.CancelledAt = &now
		record.WasRealEmergency = &was
		record.CancellationReason = store.FalseAlarmReason
		if wasRealEmergency {
			record.CancellationReason = store.EmergencyResolvedReason
			record.EmergencyType = emergencyType
		}

		// The cancelled record replaces the last history entry by position.
		entries := history[user.ID]
		if len(entries) == 0 {
			history[user.ID] = store.History{record.Clone()}
		} else {
			entries[len(entries)-1] = record.Clone()
		}

		cancelled = record
		return true, true, nil
	})
	if err != nil {
		return err
	}

	if cancelled == nil {
		return nil
	}

	outcome := FalseAlarm
	if wasRealEmergency {
		outcome = Resolved
	}
	alertsCancelled.WithLabelValues(outcome.String()).Inc()
	logg.Infof("%v cancelled their alert: %v", user.ID, cancelled.CancellationReason)

	if stop := c.setRecord(cancelled.Clone()); stop != nil {
		stop()
	}

	return nil
}

// Attach rebuilds the local view of user's alert from the store, resuming
// the elapsed clock from the stamped timestamp and restarting the audio
// source when the alert is still active.
func (c *Controller) Attach(ctx context.Context, user *store.User) error {
	if user == nil {
		return nil
	}

	if err := c.bind(user.ID); err != nil {
		return err
	}

	record, err := c.store.Emergency(ctx, user.ID)
	if err != nil {
		return err
	}

	if stop := c.setRecord(record.Clone()); stop != nil {
		stop()
	}

	if record != nil && record.Active {
		return c.startAudio(record)
	}
	return nil
}

// Observe streams the user's current record after every change made by
// another context, until ctx is done.
func (c *Controller) Observe(ctx context.Context, userID string) (<-chan *store.AlertRecord, error) {
	return Observe(ctx, c.store, userID)
}

// Observe streams userID's current record after every emergencies change
// published by a context other than the one s belongs to.
func Observe(ctx context.Context, s *store.Store, userID string) (<-chan *store.AlertRecord, error) {
	in := make(chan *store.AlertRecord)
	out := make(chan *store.AlertRecord)

	sub, err := s.Notifier().Subscribe(s.Origin(), store.EmergenciesKey, func(event notifier.Event) {
		record, err := decodeRecord(event, userID)
		if err != nil {
			logg.Errorf("observe %v: %v", userID, err)
			return
		}
		if record == nil {
			return
		}

		select {
		case in <- record:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case record := <-in:
				select {
				case out <- record:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Elapsed is the time since the alert started, frozen at cancellation.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.record == nil {
		return 0
	}
	if c.record.Active {
		return c.clock().Sub(c.record.Timestamp)
	}
	if c.record.CancelledAt != nil {
		return c.record.CancelledAt.Sub(c.record.Timestamp)
	}
	return 0
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return StateOf(c.record)
}

// Record returns a copy of the local view of the current alert.
func (c *Controller) Record() *store.AlertRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.record.Clone()
}

// Close releases the audio source and the change subscription.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	stop, sub := c.stopAudio, c.sub
	c.stopAudio, c.sub = nil, nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if stop != nil {
		stop()
	}
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

// bind ties the controller to userID and subscribes to the changes other
// contexts make to that user's alert.
func (c *Controller) bind(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.userID != "" {
		if c.userID != userID {
			return fmt.Errorf("controller is bound to %v", c.userID)
		}
		return nil
	}

	sub, err := c.store.Notifier().Subscribe(c.store.Origin(), store.EmergenciesKey, c.applyRemote)
	if err != nil {
		return err
	}

	c.userID = userID
	c.sub = sub
	return nil
}

// setRecord replaces the local view. When the new record is no longer active
// the running audio source is detached and returned so the caller can stop
// it without holding the lock the sink needs.
func (c *Controller) setRecord(record *store.AlertRecord) source.StopFunc {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record = record

	stop := c.stopAudio
	c.stopAudio = nil
	return stop
}

// startAudio runs the audio source for the alert until it is cancelled. The
// source outlives the request that triggered the alert.
func (c *Controller) startAudio(record *store.AlertRecord) error {
	if c.audio == nil || !record.LiveStreamActive {
		return nil
	}

	userID, startedAt := record.UserID, record.Timestamp
	stop, err := c.audio.Start(context.Background(), userID, func(chunk store.ChunkRef) {
		c.appendChunk(userID, startedAt, chunk)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || c.record == nil || !c.record.Active || !c.record.Timestamp.Equal(startedAt) {
		c.mu.Unlock()
		stop()
		return nil
	}
	previous := c.stopAudio
	c.stopAudio = stop
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
	return nil
}

// appendChunk records a chunk on the alert that started at startedAt. Chunks
// for a cancelled or replaced alert are dropped.
func (c *Controller) appendChunk(userID string, startedAt time.Time, chunk store.ChunkRef) {
	var updated *store.AlertRecord

	err := c.store.MutateAlerts(context.Background(), func(current map[string]*store.AlertRecord, _ map[string]store.History) (bool, bool, error) {
		record := current[userID]
		if record == nil || !record.Active || !record.Timestamp.Equal(startedAt) {
			return false, false, nil
		}

		latest := chunk
		record.AudioChunks = append(record.AudioChunks, chunk.ID)
		record.LatestAudioChunk = &latest
		updated = record.Clone()
		return true, false, nil
	})
	if err != nil {
		logg.Errorf("appending chunk for %v: %v", userID, err)
		return
	}
	if updated == nil {
		return
	}

	audioChunks.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record != nil && c.record.Active && c.record.Timestamp.Equal(startedAt) {
		c.record = updated
	}
}

// applyRemote folds a change made by another context into the local view.
func (c *Controller) applyRemote(event notifier.Event) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	record, err := decodeRecord(event, userID)
	if err != nil {
		logg.Errorf("applying change for %v: %v", userID, err)
		return
	}

	c.mu.Lock()
	local := c.record
	if c.closed {
		c.mu.Unlock()
		return
	}

	if stale(local, record) {
		c.mu.Unlock()
		return
	}

	var stop source.StopFunc
	switch {
	case local != nil && local.Active && !record.Active:
		logg.Infof("alert of %v was cancelled elsewhere", userID)
		stop, c.stopAudio = c.stopAudio, nil
	case (local == nil || !local.Active) && record != nil && record.Active:
		logg.Infof("alert of %v was triggered elsewhere", userID)
	}
	c.record = record
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// stale reports whether remote was published before local was written.
// Records are never removed and a cancellation is terminal, so a missing
// record, an older alert or an active copy of a cancelled one is out of date.
func stale(local, remote *store.AlertRecord) bool {
	if local == nil {
		return false
	}
	if remote == nil || remote.Timestamp.Before(local.Timestamp) {
		return true
	}
	return remote.Timestamp.Equal(local.Timestamp) && local.Cancelled() && !remote.Cancelled()
}

func decodeRecord(event notifier.Event, userID string) (*store.AlertRecord, error) {
	current := map[string]*store.AlertRecord{}
	if len(event.Value) > 0 {
		if err := json.Unmarshal(event.Value, &current); err != nil {
			return nil, err
		}
	}
	return current[userID], nil
}
