// Package surface renders alert state for a viewer: the dashboard banner,
// the live tracking view, the history view and the alarm tone.
package surface

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Daskott/safeguard/server/logger"
	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/server/store"
	"github.com/Daskott/safeguard/utils"
)

const DefaultRescanInterval = 5 * time.Second

var (
	ErrNoEmergency     = errors.New("no emergency found for this user")
	ErrCallUnsupported = errors.New("calling is not supported yet")

	logg = logger.Component(logger.NewLogger(), "surface", logger.Magenta)
)

type Notification struct {
	Alert    *store.AlertRecord `json:"alert"`
	UserName string             `json:"userName"`
	TimeAgo  string             `json:"timeAgo"`
}

type TrackingView struct {
	Alert      *store.AlertRecord `json:"alert"`
	User       store.User         `json:"user"`
	Location   store.Location     `json:"location"`
	LocationAt time.Time          `json:"locationAt"`
	Elapsed    string             `json:"elapsed"`
}

type DashboardOption func(*Dashboard)

func WithRescanInterval(interval time.Duration) DashboardOption {
	return func(d *Dashboard) {
		d.interval = interval
	}
}

func WithDashboardClock(clock func() time.Time) DashboardOption {
	return func(d *Dashboard) {
		d.clock = clock
	}
}

// Dashboard lists the active alerts of everyone who chose to notify the
// viewer. It refreshes on every change to users or emergencies made by
// another context and on a periodic rescan.
type Dashboard struct {
	store    *store.Store
	viewerID string
	alarm    *Alarm
	interval time.Duration
	clock    func() time.Time

	mu            sync.Mutex
	notifications []Notification
	// dismissed maps a user id to the start of the alert that was dismissed
	dismissed map[string]time.Time
	subs      []notifier.Subscription
	closed    bool
	stopChan  chan struct{}
	exited    chan struct{}
}

func NewDashboard(s *store.Store, viewerID string, alarm *Alarm, opts ...DashboardOption) *Dashboard {
	if alarm == nil {
		alarm = NewAlarm(nil)
	}

	d := &Dashboard{
		store:     s,
		viewerID:  viewerID,
		alarm:     alarm,
		interval:  DefaultRescanInterval,
		clock:     time.Now,
		dismissed: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start loads the current state and begins watching for changes.
func (d *Dashboard) Start(ctx context.Context) error {
	if err := d.Refresh(ctx); err != nil {
		return err
	}

	for _, key := range []string{store.EmergenciesKey, store.UsersKey} {
		sub, err := d.store.Notifier().Subscribe(d.store.Origin(), key, func(notifier.Event) {
			if err := d.Refresh(context.Background()); err != nil {
				logg.Errorf("refreshing dashboard of %v: %v", d.viewerID, err)
			}
		})
		if err != nil {
			d.Close()
			return err
		}

		d.mu.Lock()
		d.subs = append(d.subs, sub)
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.stopChan = make(chan struct{})
	d.exited = make(chan struct{})
	go d.rescan(d.stopChan, d.exited)
	d.mu.Unlock()

	return nil
}

// Refresh recomputes the notification list and the alarm from the store.
func (d *Dashboard) Refresh(ctx context.Context) error {
	users, err := d.store.Users(ctx)
	if err != nil {
		return err
	}

	emergencies, err := d.store.Emergencies(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]store.User, len(users))
	for _, user := range users {
		byID[user.ID] = user
	}

	viewer, ok := byID[d.viewerID]
	if !ok {
		return store.ErrUserNotFound
	}

	now := d.clock()
	active := []*store.AlertRecord{}

	d.mu.Lock()
	for _, userID := range viewer.TrustedBy {
		record := emergencies[userID]
		if record == nil || !record.Active {
			delete(d.dismissed, userID)
			continue
		}
		if at, ok := d.dismissed[userID]; ok && at.Equal(record.Timestamp) {
			continue
		}
		active = append(active, record)
	}
	store.SortNewestFirst(active)

	notifications := make([]Notification, 0, len(active))
	wantAlarm := false
	for _, record := range active {
		name := record.UserName
		if user, ok := byID[record.UserID]; ok {
			name = user.FullName
		}
		notifications = append(notifications, Notification{Alert: record, UserName: name, TimeAgo: TimeAgo(now, record.Timestamp)})
		wantAlarm = wantAlarm || record.PlayAlarmOnContact
	}
	d.notifications = notifications

	if !d.closed {
		d.alarm.Update(wantAlarm)
	}
	d.mu.Unlock()

	return nil
}

func (d *Dashboard) Notifications() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Notification{}, d.notifications...)
}

// Dismiss hides the user's current alert from this dashboard only. The alert
// itself stays active and a later alert is shown again.
func (d *Dashboard) Dismiss(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.notifications[:0]
	for _, n := range d.notifications {
		if n.Alert.UserID == userID {
			d.dismissed[userID] = n.Alert.Timestamp
			continue
		}
		kept = append(kept, n)
	}
	d.notifications = kept

	wantAlarm := false
	for _, n := range kept {
		wantAlarm = wantAlarm || n.Alert.PlayAlarmOnContact
	}

	if !d.closed {
		d.alarm.Update(wantAlarm)
	}
}

// Track builds the live view of userID's alert. The latest tracked position
// wins over the location captured when the alert was triggered.
func (d *Dashboard) Track(ctx context.Context, userID string) (*TrackingView, error) {
	return Track(ctx, d.store, userID, d.clock())
}

func Track(ctx context.Context, s *store.Store, userID string, now time.Time) (*TrackingView, error) {
	record, err := s.Emergency(ctx, userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNoEmergency
	}

	user, err := s.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &TrackingView{
		Alert:      record,
		User:       user.Public(),
		Location:   record.Location,
		LocationAt: record.Timestamp,
	}

	fix, found, err := s.Location(ctx, userID)
	if err != nil {
		return nil, err
	}
	if found {
		view.Location, view.LocationAt = fix.Location, fix.Timestamp
	}

	end := now
	if record.CancelledAt != nil {
		end = *record.CancelledAt
	}
	view.Elapsed = FormatElapsed(end.Sub(record.Timestamp))

	return view, nil
}

// Call is a placeholder for phoning the user in distress.
func (d *Dashboard) Call(userID string) error {
	return ErrCallUnsupported
}

// AlarmPlaying reports whether the viewer's alarm is currently sounding.
func (d *Dashboard) AlarmPlaying() bool {
	return d.alarm.Playing()
}

// Mute silences the viewer's alarm until none of the watched alerts asks for it.
func (d *Dashboard) Mute() {
	d.alarm.Mute()
}

func (d *Dashboard) AlarmMuted() bool {
	return d.alarm.Muted()
}

// Watches reports whether the viewer is notified of userID's alerts.
func (d *Dashboard) Watches(ctx context.Context, userID string) (bool, error) {
	viewer, err := d.store.FindUser(ctx, d.viewerID)
	if err != nil {
		return false, err
	}
	return utils.ContainsString(viewer.TrustedBy, userID), nil
}

func (d *Dashboard) Close() {
	d.mu.Lock()
	d.closed = true
	subs := d.subs
	d.subs = nil
	stopChan, exited := d.stopChan, d.exited
	d.stopChan, d.exited = nil, nil
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if stopChan != nil {
		close(stopChan)
		<-exited
	}
	d.alarm.Close()
}

func (d *Dashboard) rescan(stopChan, exited chan struct{}) {
	defer close(exited)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			if err := d.Refresh(context.Background()); err != nil {
				logg.Errorf("rescanning dashboard of %v: %v", d.viewerID, err)
			}
		}
	}
}
