package surface

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Daskott/safeguard/server/account"
	"github.com/Daskott/safeguard/server/alert"
	"github.com/Daskott/safeguard/server/auth"
	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/server/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"
)

type fakeTone struct {
	mu          sync.Mutex
	startErr    error
	playing     bool
	starts      int
	frequencies []float64
}

func (f *fakeTone) Start(waveform Waveform, frequency, gain float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return f.startErr
	}
	f.playing = true
	f.starts++
	f.frequencies = append(f.frequencies, frequency)
	return nil
}

func (f *fakeTone) SetFrequency(frequency float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.frequencies = append(f.frequencies, frequency)
	return nil
}

func (f *fakeTone) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.playing = false
	return nil
}

func (f *fakeTone) isPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.playing
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		ago      time.Duration
		expected string
	}{
		{30 * time.Second, "just now"},
		{time.Minute, "1 minute ago"},
		{59 * time.Minute, "59 minutes ago"},
		{61 * time.Minute, "1 hour ago"},
		{5*time.Hour + 10*time.Minute, "5 hours ago"},
	}

	for _, tcase := range cases {
		t.Run(tcase.expected, func(t *testing.T) {
			assert.Equal(t, tcase.expected, TimeAgo(now, now.Add(-tcase.ago)))
		})
	}
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00", FormatElapsed(0))
	assert.Equal(t, "01:05", FormatElapsed(65*time.Second))
	assert.Equal(t, "120:00", FormatElapsed(2*time.Hour))
	assert.Equal(t, "00:00", FormatElapsed(-time.Second))
}

func TestSampleRange(t *testing.T) {
	for _, waveform := range []Waveform{Sine, Square, Sawtooth, Triangle} {
		for phase := 0.0; phase < 1; phase += 0.01 {
			value := Sample(waveform, phase)
			assert.GreaterOrEqual(t, value, -1.0)
			assert.LessOrEqual(t, value, 1.0)
		}
	}

	assert.Equal(t, 1.0, Sample(Square, 0.25))
	assert.Equal(t, -1.0, Sample(Square, 0.75))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestPCMToneWritesSamples(t *testing.T) {
	defer goleak.VerifyNone(t)

	out := &lockedBuffer{}
	tone := NewPCMTone(out)

	require.Nil(t, tone.Start(Square, 880, 0.5))
	assert.ErrorIs(t, tone.Start(Square, 880, 0.5), ErrToneRunning)

	assert.Eventually(t, func() bool { return out.Len() >= 2*blockSize }, time.Second, 10*time.Millisecond)
	require.Nil(t, tone.Stop())
	require.Nil(t, tone.Stop())

	out.mu.Lock()
	defer out.mu.Unlock()
	first := int16(binary.LittleEndian.Uint16(out.buf.Bytes()[:2]))
	assert.Equal(t, int16(16383), first, "square wave starts at its peak")
}

func TestAlarm(t *testing.T) {
	defer goleak.VerifyNone(t)

	tone := &fakeTone{}
	alarm := NewAlarm(tone)
	alarm.cadence = 5 * time.Millisecond
	defer alarm.Close()

	alarm.Update(true)
	assert.True(t, alarm.Playing())
	assert.True(t, tone.isPlaying())

	assert.Eventually(t, func() bool {
		tone.mu.Lock()
		defer tone.mu.Unlock()
		return len(tone.frequencies) >= 3
	}, time.Second, 5*time.Millisecond)

	tone.mu.Lock()
	assert.Equal(t, []float64{880, 660, 880}, tone.frequencies[:3], "alarm should alternate between two tones")
	tone.mu.Unlock()

	alarm.Mute()
	assert.False(t, tone.isPlaying())

	alarm.Update(true)
	assert.False(t, alarm.Playing(), "muted alarm should stay silent while the alert lasts")

	alarm.Update(false)
	alarm.Update(true)
	assert.True(t, alarm.Playing(), "a later alert should ring again")
}

func TestAlarmDegradesToSilence(t *testing.T) {
	tone := &fakeTone{startErr: errors.New("audio device blocked")}
	alarm := NewAlarm(tone)

	alarm.Update(true)
	alarm.Update(true)
	assert.False(t, alarm.Playing())
}

// scenario wires accounts, alerts and Mina's dashboard over one store, each in
// its own context.
type scenario struct {
	store     *store.Store
	accounts  *account.Service
	dashboard *Dashboard
	tone      *fakeTone
	asha      *store.User
	mina      *store.User
}

func newScenario(t *testing.T) *scenario {
	t.Helper()
	auth.PasswordCost = bcrypt.MinCost
	ctx := context.Background()

	bus := notifier.NewLocal()
	t.Cleanup(func() { bus.Close() })
	s := store.New(store.NewMemoryKV(), bus)

	accounts := account.NewService(s)
	registerUser := func(name, email string) *store.User {
		user, err := accounts.Register(ctx, account.RegisterInput{
			FullName: name, Email: email, PhoneNumber: "1", City: "Agadir",
			Password: "pass1234", ConfirmPassword: "pass1234",
		})
		require.Nil(t, err)
		return user
	}

	asha := registerUser("Asha", "asha@example.com")
	mina := registerUser("Mina", "mina@example.com")

	_, err := accounts.SelectBracelet(ctx, asha.ID, true)
	require.Nil(t, err)
	asha, err = accounts.VerifyBracelet(ctx, asha.ID, "AB12CD34")
	require.Nil(t, err)

	_, err = accounts.AddTrustedContact(ctx, asha.ID, mina.ID)
	require.Nil(t, err)

	tone := &fakeTone{}
	dashboard := NewDashboard(s.ForContext("mina-tab"), mina.ID, NewAlarm(tone), WithRescanInterval(10*time.Millisecond))
	require.Nil(t, dashboard.Start(ctx))
	t.Cleanup(dashboard.Close)

	return &scenario{store: s, accounts: accounts, dashboard: dashboard, tone: tone, asha: asha, mina: mina}
}

func TestAlertReachesTrustedContact(t *testing.T) {
	sc := newScenario(t)
	ctx := context.Background()

	controller := alert.NewController(sc.store.ForContext("asha-tab"), nil)
	defer controller.Close()

	_, err := controller.Trigger(ctx, sc.asha, store.Location{30.4278, -9.5981}, false)
	require.Nil(t, err)

	assert.Eventually(t, func() bool { return len(sc.dashboard.Notifications()) == 1 }, time.Second, 5*time.Millisecond)

	notification := sc.dashboard.Notifications()[0]
	assert.Equal(t, "Asha", notification.UserName)
	assert.True(t, notification.Alert.PlayAlarmOnContact)
	assert.Equal(t, "just now", notification.TimeAgo)
	assert.Eventually(t, sc.tone.isPlaying, time.Second, 5*time.Millisecond)

	require.Nil(t, controller.Cancel(ctx, sc.asha, false, ""))

	assert.Eventually(t, func() bool { return len(sc.dashboard.Notifications()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !sc.tone.isPlaying() }, time.Second, 5*time.Millisecond)

	record, _ := sc.store.Emergency(ctx, sc.asha.ID)
	assert.False(t, record.Active)
	assert.Equal(t, store.FalseAlarmReason, record.CancellationReason)
}

func TestDoubtModeAlertIsSilent(t *testing.T) {
	sc := newScenario(t)
	ctx := context.Background()

	controller := alert.NewController(sc.store.ForContext("asha-tab"), nil)
	defer controller.Close()

	_, err := controller.Trigger(ctx, sc.asha, store.Location{30.4278, -9.5981}, true)
	require.Nil(t, err)

	assert.Eventually(t, func() bool { return len(sc.dashboard.Notifications()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, sc.tone.isPlaying())
}

func TestDismissIsLocalOnly(t *testing.T) {
	sc := newScenario(t)
	ctx := context.Background()

	controller := alert.NewController(sc.store.ForContext("asha-tab"), nil)
	defer controller.Close()

	_, err := controller.Trigger(ctx, sc.asha, store.Location{}, false)
	require.Nil(t, err)
	assert.Eventually(t, func() bool { return len(sc.dashboard.Notifications()) == 1 }, time.Second, 5*time.Millisecond)

	sc.dashboard.Dismiss(sc.asha.ID)
	assert.Empty(t, sc.dashboard.Notifications())
	assert.False(t, sc.tone.isPlaying())

	require.Nil(t, sc.dashboard.Refresh(ctx))
	assert.Empty(t, sc.dashboard.Notifications(), "dismissed alert should stay hidden across rescans")

	record, _ := sc.store.Emergency(ctx, sc.asha.ID)
	assert.True(t, record.Active, "dismiss should not cancel the alert")

	assert.ErrorIs(t, sc.dashboard.Call(sc.asha.ID), ErrCallUnsupported)

	watches, err := sc.dashboard.Watches(ctx, sc.asha.ID)
	require.Nil(t, err)
	assert.True(t, watches)
}

func TestTrack(t *testing.T) {
	sc := newScenario(t)
	ctx := context.Background()

	_, err := sc.dashboard.Track(ctx, sc.asha.ID)
	assert.ErrorIs(t, err, ErrNoEmergency)

	controller := alert.NewController(sc.store.ForContext("asha-tab"), nil)
	defer controller.Close()

	_, err = controller.Trigger(ctx, sc.asha, store.Location{30.4278, -9.5981}, false)
	require.Nil(t, err)

	view, err := sc.dashboard.Track(ctx, sc.asha.ID)
	require.Nil(t, err)
	assert.Equal(t, store.Location{30.4278, -9.5981}, view.Location, "should fall back to the trigger location")
	assert.Empty(t, view.User.Password)

	fix := store.LocationFix{Location: store.Location{30.43, -9.6}, Timestamp: store.Now()}
	require.Nil(t, sc.store.SetLocation(ctx, sc.asha.ID, fix))

	view, err = sc.dashboard.Track(ctx, sc.asha.ID)
	require.Nil(t, err)
	assert.Equal(t, fix.Location, view.Location)
}

func TestBuildHistory(t *testing.T) {
	sc := newScenario(t)
	ctx := context.Background()

	controller := alert.NewController(sc.store.ForContext("asha-tab"), nil)
	defer controller.Close()

	for i := 0; i < 2; i++ {
		_, err := controller.Trigger(ctx, sc.asha, store.Location{float64(i), 0}, false)
		require.Nil(t, err)
		require.Nil(t, controller.Cancel(ctx, sc.asha, true, store.Stalking))
		time.Sleep(2 * time.Millisecond)
	}

	ashaView, err := BuildHistory(ctx, sc.store, sc.asha.ID)
	require.Nil(t, err)
	require.Len(t, ashaView.Sent, 2)
	assert.Empty(t, ashaView.Received)
	assert.Equal(t, 1.0, ashaView.Sent[0].Location.Lat(), "newest alert should come first")

	minaView, err := BuildHistory(ctx, sc.store, sc.mina.ID)
	require.Nil(t, err)
	assert.Empty(t, minaView.Sent)
	require.Len(t, minaView.Received, 2)
	assert.Equal(t, "Asha", minaView.Received[0].UserName)
	assert.Equal(t, "Resolved", Status(false, false))
	assert.Equal(t, "Cancelled", Status(minaView.Received[0].Active, minaView.Received[0].Cancelled()))
}
