package source

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/server/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSimulatedAudioEmitsUniqueChunksUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	chunks := []store.ChunkRef{}

	audio := NewSimulatedAudio(10 * time.Millisecond)
	stop, err := audio.Start(context.Background(), "u1", func(c store.ChunkRef) {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, c)
	})
	require.Nil(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) >= 3
	}, time.Second, 5*time.Millisecond)

	stop()
	stop()

	mu.Lock()
	count := len(chunks)
	ids := map[string]bool{}
	for _, c := range chunks {
		assert.True(t, strings.HasPrefix(c.ID, "chunk_"))
		ids[c.ID] = true
	}
	mu.Unlock()
	assert.Len(t, ids, count, "chunk ids should be unique")

	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, count, len(chunks), "no chunk should be emitted after stop")
}

func TestSimulatedAudioStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	stop, err := NewSimulatedAudio(5*time.Millisecond).Start(ctx, "u1", func(store.ChunkRef) {})
	require.Nil(t, err)

	cancel()
	stop()
}

func TestJitterStaysWithinDelta(t *testing.T) {
	sim := NewSimulatedLocation(time.Second, DefaultMaxDelta)
	origin := store.Location{30.4278, -9.5981}

	for i := 0; i < 1000; i++ {
		moved := sim.Jitter(origin)
		assert.LessOrEqual(t, math.Abs(moved.Lat()-origin.Lat()), DefaultMaxDelta/2)
		assert.LessOrEqual(t, math.Abs(moved.Lng()-origin.Lng()), DefaultMaxDelta/2)
	}
}

func TestTrackerWritesLocationSlot(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := notifier.NewLocal()
	defer bus.Close()
	s := store.New(store.NewMemoryKV(), bus)
	ctx := context.Background()

	tracker := NewTracker(s, NewSimulatedLocation(5*time.Millisecond, DefaultMaxDelta))
	defer tracker.Close()

	enabled, err := tracker.Toggle(ctx, "u1", store.Location{30.4278, -9.5981})
	require.Nil(t, err)
	assert.True(t, enabled)

	assert.Eventually(t, func() bool {
		_, found, err := s.Location(ctx, "u1")
		return err == nil && found
	}, time.Second, 5*time.Millisecond)

	enabled, err = tracker.Toggle(ctx, "u1", store.Location{})
	require.Nil(t, err)
	assert.False(t, enabled)
	assert.False(t, tracker.Enabled("u1"))

	fix, _, _ := s.Location(ctx, "u1")
	assert.InDelta(t, 30.4278, fix.Location.Lat(), 0.01)
}

func TestDevicesRouteToActiveStream(t *testing.T) {
	bus := notifier.NewLocal()
	defer bus.Close()
	s := store.New(store.NewMemoryKV(), bus)
	ctx := context.Background()

	require.Nil(t, s.SaveUsers(ctx, []store.User{
		{ID: "asha", BraceletCode: "AB12CD34", BraceletVerified: true},
		{ID: "mina", BraceletCode: "ZZ99ZZ99", BraceletVerified: false},
	}))

	archiveDir := t.TempDir()
	devices := NewDevices(s, LocalArchive{Dir: archiveDir})

	_, err := devices.PushAudio(ctx, "AB12CD34", []byte("pcm"))
	assert.ErrorIs(t, err, ErrNotStreaming, "no alert is listening yet")

	_, err = devices.PushAudio(ctx, "ZZ99ZZ99", []byte("pcm"))
	assert.ErrorIs(t, err, ErrUnknownDevice, "unverified bracelets are ignored")

	received := []store.ChunkRef{}
	stop, err := devices.Audio().Start(ctx, "asha", func(c store.ChunkRef) { received = append(received, c) })
	require.Nil(t, err)

	chunk, err := devices.PushAudio(ctx, "AB12CD34", []byte("pcm"))
	require.Nil(t, err)
	assert.Equal(t, []store.ChunkRef{chunk}, received)
	assert.FileExists(t, archiveDir+"/asha/"+chunk.ID)

	stop()
	_, err = devices.PushAudio(ctx, "AB12CD34", []byte("pcm"))
	assert.ErrorIs(t, err, ErrNotStreaming)

	fixes := []store.LocationFix{}
	stopLocation, err := devices.Location().Start(ctx, "asha", store.Location{}, func(f store.LocationFix) { fixes = append(fixes, f) })
	require.Nil(t, err)
	defer stopLocation()

	_, err = devices.PushLocation(ctx, "AB12CD34", store.Location{1, 2})
	require.Nil(t, err)
	assert.Len(t, fixes, 1)
	assert.Equal(t, store.Location{1, 2}, fixes[0].Location)
}

func TestNewSourcesByKind(t *testing.T) {
	_, err := NewAudioSource("microphone", 0, nil)
	assert.NotNil(t, err)

	_, err = NewAudioSource(DEVICE, 0, nil)
	assert.NotNil(t, err, "device source needs a registry")

	audio, err := NewAudioSource(SIMULATED, 0, nil)
	require.Nil(t, err)
	assert.Equal(t, DefaultAudioInterval, audio.(*SimulatedAudio).Interval)

	location, err := NewLocationSource("", 0, nil)
	require.Nil(t, err)
	assert.Equal(t, DefaultLocationInterval, location.(*SimulatedLocation).Interval)
}
