package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Daskott/safeguard/server/notifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *notifier.Local) {
	t.Helper()

	bus := notifier.NewLocal()
	t.Cleanup(func() { bus.Close() })

	return New(NewMemoryKV(), bus), bus
}

func seedUsers(t *testing.T, s *Store, users ...User) {
	t.Helper()
	require.Nil(t, s.SaveUsers(context.Background(), users))
}

func TestKVBackends(t *testing.T) {
	sqlKV, err := OpenMemorySQLKV()
	require.Nil(t, err)
	defer sqlKV.Close()

	backends := map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": sqlKV,
	}

	for name, kv := range backends {
		t.Run(name+" backend should get, overwrite & remove values", func(t *testing.T) {
			ctx := context.Background()

			_, found, err := kv.Get(ctx, "missing")
			assert.Nil(t, err)
			assert.False(t, found)

			require.Nil(t, kv.Set(ctx, "k", []byte("one")))
			require.Nil(t, kv.Set(ctx, "k", []byte("two")))

			value, found, err := kv.Get(ctx, "k")
			assert.Nil(t, err)
			assert.True(t, found)
			assert.Equal(t, "two", string(value), "last write should win")

			require.Nil(t, kv.Remove(ctx, "k"))
			_, found, err = kv.Get(ctx, "k")
			assert.Nil(t, err)
			assert.False(t, found)
		})
	}
}

func TestOpenSQLKVCreatesDbLazily(t *testing.T) {
	dataDir := t.TempDir()

	kv, err := OpenSQLKV(dataDir)
	require.Nil(t, err)
	defer kv.Close()

	require.Nil(t, kv.Set(context.Background(), UsersKey, []byte("[]")))
	assert.FileExists(t, DbFilePath(dataDir))
}

func TestMissingKeysReadAsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	users, err := s.Users(ctx)
	assert.Nil(t, err)
	assert.Empty(t, users)

	emergencies, err := s.Emergencies(ctx)
	assert.Nil(t, err)
	assert.Empty(t, emergencies)

	current, err := s.CurrentUser(ctx)
	assert.Nil(t, err)
	assert.Nil(t, current)
}

func TestKeyLayoutMatchesBrowserClients(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.Nil(t, s.SaveEmergencies(ctx, map[string]*AlertRecord{
		"u1": {UserID: "u1", UserName: "Asha", Timestamp: at, Location: Location{30.4278, -9.5981}, Active: true, PlayAlarmOnContact: true, AudioChunks: []string{}},
	}))

	raw, found, err := s.Raw(ctx, EmergenciesKey)
	require.Nil(t, err)
	require.True(t, found)

	doc := map[string]map[string]interface{}{}
	require.Nil(t, json.Unmarshal(raw, &doc))

	record := doc["u1"]
	assert.Equal(t, "u1", record["userId"])
	assert.Equal(t, []interface{}{30.4278, -9.5981}, record["location"])
	assert.Equal(t, true, record["playAlarmOnContact"])
	assert.Equal(t, "2024-03-01T10:00:00Z", record["timestamp"])
	assert.NotContains(t, record, "cancelledAt", "cancellation fields only appear once cancelled")
}

func TestHistoryToleratesSingleRecord(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	legacy := `{"u1":{"userId":"u1","active":false,"timestamp":"2024-03-01T10:00:00.000Z","location":[1,2]},
		"u2":[{"userId":"u2","timestamp":"2024-03-01T10:00:00.000Z"},{"userId":"u2","timestamp":"2024-03-02T10:00:00.000Z"}]}`
	require.Nil(t, s.kv.Set(ctx, HistoryKey, []byte(legacy)))

	history, err := s.History(ctx)
	require.Nil(t, err)

	assert.Len(t, history["u1"], 1, "single record should be normalized into a one element list")
	assert.Equal(t, Location{1, 2}, history["u1"][0].Location)
	assert.Len(t, history["u2"], 2)
	assert.Equal(t, 2, history["u2"].Last().Timestamp.Day())
}

func TestEmergenciesSkipNullEntries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	raw := `{"asha":null,"mina":{"userId":"mina","active":true,"timestamp":"2024-03-01T10:00:00.000Z"}}`
	require.Nil(t, s.kv.Set(ctx, EmergenciesKey, []byte(raw)))

	emergencies, err := s.Emergencies(ctx)
	require.Nil(t, err)
	assert.Len(t, emergencies, 1)
	assert.True(t, emergencies["mina"].Active)

	record, err := s.Emergency(ctx, "asha")
	require.Nil(t, err)
	assert.Nil(t, record)
}

func TestLinkAndUnlinkContacts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seedUsers(t, s, User{ID: "asha", FullName: "Asha"}, User{ID: "mina", FullName: "Mina"}, User{ID: "leo", FullName: "Leo"})
	require.Nil(t, s.SetCurrentUser(ctx, User{ID: "asha", FullName: "Asha"}))

	owner, err := s.LinkContacts(ctx, "asha", "mina")
	require.Nil(t, err)
	assert.Equal(t, []string{"mina"}, owner.TrustedContacts)

	_, err = s.LinkContacts(ctx, "asha", "mina")
	require.Nil(t, err, "linking twice should be a no-op")

	mina, err := s.FindUser(ctx, "mina")
	require.Nil(t, err)
	assert.Equal(t, []string{"asha"}, mina.TrustedBy)

	asha, err := s.FindUser(ctx, "asha")
	require.Nil(t, err)
	assert.Equal(t, []string{"mina"}, asha.TrustedContacts)

	current, err := s.CurrentUser(ctx)
	require.Nil(t, err)
	assert.Equal(t, []string{"mina"}, current.TrustedContacts, "session user should be refreshed")

	_, err = s.UnlinkContacts(ctx, "asha", "mina")
	require.Nil(t, err)

	mina, _ = s.FindUser(ctx, "mina")
	asha, _ = s.FindUser(ctx, "asha")
	assert.Empty(t, mina.TrustedBy)
	assert.Empty(t, asha.TrustedContacts)

	_, err = s.LinkContacts(ctx, "asha", "asha")
	assert.ErrorIs(t, err, ErrSelfContact)

	_, err = s.LinkContacts(ctx, "asha", "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestWritesArePublishedToOtherContexts(t *testing.T) {
	s, bus := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := []notifier.Event{}
	_, err := bus.Subscribe("other-tab", EmergenciesKey, func(e notifier.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
	})
	require.Nil(t, err)

	tab := s.ForContext("this-tab")
	require.Nil(t, tab.SaveEmergencies(ctx, map[string]*AlertRecord{"u1": {UserID: "u1", Active: true}}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "this-tab", seen[0].Origin)
	assert.Contains(t, string(seen[0].Value), `"active":true`)
}

func TestSortNewestFirst(t *testing.T) {
	base := time.Now()
	records := []*AlertRecord{
		{UserID: "old", Timestamp: base.Add(-time.Hour)},
		{UserID: "new", Timestamp: base},
		{UserID: "mid", Timestamp: base.Add(-time.Minute)},
	}

	SortNewestFirst(records)

	assert.Equal(t, "new", records[0].UserID)
	assert.Equal(t, "mid", records[1].UserID)
	assert.Equal(t, "old", records[2].UserID)
}

func TestParseEmergencyType(t *testing.T) {
	cases := []struct {
		input    string
		expected EmergencyType
		valid    bool
	}{
		{"assault", Assault, true},
		{" Medical ", Medical, true},
		{"fire", "", false},
	}

	for _, tcase := range cases {
		t.Run("parse "+tcase.input, func(t *testing.T) {
			got, err := ParseEmergencyType(tcase.input)
			if !tcase.valid {
				assert.NotNil(t, err)
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, tcase.expected, got)
		})
	}
}
