package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Daskott/safeguard/server/logger"
	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/utils"
)

// Record keys. Renaming any of them orphans data already written by clients.
const (
	UsersKey        = "safetyUsers"
	CurrentUserKey  = "safetyUser"
	EmergenciesKey  = "emergencies"
	HistoryKey      = "emergencyHistory"
	LocationDataKey = "emergencyData"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrSelfContact  = errors.New("a user cannot be their own trusted contact")

	logg = logger.Component(logger.NewLogger(), "store", logger.Blue)
)

type backend struct {
	kv       KV
	notifier notifier.Notifier

	// mu serializes read-modify-write cycles issued through this process.
	// Writers in other processes still race with last-write-wins semantics.
	mu sync.Mutex
}

// Store is the typed view over the record keys for one browsing context.
// Every write is published on the notifier stamped with the context's origin.
type Store struct {
	*backend
	origin string
}

func New(kv KV, n notifier.Notifier) *Store {
	return &Store{backend: &backend{kv: kv, notifier: n}, origin: notifier.NewContextID()}
}

// ForContext returns a Store sharing the same backend that writes as origin.
func (s *Store) ForContext(origin string) *Store {
	return &Store{backend: s.backend, origin: origin}
}

func (s *Store) Origin() string {
	return s.origin
}

func (s *Store) Notifier() notifier.Notifier {
	return s.notifier
}

func (s *Store) Close() error {
	return s.kv.Close()
}

// Raw returns the stored JSON for key, used by change streams that forward documents as-is.
func (s *Store) Raw(ctx context.Context, key string) ([]byte, bool, error) {
	return s.kv.Get(ctx, key)
}

// ---------------------------------------------------------------------------------//
// Users
// --------------------------------------------------------------------------------//

func (s *Store) Users(ctx context.Context) ([]User, error) {
	users := []User{}
	if err := s.read(ctx, UsersKey, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) SaveUsers(ctx context.Context, users []User) error {
	return s.write(ctx, UsersKey, users)
}

func (s *Store) FindUser(ctx context.Context, id string) (*User, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}

	for i := range users {
		if users[i].ID == id {
			return &users[i], nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}

	for i := range users {
		if strings.EqualFold(users[i].Email, email) {
			return &users[i], nil
		}
	}
	return nil, ErrUserNotFound
}

// UpdateUser applies fn to the user with the given id and saves it. fn also
// sees every account, read under the same lock. The session user is refreshed
// when it is the same account.
func (s *Store) UpdateUser(ctx context.Context, id string, fn func(user *User, users []User) error) (*User, error) {
	var updated *User

	err := s.MutateUsers(ctx, func(users []User) ([]User, error) {
		for i := range users {
			if users[i].ID != id {
				continue
			}
			if err := fn(&users[i], users); err != nil {
				return nil, err
			}
			updated = &users[i]
			return users, nil
		}
		return nil, ErrUserNotFound
	})
	if err != nil {
		return nil, err
	}

	return updated, s.refreshCurrentUser(ctx, *updated)
}

// MutateUsers runs a read-modify-write cycle over safetyUsers.
func (s *Store) MutateUsers(ctx context.Context, fn func([]User) ([]User, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.Users(ctx)
	if err != nil {
		return err
	}

	users, err = fn(users)
	if err != nil {
		return err
	}

	return s.SaveUsers(ctx, users)
}

// LinkContacts records that owner trusts contact: contact is appended to the
// owner's trustedContacts and owner to the contact's trustedBy, in one write.
func (s *Store) LinkContacts(ctx context.Context, ownerID, contactID string) (*User, error) {
	return s.editRelationship(ctx, ownerID, contactID, func(owner, contact *User) {
		if !utils.ContainsString(owner.TrustedContacts, contact.ID) {
			owner.TrustedContacts = append(owner.TrustedContacts, contact.ID)
		}
		if !utils.ContainsString(contact.TrustedBy, owner.ID) {
			contact.TrustedBy = append(contact.TrustedBy, owner.ID)
		}
	})
}

// UnlinkContacts removes both sides of the relationship created by LinkContacts.
func (s *Store) UnlinkContacts(ctx context.Context, ownerID, contactID string) (*User, error) {
	return s.editRelationship(ctx, ownerID, contactID, func(owner, contact *User) {
		owner.TrustedContacts = utils.RemoveString(owner.TrustedContacts, contact.ID)
		contact.TrustedBy = utils.RemoveString(contact.TrustedBy, owner.ID)
	})
}

func (s *Store) editRelationship(ctx context.Context, ownerID, contactID string, edit func(owner, contact *User)) (*User, error) {
	if ownerID == contactID {
		return nil, ErrSelfContact
	}

	var owner, contact User
	err := s.MutateUsers(ctx, func(users []User) ([]User, error) {
		ownerIdx, contactIdx := -1, -1
		for i := range users {
			switch users[i].ID {
			case ownerID:
				ownerIdx = i
			case contactID:
				contactIdx = i
			}
		}

		if ownerIdx < 0 || contactIdx < 0 {
			return nil, ErrUserNotFound
		}

		edit(&users[ownerIdx], &users[contactIdx])
		owner, contact = users[ownerIdx], users[contactIdx]
		return users, nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.refreshCurrentUser(ctx, owner); err != nil {
		return nil, err
	}
	if err := s.refreshCurrentUser(ctx, contact); err != nil {
		return nil, err
	}

	return &owner, nil
}

// ---------------------------------------------------------------------------------//
// Session user
// --------------------------------------------------------------------------------//

// CurrentUser returns the session user, or nil when nobody is logged in.
func (s *Store) CurrentUser(ctx context.Context) (*User, error) {
	raw, found, err := s.kv.Get(ctx, CurrentUserKey)
	if err != nil || !found {
		return nil, err
	}

	user := &User{}
	if err := json.Unmarshal(raw, user); err != nil {
		return nil, fmt.Errorf("decode %v: %v", CurrentUserKey, err)
	}
	if user.ID == "" {
		return nil, nil
	}
	return user, nil
}

func (s *Store) SetCurrentUser(ctx context.Context, user User) error {
	return s.write(ctx, CurrentUserKey, user)
}

func (s *Store) ClearCurrentUser(ctx context.Context) error {
	if err := s.kv.Remove(ctx, CurrentUserKey); err != nil {
		return err
	}
	s.publish(ctx, CurrentUserKey, []byte("null"))
	return nil
}

func (s *Store) refreshCurrentUser(ctx context.Context, user User) error {
	current, err := s.CurrentUser(ctx)
	if err != nil || current == nil || current.ID != user.ID {
		return err
	}
	return s.SetCurrentUser(ctx, user)
}

// ---------------------------------------------------------------------------------//
// Emergencies & history
// --------------------------------------------------------------------------------//

func (s *Store) Emergencies(ctx context.Context) (map[string]*AlertRecord, error) {
	emergencies := map[string]*AlertRecord{}
	if err := s.read(ctx, EmergenciesKey, &emergencies); err != nil {
		return nil, err
	}

	// Clients share this document and may leave null entries behind.
	for userID, record := range emergencies {
		if record == nil {
			delete(emergencies, userID)
		}
	}
	return emergencies, nil
}

func (s *Store) SaveEmergencies(ctx context.Context, emergencies map[string]*AlertRecord) error {
	return s.write(ctx, EmergenciesKey, emergencies)
}

// Emergency returns the current alert record for userID, or nil.
func (s *Store) Emergency(ctx context.Context, userID string) (*AlertRecord, error) {
	emergencies, err := s.Emergencies(ctx)
	if err != nil {
		return nil, err
	}
	return emergencies[userID], nil
}

func (s *Store) History(ctx context.Context) (map[string]History, error) {
	history := map[string]History{}
	if err := s.read(ctx, HistoryKey, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Store) SaveHistory(ctx context.Context, history map[string]History) error {
	return s.write(ctx, HistoryKey, history)
}

func (s *Store) UserHistory(ctx context.Context, userID string) (History, error) {
	history, err := s.History(ctx)
	if err != nil {
		return nil, err
	}
	return history[userID], nil
}

// MutateAlerts runs a read-modify-write cycle over both emergencies and
// emergencyHistory. Only the keys fn reports as changed are written.
func (s *Store) MutateAlerts(ctx context.Context, fn func(current map[string]*AlertRecord, history map[string]History) (currentChanged, historyChanged bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Emergencies(ctx)
	if err != nil {
		return err
	}

	history, err := s.History(ctx)
	if err != nil {
		return err
	}

	currentChanged, historyChanged, err := fn(current, history)
	if err != nil {
		return err
	}

	if currentChanged {
		if err := s.SaveEmergencies(ctx, current); err != nil {
			return err
		}
	}

	if historyChanged {
		return s.SaveHistory(ctx, history)
	}

	return nil
}

// ---------------------------------------------------------------------------------//
// Location slots
// --------------------------------------------------------------------------------//

func (s *Store) LocationData(ctx context.Context) (map[string]LocationFix, error) {
	data := map[string]LocationFix{}
	if err := s.read(ctx, LocationDataKey, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) SaveLocationData(ctx context.Context, data map[string]LocationFix) error {
	return s.write(ctx, LocationDataKey, data)
}

func (s *Store) SetLocation(ctx context.Context, userID string, fix LocationFix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.LocationData(ctx)
	if err != nil {
		return err
	}

	data[userID] = fix
	return s.SaveLocationData(ctx, data)
}

// Location returns the last written fix for userID.
func (s *Store) Location(ctx context.Context, userID string) (LocationFix, bool, error) {
	data, err := s.LocationData(ctx)
	if err != nil {
		return LocationFix{}, false, err
	}

	fix, found := data[userID]
	return fix, found, nil
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func (s *Store) read(ctx context.Context, key string, dest interface{}) error {
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read %v: %v", key, err)
	}
	if !found || len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %v: %v", key, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %v: %v", key, err)
	}

	if err := s.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write %v: %v", key, err)
	}

	s.publish(ctx, key, raw)
	return nil
}

// publish is fire-and-forget: a write is never rolled back because nobody was listening.
func (s *Store) publish(ctx context.Context, key string, raw []byte) {
	if s.notifier == nil {
		return
	}

	if err := s.notifier.Publish(ctx, s.origin, key, raw); err != nil {
		logg.Warnf("publish %v: %v", key, err)
	}
}

// SortNewestFirst orders alert records by creation time, newest first.
func SortNewestFirst(records []*AlertRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}

// Now is the clock used for record timestamps, truncated to milliseconds like
// the JSON timestamps written by browser clients.
var Now = func() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
