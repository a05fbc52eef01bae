package alert

import (
	"context"
	"sync"

	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/server/source"
	"github.com/Daskott/safeguard/server/store"
)

// Manager keeps one attached Controller per user for a long running process.
// Each controller gets its own context id, so the writes it makes reach the
// other controllers and any websocket observers as change events.
type Manager struct {
	store *store.Store
	audio source.AudioSource
	opts  []Option

	mu          sync.Mutex
	controllers map[string]*Controller
}

func NewManager(s *store.Store, audio source.AudioSource, opts ...Option) *Manager {
	return &Manager{store: s, audio: audio, opts: opts, controllers: make(map[string]*Controller)}
}

// For returns the controller of user, attaching a new one on first use.
func (m *Manager) For(ctx context.Context, user *store.User) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[user.ID]; ok {
		return c, nil
	}

	c := NewController(m.store.ForContext(notifier.NewContextID()), m.audio, m.opts...)
	if err := c.Attach(ctx, user); err != nil {
		c.Close()
		return nil, err
	}

	m.controllers[user.ID] = c
	return c, nil
}

// Resume attaches a controller for every user whose alert is still active,
// restarting their audio after a process restart.
func (m *Manager) Resume(ctx context.Context) error {
	emergencies, err := m.store.Emergencies(ctx)
	if err != nil {
		return err
	}

	for userID, record := range emergencies {
		if record == nil || !record.Active {
			continue
		}

		user, err := m.store.FindUser(ctx, userID)
		if err != nil {
			logg.Warnf("not resuming alert of %v: %v", userID, err)
			continue
		}

		if _, err := m.For(ctx, user); err != nil {
			return err
		}
		logg.Infof("resumed alert of %v", userID)
	}
	return nil
}

func (m *Manager) Close() {
	m.mu.Lock()
	controllers := m.controllers
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range controllers {
		c.Close()
	}
}
