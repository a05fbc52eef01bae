package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Daskott/safeguard/server/store"
	"github.com/Daskott/safeguard/utils"
)

var (
	ErrUnknownDevice = errors.New("no verified user is paired with this device")
	ErrNotStreaming  = errors.New("device has no active stream")
)

// ChunkArchive persists raw audio uploaded by devices.
type ChunkArchive interface {
	Put(ctx context.Context, name string, data []byte) error
}

// LocalArchive writes chunks under Dir, one file per chunk.
type LocalArchive struct {
	Dir string
}

func (a LocalArchive) Put(_ context.Context, name string, data []byte) error {
	path := filepath.Join(a.Dir, name)
	if err := utils.CreateDirIfNotExist(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type registration struct {
	mu     sync.Mutex
	active bool
}

// Devices routes data pushed by paired wearables to whichever alert or
// tracker is currently listening for that user.
type Devices struct {
	store   *store.Store
	archive ChunkArchive

	mu       sync.Mutex
	audio    map[string]*audioReg
	location map[string]*locationReg
}

type audioReg struct {
	registration
	sink AudioSink
}

type locationReg struct {
	registration
	sink LocationSink
}

func NewDevices(s *store.Store, archive ChunkArchive) *Devices {
	return &Devices{
		store:    s,
		archive:  archive,
		audio:    make(map[string]*audioReg),
		location: make(map[string]*locationReg),
	}
}

func (d *Devices) Audio() AudioSource {
	return deviceAudio{d}
}

func (d *Devices) Location() LocationSource {
	return deviceLocation{d}
}

// PushAudio archives a chunk uploaded by the device with the given code and
// hands its reference to the owner's active alert.
func (d *Devices) PushAudio(ctx context.Context, code string, data []byte) (store.ChunkRef, error) {
	userID, err := d.resolve(ctx, code)
	if err != nil {
		return store.ChunkRef{}, err
	}

	d.mu.Lock()
	reg := d.audio[userID]
	d.mu.Unlock()

	if reg == nil {
		return store.ChunkRef{}, ErrNotStreaming
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	chunk := store.ChunkRef{ID: utils.NewChunkID(now), Timestamp: now}

	if d.archive != nil {
		if err := d.archive.Put(ctx, filepath.Join(userID, chunk.ID), data); err != nil {
			return store.ChunkRef{}, fmt.Errorf("archive chunk: %v", err)
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.active {
		return store.ChunkRef{}, ErrNotStreaming
	}
	reg.sink(chunk)

	return chunk, nil
}

// PushLocation hands a fix reported by the device to the owner's tracker.
func (d *Devices) PushLocation(ctx context.Context, code string, loc store.Location) (store.LocationFix, error) {
	userID, err := d.resolve(ctx, code)
	if err != nil {
		return store.LocationFix{}, err
	}

	d.mu.Lock()
	reg := d.location[userID]
	d.mu.Unlock()

	if reg == nil {
		return store.LocationFix{}, ErrNotStreaming
	}

	fix := store.LocationFix{Location: loc, Timestamp: time.Now().UTC().Truncate(time.Millisecond)}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.active {
		return store.LocationFix{}, ErrNotStreaming
	}
	reg.sink(fix)

	return fix, nil
}

func (d *Devices) resolve(ctx context.Context, code string) (string, error) {
	users, err := d.store.Users(ctx)
	if err != nil {
		return "", err
	}

	for _, user := range users {
		if user.BraceletVerified && user.BraceletCode == code {
			return user.ID, nil
		}
	}
	return "", ErrUnknownDevice
}

type deviceAudio struct {
	devices *Devices
}

func (a deviceAudio) Start(_ context.Context, userID string, sink AudioSink) (StopFunc, error) {
	reg := &audioReg{registration: registration{active: true}, sink: sink}

	a.devices.mu.Lock()
	a.devices.audio[userID] = reg
	a.devices.mu.Unlock()

	return func() {
		a.devices.mu.Lock()
		if a.devices.audio[userID] == reg {
			delete(a.devices.audio, userID)
		}
		a.devices.mu.Unlock()

		reg.mu.Lock()
		reg.active = false
		reg.mu.Unlock()
	}, nil
}

type deviceLocation struct {
	devices *Devices
}

func (l deviceLocation) Start(_ context.Context, userID string, _ store.Location, sink LocationSink) (StopFunc, error) {
	reg := &locationReg{registration: registration{active: true}, sink: sink}

	l.devices.mu.Lock()
	l.devices.location[userID] = reg
	l.devices.mu.Unlock()

	return func() {
		l.devices.mu.Lock()
		if l.devices.location[userID] == reg {
			delete(l.devices.location, userID)
		}
		l.devices.mu.Unlock()

		reg.mu.Lock()
		reg.active = false
		reg.mu.Unlock()
	}, nil
}
