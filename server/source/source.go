// Package source provides the audio and location capabilities an alert
// consumes. Simulated sources stand in for hardware; device sources are fed
// by a paired wearable over HTTP.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/Daskott/safeguard/server/logger"
	"github.com/Daskott/safeguard/server/store"
)

const (
	SIMULATED = "simulated"
	DEVICE    = "device"

	DefaultAudioInterval    = 5 * time.Second
	DefaultLocationInterval = 3 * time.Second
	DefaultMaxDelta         = 0.0005
)

var logg = logger.Component(logger.NewLogger(), "source", logger.Green)

type AudioSink func(store.ChunkRef)

type LocationSink func(store.LocationFix)

// StopFunc releases a started source. It is idempotent and returns once no
// further sink calls can happen.
type StopFunc func()

type AudioSource interface {
	Start(ctx context.Context, userID string, sink AudioSink) (StopFunc, error)
}

type LocationSource interface {
	Start(ctx context.Context, userID string, from store.Location, sink LocationSink) (StopFunc, error)
}

// NewAudioSource selects the audio capability named by kind.
func NewAudioSource(kind string, interval time.Duration, devices *Devices) (AudioSource, error) {
	switch kind {
	case "", SIMULATED:
		return NewSimulatedAudio(interval), nil
	case DEVICE:
		if devices == nil {
			return nil, fmt.Errorf("device audio source requires a device registry")
		}
		return devices.Audio(), nil
	}
	return nil, fmt.Errorf("unknown audio source %q, must be %q or %q", kind, SIMULATED, DEVICE)
}

// NewLocationSource selects the location capability named by kind.
func NewLocationSource(kind string, interval time.Duration, devices *Devices) (LocationSource, error) {
	switch kind {
	case "", SIMULATED:
		return NewSimulatedLocation(interval, DefaultMaxDelta), nil
	case DEVICE:
		if devices == nil {
			return nil, fmt.Errorf("device location source requires a device registry")
		}
		return devices.Location(), nil
	}
	return nil, fmt.Errorf("unknown location source %q, must be %q or %q", kind, SIMULATED, DEVICE)
}
