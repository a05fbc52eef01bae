package alert

import (
	"time"

	"github.com/Daskott/safeguard/server/store"
)

type Mode int

const (
	Normal Mode = iota
	Doubt
)

func (m Mode) String() string {
	if m == Doubt {
		return "doubt"
	}
	return "normal"
}

type Outcome int

const (
	FalseAlarm Outcome = iota
	Resolved
)

func (o Outcome) String() string {
	if o == Resolved {
		return "resolved"
	}
	return "false_alarm"
}

// State is one of Idle, Active or Cancelled.
type State interface {
	state()
}

type Idle struct{}

type Active struct {
	Mode      Mode
	StartedAt time.Time
	Location  store.Location
	Audio     []store.ChunkRef
}

type Cancelled struct {
	Outcome Outcome
	// Type is only set for Resolved.
	Type store.EmergencyType
	At   time.Time
}

func (Idle) state()      {}
func (Active) state()    {}
func (Cancelled) state() {}

// StateOf derives the state variant a stored record is in.
func StateOf(record *store.AlertRecord) State {
	if record == nil {
		return Idle{}
	}

	if record.Active {
		mode := Normal
		if record.DoubtMode {
			mode = Doubt
		}

		audio := make([]store.ChunkRef, 0, len(record.AudioChunks))
		for _, id := range record.AudioChunks {
			chunk := store.ChunkRef{ID: id}
			if record.LatestAudioChunk != nil && record.LatestAudioChunk.ID == id {
				chunk.Timestamp = record.LatestAudioChunk.Timestamp
			}
			audio = append(audio, chunk)
		}

		return Active{Mode: mode, StartedAt: record.Timestamp, Location: record.Location, Audio: audio}
	}

	if record.CancelledAt != nil {
		cancelled := Cancelled{Outcome: FalseAlarm, At: *record.CancelledAt}
		if record.WasRealEmergency != nil && *record.WasRealEmergency {
			cancelled.Outcome = Resolved
			cancelled.Type = record.EmergencyType
		}
		return cancelled
	}

	return Idle{}
}
