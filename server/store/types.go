package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	FalseAlarmReason        = "False alarm"
	EmergencyResolvedReason = "Emergency resolved"
)

// EmergencyType classifies a real emergency when it is resolved.
type EmergencyType string

const (
	Harassment EmergencyType = "harassment"
	Stalking   EmergencyType = "stalking"
	Assault    EmergencyType = "assault"
	Robbery    EmergencyType = "robbery"
	Medical    EmergencyType = "medical"
	Accident   EmergencyType = "accident"
	Other      EmergencyType = "other"
)

var EmergencyTypes = []EmergencyType{Harassment, Stalking, Assault, Robbery, Medical, Accident, Other}

func (t EmergencyType) Valid() bool {
	for _, known := range EmergencyTypes {
		if t == known {
			return true
		}
	}
	return false
}

func ParseEmergencyType(value string) (EmergencyType, error) {
	t := EmergencyType(strings.ToLower(strings.TrimSpace(value)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown emergency type %q", value)
	}
	return t, nil
}

// Location is a [latitude, longitude] pair, serialized as a two element array.
type Location [2]float64

func (l Location) Lat() float64 { return l[0] }
func (l Location) Lng() float64 { return l[1] }

func (l Location) String() string {
	return fmt.Sprintf("%.6f, %.6f", l[0], l[1])
}

type User struct {
	ID                 string     `json:"id"`
	FullName           string     `json:"fullName"`
	Email              string     `json:"email"`
	PhoneNumber        string     `json:"phoneNumber"`
	City               string     `json:"city"`
	Password           string     `json:"password,omitempty"`
	HasBracelet        bool       `json:"hasBracelet"`
	BraceletVerified   bool       `json:"braceletVerified"`
	BraceletCode       string     `json:"braceletCode,omitempty"`
	BraceletVerifiedAt *time.Time `json:"braceletVerifiedAt,omitempty"`
	TrustedContacts    []string   `json:"trustedContacts"`
	TrustedBy          []string   `json:"trustedBy"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Public returns a copy of the user that is safe to hand out i.e. without a password.
func (u User) Public() User {
	u.Password = ""
	u.TrustedContacts = append([]string{}, u.TrustedContacts...)
	u.TrustedBy = append([]string{}, u.TrustedBy...)
	return u
}

type ChunkRef struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

type LocationFix struct {
	Location  Location  `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

type AlertRecord struct {
	UserID             string        `json:"userId"`
	UserName           string        `json:"userName"`
	Timestamp          time.Time     `json:"timestamp"`
	Location           Location      `json:"location"`
	Active             bool          `json:"active"`
	DoubtMode          bool          `json:"doubtMode"`
	BraceletCode       string        `json:"braceletCode,omitempty"`
	PlayAlarmOnContact bool          `json:"playAlarmOnContact"`
	AudioChunks        []string      `json:"audioChunks"`
	LatestAudioChunk   *ChunkRef     `json:"latestAudioChunk,omitempty"`
	LiveStreamActive   bool          `json:"liveStreamActive"`
	CancelledAt        *time.Time    `json:"cancelledAt,omitempty"`
	WasRealEmergency   *bool         `json:"wasRealEmergency,omitempty"`
	CancellationReason string        `json:"cancellationReason,omitempty"`
	EmergencyType      EmergencyType `json:"emergencyType,omitempty"`
}

// Cancelled reports whether the record reached its terminal state.
func (a *AlertRecord) Cancelled() bool {
	return a != nil && a.CancelledAt != nil
}

func (a *AlertRecord) Clone() *AlertRecord {
	if a == nil {
		return nil
	}

	clone := *a
	clone.AudioChunks = append([]string{}, a.AudioChunks...)
	if a.LatestAudioChunk != nil {
		chunk := *a.LatestAudioChunk
		clone.LatestAudioChunk = &chunk
	}
	if a.CancelledAt != nil {
		at := *a.CancelledAt
		clone.CancelledAt = &at
	}
	if a.WasRealEmergency != nil {
		was := *a.WasRealEmergency
		clone.WasRealEmergency = &was
	}
	return &clone
}

// History is the append-only list of a user's alerts. Older clients sometimes
// stored a single record instead of an array, so both shapes are accepted.
type History []*AlertRecord

func (h *History) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*h = nil
		return nil
	}

	if trimmed[0] == '{' {
		record := &AlertRecord{}
		if err := json.Unmarshal(trimmed, record); err != nil {
			return err
		}
		*h = History{record}
		return nil
	}

	var records []*AlertRecord
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return err
	}
	*h = History(records)
	return nil
}

// Last returns the most recently appended record, or nil.
func (h History) Last() *AlertRecord {
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}
