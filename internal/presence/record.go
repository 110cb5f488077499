// Package presence tracks each user's global online state in Redis,
// independent of any place membership.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
)

// State is the wire tag of a presence record.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

var errUnknownState = errors.New("presence: unknown record state")

// Display holds the denormalized profile fields rendered in rosters.
type Display struct {
	DisplayName       string `json:"displayName,omitempty"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
	Headline          string `json:"headline,omitempty"`
}

// Record is either Online or Offline.
type Record interface {
	User() string
	State() State
	LastChanged() time.Time
	isRecord()
}

// Online is the record of a connected user. CurrentPlace is empty when the
// user is online but not in any place; Location is nil until a position is reported.
type Online struct {
	UserID       string
	Display      Display
	CurrentPlace string
	Location     *geo.Point
	Changed      time.Time
	// ConnectionID names the connection whose disconnect write will take this record offline.
	ConnectionID string
}

func (o Online) User() string           { return o.UserID }
func (o Online) State() State           { return StateOnline }
func (o Online) LastChanged() time.Time { return o.Changed }
func (Online) isRecord()                {}

// InPlace reports the current place, if any.
func (o Online) InPlace() (string, bool) {
	return o.CurrentPlace, o.CurrentPlace != ""
}

// Offline is the record of a user without a live connection.
type Offline struct {
	UserID  string
	Changed time.Time
}

func (o Offline) User() string           { return o.UserID }
func (o Offline) State() State           { return StateOffline }
func (o Offline) LastChanged() time.Time { return o.Changed }
func (Offline) isRecord()                {}

type wireRecord struct {
	State        State      `json:"state"`
	Display      *Display   `json:"display,omitempty"`
	CurrentPlace string     `json:"currentPlace,omitempty"`
	Location     *geo.Point `json:"location,omitempty"`
	LastChanged  int64      `json:"last_changed"`
	ConnectionID string     `json:"conn,omitempty"`
}

func encodeRecord(record Record) ([]byte, error) {
	var wire wireRecord
	switch typed := record.(type) {
	case Online:
		display := typed.Display
		wire = wireRecord{
			State:        StateOnline,
			Display:      &display,
			CurrentPlace: typed.CurrentPlace,
			Location:     typed.Location,
			LastChanged:  typed.Changed.UnixMilli(),
			ConnectionID: typed.ConnectionID,
		}
	case Offline:
		wire = wireRecord{State: StateOffline, LastChanged: typed.Changed.UnixMilli()}
	default:
		return nil, fmt.Errorf("%w: %T", errUnknownState, record)
	}
	return json.Marshal(wire)
}

func decodeRecord(userID string, payload []byte) (Record, error) {
	var wire wireRecord
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("presence: decode record for %s: %w", userID, err)
	}
	changed := time.UnixMilli(wire.LastChanged).UTC()
	switch wire.State {
	case StateOnline:
		online := Online{
			UserID:       userID,
			CurrentPlace: wire.CurrentPlace,
			Location:     wire.Location,
			Changed:      changed,
			ConnectionID: wire.ConnectionID,
		}
		if wire.Display != nil {
			online.Display = *wire.Display
		}
		return online, nil
	case StateOffline:
		return Offline{UserID: userID, Changed: changed}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownState, wire.State)
	}
}
