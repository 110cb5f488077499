package session

import "time"

// EventType names a membership change.
type EventType string

const (
	EventMemberJoined     EventType = "member-joined"
	EventMemberLeft       EventType = "member-left"
	EventMemberOutOfRange EventType = "member-out-of-range"
)

// Event describes one membership change in a place.
type Event struct {
	Type      EventType
	PlaceID   string
	UserID    string
	Timestamp time.Time
}

// EventPublisher receives membership changes. Publish must not block.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
