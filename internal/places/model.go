// Package places persists places and their per-user membership records.
package places

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
)

const (
	maxIdentifierLength = 190
	maxNameLength       = 190
)

var (
	// ErrInvalidPlaceID indicates that a place identifier is empty or exceeds storage bounds.
	ErrInvalidPlaceID = errors.New("places: invalid place id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("places: invalid user id")
	// ErrInvalidName indicates that a place name is empty or too long.
	ErrInvalidName = errors.New("places: invalid name")
	// ErrPlaceNotFound indicates that no place exists for the identifier.
	ErrPlaceNotFound = errors.New("places: place not found")
	// ErrAlreadyExists indicates that a place with the identifier was already created.
	ErrAlreadyExists = errors.New("places: place already exists")
)

// PlaceID is a validated place identifier. It doubles as the join/QR code.
type PlaceID string

// NewPlaceID validates raw input and returns a PlaceID.
func NewPlaceID(rawInput string) (PlaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPlaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPlaceID, maxIdentifierLength)
	}
	return PlaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PlaceID) String() string {
	return string(id)
}

// UserID is a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Place is a named geofenced room. The origin never changes after creation.
type Place struct {
	PlaceID       string    `gorm:"column:place_id;primaryKey;size:190;not null"`
	Name          string    `gorm:"column:name;size:190;not null"`
	OriginLat     float64   `gorm:"column:origin_lat;not null"`
	OriginLng     float64   `gorm:"column:origin_lng;not null"`
	OriginGeohash string    `gorm:"column:origin_geohash;size:12;not null;default:'';index"`
	CreatedBy     string    `gorm:"column:created_by;size:190;not null"`
	IsActive      bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Place) TableName() string {
	return "places"
}

// Origin returns the geofence center.
func (p Place) Origin() geo.Point {
	return geo.Point{Lat: p.OriginLat, Lng: p.OriginLng}
}

// PlaceMember is the membership record of one user in one place.
type PlaceMember struct {
	PlaceID    string     `gorm:"column:place_id;primaryKey;size:190;not null;index:idx_place_members_place_joined,priority:1"`
	UserID     string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Lat        float64    `gorm:"column:lat;not null"`
	Lng        float64    `gorm:"column:lng;not null"`
	Geohash    string     `gorm:"column:geohash;size:12;not null;default:''"`
	IsOnline   bool       `gorm:"column:is_online;not null;default:false"`
	OutOfRange bool       `gorm:"column:out_of_range;not null;default:false"`
	JoinedAt   time.Time  `gorm:"column:joined_at;not null;index:idx_place_members_place_joined,priority:2"`
	LastSeen   time.Time  `gorm:"column:last_seen;not null"`
	LeftAt     *time.Time `gorm:"column:left_at"`
}

// TableName provides the explicit table binding for GORM.
func (PlaceMember) TableName() string {
	return "place_members"
}

// Location returns the last reported member position.
func (m PlaceMember) Location() geo.Point {
	return geo.Point{Lat: m.Lat, Lng: m.Lng}
}

// HasLeft reports whether the membership has been closed by a leave or a failed range check.
func (m PlaceMember) HasLeft() bool {
	return m.LeftAt != nil
}
