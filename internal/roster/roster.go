// Package roster answers "who is here now" for a place by splitting its
// members into in-range and out-of-range lists.
package roster

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/places"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/proximity"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingMembers  = errors.New("roster: membership store required")
	errMissingProfiles = errors.New("roster: profile source required")
)

// MembershipReader lists place members.
type MembershipReader interface {
	GetPlace(ctx context.Context, placeID places.PlaceID) (places.Place, error)
	ListMembers(ctx context.Context, placeID places.PlaceID) ([]places.PlaceMember, error)
}

// ProfileSource resolves display profiles.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (users.Profile, error)
}

// PresenceReader reads presence records. Optional.
type PresenceReader interface {
	Get(ctx context.Context, userID string) (presence.Record, error)
}

// Config describes the dependencies of a Query.
type Config struct {
	Members  MembershipReader
	Profiles ProfileSource
	Presence PresenceReader
	Policy   proximity.Policy
	Logger   *zap.Logger
}

// User is a display-ready member.
type User struct {
	users.Profile
	Location   geo.Point      `json:"location"`
	IsOnline   bool           `json:"isOnline"`
	OutOfRange bool           `json:"outOfRange"`
	JoinedAt   time.Time      `json:"joinedAt"`
	LastSeen   time.Time      `json:"lastSeen"`
	LeftAt     *time.Time     `json:"leftAt,omitempty"`
	Presence   presence.State `json:"presence,omitempty"`
}

// Categorized holds the two member lists in store order.
type Categorized struct {
	InRange    []User `json:"inRange"`
	OutOfRange []User `json:"outOfRange"`
}

// Query builds categorized rosters.
type Query struct {
	members  MembershipReader
	profiles ProfileSource
	presence PresenceReader
	policy   proximity.Policy
	logger   *zap.Logger
}

// NewQuery constructs a Query.
func NewQuery(cfg Config) (*Query, error) {
	if cfg.Members == nil {
		return nil, errMissingMembers
	}
	if cfg.Profiles == nil {
		return nil, errMissingProfiles
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Query{
		members:  cfg.Members,
		profiles: cfg.Profiles,
		presence: cfg.Presence,
		policy:   proximity.NewPolicy(cfg.Policy.RadiusMeters),
		logger:   logger,
	}, nil
}

// CategorizedMembers looks up the place origin and categorizes its members.
func (q *Query) CategorizedMembers(ctx context.Context, rawPlaceID string) (Categorized, error) {
	placeID, err := places.NewPlaceID(rawPlaceID)
	if err != nil {
		return Categorized{}, err
	}
	place, err := q.members.GetPlace(ctx, placeID)
	if err != nil {
		return Categorized{}, err
	}
	return q.Categorize(ctx, placeID.String(), place.Origin())
}

// Categorize partitions the members of the place. A member is in range when it
// is not flagged out of range and its stored location is inside the radius
// around origin. Members without a resolvable profile are dropped.
func (q *Query) Categorize(ctx context.Context, rawPlaceID string, origin geo.Point) (Categorized, error) {
	placeID, err := places.NewPlaceID(rawPlaceID)
	if err != nil {
		return Categorized{}, err
	}
	members, err := q.members.ListMembers(ctx, placeID)
	if err != nil {
		return Categorized{}, err
	}

	result := Categorized{
		InRange:    make([]User, 0, len(members)),
		OutOfRange: make([]User, 0),
	}
	for _, member := range members {
		profile, err := q.profiles.GetProfile(ctx, member.UserID)
		if err != nil {
			q.logger.Warn("dropping member without profile",
				zap.String("place_id", placeID.String()),
				zap.String("user_id", member.UserID),
				zap.Error(err))
			continue
		}
		user := User{
			Profile:    profile,
			Location:   member.Location(),
			IsOnline:   member.IsOnline,
			OutOfRange: member.OutOfRange,
			JoinedAt:   member.JoinedAt,
			LastSeen:   member.LastSeen,
			LeftAt:     member.LeftAt,
			Presence:   q.presenceState(ctx, member.UserID),
		}
		if !member.OutOfRange && q.policy.Within(member.Location(), origin) {
			result.InRange = append(result.InRange, user)
		} else {
			result.OutOfRange = append(result.OutOfRange, user)
		}
	}
	return result, nil
}

func (q *Query) presenceState(ctx context.Context, userID string) presence.State {
	if q.presence == nil {
		return ""
	}
	record, err := q.presence.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, presence.ErrNotFound) {
			q.logger.Debug("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return ""
	}
	return record.State()
}
