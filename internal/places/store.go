package places

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryPlaceID    = "place_id = ?"
	queryPlaceUser  = "place_id = ? AND user_id = ?"
	queryOpenMember = "left_at IS NULL AND out_of_range = ?"
	orderMemberList = "joined_at ASC, user_id ASC"
	exprKeepLeftAt  = "COALESCE(left_at, ?)"
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of the membership store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes places and membership records. Every write is a
// single-row statement; concurrent writers to one key resolve last-write-wins.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetPlace loads a place by identifier.
func (s *Store) GetPlace(ctx context.Context, placeID PlaceID) (Place, error) {
	var place Place
	err := s.db.WithContext(ctx).Where(queryPlaceID, placeID.String()).Take(&place).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Place{}, newServiceError(opGetPlace, reasonNotFound, ErrPlaceNotFound)
	}
	if err != nil {
		s.logError(opGetPlace, reasonQueryFailed, err, zap.String("place_id", placeID.String()))
		return Place{}, newServiceError(opGetPlace, reasonQueryFailed, err)
	}
	return place, nil
}

// CreatePlace inserts a place if the identifier is free and fails with
// ErrAlreadyExists otherwise. The insert is conditional at the storage layer,
// so two concurrent creators cannot both succeed.
func (s *Store) CreatePlace(ctx context.Context, placeID PlaceID, name string, origin geo.Point, createdBy UserID) (Place, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" || len(trimmedName) > maxNameLength {
		return Place{}, newServiceError(opCreatePlace, reasonInvalidInput, ErrInvalidName)
	}
	if err := origin.Validate(); err != nil {
		return Place{}, newServiceError(opCreatePlace, reasonInvalidInput, err)
	}

	place := Place{
		PlaceID:       placeID.String(),
		Name:          trimmedName,
		OriginLat:     origin.Lat,
		OriginLng:     origin.Lng,
		OriginGeohash: geo.Encode(origin.Lat, origin.Lng, geo.DefaultPrecision),
		CreatedBy:     createdBy.String(),
		IsActive:      true,
		CreatedAt:     s.now(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&place)
	if result.Error != nil {
		s.logError(opCreatePlace, reasonWriteFailed, result.Error, zap.String("place_id", placeID.String()))
		return Place{}, newServiceError(opCreatePlace, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Place{}, newServiceError(opCreatePlace, reasonAlreadyExists, ErrAlreadyExists)
	}
	return place, nil
}

// DeactivatePlace clears the active flag. Places are never hard-deleted.
func (s *Store) DeactivatePlace(ctx context.Context, placeID PlaceID) error {
	result := s.db.WithContext(ctx).Model(&Place{}).
		Where(queryPlaceID, placeID.String()).
		Update("is_active", false)
	if result.Error != nil {
		s.logError(opDeactivatePlace, reasonWriteFailed, result.Error, zap.String("place_id", placeID.String()))
		return newServiceError(opDeactivatePlace, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeactivatePlace, reasonNotFound, ErrPlaceNotFound)
	}
	return nil
}

// UpsertMember records a successful join: it overwrites the location, marks the
// member online and in range, clears any previous leave and refreshes lastSeen.
// joinedAt is written only when the record is first created.
func (s *Store) UpsertMember(ctx context.Context, placeID PlaceID, userID UserID, location geo.Point) error {
	now := s.now()
	member := PlaceMember{
		PlaceID:    placeID.String(),
		UserID:     userID.String(),
		Lat:        location.Lat,
		Lng:        location.Lng,
		Geohash:    geo.Encode(location.Lat, location.Lng, geo.DefaultPrecision),
		IsOnline:   true,
		OutOfRange: false,
		JoinedAt:   now,
		LastSeen:   now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "place_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"lat":          member.Lat,
			"lng":          member.Lng,
			"geohash":      member.Geohash,
			"is_online":    true,
			"out_of_range": false,
			"last_seen":    now,
			"left_at":      nil,
		}),
	}).Create(&member).Error
	if err != nil {
		s.logError(opUpsertMember, reasonWriteFailed, err, memberFields(placeID, userID)...)
		return newServiceError(opUpsertMember, reasonWriteFailed, err)
	}
	return nil
}

// UpdateMemberLocation stores a newer in-range reading without touching the flags.
// Closed memberships (left or out of range) are not updated.
func (s *Store) UpdateMemberLocation(ctx context.Context, placeID PlaceID, userID UserID, location geo.Point) error {
	return s.updateOpenMember(ctx, opUpdateLocation, placeID, userID, map[string]interface{}{
		"lat":       location.Lat,
		"lng":       location.Lng,
		"geohash":   geo.Encode(location.Lat, location.Lng, geo.DefaultPrecision),
		"last_seen": s.now(),
	})
}

// MarkOnlineStatus flips isOnline and refreshes lastSeen. outOfRange is untouched.
// Marking a closed membership online is a no-op; only UpsertMember reopens it.
func (s *Store) MarkOnlineStatus(ctx context.Context, placeID PlaceID, userID UserID, isOnline bool) error {
	updates := map[string]interface{}{
		"is_online": isOnline,
		"last_seen": s.now(),
	}
	if isOnline {
		return s.updateOpenMember(ctx, opMarkOnlineStatus, placeID, userID, updates)
	}
	return s.updateMember(ctx, opMarkOnlineStatus, placeID, userID, updates)
}

// MarkOutOfRange records a failed geofence re-check. The flag stays set until the
// member rejoins through UpsertMember.
func (s *Store) MarkOutOfRange(ctx context.Context, placeID PlaceID, userID UserID) error {
	return s.updateMember(ctx, opMarkOutOfRange, placeID, userID, map[string]interface{}{
		"is_online":    false,
		"out_of_range": true,
		"left_at":      gorm.Expr(exprKeepLeftAt, s.now()),
	})
}

// MarkLeft closes the membership after an explicit leave. A missing record is a
// no-op and an already closed record keeps its original leftAt.
func (s *Store) MarkLeft(ctx context.Context, placeID PlaceID, userID UserID) error {
	return s.updateMember(ctx, opMarkLeft, placeID, userID, map[string]interface{}{
		"is_online": false,
		"left_at":   gorm.Expr(exprKeepLeftAt, s.now()),
	})
}

// GetMember loads a single membership record.
func (s *Store) GetMember(ctx context.Context, placeID PlaceID, userID UserID) (PlaceMember, bool, error) {
	var member PlaceMember
	err := s.db.WithContext(ctx).Where(queryPlaceUser, placeID.String(), userID.String()).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PlaceMember{}, false, nil
	}
	if err != nil {
		s.logError(opGetMember, reasonQueryFailed, err, memberFields(placeID, userID)...)
		return PlaceMember{}, false, newServiceError(opGetMember, reasonQueryFailed, err)
	}
	return member, true, nil
}

// ListMembers returns every membership record of the place in join order.
func (s *Store) ListMembers(ctx context.Context, placeID PlaceID) ([]PlaceMember, error) {
	var members []PlaceMember
	if err := s.db.WithContext(ctx).
		Where(queryPlaceID, placeID.String()).
		Order(orderMemberList).
		Find(&members).Error; err != nil {
		s.logError(opListMembers, reasonQueryFailed, err, zap.String("place_id", placeID.String()))
		return nil, newServiceError(opListMembers, reasonQueryFailed, err)
	}
	return members, nil
}

func (s *Store) updateMember(ctx context.Context, operation string, placeID PlaceID, userID UserID, updates map[string]interface{}) error {
	return s.applyMemberUpdate(operation, placeID, userID, s.db.WithContext(ctx), updates)
}

// updateOpenMember applies updates only while the membership is neither left
// nor out of range.
func (s *Store) updateOpenMember(ctx context.Context, operation string, placeID PlaceID, userID UserID, updates map[string]interface{}) error {
	return s.applyMemberUpdate(operation, placeID, userID, s.db.WithContext(ctx).Where(queryOpenMember, false), updates)
}

func (s *Store) applyMemberUpdate(operation string, placeID PlaceID, userID UserID, scope *gorm.DB, updates map[string]interface{}) error {
	err := scope.Model(&PlaceMember{}).
		Where(queryPlaceUser, placeID.String(), userID.String()).
		Updates(updates).Error
	if err != nil {
		s.logError(operation, reasonWriteFailed, err, memberFields(placeID, userID)...)
		return newServiceError(operation, reasonWriteFailed, err)
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func memberFields(placeID PlaceID, userID UserID) []zap.Field {
	return []zap.Field{
		zap.String("place_id", placeID.String()),
		zap.String("user_id", userID.String()),
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("places store error", attrs...)
}
