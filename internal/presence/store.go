package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultNamespace  = "cirql"
	defaultLeaseTTL   = 60 * time.Second
	maxRMWAttempts    = 5
	presenceKeySuffix = ":presence"
	changesKeySuffix  = ":presence:changes"
	leaseKeySegment   = ":conn:lease:"
	stagedKeySegment  = ":conn:ondisconnect:"
	activeConnsSuffix = ":conn:active"
)

var (
	// ErrNotFound indicates that no presence record exists for the user.
	ErrNotFound = errors.New("presence: record not found")
	// ErrMissingUserID indicates an empty user identifier.
	ErrMissingUserID = errors.New("presence: user id required")

	errMissingClient = errors.New("presence: redis client required")
	noOpLogger       = zap.NewNop()
)

// Config describes the dependencies of the presence store.
type Config struct {
	Client    *redis.Client
	Namespace string
	LeaseTTL  time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
	IDs       func() (string, error)
}

// Store keeps one presence record per user in a Redis hash and announces every
// change on a pub/sub channel.
type Store struct {
	client    *redis.Client
	namespace string
	leaseTTL  time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	newID     func() (string, error)

	mu          sync.Mutex
	connections map[string]*Connection
}

// NewStore constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = defaultNamespace
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	newID := cfg.IDs
	if newID == nil {
		newID = newConnectionID
	}
	return &Store{
		client:      cfg.Client,
		namespace:   namespace,
		leaseTTL:    leaseTTL,
		clock:       clock,
		logger:      logger,
		newID:       newID,
		connections: make(map[string]*Connection),
	}, nil
}

// SetOnline marks the user online. The offline record is registered as the
// connection's disconnect write before the online record is written; if that
// registration fails the online record is never written.
func (s *Store) SetOnline(ctx context.Context, userID string, display Display, currentPlace string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	conn, err := s.Connect(ctx, userID)
	if err != nil {
		return fmt.Errorf("presence: connect %s: %w", userID, err)
	}
	if err := conn.OnDisconnect(ctx, Offline{UserID: userID, Changed: s.now()}); err != nil {
		return fmt.Errorf("presence: register disconnect for %s: %w", userID, err)
	}

	var location *geo.Point
	if existing, ok := s.lookupOnline(ctx, userID); ok {
		location = existing.Location
	}
	return s.write(ctx, Online{
		UserID:       userID,
		Display:      display,
		CurrentPlace: currentPlace,
		Location:     location,
		Changed:      s.now(),
		ConnectionID: conn.ID(),
	})
}

// SetOffline writes the offline record directly.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	return s.write(ctx, Offline{UserID: userID, Changed: s.now()})
}

// UpdateCurrentPlace replaces the current place of an online record; an empty
// placeID clears it. Missing or offline records are left alone.
func (s *Store) UpdateCurrentPlace(ctx context.Context, userID, placeID string) error {
	return s.modifyOnline(ctx, "update_current_place", userID, func(online *Online) bool {
		online.CurrentPlace = placeID
		return true
	})
}

// ClearCurrentPlace clears the current place only while it is still placeID, so
// ending a session in one place leaves a newer place untouched.
func (s *Store) ClearCurrentPlace(ctx context.Context, userID, placeID string) error {
	return s.modifyOnline(ctx, "clear_current_place", userID, func(online *Online) bool {
		if online.CurrentPlace != placeID {
			return false
		}
		online.CurrentPlace = ""
		return true
	})
}

// UpdateLocation replaces the last known location of an online record.
// Missing or offline records are left alone.
func (s *Store) UpdateLocation(ctx context.Context, userID string, location geo.Point) error {
	return s.modifyOnline(ctx, "update_location", userID, func(online *Online) bool {
		point := location
		online.Location = &point
		return true
	})
}

// RemovePresence deletes the record.
func (s *Store) RemovePresence(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.presenceKey(), userID)
	pipe.Publish(ctx, s.changesChannel(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: remove %s: %w", userID, err)
	}
	return nil
}

// Get loads the record of a user.
func (s *Store) Get(ctx context.Context, userID string) (Record, error) {
	payload, err := s.client.HGet(ctx, s.presenceKey(), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	return decodeRecord(userID, payload)
}

// ListOnline returns every online record ordered by user id.
func (s *Store) ListOnline(ctx context.Context) ([]Online, error) {
	entries, err := s.client.HGetAll(ctx, s.presenceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list: %w", err)
	}
	online := make([]Online, 0, len(entries))
	for userID, payload := range entries {
		record, err := decodeRecord(userID, []byte(payload))
		if err != nil {
			s.logger.Warn("skipping undecodable presence record", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if typed, ok := record.(Online); ok {
			online = append(online, typed)
		}
	}
	sort.Slice(online, func(i, j int) bool {
		return online[i].UserID < online[j].UserID
	})
	return online, nil
}

// ListOnlineInPlace returns the online records whose current place is placeID.
func (s *Store) ListOnlineInPlace(ctx context.Context, placeID string) ([]Online, error) {
	online, err := s.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	return filterByPlace(placeID)(online), nil
}

func (s *Store) write(ctx context.Context, record Record) error {
	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.presenceKey(), record.User(), payload)
	pipe.Publish(ctx, s.changesChannel(), record.User())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: write %s: %w", record.User(), err)
	}
	return nil
}

// modifyOnline performs an optimistic read-modify-write of one online record.
// Nothing is written when mutate reports no change.
func (s *Store) modifyOnline(ctx context.Context, operation, userID string, mutate func(*Online) bool) error {
	if userID == "" {
		return ErrMissingUserID
	}
	key := s.presenceKey()
	txn := func(tx *redis.Tx) error {
		payload, err := tx.HGet(ctx, key, userID).Bytes()
		if errors.Is(err, redis.Nil) {
			s.logger.Info("presence record missing, nothing to merge",
				zap.String("operation", operation), zap.String("user_id", userID))
			return nil
		}
		if err != nil {
			return err
		}
		record, err := decodeRecord(userID, payload)
		if err != nil {
			return err
		}
		online, ok := record.(Online)
		if !ok {
			s.logger.Info("presence record offline, nothing to merge",
				zap.String("operation", operation), zap.String("user_id", userID))
			return nil
		}
		if !mutate(&online) {
			return nil
		}
		online.Changed = s.now()
		updated, err := encodeRecord(online)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userID, updated)
			pipe.Publish(ctx, s.changesChannel(), userID)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxRMWAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			s.logger.Warn("presence update failed",
				zap.String("operation", operation), zap.String("user_id", userID), zap.Error(err))
			return fmt.Errorf("presence: %s %s: %w", operation, userID, err)
		}
		return nil
	}
	return fmt.Errorf("presence: %s %s: %w", operation, userID, redis.TxFailedErr)
}

func (s *Store) lookupOnline(ctx context.Context, userID string) (Online, bool) {
	record, err := s.Get(ctx, userID)
	if err != nil {
		return Online{}, false
	}
	online, ok := record.(Online)
	return online, ok
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func (s *Store) presenceKey() string {
	return s.namespace + presenceKeySuffix
}

func (s *Store) changesChannel() string {
	return s.namespace + changesKeySuffix
}

func (s *Store) leaseKey(connectionID string) string {
	return s.namespace + leaseKeySegment + connectionID
}

func (s *Store) stagedKey(connectionID string) string {
	return s.namespace + stagedKeySegment + connectionID
}

func (s *Store) activeConnectionsKey() string {
	return s.namespace + activeConnsSuffix
}

func filterByPlace(placeID string) func([]Online) []Online {
	return func(records []Online) []Online {
		filtered := make([]Online, 0, len(records))
		for _, record := range records {
			if record.CurrentPlace == placeID {
				filtered = append(filtered, record)
			}
		}
		return filtered
	}
}
