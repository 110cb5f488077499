// Package geolocation keeps the latest device position reported by each user
// so server-side geofence checks can ask for a "current position".
package geolocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
	"github.com/redis/go-redis/v9"
)

const (
	defaultNamespace = "cirql"
	defaultMaxAge    = 2 * time.Minute
	locationSegment  = ":location:"
)

var (
	// ErrLocationUnavailable indicates that no fresh position is known for the user.
	ErrLocationUnavailable = errors.New("geolocation: location unavailable")

	errMissingClient = errors.New("geolocation: redis client required")
	errMissingUserID = errors.New("geolocation: user id required")
)

// Config describes the dependencies of Reports.
type Config struct {
	Client    *redis.Client
	Namespace string
	// MaxAge bounds how old a report may be before it no longer counts as current.
	MaxAge time.Duration
	Clock  func() time.Time
}

// Reports stores one expiring position per user.
type Reports struct {
	client    *redis.Client
	namespace string
	maxAge    time.Duration
	clock     func() time.Time
}

// Report is a stored device reading.
type Report struct {
	Position   geo.Point `json:"position"`
	ReportedAt time.Time `json:"reported_at"`
}

// NewReports constructs Reports.
func NewReports(cfg Config) (*Reports, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = defaultNamespace
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reports{client: cfg.Client, namespace: namespace, maxAge: maxAge, clock: clock}, nil
}

// Record stores the position as the user's current one.
func (r *Reports) Record(ctx context.Context, userID string, position geo.Point) error {
	if userID == "" {
		return errMissingUserID
	}
	if err := position.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(Report{Position: position, ReportedAt: r.clock().UTC()})
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(userID), payload, r.maxAge).Err(); err != nil {
		return fmt.Errorf("geolocation: record position for %s: %w", userID, err)
	}
	return nil
}

// CurrentPosition returns the latest fresh position or ErrLocationUnavailable.
// Store failures are reported as ErrLocationUnavailable wrapping the cause.
func (r *Reports) CurrentPosition(ctx context.Context, userID string) (geo.Point, error) {
	if userID == "" {
		return geo.Point{}, errMissingUserID
	}
	payload, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return geo.Point{}, ErrLocationUnavailable
	}
	if err != nil {
		return geo.Point{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	var report Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return geo.Point{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	return report.Position, nil
}

// Forget drops the stored position.
func (r *Reports) Forget(ctx context.Context, userID string) error {
	return r.client.Del(ctx, r.key(userID)).Err()
}

func (r *Reports) key(userID string) string {
	return r.namespace + locationSegment + userID
}
