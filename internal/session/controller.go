// Package session drives the membership lifecycle of a user in a place: the
// geofenced join, periodic range re-validation and explicit leave.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/places"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/proximity"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/users"
	"go.uber.org/zap"
)

// DefaultPollInterval is the default period between geofence re-checks.
const DefaultPollInterval = 30 * time.Second

const (
	opJoinPlace      = "session.join_place"
	opLeavePlace     = "session.leave_place"
	opCreatePlace    = "session.create_place"
	opRevalidate     = "session.revalidate"
	opResolveUser    = "session.resolve_display"
	reasonLocation   = "location_unavailable"
	reasonLookup     = "lookup_failed"
	reasonWrite      = "write_failed"
	reasonPresence   = "presence_failed"
	reasonPanic      = "panic"
	reasonInvalidKey = "invalid_key"
)

var noOpLogger = zap.NewNop()

// Locator reports the current position of a user.
type Locator interface {
	CurrentPosition(ctx context.Context, userID string) (geo.Point, error)
}

// MembershipStore is the subset of the place store used by the controller.
type MembershipStore interface {
	GetPlace(ctx context.Context, placeID places.PlaceID) (places.Place, error)
	CreatePlace(ctx context.Context, placeID places.PlaceID, name string, origin geo.Point, createdBy places.UserID) (places.Place, error)
	UpsertMember(ctx context.Context, placeID places.PlaceID, userID places.UserID, location geo.Point) error
	UpdateMemberLocation(ctx context.Context, placeID places.PlaceID, userID places.UserID, location geo.Point) error
	MarkOnlineStatus(ctx context.Context, placeID places.PlaceID, userID places.UserID, isOnline bool) error
	MarkOutOfRange(ctx context.Context, placeID places.PlaceID, userID places.UserID) error
	MarkLeft(ctx context.Context, placeID places.PlaceID, userID places.UserID) error
}

// PresenceStore is the subset of the presence store used by the controller.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string, display presence.Display, currentPlace string) error
	ClearCurrentPlace(ctx context.Context, userID, placeID string) error
	UpdateLocation(ctx context.Context, userID string, location geo.Point) error
}

// ProfileSource resolves display fields for presence records.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (users.Profile, error)
}

// Config describes the dependencies of a Controller.
type Config struct {
	Places       MembershipStore
	Presence     PresenceStore
	Locations    Locator
	Profiles     ProfileSource
	Policy       proximity.Policy
	PollInterval time.Duration
	Events       EventPublisher
	Metrics      *Metrics
	Logger       *zap.Logger
	Clock        func() time.Time
}

type monitorKey struct {
	placeID string
	userID  string
}

// Controller coordinates joins, leaves and range monitors. It is safe for
// concurrent use.
type Controller struct {
	places       MembershipStore
	presence     PresenceStore
	locations    Locator
	profiles     ProfileSource
	policy       proximity.Policy
	pollInterval time.Duration
	events       EventPublisher
	metrics      *Metrics
	logger       *zap.Logger
	clock        func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	monitors map[monitorKey]*Monitor
}

// NewController validates the configuration and constructs a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Places == nil {
		return nil, errMissingPlaces
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Locations == nil {
		return nil, errMissingLocations
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	events := cfg.Events
	if events == nil {
		events = noopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		places:       cfg.Places,
		presence:     cfg.Presence,
		locations:    cfg.Locations,
		profiles:     cfg.Profiles,
		policy:       proximity.NewPolicy(cfg.Policy.RadiusMeters),
		pollInterval: pollInterval,
		events:       events,
		metrics:      cfg.Metrics,
		logger:       logger,
		clock:        clock,
		baseCtx:      baseCtx,
		cancel:       cancel,
		monitors:     make(map[monitorKey]*Monitor),
	}, nil
}

// Policy returns the geofence policy applied on join and re-validation.
func (c *Controller) Policy() proximity.Policy {
	return c.policy
}

// JoinPlace admits the user to the place when their current position is inside
// the geofence. Location, lookup and geofence failures are returned as typed
// errors: geolocation errors verbatim, places.ErrPlaceNotFound, ErrPlaceInactive
// and *TooFarError. A presence failure after the membership write is returned
// wrapped; the membership record is kept.
func (c *Controller) JoinPlace(ctx context.Context, rawPlaceID, rawUserID string) (places.Place, error) {
	placeID, userID, err := parseKey(rawPlaceID, rawUserID)
	if err != nil {
		return places.Place{}, err
	}

	position, err := c.locations.CurrentPosition(ctx, userID.String())
	if err != nil {
		c.metrics.incJoinAttempt(JoinOutcomeLocationUnavailable)
		return places.Place{}, err
	}

	place, err := c.places.GetPlace(ctx, placeID)
	if err != nil {
		if errors.Is(err, places.ErrPlaceNotFound) {
			c.metrics.incJoinAttempt(JoinOutcomePlaceNotFound)
		} else {
			c.metrics.incJoinAttempt(JoinOutcomeError)
			c.logError(opJoinPlace, reasonLookup, err, keyFields(placeID, userID)...)
		}
		return places.Place{}, err
	}
	if !place.IsActive {
		c.metrics.incJoinAttempt(JoinOutcomePlaceNotFound)
		return places.Place{}, ErrPlaceInactive
	}

	decision := c.policy.Check(position, place.Origin())
	if !decision.Within {
		c.metrics.incJoinAttempt(JoinOutcomeTooFar)
		return places.Place{}, &TooFarError{DistanceMeters: decision.DistanceMeters, RadiusMeters: c.policy.Radius()}
	}

	if err := c.places.UpsertMember(ctx, placeID, userID, position); err != nil {
		c.metrics.incJoinAttempt(JoinOutcomeError)
		return places.Place{}, fmt.Errorf("session: record membership: %w", err)
	}
	c.publish(EventMemberJoined, placeID, userID)

	if err := c.presence.SetOnline(ctx, userID.String(), c.display(ctx, userID), placeID.String()); err != nil {
		c.metrics.incJoinAttempt(JoinOutcomeError)
		c.logError(opJoinPlace, reasonPresence, err, keyFields(placeID, userID)...)
		return place, fmt.Errorf("session: set presence online: %w", err)
	}
	if err := c.presence.UpdateLocation(ctx, userID.String(), position); err != nil {
		c.logError(opJoinPlace, reasonPresence, err, keyFields(placeID, userID)...)
	}

	c.metrics.incJoinAttempt(JoinOutcomeJoined)
	c.logger.Info("member joined place",
		zap.String("place_id", placeID.String()),
		zap.String("user_id", userID.String()),
		zap.Float64("distance_meters", decision.DistanceMeters))
	return place, nil
}

// CreatePlace creates a place centered on the creator's current position and
// joins it. When another user created the same identifier first, the creator
// joins the existing place instead. created reports whether this call created it.
func (c *Controller) CreatePlace(ctx context.Context, rawPlaceID, name, rawUserID string) (place places.Place, created bool, err error) {
	placeID, userID, err := parseKey(rawPlaceID, rawUserID)
	if err != nil {
		return places.Place{}, false, err
	}
	position, err := c.locations.CurrentPosition(ctx, userID.String())
	if err != nil {
		return places.Place{}, false, err
	}

	_, err = c.places.CreatePlace(ctx, placeID, name, position, userID)
	switch {
	case err == nil:
		created = true
	case errors.Is(err, places.ErrAlreadyExists):
		c.logger.Info("place already exists, joining",
			zap.String("operation", opCreatePlace),
			zap.String("place_id", placeID.String()),
			zap.String("user_id", userID.String()))
	default:
		return places.Place{}, false, err
	}

	place, err = c.JoinPlace(ctx, placeID.String(), userID.String())
	return place, created, err
}

// LeavePlace stops the range monitor, closes the membership and clears the
// user's current place. It never fails: malformed identifiers and store
// failures are logged, so calling it repeatedly is safe.
func (c *Controller) LeavePlace(ctx context.Context, rawPlaceID, rawUserID string) {
	placeID, userID, err := parseKey(rawPlaceID, rawUserID)
	if err != nil {
		c.logger.Warn("leave ignored",
			zap.String("operation", opLeavePlace),
			zap.String("reason", reasonInvalidKey),
			zap.Error(err))
		return
	}

	if monitor, ok := c.ActiveMonitor(placeID.String(), userID.String()); ok {
		c.StopMonitoring(monitor)
	}
	if err := c.places.MarkLeft(ctx, placeID, userID); err != nil {
		c.logError(opLeavePlace, reasonWrite, err, keyFields(placeID, userID)...)
	}
	if err := c.presence.ClearCurrentPlace(ctx, userID.String(), placeID.String()); err != nil {
		c.logError(opLeavePlace, reasonPresence, err, keyFields(placeID, userID)...)
	}
	c.publish(EventMemberLeft, placeID, userID)
}

// StartMonitoring starts the periodic range re-validation for the membership.
// When a monitor for the same place and user is already running it is returned
// unchanged.
func (c *Controller) StartMonitoring(rawPlaceID, rawUserID string) (*Monitor, error) {
	placeID, userID, err := parseKey(rawPlaceID, rawUserID)
	if err != nil {
		return nil, err
	}
	key := monitorKey{placeID: placeID.String(), userID: userID.String()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrControllerClosed
	}
	if existing, ok := c.monitors[key]; ok {
		return existing, nil
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	monitor := &Monitor{
		placeID: key.placeID,
		userID:  key.userID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.monitors[key] = monitor
	c.metrics.monitorStarted()
	go c.run(ctx, monitor, placeID, userID)
	return monitor, nil
}

// StopMonitoring cancels the monitor and waits for its loop to exit. Stopping
// a stopped or nil monitor is a no-op.
func (c *Controller) StopMonitoring(monitor *Monitor) {
	if monitor == nil {
		return
	}
	monitor.cancel()
	<-monitor.done
}

// ActiveMonitor returns the running monitor of the membership, if any.
func (c *Controller) ActiveMonitor(placeID, userID string) (*Monitor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	monitor, ok := c.monitors[monitorKey{placeID: placeID, userID: userID}]
	return monitor, ok
}

// Close stops every monitor. Later StartMonitoring calls fail with
// ErrControllerClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	running := make([]*Monitor, 0, len(c.monitors))
	for _, monitor := range c.monitors {
		running = append(running, monitor)
	}
	c.mu.Unlock()

	c.cancel()
	for _, monitor := range running {
		<-monitor.done
	}
}

func (c *Controller) run(ctx context.Context, monitor *Monitor, placeID places.PlaceID, userID places.UserID) {
	defer c.finish(monitor)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.tick(ctx, placeID, userID) == RevalidationOutOfRange {
				return
			}
		}
	}
}

func (c *Controller) finish(monitor *Monitor) {
	key := monitorKey{placeID: monitor.placeID, userID: monitor.userID}
	c.mu.Lock()
	if c.monitors[key] == monitor {
		delete(c.monitors, key)
	}
	c.mu.Unlock()
	c.metrics.monitorStopped()
	close(monitor.done)
}

func (c *Controller) tick(ctx context.Context, placeID places.PlaceID, userID places.UserID) (outcome string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logError(opRevalidate, reasonPanic, fmt.Errorf("%v", recovered), keyFields(placeID, userID)...)
			outcome = RevalidationError
		}
	}()
	return c.revalidate(ctx, placeID, userID)
}

// revalidate re-runs the geofence check. Only a confirmed out-of-range reading
// that was stored successfully ends the monitor.
func (c *Controller) revalidate(ctx context.Context, placeID places.PlaceID, userID places.UserID) string {
	position, err := c.locations.CurrentPosition(ctx, userID.String())
	if err != nil {
		c.metrics.incRevalidation(RevalidationLocationUnavailable)
		c.logger.Warn("range check skipped",
			zap.String("operation", opRevalidate),
			zap.String("reason", reasonLocation),
			zap.String("place_id", placeID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return RevalidationLocationUnavailable
	}

	place, err := c.places.GetPlace(ctx, placeID)
	if err != nil {
		c.metrics.incRevalidation(RevalidationError)
		c.logError(opRevalidate, reasonLookup, err, keyFields(placeID, userID)...)
		return RevalidationError
	}

	decision := c.policy.Check(position, place.Origin())
	if !decision.Within {
		if err := c.places.MarkOutOfRange(ctx, placeID, userID); err != nil {
			c.metrics.incRevalidation(RevalidationError)
			c.logError(opRevalidate, reasonWrite, err, keyFields(placeID, userID)...)
			return RevalidationError
		}
		if err := c.presence.ClearCurrentPlace(ctx, userID.String(), placeID.String()); err != nil {
			c.logError(opRevalidate, reasonPresence, err, keyFields(placeID, userID)...)
		}
		c.metrics.incRevalidation(RevalidationOutOfRange)
		c.publish(EventMemberOutOfRange, placeID, userID)
		c.logger.Info("member out of range",
			zap.String("place_id", placeID.String()),
			zap.String("user_id", userID.String()),
			zap.Float64("distance_meters", decision.DistanceMeters))
		return RevalidationOutOfRange
	}

	if err := c.places.MarkOnlineStatus(ctx, placeID, userID, true); err != nil {
		c.metrics.incRevalidation(RevalidationError)
		c.logError(opRevalidate, reasonWrite, err, keyFields(placeID, userID)...)
		return RevalidationError
	}
	if err := c.places.UpdateMemberLocation(ctx, placeID, userID, position); err != nil {
		c.logError(opRevalidate, reasonWrite, err, keyFields(placeID, userID)...)
	}
	if err := c.presence.UpdateLocation(ctx, userID.String(), position); err != nil {
		c.logError(opRevalidate, reasonPresence, err, keyFields(placeID, userID)...)
	}
	c.metrics.incRevalidation(RevalidationInRange)
	return RevalidationInRange
}

func (c *Controller) display(ctx context.Context, userID places.UserID) presence.Display {
	if c.profiles == nil {
		return presence.Display{}
	}
	profile, err := c.profiles.GetProfile(ctx, userID.String())
	if err != nil {
		c.logger.Debug("profile unavailable for presence",
			zap.String("operation", opResolveUser),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return presence.Display{}
	}
	return presence.Display{
		DisplayName:       profile.DisplayName,
		ProfilePictureURL: profile.ProfilePictureURL,
		Headline:          profile.Headline,
	}
}

func (c *Controller) publish(eventType EventType, placeID places.PlaceID, userID places.UserID) {
	c.events.Publish(Event{
		Type:      eventType,
		PlaceID:   placeID.String(),
		UserID:    userID.String(),
		Timestamp: c.clock().UTC(),
	})
}

func (c *Controller) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("place session error", attrs...)
}

func parseKey(rawPlaceID, rawUserID string) (places.PlaceID, places.UserID, error) {
	placeID, err := places.NewPlaceID(rawPlaceID)
	if err != nil {
		return "", "", err
	}
	userID, err := places.NewUserID(rawUserID)
	if err != nil {
		return "", "", err
	}
	return placeID, userID, nil
}

func keyFields(placeID places.PlaceID, userID places.UserID) []zap.Field {
	return []zap.Field{
		zap.String("place_id", placeID.String()),
		zap.String("user_id", userID.String()),
	}
}
