package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geolocation"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/places"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/roster"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/session"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "cirql_user_id"
	defaultHeartbeatInterval = 15 * time.Second
	accessTokenQueryParam    = "access_token"
)

var (
	errMissingValidator = errors.New("session validator dependency required")
	errMissingUsers     = errors.New("user directory dependency required")
	errMissingSessions  = errors.New("session controller dependency required")
	errMissingPlaces    = errors.New("place store dependency required")
	errMissingRoster    = errors.New("roster query dependency required")
	errMissingPresence  = errors.New("presence store dependency required")
	errMissingLocations = errors.New("location reports dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// UserDirectory maps session claims to canonical users and serves profiles.
type UserDirectory interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	GetProfile(ctx context.Context, userID string) (users.Profile, error)
	UpdateHeadline(ctx context.Context, userID, headline string) (users.Profile, error)
}

type Dependencies struct {
	Validator         SessionValidator
	Users             UserDirectory
	Sessions          *session.Controller
	Places            *places.Store
	Roster            *roster.Query
	Presence          *presence.Store
	Locations         *geolocation.Reports
	Realtime          *RealtimeDispatcher
	Metrics           prometheus.Gatherer
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Validator == nil:
		return nil, errMissingValidator
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Places == nil:
		return nil, errMissingPlaces
	case deps.Roster == nil:
		return nil, errMissingRoster
	case deps.Presence == nil:
		return nil, errMissingPresence
	case deps.Locations == nil:
		return nil, errMissingLocations
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	gatherer := deps.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		validator: deps.Validator,
		users:     deps.Users,
		sessions:  deps.Sessions,
		places:    deps.Places,
		roster:    deps.Roster,
		presence:  deps.Presence,
		locations: deps.Locations,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/places", handler.handleCreatePlace)
	protected.GET("/places/:id", handler.handleGetPlace)
	protected.DELETE("/places/:id", handler.handleDeactivatePlace)
	protected.POST("/places/:id/join", handler.handleJoinPlace)
	protected.POST("/places/:id/leave", handler.handleLeavePlace)
	protected.POST("/places/:id/monitor", handler.handleStartMonitor)
	protected.DELETE("/places/:id/monitor", handler.handleStopMonitor)
	protected.GET("/places/:id/members", handler.handleListMembers)
	protected.GET("/places/:id/stream", handler.handlePlaceStream)
	protected.POST("/location", handler.handleReportLocation)
	protected.DELETE("/location", handler.handleForgetLocation)
	protected.GET("/presence/online", handler.handleListOnline)
	protected.GET("/profile", handler.handleGetProfile)
	protected.PATCH("/profile", handler.handleUpdateProfile)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	validator SessionValidator
	users     UserDirectory
	sessions  *session.Controller
	places    *places.Store
	roster    *roster.Query
	presence  *presence.Store
	locations *geolocation.Reports
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validateRequest(c)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// validateRequest accepts a bearer header or session cookie, and an
// access_token query parameter for EventSource clients that can send neither.
func (h *httpHandler) validateRequest(c *gin.Context) (auth.SessionClaims, error) {
	if c.GetHeader("Authorization") == "" {
		if token := strings.TrimSpace(c.Query(accessTokenQueryParam)); token != "" {
			return h.validator.ValidateToken(token)
		}
	}
	return h.validator.ValidateRequest(c.Request)
}

type createPlaceRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type joinResponse struct {
	Place      placePayload `json:"place"`
	Created    bool         `json:"created"`
	Monitoring bool         `json:"monitoring"`
}

func (h *httpHandler) handleCreatePlace(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request createPlaceRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	place, created, err := h.sessions.CreatePlace(c.Request.Context(), request.ID, request.Name, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, joinResponse{
		Place:      newPlacePayload(place),
		Created:    created,
		Monitoring: h.startMonitoring(place.PlaceID, userID),
	})
}

func (h *httpHandler) handleGetPlace(c *gin.Context) {
	placeID, err := places.NewPlaceID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	place, err := h.places.GetPlace(c.Request.Context(), placeID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPlacePayload(place))
}

// handleDeactivatePlace lets the creator close a place to new joins. Existing
// memberships are kept.
func (h *httpHandler) handleDeactivatePlace(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	placeID, err := places.NewPlaceID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	place, err := h.places.GetPlace(ctx, placeID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if place.CreatedBy != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err := h.places.DeactivatePlace(ctx, placeID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleJoinPlace(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	place, err := h.sessions.JoinPlace(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, joinResponse{
		Place:      newPlacePayload(place),
		Monitoring: h.startMonitoring(place.PlaceID, userID),
	})
}

func (h *httpHandler) handleLeavePlace(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	h.sessions.LeavePlace(c.Request.Context(), c.Param("id"), userID)
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *httpHandler) handleStartMonitor(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if _, err := h.sessions.StartMonitoring(c.Param("id"), userID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"monitoring": true})
}

func (h *httpHandler) handleStopMonitor(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if monitor, ok := h.sessions.ActiveMonitor(strings.TrimSpace(c.Param("id")), userID); ok {
		h.sessions.StopMonitoring(monitor)
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	result, err := h.roster.CategorizedMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (h *httpHandler) handleReportLocation(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request locationRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Lat == nil || request.Lng == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	position := pointFromRequest(request)
	if err := h.locations.Record(ctx, userID, position); err != nil {
		h.writeError(c, err)
		return
	}
	if conn, ok := h.presence.Connection(userID); ok {
		if err := conn.Refresh(ctx); err != nil && !errors.Is(err, presence.ErrDisconnected) {
			h.logger.Warn("presence lease refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	if err := h.presence.UpdateLocation(ctx, userID, position); err != nil {
		h.logger.Warn("presence location update failed", zap.String("user_id", userID), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleForgetLocation(c *gin.Context) {
	if err := h.locations.Forget(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListOnline(c *gin.Context) {
	online, err := h.presence.ListOnline(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": newPresencePayloads(online)})
}

type profileUpdateRequest struct {
	Headline string `json:"headline"`
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	profile, err := h.users.GetProfile(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request profileUpdateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.users.UpdateHeadline(c.Request.Context(), c.GetString(userIDContextKey), request.Headline)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) startMonitoring(placeID, userID string) bool {
	if _, err := h.sessions.StartMonitoring(placeID, userID); err != nil {
		h.logger.Warn("failed to start range monitor",
			zap.String("place_id", placeID),
			zap.String("user_id", userID),
			zap.Error(err))
		return false
	}
	return true
}
