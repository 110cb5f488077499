package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geolocation"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/places"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/session"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type placePayload struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Origin        geo.Point `json:"origin"`
	OriginGeohash string    `json:"originGeohash,omitempty"`
	CreatedBy     string    `json:"createdBy"`
	IsActive      bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newPlacePayload(place places.Place) placePayload {
	return placePayload{
		ID:            place.PlaceID,
		Name:          place.Name,
		Origin:        place.Origin(),
		OriginGeohash: place.OriginGeohash,
		CreatedBy:     place.CreatedBy,
		IsActive:      place.IsActive,
		CreatedAt:     place.CreatedAt,
	}
}

type presencePayload struct {
	UserID string `json:"userId"`
	presence.Display
	CurrentPlace string     `json:"currentPlace,omitempty"`
	Location     *geo.Point `json:"location,omitempty"`
	LastChanged  time.Time  `json:"lastChanged"`
}

func newPresencePayloads(records []presence.Online) []presencePayload {
	payloads := make([]presencePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, presencePayload{
			UserID:       record.UserID,
			Display:      record.Display,
			CurrentPlace: record.CurrentPlace,
			Location:     record.Location,
			LastChanged:  record.Changed,
		})
	}
	return payloads
}

type memberEventPayload struct {
	PlaceID   string    `json:"placeId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

func pointFromRequest(request locationRequest) geo.Point {
	return geo.Point{Lat: *request.Lat, Lng: *request.Lng}
}

// writeError maps domain errors onto status codes and stable error codes.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var tooFar *session.TooFarError
	switch {
	case errors.As(err, &tooFar):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":           "too_far",
			"distance_meters": tooFar.DistanceMeters,
			"radius_meters":   tooFar.RadiusMeters,
		})
	case errors.Is(err, places.ErrPlaceNotFound), errors.Is(err, session.ErrPlaceInactive):
		c.JSON(http.StatusNotFound, gin.H{"error": "place_not_found"})
	case errors.Is(err, geolocation.ErrLocationUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "location_unavailable"})
	case errors.Is(err, users.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
	case errors.Is(err, places.ErrInvalidPlaceID),
		errors.Is(err, places.ErrInvalidUserID),
		errors.Is(err, places.ErrInvalidName),
		errors.Is(err, geo.ErrInvalidCoordinates),
		errors.Is(err, users.ErrInvalidHeadline):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, session.ErrControllerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
