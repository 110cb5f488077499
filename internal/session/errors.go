package session

import (
	"errors"
	"fmt"
)

var (
	// ErrPlaceInactive indicates a join against a deactivated place.
	ErrPlaceInactive = errors.New("session: place is inactive")
	// ErrControllerClosed indicates the controller was torn down.
	ErrControllerClosed = errors.New("session: controller closed")

	errMissingPlaces    = errors.New("session: membership store required")
	errMissingPresence  = errors.New("session: presence store required")
	errMissingLocations = errors.New("session: location provider required")
)

// TooFarError reports a failed geofence check on join together with the
// measured distance to the place origin.
type TooFarError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("session: %.0fm from place origin exceeds %.0fm radius", e.DistanceMeters, e.RadiusMeters)
}
