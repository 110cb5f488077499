// Package proximity decides whether a position lies inside a place geofence.
package proximity

import "github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"

// DefaultRadiusMeters is the geofence radius applied to both join and stay checks.
const DefaultRadiusMeters = 100.0

// IsWithinRadius reports whether the user position is at most radiusMeters from the origin.
func IsWithinRadius(userLat, userLng, originLat, originLng, radiusMeters float64) bool {
	return geo.DistanceMeters(userLat, userLng, originLat, originLng) <= radiusMeters
}

// Decision is the outcome of a geofence check.
type Decision struct {
	Within         bool
	DistanceMeters float64
}

// Policy applies a fixed geofence radius.
type Policy struct {
	RadiusMeters float64
}

// NewPolicy returns a policy for the radius, using DefaultRadiusMeters when it is not positive.
func NewPolicy(radiusMeters float64) Policy {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	return Policy{RadiusMeters: radiusMeters}
}

// Radius returns the effective radius in meters.
func (p Policy) Radius() float64 {
	if p.RadiusMeters <= 0 {
		return DefaultRadiusMeters
	}
	return p.RadiusMeters
}

// Check measures the distance from user to origin and applies the radius inclusively.
func (p Policy) Check(user, origin geo.Point) Decision {
	distance := user.DistanceTo(origin)
	return Decision{
		Within:         distance <= p.Radius(),
		DistanceMeters: distance,
	}
}

// Within is a convenience form of Check.
func (p Policy) Within(user, origin geo.Point) bool {
	return p.Check(user, origin).Within
}
