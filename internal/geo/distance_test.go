package geo

import (
	"errors"
	"math"
	"testing"
)

func TestDistanceMetersKnownPairs(t *testing.T) {
	tests := []struct {
		name      string
		from      Point
		to        Point
		want      float64
		tolerance float64
	}{
		{name: "one hundredth degree of latitude", from: Point{40.0, -73.0}, to: Point{40.01, -73.0}, want: 1111.95, tolerance: 0.5},
		{name: "short longitude hop", from: Point{40.0, -73.0}, to: Point{40.0, -73.0009}, want: 76.66, tolerance: 0.5},
		{name: "equator quarter circle", from: Point{0, 0}, to: Point{0, 90}, want: math.Pi / 2 * EarthRadiusMeters, tolerance: 1e-6},
		{name: "antipodes", from: Point{0, 0}, to: Point{0, 180}, want: math.Pi * EarthRadiusMeters, tolerance: 1e-6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.from.Lat, tt.from.Lng, tt.to.Lat, tt.to.Lng)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Fatalf("distance = %f, want %f +/- %f", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestDistanceMetersSymmetric(t *testing.T) {
	points := []Point{
		{40.0, -73.0},
		{40.02, -73.0},
		{-33.8688, 151.2093},
		{51.5074, -0.1278},
		{89.9, 179.9},
		{-89.9, -179.9},
	}
	for _, a := range points {
		for _, b := range points {
			forward := DistanceMeters(a.Lat, a.Lng, b.Lat, b.Lng)
			backward := DistanceMeters(b.Lat, b.Lng, a.Lat, a.Lng)
			if forward != backward {
				t.Fatalf("distance not symmetric for %v and %v: %f vs %f", a, b, forward, backward)
			}
		}
	}
}

func TestDistanceMetersZeroForSamePoint(t *testing.T) {
	points := []Point{{0, 0}, {40.0, -73.0}, {-90, 180}, {12.345678, -98.7654321}}
	for _, point := range points {
		if got := point.DistanceTo(point); got != 0 {
			t.Fatalf("expected zero distance for %v, got %f", point, got)
		}
	}
}

func TestPointValidate(t *testing.T) {
	valid := []Point{{0, 0}, {90, 180}, {-90, -180}}
	for _, point := range valid {
		if err := point.Validate(); err != nil {
			t.Fatalf("expected %v to be valid: %v", point, err)
		}
	}
	invalid := []Point{{90.1, 0}, {0, -180.5}, {math.NaN(), 0}}
	for _, point := range invalid {
		if err := point.Validate(); !errors.Is(err, ErrInvalidCoordinates) {
			t.Fatalf("expected invalid coordinates error for %v, got %v", point, err)
		}
	}
}
