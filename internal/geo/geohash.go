package geo

import "strings"

const (
	// DefaultGeohashBits yields a four character base32 geohash.
	DefaultGeohashBits = 20
	// DefaultPrecision is the base32 geohash length stored alongside coordinates.
	DefaultPrecision = DefaultGeohashBits / bitsPerChar

	bitsPerChar = 5
	base32      = "0123456789bcdefghjkmnpqrstuvwxyz"
)

// GeohashBits encodes a coordinate as a bitstring of '0'/'1' characters by
// recursively halving the longitude and latitude ranges, longitude first.
// A non-positive bit count falls back to DefaultGeohashBits.
func GeohashBits(lat, lng float64, bits int) string {
	if bits < 1 {
		bits = DefaultGeohashBits
	}

	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	var hash strings.Builder
	hash.Grow(bits)

	even := true
	for hash.Len() < bits {
		if even {
			hash.WriteByte(subdivide(&lngRange, lng))
		} else {
			hash.WriteByte(subdivide(&latRange, lat))
		}
		even = !even
	}
	return hash.String()
}

// Encode returns the base32 geohash of the given length.
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = DefaultPrecision
	}
	bits := GeohashBits(lat, lng, precision*bitsPerChar)

	var hash strings.Builder
	hash.Grow(precision)
	for offset := 0; offset < len(bits); offset += bitsPerChar {
		var index byte
		for _, bit := range bits[offset : offset+bitsPerChar] {
			index <<= 1
			if bit == '1' {
				index |= 1
			}
		}
		hash.WriteByte(base32[index])
	}
	return hash.String()
}

func subdivide(bounds *[2]float64, value float64) byte {
	mid := (bounds[0] + bounds[1]) / 2
	if value > mid {
		bounds[0] = mid
		return '1'
	}
	bounds[1] = mid
	return '0'
}
