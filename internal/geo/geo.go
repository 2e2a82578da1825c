package geo

import "math"

// Point is a geographic position in decimal degrees
type Point struct {
	Lat float64
	Lon float64
}

// Equal reports whether both points share the same latitude and longitude
func (p Point) Equal(o Point) bool {
	return p.Lat == o.Lat && p.Lon == o.Lon
}

// Bearing returns the direction of travel from one point to another in degrees.
//
// The result is a flat-earth approximation scaled by cos(latitude) and lies in
// the range (-180, 180]. It is meant to rotate a marker, not to navigate:
// 0 points east and 90 points north. Callers must not pass equal points, the
// angle is undefined there.
func Bearing(from, to Point) float64 {
	dy := to.Lat - from.Lat
	dx := math.Cos(from.Lat*(math.Pi/180)) * (to.Lon - from.Lon)

	return math.Atan2(dy, dx) * (180 / math.Pi)
}
