// Package geo holds great-circle helpers used by the fleet views.
package geo

import "math"

const EarthRadiusKm = 6371.0

type Coordinate struct {
	Latitude  float64
	Longitude float64
}

// DistanceKm returns the haversine distance between a and b in kilometers.
// It returns NaN when either point is missing.
func DistanceKm(a, b *Coordinate) float64 {
	if a == nil || b == nil {
		return math.NaN()
	}

	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h a hair past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Defined reports whether d is a usable distance.
func Defined(d float64) bool {
	return !math.IsNaN(d)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
