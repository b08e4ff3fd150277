package geofence

import "math"

const (
	earthRadiusMeters = 6371000

	// minRadiusMeters floors misconfigured zones so GPS noise cannot make a
	// zone impossible to hit.
	minRadiusMeters = 10
)

// Zone is a classroom's optional circular geofence. A zone with either
// coordinate missing is unset and admits every point.
type Zone struct {
	Lat          *float64
	Lng          *float64
	RadiusMeters int
}

// Configured reports whether the zone has a center.
func (z Zone) Configured() bool {
	return z.Lat != nil && z.Lng != nil
}

// Contains decides whether the given point passes the zone. Unset zones are
// fail-open; a configured zone with no point supplied is fail-closed.
func (z Zone) Contains(lat, lng *float64) bool {
	if !z.Configured() {
		return true
	}
	if lat == nil || lng == nil {
		return false
	}
	radius := float64(z.RadiusMeters)
	if radius < minRadiusMeters {
		radius = minRadiusMeters
	}
	return Distance(*z.Lat, *z.Lng, *lat, *lng) <= radius
}

// Distance returns the great-circle distance in meters between two points
// using the haversine formula.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
