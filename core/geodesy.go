package core

import (
	"math"

	"github.com/paulmach/orb/geo"

	"github.com/signalsfoundry/target-bearing/model"
)

// EarthRadiusMeters is the mean Earth radius used for all great-circle
// distances (metres).
const EarthRadiusMeters = 6371008.8

// BearingDegrees returns the initial great-circle bearing from one coordinate
// to another, normalised into [0,360).
//
// When from == to the bearing is atan2(0, 0) = 0. That value is stable but
// carries no meaning; callers should look at the distance first.
func BearingDegrees(from, to model.Coordinate) float64 {
	raw := geo.Bearing(from.Point(), to.Point())
	b := math.Mod(raw+360, 360)
	// raw == -0 or a value that rounds up to 360 must still land in range.
	if b >= 360 {
		b -= 360
	}
	return b
}

// DistanceMeters returns the haversine great-circle distance in metres.
func DistanceMeters(from, to model.Coordinate) float64 {
	lat1 := degToRad(from.Lat)
	lat2 := degToRad(to.Lat)
	dLat := lat2 - lat1
	dLon := degToRad(to.Lon - from.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Destination returns the point reached by travelling the given distance
// along an initial bearing. Used to move simulated observers.
func Destination(from model.Coordinate, bearingDeg, meters float64) model.Coordinate {
	return model.FromPoint(geo.PointAtBearingAndDistance(from.Point(), bearingDeg, meters))
}

// NormalizeDegrees maps any angle into [0,360).
func NormalizeDegrees(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d -= 360
	}
	return d
}

func degToRad(d float64) float64 {
	return d * math.Pi / 180.0
}
