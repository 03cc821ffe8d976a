// Package geo converts between geographic coordinates and the local metric
// frame the AR world is built in.
package geo

import (
	"errors"
	"math"

	"github.com/golang/geo/s2"
	"gonum.org/v1/gonum/spatial/r3"
)

// EarthRadiusM is the mean Earth radius used by every conversion here.
const EarthRadiusM = 6371000.0

// ErrPolarSingularity is returned when a longitude offset cannot be
// computed because cos(latitude) vanishes.
var ErrPolarSingularity = errors.New("geo: destination undefined at the poles")

// Position is a WGS84 coordinate in degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether p is the {0,0} placeholder used when no fix exists.
func (p Position) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}

// DistanceMeters returns the haversine great-circle distance between two
// points.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lng1)
	b := s2.LatLngFromDegrees(lat2, lng2)
	return a.Distance(b).Radians() * EarthRadiusM
}

// Distance is DistanceMeters for two Positions.
func Distance(a, b Position) float64 {
	return DistanceMeters(a.Lat, a.Lng, b.Lat, b.Lng)
}

// DestinationPoint offsets a position by distM metres along bearingDeg
// (0 = north, 90 = east) using a flat-earth approximation, which is
// accurate for the few metres the capture flows use.
func DestinationPoint(lat, lng, bearingDeg, distM float64) (Position, error) {
	cosLat := math.Cos(lat * math.Pi / 180)
	if math.Abs(cosLat) < 1e-12 {
		return Position{}, ErrPolarSingularity
	}
	b := bearingDeg * math.Pi / 180
	k := (distM / EarthRadiusM) * (180 / math.Pi)
	out := Position{
		Lat: lat + k*math.Cos(b),
		Lng: lng + k*math.Sin(b)/cosLat,
	}
	if math.IsNaN(out.Lat) || math.IsNaN(out.Lng) || math.IsInf(out.Lat, 0) || math.IsInf(out.Lng, 0) {
		return Position{}, ErrPolarSingularity
	}
	return out, nil
}

// LocalVectorFromGPS maps target into the metric frame centred on origin:
// +X is east, -Z is north, Y is left at zero for the caller (altitude).
func LocalVectorFromGPS(originLat, originLng, targetLat, targetLng float64) r3.Vec {
	dLat := (targetLat - originLat) * math.Pi / 180
	dLng := (targetLng - originLng) * math.Pi / 180
	return r3.Vec{
		X: dLng * EarthRadiusM * math.Cos(originLat*math.Pi/180),
		Y: 0,
		Z: -dLat * EarthRadiusM,
	}
}

// NormalizeDegrees wraps an angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// NormalizeRadians wraps an angle into (-π, π].
func NormalizeRadians(rad float64) float64 {
	rad = math.Mod(rad+math.Pi, 2*math.Pi)
	if rad <= 0 {
		rad += 2 * math.Pi
	}
	return rad - math.Pi
}
