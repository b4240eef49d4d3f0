// Package geo provides the coarse cell grid used for channel arbitration and
// the great-circle distance used for geofenced delivery.
package geo

import (
	"fmt"
	"math"
)

// UnknownCell is the sentinel cell for sessions or origins without usable
// coordinates. The unknown cell is never geofenced: events tied to it reach
// every connected session.
const UnknownCell = "unknown"

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Finite reports whether both coordinates are finite numbers.
func (p Point) Finite() bool {
	return isFinite(p.Lat) && isFinite(p.Lon)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// CellKey quantizes a point to the arbitration grid. One grid step is 0.05
// degrees, roughly 5-6 km at mid latitudes. The grid is intentionally a
// rounded-degree bucket rather than a true radius: two nearby points can land
// in different cells and be arbitrated independently.
func CellKey(p Point) string {
	if !p.Finite() {
		return UnknownCell
	}
	qLat := int(math.Round(p.Lat * 20))
	qLon := int(math.Round(p.Lon * 20))
	return fmt.Sprintf("%d:%d", qLat, qLon)
}

// DistanceKm returns the haversine great-circle distance between two points.
func DistanceKm(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	s := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Pow(math.Sin(dLon/2), 2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
