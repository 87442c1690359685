// Package geo implements great-circle distance and tolerance matching for beacon positions.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

const (
	// DefaultRelocationToleranceKm decides whether new GPS for a known beacon is drift or a move.
	DefaultRelocationToleranceKm = 0.05
	// DefaultMatchToleranceKm decides whether a GPS-only reading belongs to an existing beacon.
	DefaultMatchToleranceKm = 0.01
)

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point is a finite coordinate inside WGS84 bounds.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Distance returns the haversine distance between a and b in kilometers.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	// rounding can push h a hair above 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// WithinTolerance reports whether distanceKm falls inside the tolerance radius.
// The boundary itself counts as a match.
func WithinTolerance(distanceKm, toleranceKm float64) bool {
	return distanceKm <= toleranceKm
}

// Nearest returns the index of the candidate closest to p that lies within
// toleranceKm, and its distance. The index is -1 when nothing matches.
func Nearest(p Point, candidates []Point, toleranceKm float64) (int, float64) {
	best := -1
	bestDist := math.Inf(1)
	for i, c := range candidates {
		d := Distance(p, c)
		if !WithinTolerance(d, toleranceKm) {
			continue
		}
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist
}
