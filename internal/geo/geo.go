package geo

import (
	"cmp"
	"math"
	"slices"

	"github.com/example/ride-dispatch/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is Haversine between two coords, in kilometres.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}

// Rank orders candidates nearest first. Equal distances fall back to the
// lower driver id so results are deterministic.
func Rank(cands []models.Candidate) {
	slices.SortFunc(cands, func(a, b models.Candidate) int {
		if c := cmp.Compare(a.DistanceKm, b.DistanceKm); c != 0 {
			return c
		}
		return cmp.Compare(a.Driver.ID, b.Driver.ID)
	})
}
