package summary

import (
	"math"

	"busjourneys/pkg/types"
)

const (
	// earthRadiusM is the IUGG mean earth radius. Distances use the haversine
	// formula on a sphere of this radius, so results are stable across runs.
	earthRadiusM = 6371008.8

	metresPerMile = 1609.344
)

// DistanceMiles is the great-circle distance between two positions.
func DistanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a)) / metresPerMile
}

// ComputeDeltas measures each consecutive pair of pings. pings must already be
// in time order and belong to a single journey.
//
// Pairs with zero elapsed time have no defined speed and are left out, so the
// result may be empty even for a long journey.
func ComputeDeltas(pings []types.RawLocationPing) []types.Delta {
	if len(pings) < 2 {
		return nil
	}

	deltas := make([]types.Delta, 0, len(pings)-1)
	for i := 0; i+1 < len(pings); i++ {
		a, b := pings[i], pings[i+1]
		elapsed := b.Timestamp.Sub(a.Timestamp).Hours()
		if elapsed == 0 {
			continue
		}
		dist := DistanceMiles(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
		deltas = append(deltas, types.Delta{
			Elapsed:  elapsed,
			Distance: dist,
			Speed:    dist / elapsed,
		})
	}
	return deltas
}
