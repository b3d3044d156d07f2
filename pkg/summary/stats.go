package summary

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"busjourneys/pkg/types"
)

// Describe reduces xs to min, max, mean and median. Every field is nil when
// xs is empty.
func Describe(xs []float64) types.Spread {
	if len(xs) == 0 {
		return types.Spread{}
	}
	return types.Spread{
		Min:    types.Float(floats.Min(xs)),
		Max:    types.Float(floats.Max(xs)),
		Mean:   types.Float(stat.Mean(xs, nil)),
		Median: types.Float(Median(xs)),
	}
}

// Median returns the middle value of xs, or the mean of the two middle
// values when len(xs) is even. xs is not modified. Median of an empty slice
// is 0; callers guard with Describe.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// present collects the non-nil values of get across journeys.
func present(journeys []types.JourneySummary, get func(types.JourneySummary) *float64) []float64 {
	xs := make([]float64, 0, len(journeys))
	for _, j := range journeys {
		if v := get(j); v != nil {
			xs = append(xs, *v)
		}
	}
	return xs
}

func values(journeys []types.JourneySummary, get func(types.JourneySummary) float64) []float64 {
	xs := make([]float64, len(journeys))
	for i, j := range journeys {
		xs[i] = get(j)
	}
	return xs
}
