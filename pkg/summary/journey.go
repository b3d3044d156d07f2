package summary

import (
	polyline "github.com/twpayne/go-polyline"
	"gonum.org/v1/gonum/floats"

	"busjourneys/pkg/types"
)

// DefaultStationaryMPH is the speed below which a delta counts as stationary.
const DefaultStationaryMPH = 1.0

// SummariseJourney reduces one journey's deltas to a JourneySummary. Metadata
// is taken from meta, normally the journey's first ping. An empty delta
// sequence yields zero counts and totals with every other statistic nil.
func SummariseJourney(meta types.RawLocationPing, deltas []types.Delta, stationaryMPH float64) types.JourneySummary {
	s := types.JourneySummary{
		JourneyKey:            types.JourneyKey(meta),
		VehicleJourneyDateRef: types.VehicleJourneyDateRef(meta),
		LineRef:               meta.LineRef,
		LineName:              meta.LineName,
		DirectionRef:          meta.DirectionRef,
		OperatorRef:           meta.OperatorRef,
		OriginRef:             meta.OriginRef,
		OriginName:            meta.OriginName,
		DestinationRef:        meta.DestinationRef,
		DestinationName:       meta.DestinationName,
		VehicleRef:            meta.VehicleRef,
		Hour:                  types.HourBucket(meta),
		ScheduledDeparture:    meta.OriginAimedDepartureTime.UTC(),
		NumPoints:             len(deltas),
	}
	if len(deltas) == 0 {
		return s
	}

	elapsed := make([]float64, len(deltas))
	dist := make([]float64, len(deltas))
	speed := make([]float64, len(deltas))
	for i, d := range deltas {
		elapsed[i] = d.Elapsed
		dist[i] = d.Distance
		speed[i] = d.Speed
		if d.Speed < stationaryMPH {
			s.NumStationary++
		}
	}

	t := Describe(elapsed)
	s.TimeTotalHrs = floats.Sum(elapsed)
	s.TimeIntvMin, s.TimeIntvMax, s.TimeIntvMean, s.TimeIntvMed = t.Min, t.Max, t.Mean, t.Median

	d := Describe(dist)
	s.DistTotalMiles = floats.Sum(dist)
	s.DistIntvMeanMiles, s.DistIntvMedMiles = d.Mean, d.Median

	v := Describe(speed)
	s.SpeedMinMPH, s.SpeedMaxMPH, s.SpeedMeanMPH, s.SpeedMedMPH = v.Min, v.Max, v.Mean, v.Median

	return s
}

// SummarisePings computes the deltas of one journey's ordered pings and
// summarises them, recording the ping track as an encoded polyline.
func SummarisePings(pings []types.RawLocationPing, stationaryMPH float64) (types.JourneySummary, bool) {
	if len(pings) == 0 {
		return types.JourneySummary{}, false
	}
	s := SummariseJourney(pings[0], ComputeDeltas(pings), stationaryMPH)

	coords := make([][]float64, len(pings))
	for i, p := range pings {
		coords[i] = []float64{p.Latitude, p.Longitude}
	}
	s.Path = string(polyline.EncodeCoords(coords))
	return s, true
}
