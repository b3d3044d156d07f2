package summary

import (
	"sort"
	"time"

	"busjourneys/pkg/types"
)

type hourKey struct {
	direction string
	hour      int64
}

// SummariseHours groups journey summaries by (direction, hour) and reduces
// each group. Groups come back ordered by hour, then direction.
func SummariseHours(journeys []types.JourneySummary) []types.HourSummary {
	groups := make(map[hourKey][]types.JourneySummary)
	for _, j := range journeys {
		k := hourKey{direction: j.DirectionRef, hour: j.Hour.Unix()}
		groups[k] = append(groups[k], j)
	}

	keys := make([]hourKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].hour != keys[j].hour {
			return keys[i].hour < keys[j].hour
		}
		return keys[i].direction < keys[j].direction
	})

	hours := make([]types.HourSummary, 0, len(keys))
	for _, k := range keys {
		hours = append(hours, SummariseHour(k.direction, time.Unix(k.hour, 0).UTC(), groups[k]))
	}
	return hours
}

// SummariseHour reduces the journeys sharing one (direction, hour) key. Each
// statistic is reduced over the journeys that define it; a statistic no
// journey defines stays nil.
func SummariseHour(direction string, hour time.Time, journeys []types.JourneySummary) types.HourSummary {
	h := types.HourSummary{
		DirectionRef: direction,
		Hour:         hour.UTC(),
		NumJourneys:  len(journeys),
		Lines:        distinctLines(journeys),
	}
	if len(journeys) == 0 {
		return h
	}

	h.NumStationary = Describe(values(journeys, func(j types.JourneySummary) float64 { return float64(j.NumStationary) }))
	h.NumPoints = Describe(values(journeys, func(j types.JourneySummary) float64 { return float64(j.NumPoints) }))
	h.TimeTotalHrs = Describe(values(journeys, func(j types.JourneySummary) float64 { return j.TimeTotalHrs }))
	h.DistTotalMiles = Describe(values(journeys, func(j types.JourneySummary) float64 { return j.DistTotalMiles }))

	h.TimeIntvMean = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.TimeIntvMean }))
	h.TimeIntvMed = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.TimeIntvMed }))
	h.TimeIntvMin = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.TimeIntvMin }))
	h.TimeIntvMax = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.TimeIntvMax }))
	h.DistIntvMed = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.DistIntvMedMiles }))
	h.DistIntvMean = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.DistIntvMeanMiles }))
	h.SpeedMin = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.SpeedMinMPH }))
	h.SpeedMax = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.SpeedMaxMPH }))
	h.SpeedMed = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.SpeedMedMPH }))
	h.SpeedMean = Describe(present(journeys, func(j types.JourneySummary) *float64 { return j.SpeedMeanMPH }))

	return h
}

func distinctLines(journeys []types.JourneySummary) []string {
	seen := make(map[string]struct{})
	var lines []string
	for _, j := range journeys {
		if _, ok := seen[j.LineRef]; ok {
			continue
		}
		seen[j.LineRef] = struct{}{}
		lines = append(lines, j.LineRef)
	}
	sort.Strings(lines)
	return lines
}
