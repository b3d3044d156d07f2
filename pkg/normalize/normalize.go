package normalize

import (
	"math"
	"sort"

	"busjourneys/pkg/types"
)

// DefaultMinPings is the smallest number of pings a journey needs to yield a
// single delta.
const DefaultMinPings = 2

// Normalizer cleans one window of raw pings before summarising.
type Normalizer struct {
	MinPings int
}

func New(minPings int) *Normalizer {
	if minPings < 1 {
		minPings = DefaultMinPings
	}
	return &Normalizer{MinPings: minPings}
}

// Result is the outcome of one Normalize call.
type Result struct {
	// Pings are deduplicated, keyed and sorted by (timestamp, id).
	Pings []types.RawLocationPing

	Skipped         int
	Duplicates      int
	DroppedPings    int
	DroppedJourneys int
}

// Insufficient reports whether too few pings survived to produce any delta.
// This is a normal outcome, not an error.
func (r Result) Insufficient() bool {
	return len(r.Pings) < 2
}

type dedupKey struct {
	unixNano  int64
	lineRef   string
	direction string
	lat       float64
	lon       float64
	bearing   float64
}

// Normalize validates, deduplicates, filters and orders pings. Running it on
// its own output returns the same pings.
//
// Of a group of duplicates the ping with the lowest id is kept, whatever the
// input order. Duplicates are only seen within one call, so two copies with
// different scheduled departures survive when they land in different
// windows.
func (n *Normalizer) Normalize(raw []types.RawLocationPing) Result {
	var res Result

	valid := make([]types.RawLocationPing, 0, len(raw))
	for _, p := range raw {
		if !Valid(p) {
			res.Skipped++
			continue
		}
		valid = append(valid, p)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		a, b := valid[i], valid[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})

	seen := make(map[dedupKey]struct{}, len(valid))
	kept := valid[:0]
	for _, p := range valid {
		k := dedupKey{
			unixNano:  p.Timestamp.UnixNano(),
			lineRef:   p.LineRef,
			direction: p.DirectionRef,
			lat:       p.Latitude,
			lon:       p.Longitude,
			bearing:   p.Bearing,
		}
		if _, dup := seen[k]; dup {
			res.Duplicates++
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, p)
	}

	counts := make(map[string]int, len(kept))
	for _, p := range kept {
		counts[types.JourneyKey(p)]++
	}
	for _, c := range counts {
		if c < n.MinPings {
			res.DroppedJourneys++
			res.DroppedPings += c
		}
	}

	// Filtering in place keeps the (timestamp, id) order.
	res.Pings = kept[:0]
	for _, p := range kept {
		if counts[types.JourneyKey(p)] >= n.MinPings {
			res.Pings = append(res.Pings, p)
		}
	}

	if len(res.Pings) == 0 {
		res.Pings = nil
	}
	return res
}

// Valid reports whether a ping carries every field summarising depends on.
func Valid(p types.RawLocationPing) bool {
	if p.Timestamp.IsZero() || p.OriginAimedDepartureTime.IsZero() {
		return false
	}
	if p.OperatorRef == "" || p.LineRef == "" || p.VehicleJourneyRef == "" {
		return false
	}
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) || math.IsNaN(p.Bearing) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// Journey is the ordered pings sharing one journey key.
type Journey struct {
	Key   string
	Pings []types.RawLocationPing
}

// GroupByJourney splits ordered pings by journey key. Groups are returned in
// key order and keep the input order of their pings.
func GroupByJourney(pings []types.RawLocationPing) []Journey {
	index := make(map[string]int)
	var journeys []Journey
	for _, p := range pings {
		key := types.JourneyKey(p)
		i, ok := index[key]
		if !ok {
			i = len(journeys)
			index[key] = i
			journeys = append(journeys, Journey{Key: key})
		}
		journeys[i].Pings = append(journeys[i].Pings, p)
	}
	sort.Slice(journeys, func(i, j int) bool { return journeys[i].Key < journeys[j].Key })
	return journeys
}
