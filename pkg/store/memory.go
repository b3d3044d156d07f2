package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"busjourneys/pkg/summary"
	"busjourneys/pkg/types"
)

type hourKey struct {
	direction string
	hour      int64
}

// Memory keeps pings and summaries in process. It is used by tests and by
// dry runs, and is safe for concurrent use.
type Memory struct {
	Policy ConflictPolicy

	mu       sync.Mutex
	nextID   int64
	pings    []types.RawLocationPing
	journeys map[string]types.JourneySummary
	hours    map[hourKey]types.HourSummary
}

func NewMemory(policy ConflictPolicy) *Memory {
	return &Memory{
		Policy:   policy,
		journeys: make(map[string]types.JourneySummary),
		hours:    make(map[hourKey]types.HourSummary),
	}
}

// InsertPings appends pings, assigning ingestion ids to those without one.
func (m *Memory) InsertPings(_ context.Context, pings []types.RawLocationPing) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range pings {
		if p.ID == 0 {
			m.nextID++
			p.ID = m.nextID
		} else if p.ID > m.nextID {
			m.nextID = p.ID
		}
		m.pings = append(m.pings, p)
	}
	return len(pings), nil
}

// FetchPings returns pings scheduled to depart in [start, end).
func (m *Memory) FetchPings(_ context.Context, start, end time.Time) ([]types.RawLocationPing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.RawLocationPing
	for _, p := range m.pings {
		d := p.OriginAimedDepartureTime
		if !d.Before(start) && d.Before(end) {
			out = append(out, p)
		}
	}
	return out, nil
}

// DepartureRange returns the earliest and latest scheduled departure stored.
func (m *Memory) DepartureRange(_ context.Context) (time.Time, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first, last time.Time
	found := false
	for _, p := range m.pings {
		d := p.OriginAimedDepartureTime
		if d.IsZero() {
			continue
		}
		if !found || d.Before(first) {
			first = d
		}
		if !found || d.After(last) {
			last = d
		}
		found = true
	}
	return first, last, found, nil
}

// StoreChunk writes journeys under m.Policy, then rebuilds the hour
// summaries of every hour they fall in from what is stored, all under one
// lock.
func (m *Memory) StoreChunk(_ context.Context, journeys []types.JourneySummary) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res Result
	staged := make(map[string]types.JourneySummary, len(journeys))
	written := make(map[string]int, len(journeys))
	for _, j := range journeys {
		existing, ok := staged[j.JourneyKey]
		if !ok {
			existing, ok = m.journeys[j.JourneyKey]
		}
		if !ok {
			staged[j.JourneyKey] = j
			written[j.JourneyKey] = len(res.Written)
			res.Written = append(res.Written, j)
			res.Inserted++
			continue
		}

		res.Conflicts = append(res.Conflicts, j.JourneyKey)
		if m.Policy == PreferMorePings && j.NumPoints > existing.NumPoints {
			staged[j.JourneyKey] = j
			if i, ok := written[j.JourneyKey]; ok {
				res.Written[i] = j
			} else {
				written[j.JourneyKey] = len(res.Written)
				res.Written = append(res.Written, j)
			}
			res.Replaced++
		}
	}

	if m.Policy == Reject && len(res.Conflicts) > 0 {
		return Result{}, &DuplicateJourneyError{Keys: res.Conflicts}
	}

	for k, j := range staged {
		m.journeys[k] = j
	}
	res.Hours = m.rebuildHours(journeys)
	return res, nil
}

// StoreHourSummaries upserts hour summaries by (direction, hour).
func (m *Memory) StoreHourSummaries(_ context.Context, hours []types.HourSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range hours {
		m.hours[hourKey{direction: h.DirectionRef, hour: h.Hour.Unix()}] = h
	}
	return nil
}

// rebuildHours recomputes the hour summaries of the hours journeys fall in
// from the stored journey set. The caller holds m.mu.
func (m *Memory) rebuildHours(journeys []types.JourneySummary) []types.HourSummary {
	touched := make(map[int64]struct{}, len(journeys))
	for _, j := range journeys {
		touched[j.Hour.Unix()] = struct{}{}
	}

	var stored []types.JourneySummary
	for _, j := range m.journeys {
		if _, ok := touched[j.Hour.Unix()]; ok {
			stored = append(stored, j)
		}
	}
	sortJourneys(stored)

	hours := summary.SummariseHours(stored)
	for _, h := range hours {
		m.hours[hourKey{direction: h.DirectionRef, hour: h.Hour.Unix()}] = h
	}
	return hours
}

// JourneySummaries returns summaries whose hour bucket is in [from, to),
// ordered by hour then journey key.
func (m *Memory) JourneySummaries(_ context.Context, from, to time.Time) ([]types.JourneySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.JourneySummary
	for _, j := range m.journeys {
		if !j.Hour.Before(from) && j.Hour.Before(to) {
			out = append(out, j)
		}
	}
	sortJourneys(out)
	return out, nil
}

func sortJourneys(js []types.JourneySummary) {
	sort.Slice(js, func(i, k int) bool {
		if !js[i].Hour.Equal(js[k].Hour) {
			return js[i].Hour.Before(js[k].Hour)
		}
		return js[i].JourneyKey < js[k].JourneyKey
	})
}

// HourSummaries returns stored hour summaries in [from, to), ordered by hour
// then direction.
func (m *Memory) HourSummaries(_ context.Context, from, to time.Time) ([]types.HourSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.HourSummary
	for _, h := range m.hours {
		if !h.Hour.Before(from) && h.Hour.Before(to) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].Hour.Equal(out[k].Hour) {
			return out[i].Hour.Before(out[k].Hour)
		}
		return out[i].DirectionRef < out[k].DirectionRef
	})
	return out, nil
}
