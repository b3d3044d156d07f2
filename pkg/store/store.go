// Package store persists raw pings and the summaries derived from them.
package store

import (
	"errors"
	"fmt"
	"strings"

	"busjourneys/pkg/types"
)

// ConflictPolicy decides what happens when a journey summary is stored for a
// journey key that already has one.
type ConflictPolicy string

const (
	// KeepExisting leaves the stored summary untouched and reports the key.
	KeepExisting ConflictPolicy = "keep-existing"
	// Reject fails the whole batch without writing anything.
	Reject ConflictPolicy = "reject"
	// PreferMorePings replaces the stored summary only when the new one was
	// built from more deltas.
	PreferMorePings ConflictPolicy = "prefer-more-pings"
)

// ParseConflictPolicy accepts the policy names used on the command line.
// An empty string selects KeepExisting.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeepExisting:
		return KeepExisting, nil
	case Reject:
		return Reject, nil
	case PreferMorePings:
		return PreferMorePings, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// ErrDuplicateJourney is matched by errors.Is for every DuplicateJourneyError.
var ErrDuplicateJourney = errors.New("duplicate journey key")

// DuplicateJourneyError lists the journey keys that were already stored when
// the Reject policy is in force.
type DuplicateJourneyError struct {
	Keys []string
}

func (e *DuplicateJourneyError) Error() string {
	if len(e.Keys) == 1 {
		return fmt.Sprintf("%v: %s", ErrDuplicateJourney, e.Keys[0])
	}
	return fmt.Sprintf("%v: %d keys (first %s)", ErrDuplicateJourney, len(e.Keys), e.Keys[0])
}

func (e *DuplicateJourneyError) Is(target error) bool {
	return target == ErrDuplicateJourney
}

// Result describes what one StoreChunk call wrote.
type Result struct {
	Inserted int
	Replaced int
	// Conflicts holds every journey key that was already stored, however the
	// policy resolved it.
	Conflicts []string
	// Written are the journeys inserted or replaced, in input order. Journeys
	// the policy kept out are not included.
	Written []types.JourneySummary
	// Hours are the hour summaries rebuilt from the stored journeys of every
	// hour the chunk touched.
	Hours []types.HourSummary
}
