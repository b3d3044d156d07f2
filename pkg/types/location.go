package types

import "time"

// Direction values as published in SIRI-VM DirectionRef.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// RawLocationPing is one vehicle-monitoring report as stored by the collector.
type RawLocationPing struct {
	ID             int64     `json:"id"`
	ItemIdentifier string    `json:"item_identifier,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	LineRef      string `json:"line_ref"`
	LineName     string `json:"line_name"`
	DirectionRef string `json:"direction_ref"`
	OperatorRef  string `json:"operator_ref"`

	OriginRef                string    `json:"origin_ref"`
	OriginName               string    `json:"origin_name"`
	DestinationRef           string    `json:"destination_ref"`
	DestinationName          string    `json:"destination_name"`
	OriginAimedDepartureTime time.Time `json:"origin_aimed_departure_time"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Bearing   float64 `json:"bearing"`

	VehicleRef        string `json:"vehicle_ref"`
	VehicleJourneyRef string `json:"vehicle_journey_ref"`
}

// JourneyKey identifies one physical journey. The vehicle journey ref cycles
// across days and routes, so it is only unique together with the operator,
// the scheduled departure and the line.
func JourneyKey(p RawLocationPing) string {
	return p.OperatorRef + "_" +
		p.OriginAimedDepartureTime.UTC().Format(time.RFC3339) + "_" +
		p.LineRef + "_" +
		p.VehicleJourneyRef
}

// VehicleJourneyDateRef ties the cyclical vehicle journey ref to the day the
// journey was scheduled to depart.
func VehicleJourneyDateRef(p RawLocationPing) string {
	return p.OriginAimedDepartureTime.UTC().Format("2006-01-02") + "_" + p.VehicleJourneyRef
}

// HourBucket is the hour in which the journey was scheduled to depart. Every
// ping of a journey shares it, however long the journey runs.
func HourBucket(p RawLocationPing) time.Time {
	return p.OriginAimedDepartureTime.UTC().Truncate(time.Hour)
}

// Delta is the movement between two consecutive pings of one journey.
type Delta struct {
	Elapsed  float64 `json:"elapsed_hrs"`
	Distance float64 `json:"distance_miles"`
	Speed    float64 `json:"speed_mph"`
}
