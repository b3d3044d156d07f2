package types

import "time"

// JourneySummary is the per-journey reduction of a journey's deltas.
//
// Statistics that are undefined for an empty delta sequence (min, median,
// mean, ...) are nil rather than zero so they cannot be mistaken for a
// zero-length journey.
type JourneySummary struct {
	JourneyKey            string    `json:"journey_date_line_ref"`
	VehicleJourneyDateRef string    `json:"vehicle_journey_date_ref"`
	LineRef               string    `json:"line_ref"`
	LineName              string    `json:"line_name"`
	DirectionRef          string    `json:"direction_ref"`
	OperatorRef           string    `json:"operator_ref"`
	OriginRef             string    `json:"origin_ref"`
	OriginName            string    `json:"origin_name"`
	DestinationRef        string    `json:"destination_ref"`
	DestinationName       string    `json:"destination_name"`
	VehicleRef            string    `json:"vehicle_ref"`
	Hour                  time.Time `json:"hour"`
	ScheduledDeparture    time.Time `json:"origin_aimed_departure_time"`

	NumPoints     int `json:"num_points"`
	NumStationary int `json:"num_points_stationary"`

	TimeTotalHrs float64  `json:"time_total_hrs"`
	TimeIntvMed  *float64 `json:"time_intv_med"`
	TimeIntvMean *float64 `json:"time_intv_mean"`
	TimeIntvMin  *float64 `json:"time_intv_min"`
	TimeIntvMax  *float64 `json:"time_intv_max"`

	DistTotalMiles    float64  `json:"dist_total_miles"`
	DistIntvMedMiles  *float64 `json:"dist_intv_med_miles"`
	DistIntvMeanMiles *float64 `json:"dist_intv_mean_miles"`

	SpeedMinMPH  *float64 `json:"speed_min_mph"`
	SpeedMaxMPH  *float64 `json:"speed_max_mph"`
	SpeedMedMPH  *float64 `json:"speed_med_mph"`
	SpeedMeanMPH *float64 `json:"speed_mean_mph"`

	// Path is the ping track encoded as a Google polyline.
	Path string `json:"path,omitempty"`
}

// Spread is a reduction of one journey-level statistic across journeys.
type Spread struct {
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	Mean   *float64 `json:"mean"`
	Median *float64 `json:"median"`
}

// HourSummary aggregates every journey sharing a (direction, hour) key.
type HourSummary struct {
	DirectionRef string    `json:"direction_ref"`
	Hour         time.Time `json:"hour"`
	NumJourneys  int       `json:"num_journeys"`
	Lines        []string  `json:"lines"`

	NumStationary  Spread `json:"num_stationary"`
	NumPoints      Spread `json:"num_points"`
	TimeTotalHrs   Spread `json:"time_total_hrs"`
	TimeIntvMean   Spread `json:"time_intv_mean"`
	TimeIntvMed    Spread `json:"time_intv_med"`
	TimeIntvMin    Spread `json:"time_intv_min"`
	TimeIntvMax    Spread `json:"time_intv_max"`
	DistTotalMiles Spread `json:"dist_total_miles"`
	DistIntvMed    Spread `json:"dist_intv_med_miles"`
	DistIntvMean   Spread `json:"dist_intv_mean_miles"`
	SpeedMin       Spread `json:"speed_min_mph"`
	SpeedMax       Spread `json:"speed_max_mph"`
	SpeedMed       Spread `json:"speed_med_mph"`
	SpeedMean      Spread `json:"speed_mean_mph"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
