package store

const schema = `
CREATE TABLE IF NOT EXISTS bus_location (
	id                          BIGSERIAL PRIMARY KEY,
	entry_id                    TEXT,
	timestamp                   TIMESTAMPTZ,
	line_ref                    TEXT,
	line_name                   TEXT,
	direction_ref               TEXT,
	operator_ref                TEXT,
	origin_ref                  TEXT,
	origin_name                 TEXT,
	destination_ref             TEXT,
	destination_name            TEXT,
	origin_aimed_departure_time TIMESTAMPTZ,
	vehicle_lat                 DOUBLE PRECISION,
	vehicle_lon                 DOUBLE PRECISION,
	vehicle_bearing             DOUBLE PRECISION,
	vehicle_ref                 TEXT,
	vehicle_journey_ref         TEXT
);

CREATE INDEX IF NOT EXISTS bus_location_departure_idx
	ON bus_location (origin_aimed_departure_time);

CREATE TABLE IF NOT EXISTS journey_summary (
	journey_date_line_ref       TEXT PRIMARY KEY,
	vehicle_journey_date_ref    TEXT NOT NULL,
	line_ref                    TEXT NOT NULL,
	line_name                   TEXT NOT NULL,
	direction_ref               TEXT NOT NULL,
	operator_ref                TEXT NOT NULL,
	origin_ref                  TEXT NOT NULL,
	origin_name                 TEXT NOT NULL,
	destination_ref             TEXT NOT NULL,
	destination_name            TEXT NOT NULL,
	vehicle_ref                 TEXT NOT NULL,
	hour                        TIMESTAMPTZ NOT NULL,
	origin_aimed_departure_time TIMESTAMPTZ NOT NULL,
	num_points                  INTEGER NOT NULL,
	num_points_stationary       INTEGER NOT NULL,
	time_total_hrs              DOUBLE PRECISION NOT NULL,
	time_intv_med               DOUBLE PRECISION,
	time_intv_mean              DOUBLE PRECISION,
	time_intv_min               DOUBLE PRECISION,
	time_intv_max               DOUBLE PRECISION,
	dist_total_miles            DOUBLE PRECISION NOT NULL,
	dist_intv_med_miles         DOUBLE PRECISION,
	dist_intv_mean_miles        DOUBLE PRECISION,
	speed_min_mph               DOUBLE PRECISION,
	speed_max_mph               DOUBLE PRECISION,
	speed_med_mph               DOUBLE PRECISION,
	speed_mean_mph              DOUBLE PRECISION,
	path                        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS journey_summary_hour_idx
	ON journey_summary (hour);

CREATE TABLE IF NOT EXISTS hour_summary (
	direction_ref TEXT NOT NULL,
	hour          TIMESTAMPTZ NOT NULL,
	num_journeys  INTEGER NOT NULL,
	stats         JSONB NOT NULL,
	PRIMARY KEY (direction_ref, hour)
);
`

var pingColumns = []string{
	"entry_id", "timestamp", "line_ref", "line_name", "direction_ref",
	"operator_ref", "origin_ref", "origin_name", "destination_ref",
	"destination_name", "origin_aimed_departure_time", "vehicle_lat",
	"vehicle_lon", "vehicle_bearing", "vehicle_ref", "vehicle_journey_ref",
}

var journeyColumns = []string{
	"journey_date_line_ref", "vehicle_journey_date_ref", "line_ref",
	"line_name", "direction_ref", "operator_ref", "origin_ref", "origin_name",
	"destination_ref", "destination_name", "vehicle_ref", "hour",
	"origin_aimed_departure_time", "num_points", "num_points_stationary",
	"time_total_hrs", "time_intv_med", "time_intv_mean", "time_intv_min",
	"time_intv_max", "dist_total_miles", "dist_intv_med_miles",
	"dist_intv_mean_miles", "speed_min_mph", "speed_max_mph",
	"speed_med_mph", "speed_mean_mph", "path",
}
