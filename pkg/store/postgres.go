package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	botel "busjourneys/pkg/otel"
	"busjourneys/pkg/summary"
	"busjourneys/pkg/types"
)

// DefaultMaxConns bounds the pool when DB_MAX_CONNS is unset.
const DefaultMaxConns = 5

// Postgres stores pings and summaries in PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	policy ConflictPolicy
	tracer trace.Tracer
}

// NewPostgres connects a pool to databaseURL and checks it with a ping.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32, policy ConflictPolicy) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	config.MaxConns = maxConns
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{
		pool:   pool,
		policy: policy,
		tracer: otel.Tracer("store"),
	}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate creates the tables and indexes if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	slog.Info("Database schema up to date")
	return nil
}

// InsertPings bulk-loads pings with COPY.
func (p *Postgres) InsertPings(ctx context.Context, pings []types.RawLocationPing) (int, error) {
	if len(pings) == 0 {
		return 0, nil
	}
	ctx, span := p.tracer.Start(ctx, "store.insert_pings",
		trace.WithAttributes(attribute.Int("pings_count", len(pings))),
	)
	defer span.End()

	n, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"bus_location"},
		pingColumns,
		pgx.CopyFromSlice(len(pings), func(i int) ([]any, error) {
			r := pings[i]
			return []any{
				r.ItemIdentifier, nullTime(r.Timestamp), r.LineRef, r.LineName, r.DirectionRef,
				r.OperatorRef, r.OriginRef, r.OriginName, r.DestinationRef,
				r.DestinationName, nullTime(r.OriginAimedDepartureTime), r.Latitude,
				r.Longitude, r.Bearing, r.VehicleRef, r.VehicleJourneyRef,
			}, nil
		}),
	)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, true)
		return 0, fmt.Errorf("copy pings: %w", err)
	}
	return int(n), nil
}

// FetchPings returns the pings whose scheduled departure is in [start, end).
// NULL positions and times come back as NaN and zero values so the
// normalizer can count them as malformed.
func (p *Postgres) FetchPings(ctx context.Context, start, end time.Time) ([]types.RawLocationPing, error) {
	ctx, span := p.tracer.Start(ctx, "store.fetch_pings",
		trace.WithAttributes(
			attribute.String("start", start.UTC().Format(time.RFC3339)),
			attribute.String("end", end.UTC().Format(time.RFC3339)),
		),
	)
	defer span.End()

	rows, err := p.pool.Query(ctx, `
		SELECT id, COALESCE(entry_id, ''), timestamp, COALESCE(line_ref, ''),
		       COALESCE(line_name, ''), COALESCE(direction_ref, ''),
		       COALESCE(operator_ref, ''), COALESCE(origin_ref, ''),
		       COALESCE(origin_name, ''), COALESCE(destination_ref, ''),
		       COALESCE(destination_name, ''), origin_aimed_departure_time,
		       vehicle_lat, vehicle_lon, vehicle_bearing,
		       COALESCE(vehicle_ref, ''), COALESCE(vehicle_journey_ref, '')
		FROM bus_location
		WHERE origin_aimed_departure_time >= $1 AND origin_aimed_departure_time < $2
		ORDER BY id`, start, end)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, true)
		return nil, fmt.Errorf("query pings: %w", err)
	}
	defer rows.Close()

	var pings []types.RawLocationPing
	for rows.Next() {
		var r types.RawLocationPing
		var ts, departure *time.Time
		var lat, lon, bearing *float64
		if err := rows.Scan(&r.ID, &r.ItemIdentifier, &ts, &r.LineRef, &r.LineName,
			&r.DirectionRef, &r.OperatorRef, &r.OriginRef, &r.OriginName,
			&r.DestinationRef, &r.DestinationName, &departure, &lat, &lon, &bearing,
			&r.VehicleRef, &r.VehicleJourneyRef); err != nil {
			botel.RecordError(span, err, botel.ErrorTypeStore, false)
			return nil, fmt.Errorf("scan ping: %w", err)
		}
		if ts != nil {
			r.Timestamp = ts.UTC()
		}
		if departure != nil {
			r.OriginAimedDepartureTime = departure.UTC()
		}
		r.Latitude, r.Longitude, r.Bearing = orNaN(lat), orNaN(lon), orNaN(bearing)
		pings = append(pings, r)
	}
	if err := rows.Err(); err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, true)
		return nil, fmt.Errorf("read pings: %w", err)
	}

	span.SetAttributes(attribute.Int("pings_count", len(pings)))
	return pings, nil
}

// DepartureRange returns the earliest and latest scheduled departure of any
// stored ping. ok is false when there are none.
func (p *Postgres) DepartureRange(ctx context.Context) (first, last time.Time, ok bool, err error) {
	var lo, hi *time.Time
	err = p.pool.QueryRow(ctx,
		`SELECT MIN(origin_aimed_departure_time), MAX(origin_aimed_departure_time) FROM bus_location`,
	).Scan(&lo, &hi)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("query departure range: %w", err)
	}
	if lo == nil || hi == nil {
		return time.Time{}, time.Time{}, false, nil
	}
	return lo.UTC(), hi.UTC(), true, nil
}

// StoreChunk writes one chunk's journey summaries and rebuilds the hour
// summaries of the hours they fall in, in a single transaction. The hour rows
// are computed from the journey rows left after the conflict policy ran.
// Under Reject any existing key rolls the whole chunk back.
func (p *Postgres) StoreChunk(ctx context.Context, journeys []types.JourneySummary) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "store.store_chunk",
		trace.WithAttributes(
			attribute.Int("journeys_count", len(journeys)),
			attribute.String("conflict_policy", string(p.policy)),
		),
	)
	defer span.End()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, true)
		return Result{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := storeJourneys(ctx, tx, journeys, p.policy)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, false)
		return Result{}, err
	}
	if p.policy == Reject && len(res.Conflicts) > 0 {
		err := &DuplicateJourneyError{Keys: res.Conflicts}
		botel.RecordError(span, err, botel.ErrorTypeValidation, false)
		return Result{}, err
	}

	hours, err := rebuildHours(ctx, tx, journeys)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, false)
		return Result{}, err
	}
	res.Hours = hours

	if err := tx.Commit(ctx); err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, true)
		return Result{}, fmt.Errorf("commit chunk: %w", err)
	}

	span.SetAttributes(
		attribute.Int("inserted", res.Inserted),
		attribute.Int("replaced", res.Replaced),
		attribute.Int("conflicts", len(res.Conflicts)),
		attribute.Int("hours_count", len(res.Hours)),
	)
	botel.SetSpanOk(span)
	return res, nil
}

// StoreJourneySummaries writes journey summaries outside a chunk, in their
// own transaction.
func (p *Postgres) StoreJourneySummaries(ctx context.Context, journeys []types.JourneySummary) (Result, error) {
	return p.StoreChunk(ctx, journeys)
}

// StoreHourSummaries upserts hour summaries.
func (p *Postgres) StoreHourSummaries(ctx context.Context, hours []types.HourSummary) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := storeHours(ctx, tx, hours); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit hour summaries: %w", err)
	}
	return nil
}

// JourneySummaries returns the stored summaries whose hour bucket is in
// [from, to), ordered by hour then journey key.
func (p *Postgres) JourneySummaries(ctx context.Context, from, to time.Time) ([]types.JourneySummary, error) {
	ctx, span := p.tracer.Start(ctx, "store.journey_summaries")
	defer span.End()

	rows, err := p.pool.Query(ctx,
		`SELECT `+strings.Join(journeyColumns, ", ")+`
		 FROM journey_summary
		 WHERE hour >= $1 AND hour < $2
		 ORDER BY hour, journey_date_line_ref`, from, to)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, true)
		return nil, fmt.Errorf("query journey summaries: %w", err)
	}

	out, err := scanJourneys(rows)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, true)
		return nil, err
	}

	span.SetAttributes(attribute.Int("journeys_count", len(out)))
	return out, nil
}

// HourSummaries returns the stored hour summaries in [from, to), ordered by
// hour then direction.
func (p *Postgres) HourSummaries(ctx context.Context, from, to time.Time) ([]types.HourSummary, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT stats FROM hour_summary
		WHERE hour >= $1 AND hour < $2
		ORDER BY hour, direction_ref`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query hour summaries: %w", err)
	}
	defer rows.Close()

	var out []types.HourSummary
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan hour summary: %w", err)
		}
		var h types.HourSummary
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("decode hour summary: %w", err)
		}
		h.Hour = h.Hour.UTC()
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read hour summaries: %w", err)
	}
	return out, nil
}

func storeJourneys(ctx context.Context, tx pgx.Tx, journeys []types.JourneySummary, policy ConflictPolicy) (Result, error) {
	var res Result
	if len(journeys) == 0 {
		return res, nil
	}

	query := insertJourneySQL(policy)
	batch := &pgx.Batch{}
	for _, j := range journeys {
		batch.Queue(query, journeyArgs(j)...)
	}

	written := make(map[string]int, len(journeys))
	br := tx.SendBatch(ctx, batch)
	for _, j := range journeys {
		var inserted bool
		err := br.QueryRow().Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Conflicts = append(res.Conflicts, j.JourneyKey)
			continue
		case err != nil:
			br.Close()
			return Result{}, fmt.Errorf("store journey %s: %w", j.JourneyKey, err)
		case inserted:
			res.Inserted++
		default:
			res.Conflicts = append(res.Conflicts, j.JourneyKey)
			res.Replaced++
		}
		if i, ok := written[j.JourneyKey]; ok {
			res.Written[i] = j
		} else {
			written[j.JourneyKey] = len(res.Written)
			res.Written = append(res.Written, j)
		}
	}
	if err := br.Close(); err != nil {
		return Result{}, fmt.Errorf("close journey batch: %w", err)
	}
	return res, nil
}

// insertJourneySQL returns one row per written journey: true for an insert,
// false for a replacement. A kept existing row returns nothing.
func insertJourneySQL(policy ConflictPolicy) string {
	placeholders := make([]string, len(journeyColumns))
	for i := range journeyColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO journey_summary (%s) VALUES (%s) ",
		strings.Join(journeyColumns, ", "), strings.Join(placeholders, ", "))

	if policy == PreferMorePings {
		sets := make([]string, 0, len(journeyColumns)-1)
		for _, c := range journeyColumns[1:] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
		fmt.Fprintf(&b, "ON CONFLICT (journey_date_line_ref) DO UPDATE SET %s "+
			"WHERE journey_summary.num_points < EXCLUDED.num_points ", strings.Join(sets, ", "))
	} else {
		b.WriteString("ON CONFLICT (journey_date_line_ref) DO NOTHING ")
	}
	b.WriteString("RETURNING (xmax = 0)")
	return b.String()
}

func journeyArgs(j types.JourneySummary) []any {
	return []any{
		j.JourneyKey, j.VehicleJourneyDateRef, j.LineRef, j.LineName,
		j.DirectionRef, j.OperatorRef, j.OriginRef, j.OriginName,
		j.DestinationRef, j.DestinationName, j.VehicleRef, j.Hour,
		j.ScheduledDeparture, j.NumPoints, j.NumStationary, j.TimeTotalHrs,
		j.TimeIntvMed, j.TimeIntvMean, j.TimeIntvMin, j.TimeIntvMax,
		j.DistTotalMiles, j.DistIntvMedMiles, j.DistIntvMeanMiles,
		j.SpeedMinMPH, j.SpeedMaxMPH, j.SpeedMedMPH, j.SpeedMeanMPH, j.Path,
	}
}

// rebuildHours recomputes and upserts the hour summaries of every hour
// bucket journeys fall in, from the journey rows stored in tx.
func rebuildHours(ctx context.Context, tx pgx.Tx, journeys []types.JourneySummary) ([]types.HourSummary, error) {
	if len(journeys) == 0 {
		return nil, nil
	}

	seen := make(map[int64]struct{}, len(journeys))
	var buckets []time.Time
	for _, j := range journeys {
		if _, ok := seen[j.Hour.Unix()]; ok {
			continue
		}
		seen[j.Hour.Unix()] = struct{}{}
		buckets = append(buckets, j.Hour.UTC())
	}

	rows, err := tx.Query(ctx,
		`SELECT `+strings.Join(journeyColumns, ", ")+`
		 FROM journey_summary
		 WHERE hour = ANY($1::timestamptz[])`, buckets)
	if err != nil {
		return nil, fmt.Errorf("query stored journeys: %w", err)
	}
	stored, err := scanJourneys(rows)
	if err != nil {
		return nil, err
	}
	// Go ordering keeps the floating point sums independent of collation.
	sort.Slice(stored, func(i, k int) bool {
		if !stored[i].Hour.Equal(stored[k].Hour) {
			return stored[i].Hour.Before(stored[k].Hour)
		}
		return stored[i].JourneyKey < stored[k].JourneyKey
	})

	hours := summary.SummariseHours(stored)
	if err := storeHours(ctx, tx, hours); err != nil {
		return nil, err
	}
	return hours, nil
}

// scanJourneys reads journeyColumns rows and closes rows.
func scanJourneys(rows pgx.Rows) ([]types.JourneySummary, error) {
	defer rows.Close()

	var out []types.JourneySummary
	for rows.Next() {
		var j types.JourneySummary
		if err := rows.Scan(&j.JourneyKey, &j.VehicleJourneyDateRef, &j.LineRef,
			&j.LineName, &j.DirectionRef, &j.OperatorRef, &j.OriginRef, &j.OriginName,
			&j.DestinationRef, &j.DestinationName, &j.VehicleRef, &j.Hour,
			&j.ScheduledDeparture, &j.NumPoints, &j.NumStationary,
			&j.TimeTotalHrs, &j.TimeIntvMed, &j.TimeIntvMean, &j.TimeIntvMin,
			&j.TimeIntvMax, &j.DistTotalMiles, &j.DistIntvMedMiles,
			&j.DistIntvMeanMiles, &j.SpeedMinMPH, &j.SpeedMaxMPH,
			&j.SpeedMedMPH, &j.SpeedMeanMPH, &j.Path); err != nil {
			return nil, fmt.Errorf("scan journey summary: %w", err)
		}
		j.Hour = j.Hour.UTC()
		j.ScheduledDeparture = j.ScheduledDeparture.UTC()
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journey summaries: %w", err)
	}
	return out, nil
}

func storeHours(ctx context.Context, tx pgx.Tx, hours []types.HourSummary) error {
	if len(hours) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, h := range hours {
		stats, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("encode hour summary: %w", err)
		}
		batch.Queue(`
			INSERT INTO hour_summary (direction_ref, hour, num_journeys, stats)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (direction_ref, hour)
			DO UPDATE SET num_journeys = EXCLUDED.num_journeys, stats = EXCLUDED.stats`,
			h.DirectionRef, h.Hour, h.NumJourneys, stats)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert hour summaries: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
