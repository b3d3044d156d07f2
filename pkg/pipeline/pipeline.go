// Package pipeline turns stored pings into journey and hour summaries, one
// time window at a time.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"busjourneys/pkg/metrics"
	"busjourneys/pkg/normalize"
	botel "busjourneys/pkg/otel"
	"busjourneys/pkg/store"
	"busjourneys/pkg/summary"
	"busjourneys/pkg/types"
)

const day = 24 * time.Hour

// Source supplies raw pings by scheduled departure time.
type Source interface {
	FetchPings(ctx context.Context, start, end time.Time) ([]types.RawLocationPing, error)
	DepartureRange(ctx context.Context) (first, last time.Time, ok bool, err error)
}

// Sink stores one chunk's journey summaries under its conflict policy and,
// in the same transaction, rebuilds the hour summaries of every hour they
// fall in from the journeys it holds afterwards.
type Sink interface {
	StoreChunk(ctx context.Context, journeys []types.JourneySummary) (store.Result, error)
}

// Stream receives the journey summaries a chunk wrote, after the commit.
type Stream interface {
	SendJourneySummaries(ctx context.Context, journeys []types.JourneySummary) error
}

type ConflictPolicy = store.ConflictPolicy

type DuplicateJourneyError = store.DuplicateJourneyError

// ErrDuplicateJourney is returned, wrapped, when the sink rejects a chunk
// because one of its journeys is already stored.
var ErrDuplicateJourney = store.ErrDuplicateJourney

type Config struct {
	// ChunkSize is the width of one processing window. It must be a whole
	// number of hours that divides a day. Defaults to one hour.
	ChunkSize time.Duration
	// Workers bounds how many calendar days are processed at once. Defaults
	// to one.
	Workers int
	// MinPings must be at least 2.
	MinPings int
	// StationaryMPH is used as given; zero counts no delta as stationary.
	StationaryMPH float64
	// Stream is optional.
	Stream Stream
}

// DefaultConfig returns one-hour chunks on one worker with the default
// ping and stationary thresholds.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     time.Hour,
		Workers:       1,
		MinPings:      normalize.DefaultMinPings,
		StationaryMPH: summary.DefaultStationaryMPH,
	}
}

type Pipeline struct {
	config     Config
	source     Source
	sink       Sink
	normalizer *normalize.Normalizer
	tracer     trace.Tracer
}

// ChunkResult reports what one window produced.
type ChunkResult struct {
	Start, End      time.Time
	Fetched         int
	Skipped         int
	Duplicates      int
	DroppedPings    int
	DroppedJourneys int
	// Insufficient is set when fewer than two usable pings remained and the
	// chunk was skipped.
	Insufficient bool
	Journeys     int
	Hours        int
	Inserted     int
	Replaced     int
	Conflicts    []string
}

func New(config Config, source Source, sink Sink) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if config.ChunkSize == 0 {
		config.ChunkSize = time.Hour
	}
	if config.ChunkSize < time.Hour || config.ChunkSize%time.Hour != 0 || day%config.ChunkSize != 0 {
		return nil, fmt.Errorf("chunk size must be a whole number of hours dividing 24h, got %v", config.ChunkSize)
	}

	if config.Workers == 0 {
		config.Workers = 1
	}
	if config.Workers < 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", config.Workers)
	}

	if config.MinPings < normalize.DefaultMinPings {
		return nil, fmt.Errorf("min pings must be at least %d, got %d", normalize.DefaultMinPings, config.MinPings)
	}

	if config.StationaryMPH < 0 {
		return nil, fmt.Errorf("stationary threshold must not be negative, got %v", config.StationaryMPH)
	}

	return &Pipeline{
		config:     config,
		source:     source,
		sink:       sink,
		normalizer: normalize.New(config.MinPings),
		tracer:     otel.Tracer("pipeline"),
	}, nil
}

// ProcessChunk summarises the pings departing in [start, end) and hands the
// result to the sink in one call.
func (p *Pipeline) ProcessChunk(ctx context.Context, start, end time.Time) (ChunkResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process_chunk",
		trace.WithAttributes(
			attribute.String("start", start.Format(time.RFC3339)),
			attribute.String("end", end.Format(time.RFC3339)),
		),
	)
	defer span.End()

	began := time.Now()
	res := ChunkResult{Start: start, End: end}

	raw, err := p.source.FetchPings(ctx, start, end)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, true)
		metrics.Count(ctx, metrics.PipelineErrorsTotal, 1, attribute.String("stage", "fetch"))
		return res, fmt.Errorf("failed to fetch pings: %w", err)
	}
	res.Fetched = len(raw)
	metrics.Count(ctx, metrics.PipelinePingsFetched, len(raw))

	n := p.normalizer.Normalize(raw)
	res.Skipped, res.Duplicates = n.Skipped, n.Duplicates
	res.DroppedPings, res.DroppedJourneys = n.DroppedPings, n.DroppedJourneys
	metrics.Count(ctx, metrics.PipelinePingsRejected, n.Skipped, attribute.String("reason", "malformed"))
	metrics.Count(ctx, metrics.PipelinePingsRejected, n.Duplicates, attribute.String("reason", "duplicate"))
	metrics.Count(ctx, metrics.PipelinePingsRejected, n.DroppedPings, attribute.String("reason", "short_journey"))

	if n.Insufficient() {
		res.Insufficient = true
		span.SetAttributes(attribute.Bool("insufficient", true))
		slog.Info("Insufficient data for chunk, skipping",
			"start", start, "end", end, "fetched", len(raw), "usable", len(n.Pings))
		metrics.Count(ctx, metrics.PipelineChunksTotal, 1, attribute.String("status", "insufficient"))
		return res, nil
	}

	groups := normalize.GroupByJourney(n.Pings)
	journeys := make([]types.JourneySummary, 0, len(groups))
	for _, g := range groups {
		if s, ok := summary.SummarisePings(g.Pings, p.config.StationaryMPH); ok {
			journeys = append(journeys, s)
		}
	}
	res.Journeys = len(journeys)

	stored, err := p.sink.StoreChunk(ctx, journeys)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, false)
		metrics.Count(ctx, metrics.PipelineErrorsTotal, 1, attribute.String("stage", "store"))
		return res, fmt.Errorf("failed to store summaries: %w", err)
	}
	res.Inserted, res.Replaced, res.Conflicts = stored.Inserted, stored.Replaced, stored.Conflicts
	res.Hours = len(stored.Hours)

	if len(stored.Conflicts) > 0 {
		slog.Warn("Journey keys already stored",
			"start", start, "conflicts", len(stored.Conflicts),
			"replaced", stored.Replaced, "first", stored.Conflicts[0])
		metrics.Count(ctx, metrics.StoreConflictsTotal, len(stored.Conflicts))
	}

	if p.config.Stream != nil && len(stored.Written) > 0 {
		if err := p.config.Stream.SendJourneySummaries(ctx, stored.Written); err != nil {
			slog.Warn("Failed to stream journey summaries", "start", start, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("pings_fetched", res.Fetched),
		attribute.Int("journeys", res.Journeys),
		attribute.Int("hours", res.Hours),
		attribute.Int("conflicts", len(res.Conflicts)),
	)
	botel.SetSpanOk(span)

	metrics.Count(ctx, metrics.PipelineChunksTotal, 1, attribute.String("status", "ok"))
	metrics.Count(ctx, metrics.PipelineJourneysSummarised, len(journeys))
	metrics.Observe(ctx, metrics.PipelineChunkDuration, time.Since(began).Seconds())
	metrics.RecordLastSuccessTimestamp()

	slog.Debug("Chunk processed",
		"start", start, "end", end, "pings", len(n.Pings),
		"journeys", len(journeys), "hours", res.Hours, "duration", time.Since(began))

	return res, nil
}

// ProcessRange processes [start, end) widened to whole hours. Calendar days
// run concurrently, up to Workers at a time; the chunks of one day run in
// order. Results come back ordered by chunk start.
func (p *Pipeline) ProcessRange(ctx context.Context, start, end time.Time) ([]ChunkResult, error) {
	start = start.UTC().Truncate(time.Hour)
	if e := end.UTC().Truncate(time.Hour); e.Before(end.UTC()) {
		end = e.Add(time.Hour)
	} else {
		end = e
	}
	if !end.After(start) {
		return nil, nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process_range",
		trace.WithAttributes(
			attribute.String("start", start.Format(time.RFC3339)),
			attribute.String("end", end.Format(time.RFC3339)),
			attribute.Int("workers", p.config.Workers),
			attribute.String("chunk_size", p.config.ChunkSize.String()),
		),
	)
	defer span.End()

	days := splitDays(start, end)
	perDay := make([][]ChunkResult, len(days))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)
	for i, d := range days {
		g.Go(func() error {
			metrics.InFlight(ctx, metrics.PipelineDaysInFlight, 1)
			defer metrics.InFlight(ctx, metrics.PipelineDaysInFlight, -1)

			for _, c := range splitChunks(d.start, d.end, p.config.ChunkSize) {
				if err := ctx.Err(); err != nil {
					return err
				}
				res, err := p.ProcessChunk(ctx, c.start, c.end)
				if err != nil {
					return fmt.Errorf("chunk [%s, %s): %w",
						c.start.Format(time.RFC3339), c.end.Format(time.RFC3339), err)
				}
				perDay[i] = append(perDay[i], res)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, false)
		return nil, err
	}

	var results []ChunkResult
	for _, r := range perDay {
		results = append(results, r...)
	}
	span.SetAttributes(attribute.Int("chunks", len(results)))
	return results, nil
}

// ProcessDay processes the calendar day (UTC) containing t.
func (p *Pipeline) ProcessDay(ctx context.Context, t time.Time) ([]ChunkResult, error) {
	start := StartOfDay(t)
	return p.ProcessRange(ctx, start, start.Add(day))
}

// ProcessAll processes every day holding a scheduled departure in the
// source, stopping before until when it is set.
func (p *Pipeline) ProcessAll(ctx context.Context, until time.Time) ([]ChunkResult, error) {
	first, last, ok, err := p.source.DepartureRange(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read departure range: %w", err)
	}
	if !ok {
		slog.Info("No pings stored, nothing to process")
		return nil, nil
	}

	start := StartOfDay(first)
	end := StartOfDay(last).Add(day)
	if !until.IsZero() && until.Before(end) {
		end = until
	}

	slog.Info("Processing stored history",
		"from", start.Format(time.DateOnly), "to", end.Format(time.DateOnly),
		"workers", p.config.Workers, "chunk_size", p.config.ChunkSize)
	return p.ProcessRange(ctx, start, end)
}

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type window struct {
	start, end time.Time
}

// splitDays cuts [start, end) at each UTC midnight.
func splitDays(start, end time.Time) []window {
	var days []window
	for s := start; s.Before(end); {
		e := StartOfDay(s).Add(day)
		if e.After(end) {
			e = end
		}
		days = append(days, window{start: s, end: e})
		s = e
	}
	return days
}

// splitChunks cuts [start, end) into consecutive windows of size, the last
// one possibly shorter.
func splitChunks(start, end time.Time, size time.Duration) []window {
	var chunks []window
	for s := start; s.Before(end); s = s.Add(size) {
		e := s.Add(size)
		if e.After(end) {
			e = end
		}
		chunks = append(chunks, window{start: s, end: e})
	}
	return chunks
}

// Totals sums a run's chunk results.
func Totals(results []ChunkResult) ChunkResult {
	var t ChunkResult
	for i, r := range results {
		if i == 0 {
			t.Start = r.Start
		}
		t.End = r.End
		t.Fetched += r.Fetched
		t.Skipped += r.Skipped
		t.Duplicates += r.Duplicates
		t.DroppedPings += r.DroppedPings
		t.DroppedJourneys += r.DroppedJourneys
		t.Journeys += r.Journeys
		t.Hours += r.Hours
		t.Inserted += r.Inserted
		t.Replaced += r.Replaced
		t.Conflicts = append(t.Conflicts, r.Conflicts...)
	}
	return t
}
