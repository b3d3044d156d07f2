// Package report builds the rolling per-line report published each day.
package report

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	botel "busjourneys/pkg/otel"
	"busjourneys/pkg/summary"
	"busjourneys/pkg/types"
)

const (
	DefaultDetailedDays = 7
	DefaultSummaryDays  = 30
)

// ErrInvalidWindow is returned when the window lengths are not
// 1 <= detailed <= summary.
var ErrInvalidWindow = errors.New("invalid report window")

// Source reads stored journey summaries by hour bucket, [from, to).
type Source interface {
	JourneySummaries(ctx context.Context, from, to time.Time) ([]types.JourneySummary, error)
}

// Range is the min, max and mean of one statistic over a group of journeys.
// Journeys that leave the statistic undefined are ignored.
type Range struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
	Avg *float64 `json:"avg"`
}

type Row struct {
	LineRef string `json:"line_ref"`
	// Hour is set on detailed rows.
	Hour *time.Time `json:"hour,omitempty"`
	// HourOfDay is set on summary rows.
	HourOfDay     *int  `json:"hour_num,omitempty"`
	NumJourneys   int   `json:"num_journeys"`
	NumStationary Range `json:"num_points_stationary"`
	TimeTotalHrs  Range `json:"time_total_hrs"`
	SpeedMeanMPH  Range `json:"speed_mean_mph"`
	SpeedMedMPH   Range `json:"speed_med_mph"`
}

type LineReport struct {
	Detailed []Row `json:"detailed"`
	Summary  []Row `json:"summary"`
}

type Report struct {
	// Start is the reference day; both windows end at its midnight.
	Start       time.Time
	NumDays     int
	SummaryDays int
	Lines       map[string]*LineReport
}

func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Start       string                 `json:"start"`
		NumDays     int                    `json:"num_days"`
		SummaryDays int                    `json:"summary_days"`
		Lines       map[string]*LineReport `json:"lines"`
	}{
		Start:       r.Start.Format(time.DateOnly),
		NumDays:     r.NumDays,
		SummaryDays: r.SummaryDays,
		Lines:       r.Lines,
	})
}

// Encode writes the report as gzip-compressed JSON.
func (r *Report) Encode(w io.Writer) error {
	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(r); err != nil {
		zw.Close()
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress report: %w", err)
	}
	return nil
}

// Bytes returns the encoded report.
func (r *Report) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type Builder struct {
	source Source
	tracer trace.Tracer
}

func NewBuilder(source Source) *Builder {
	return &Builder{
		source: source,
		tracer: otel.Tracer("report"),
	}
}

// Build reports on the days before ref. Detailed rows cover the hour buckets
// in [day(ref) - detailedDays, day(ref)) grouped by line and hour; summary
// rows cover [day(ref) - summaryDays, day(ref)) grouped by line and hour of
// day.
func (b *Builder) Build(ctx context.Context, ref time.Time, detailedDays, summaryDays int) (*Report, error) {
	if detailedDays < 1 || detailedDays > summaryDays {
		return nil, fmt.Errorf("%w: need 1 <= detailed (%d) <= summary (%d)", ErrInvalidWindow, detailedDays, summaryDays)
	}

	ctx, span := b.tracer.Start(ctx, "report.build",
		trace.WithAttributes(
			attribute.String("ref", ref.Format(time.DateOnly)),
			attribute.Int("detailed_days", detailedDays),
			attribute.Int("summary_days", summaryDays),
		),
	)
	defer span.End()

	end := startOfDay(ref)
	summaryFrom := end.AddDate(0, 0, -summaryDays)
	detailedFrom := end.AddDate(0, 0, -detailedDays)

	journeys, err := b.source.JourneySummaries(ctx, summaryFrom, end)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeStore, true)
		return nil, fmt.Errorf("failed to read journey summaries: %w", err)
	}

	var detailed []types.JourneySummary
	for _, j := range journeys {
		if !j.Hour.Before(detailedFrom) && j.Hour.Before(end) {
			detailed = append(detailed, j)
		}
	}

	r := &Report{
		Start:       end,
		NumDays:     detailedDays,
		SummaryDays: summaryDays,
		Lines:       make(map[string]*LineReport),
	}
	line := func(ref string) *LineReport {
		if lr, ok := r.Lines[ref]; ok {
			return lr
		}
		lr := &LineReport{Detailed: []Row{}, Summary: []Row{}}
		r.Lines[ref] = lr
		return lr
	}

	for _, row := range detailedRows(detailed) {
		lr := line(row.LineRef)
		lr.Detailed = append(lr.Detailed, row)
	}
	for _, row := range summaryRows(journeys) {
		lr := line(row.LineRef)
		lr.Summary = append(lr.Summary, row)
	}

	span.SetAttributes(
		attribute.Int("journeys", len(journeys)),
		attribute.Int("lines", len(r.Lines)),
	)
	return r, nil
}

type group struct {
	line string
	key  int64
}

func detailedRows(journeys []types.JourneySummary) []Row {
	return rows(journeys, func(j types.JourneySummary) int64 { return j.Hour.Unix() }, func(row *Row, key int64) {
		h := time.Unix(key, 0).UTC()
		row.Hour = &h
	})
}

func summaryRows(journeys []types.JourneySummary) []Row {
	return rows(journeys, func(j types.JourneySummary) int64 { return int64(j.Hour.UTC().Hour()) }, func(row *Row, key int64) {
		h := int(key)
		row.HourOfDay = &h
	})
}

// rows groups journeys by line and key, ordered by line then key.
func rows(journeys []types.JourneySummary, keyOf func(types.JourneySummary) int64, label func(*Row, int64)) []Row {
	groups := make(map[group][]types.JourneySummary)
	for _, j := range journeys {
		g := group{line: j.LineRef, key: keyOf(j)}
		groups[g] = append(groups[g], j)
	}

	keys := make([]group, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Slice(keys, func(i, k int) bool {
		if keys[i].line != keys[k].line {
			return keys[i].line < keys[k].line
		}
		return keys[i].key < keys[k].key
	})

	out := make([]Row, 0, len(keys))
	for _, g := range keys {
		row := reduce(g.line, groups[g])
		label(&row, g.key)
		out = append(out, row)
	}
	return out
}

func reduce(line string, journeys []types.JourneySummary) Row {
	var stationary, total, mean, med []float64
	for _, j := range journeys {
		stationary = append(stationary, float64(j.NumStationary))
		total = append(total, j.TimeTotalHrs)
		if j.SpeedMeanMPH != nil {
			mean = append(mean, *j.SpeedMeanMPH)
		}
		if j.SpeedMedMPH != nil {
			med = append(med, *j.SpeedMedMPH)
		}
	}
	return Row{
		LineRef:       line,
		NumJourneys:   len(journeys),
		NumStationary: toRange(stationary),
		TimeTotalHrs:  toRange(total),
		SpeedMeanMPH:  toRange(mean),
		SpeedMedMPH:   toRange(med),
	}
}

func toRange(xs []float64) Range {
	s := summary.Describe(xs)
	return Range{Min: s.Min, Max: s.Max, Avg: s.Mean}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
