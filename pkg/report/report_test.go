package report

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busjourneys/pkg/store"
	"busjourneys/pkg/types"
)

var ref = time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)
var refDay = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

func summaryAt(key, line string, hour time.Time, stationary int, total float64, speedMean *float64) types.JourneySummary {
	return types.JourneySummary{
		JourneyKey:    key,
		LineRef:       line,
		DirectionRef:  types.DirectionOutbound,
		Hour:          hour,
		NumPoints:     10,
		NumStationary: stationary,
		TimeTotalHrs:  total,
		SpeedMeanMPH:  speedMean,
		SpeedMedMPH:   speedMean,
	}
}

func builderWith(t *testing.T, journeys ...types.JourneySummary) *Builder {
	t.Helper()
	m := store.NewMemory(store.KeepExisting)
	_, err := m.StoreChunk(context.Background(), journeys)
	require.NoError(t, err)
	return NewBuilder(m)
}

func TestBuild_InvalidWindow(t *testing.T) {
	b := builderWith(t)
	tests := []struct {
		name              string
		detailed, summary int
	}{
		{"zero detailed", 0, 30},
		{"negative detailed", -1, 30},
		{"detailed longer than summary", 8, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(context.Background(), ref, tt.detailed, tt.summary)
			assert.True(t, errors.Is(err, ErrInvalidWindow))
		})
	}
}

func TestBuild_WindowBoundaries(t *testing.T) {
	b := builderWith(t,
		summaryAt("today", "1", refDay, 0, 1, nil),
		summaryAt("yesterday-late", "1", refDay.Add(-time.Hour), 0, 1, nil),
		summaryAt("detailed-first", "1", refDay.AddDate(0, 0, -2), 0, 1, nil),
		summaryAt("summary-only", "1", refDay.AddDate(0, 0, -2).Add(-time.Hour), 0, 1, nil),
		summaryAt("summary-first", "1", refDay.AddDate(0, 0, -5), 0, 1, nil),
		summaryAt("too-old", "1", refDay.AddDate(0, 0, -5).Add(-time.Hour), 0, 1, nil),
	)

	r, err := b.Build(context.Background(), ref, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, refDay, r.Start)
	assert.Equal(t, 2, r.NumDays)
	assert.Equal(t, 5, r.SummaryDays)

	lr := r.Lines["1"]
	require.NotNil(t, lr)

	detailed := 0
	for _, row := range lr.Detailed {
		detailed += row.NumJourneys
		require.NotNil(t, row.Hour)
		assert.False(t, row.Hour.Before(refDay.AddDate(0, 0, -2)))
		assert.True(t, row.Hour.Before(refDay))
	}
	assert.Equal(t, 2, detailed)

	summarised := 0
	for _, row := range lr.Summary {
		summarised += row.NumJourneys
		assert.Nil(t, row.Hour)
		require.NotNil(t, row.HourOfDay)
	}
	assert.Equal(t, 4, summarised)
}

func TestBuild_Aggregates(t *testing.T) {
	hour := refDay.Add(-16 * time.Hour)
	b := builderWith(t,
		summaryAt("a", "1", hour, 2, 0.5, types.Float(10)),
		summaryAt("b", "1", hour, 4, 1.5, types.Float(20)),
		summaryAt("c", "1", hour, 6, 1.0, nil),
		summaryAt("d", "2", hour, 1, 0.25, types.Float(8)),
	)

	r, err := b.Build(context.Background(), ref, 1, 1)
	require.NoError(t, err)
	require.Len(t, r.Lines, 2)

	rows := r.Lines["1"].Detailed
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "1", row.LineRef)
	assert.Equal(t, 3, row.NumJourneys)
	assert.Equal(t, hour, *row.Hour)

	assert.Equal(t, 2.0, *row.NumStationary.Min)
	assert.Equal(t, 6.0, *row.NumStationary.Max)
	assert.InDelta(t, 4.0, *row.NumStationary.Avg, 1e-9)

	assert.Equal(t, 0.5, *row.TimeTotalHrs.Min)
	assert.Equal(t, 1.5, *row.TimeTotalHrs.Max)
	assert.InDelta(t, 1.0, *row.TimeTotalHrs.Avg, 1e-9)

	// Journey c has no speed and is left out of the speed ranges.
	assert.Equal(t, 10.0, *row.SpeedMeanMPH.Min)
	assert.Equal(t, 20.0, *row.SpeedMeanMPH.Max)
	assert.InDelta(t, 15.0, *row.SpeedMeanMPH.Avg, 1e-9)

	assert.Equal(t, 1, r.Lines["2"].Detailed[0].NumJourneys)
}

func TestBuild_SummaryGroupsByHourOfDay(t *testing.T) {
	b := builderWith(t,
		summaryAt("a", "1", refDay.AddDate(0, 0, -1).Add(8*time.Hour), 0, 1, types.Float(10)),
		summaryAt("b", "1", refDay.AddDate(0, 0, -3).Add(8*time.Hour), 0, 1, types.Float(12)),
		summaryAt("c", "1", refDay.AddDate(0, 0, -3).Add(17*time.Hour), 0, 1, types.Float(14)),
	)

	r, err := b.Build(context.Background(), ref, 1, 7)
	require.NoError(t, err)

	summary := r.Lines["1"].Summary
	require.Len(t, summary, 2)
	assert.Equal(t, 8, *summary[0].HourOfDay)
	assert.Equal(t, 2, summary[0].NumJourneys)
	assert.InDelta(t, 11.0, *summary[0].SpeedMeanMPH.Avg, 1e-9)
	assert.Equal(t, 17, *summary[1].HourOfDay)

	assert.Len(t, r.Lines["1"].Detailed, 1)
}

func TestBuild_UndefinedStatisticsStayNull(t *testing.T) {
	b := builderWith(t, summaryAt("a", "1", refDay.Add(-time.Hour), 0, 0, nil))

	r, err := b.Build(context.Background(), ref, 1, 1)
	require.NoError(t, err)

	row := r.Lines["1"].Detailed[0]
	assert.Nil(t, row.SpeedMeanMPH.Min)
	assert.Nil(t, row.SpeedMeanMPH.Avg)

	raw, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"speed_mean_mph":{"min":null,"max":null,"avg":null}`)
}

func TestBuild_EmptyWindow(t *testing.T) {
	r, err := builderWith(t).Build(context.Background(), ref, 7, 30)
	require.NoError(t, err)
	assert.Empty(t, r.Lines)
}

func TestReport_Encode(t *testing.T) {
	b := builderWith(t, summaryAt("a", "1", refDay.Add(-time.Hour), 1, 0.5, types.Float(9)))
	r, err := b.Build(context.Background(), ref, 7, 30)
	require.NoError(t, err)

	data, err := r.Bytes()
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var decoded struct {
		Start       string `json:"start"`
		NumDays     int    `json:"num_days"`
		SummaryDays int    `json:"summary_days"`
		Lines       map[string]struct {
			Detailed []map[string]any `json:"detailed"`
			Summary  []map[string]any `json:"summary"`
		} `json:"lines"`
	}
	require.NoError(t, json.NewDecoder(zr).Decode(&decoded))

	assert.Equal(t, "2024-05-10", decoded.Start)
	assert.Equal(t, 7, decoded.NumDays)
	assert.Equal(t, 30, decoded.SummaryDays)
	require.Contains(t, decoded.Lines, "1")
	assert.Len(t, decoded.Lines["1"].Detailed, 1)
	assert.Equal(t, float64(23), decoded.Lines["1"].Summary[0]["hour_num"])
}
