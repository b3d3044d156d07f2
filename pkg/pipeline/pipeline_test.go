package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"busjourneys/pkg/store"
	"busjourneys/pkg/summary"
	"busjourneys/pkg/types"
)

var testDay = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestNewPipeline_Validation(t *testing.T) {
	src := store.NewMemory(store.KeepExisting)

	tests := []struct {
		name      string
		config    Config
		source    Source
		sink      Sink
		expectErr bool
		errMsg    string
	}{
		{
			name:   "defaults",
			config: DefaultConfig(),
			source: src,
			sink:   src,
		},
		{
			name:   "six hour chunks with workers",
			config: configWith(6*time.Hour, 4),
			source: src,
			sink:   src,
		},
		{
			name:      "missing source",
			config:    DefaultConfig(),
			sink:      src,
			expectErr: true,
			errMsg:    "source is required",
		},
		{
			name:      "missing sink",
			config:    DefaultConfig(),
			source:    src,
			expectErr: true,
			errMsg:    "sink is required",
		},
		{
			name:      "sub hour chunk",
			config:    configWith(30*time.Minute, 1),
			source:    src,
			sink:      src,
			expectErr: true,
			errMsg:    "chunk size must be a whole number of hours",
		},
		{
			name:      "chunk not dividing a day",
			config:    configWith(5*time.Hour, 1),
			source:    src,
			sink:      src,
			expectErr: true,
			errMsg:    "chunk size must be a whole number of hours",
		},
		{
			name:      "negative workers",
			config:    configWith(time.Hour, -1),
			source:    src,
			sink:      src,
			expectErr: true,
			errMsg:    "workers must be positive",
		},
		{
			name:      "single ping journeys",
			config:    Config{MinPings: 1},
			source:    src,
			sink:      src,
			expectErr: true,
			errMsg:    "min pings must be at least 2",
		},
		{
			name:      "unset min pings",
			config:    Config{StationaryMPH: 1},
			source:    src,
			sink:      src,
			expectErr: true,
			errMsg:    "min pings must be at least 2",
		},
		{
			name:      "negative threshold",
			config:    Config{MinPings: 2, StationaryMPH: -1},
			source:    src,
			sink:      src,
			expectErr: true,
			errMsg:    "stationary threshold must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.config, tt.source, tt.sink)

			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error but got none")
					return
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("expected error message to contain %q, got %q", tt.errMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if p == nil {
				t.Error("expected pipeline to be created")
			}
		})
	}
}

func TestNewPipeline_Defaults(t *testing.T) {
	m := store.NewMemory(store.KeepExisting)
	p, err := New(Config{MinPings: 2}, m, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.config.ChunkSize != time.Hour {
		t.Errorf("expected 1h chunks, got %v", p.config.ChunkSize)
	}
	if p.config.Workers != 1 {
		t.Errorf("expected 1 worker, got %d", p.config.Workers)
	}
	if p.config.StationaryMPH != 0 {
		t.Errorf("expected zero threshold to be kept, got %v", p.config.StationaryMPH)
	}

	d := DefaultConfig()
	if d.MinPings != 2 || d.StationaryMPH != 1.0 || d.ChunkSize != time.Hour || d.Workers != 1 {
		t.Errorf("unexpected default config %+v", d)
	}
}

func configWith(chunkSize time.Duration, workers int) Config {
	c := DefaultConfig()
	c.ChunkSize, c.Workers = chunkSize, workers
	return c
}

// track builds n pings of one journey, one minute apart, heading north.
func track(line, direction, vj string, departure time.Time, n int) []types.RawLocationPing {
	pings := make([]types.RawLocationPing, n)
	for i := range pings {
		pings[i] = types.RawLocationPing{
			ItemIdentifier:           vj,
			Timestamp:                departure.Add(time.Duration(i) * time.Minute),
			LineRef:                  line,
			LineName:                 line,
			DirectionRef:             direction,
			OperatorRef:              "FBRI",
			OriginAimedDepartureTime: departure,
			Latitude:                 51.45 + float64(i)*0.002,
			Longitude:                -2.59,
			Bearing:                  0,
			VehicleRef:               "bus-" + vj,
			VehicleJourneyRef:        vj,
		}
	}
	return pings
}

func seed(t *testing.T, m *store.Memory) {
	t.Helper()
	var pings []types.RawLocationPing
	pings = append(pings, track("1", types.DirectionOutbound, "a", testDay.Add(7*time.Hour+5*time.Minute), 5)...)
	pings = append(pings, track("1", types.DirectionOutbound, "b", testDay.Add(7*time.Hour+35*time.Minute), 4)...)
	pings = append(pings, track("2", types.DirectionInbound, "c", testDay.Add(12*time.Hour), 6)...)
	// Runs past midnight but departs at 23:50.
	pings = append(pings, track("2", types.DirectionInbound, "d", testDay.Add(23*time.Hour+50*time.Minute), 20)...)
	pings = append(pings, track("1", types.DirectionOutbound, "e", testDay.Add(30*time.Hour), 3)...)
	// Single ping journey, dropped.
	pings = append(pings, track("3", types.DirectionOutbound, "f", testDay.Add(9*time.Hour), 1)...)
	if _, err := m.InsertPings(context.Background(), pings); err != nil {
		t.Fatalf("insert pings: %v", err)
	}
}

func run(t *testing.T, config Config) *store.Memory {
	t.Helper()
	m := store.NewMemory(store.KeepExisting)
	seed(t, m)
	p, err := New(config, m, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.ProcessRange(context.Background(), testDay, testDay.Add(48*time.Hour)); err != nil {
		t.Fatalf("process range: %v", err)
	}
	return m
}

func TestProcessRange_PartitionInvariant(t *testing.T) {
	ctx := context.Background()
	hourly := run(t, configWith(time.Hour, 1))
	daily := run(t, configWith(24*time.Hour, 1))
	parallel := run(t, configWith(6*time.Hour, 4))

	from, to := testDay, testDay.Add(48*time.Hour)
	want, _ := hourly.JourneySummaries(ctx, from, to)
	wantHours, _ := hourly.HourSummaries(ctx, from, to)

	if len(want) != 5 {
		t.Fatalf("expected 5 journeys, got %d", len(want))
	}

	for name, m := range map[string]*store.Memory{"daily": daily, "parallel": parallel} {
		got, _ := m.JourneySummaries(ctx, from, to)
		gotHours, _ := m.HourSummaries(ctx, from, to)
		if len(got) != len(want) || len(gotHours) != len(wantHours) {
			t.Fatalf("%s: got %d journeys / %d hours, want %d / %d",
				name, len(got), len(gotHours), len(want), len(wantHours))
		}
		for i := range want {
			if got[i].JourneyKey != want[i].JourneyKey || got[i].NumPoints != want[i].NumPoints ||
				got[i].DistTotalMiles != want[i].DistTotalMiles || *got[i].SpeedMeanMPH != *want[i].SpeedMeanMPH {
				t.Errorf("%s: journey %d differs: %+v vs %+v", name, i, got[i], want[i])
			}
		}
		for i := range wantHours {
			if gotHours[i].NumJourneys != wantHours[i].NumJourneys || !gotHours[i].Hour.Equal(wantHours[i].Hour) ||
				*gotHours[i].SpeedMean.Mean != *wantHours[i].SpeedMean.Mean {
				t.Errorf("%s: hour %d differs", name, i)
			}
		}
	}
}

func TestProcessRange_JourneyAcrossMidnight(t *testing.T) {
	m := run(t, DefaultConfig())
	ctx := context.Background()

	late, _ := m.JourneySummaries(ctx, testDay.Add(23*time.Hour), testDay.Add(24*time.Hour))
	if len(late) != 1 {
		t.Fatalf("expected one journey in the 23:00 bucket, got %d", len(late))
	}
	if late[0].NumPoints != 19 {
		t.Errorf("expected 19 deltas, got %d", late[0].NumPoints)
	}
	if !strings.Contains(late[0].JourneyKey, "2024-05-01T23:50:00Z") {
		t.Errorf("unexpected journey key %s", late[0].JourneyKey)
	}

	next, _ := m.JourneySummaries(ctx, testDay.Add(24*time.Hour), testDay.Add(25*time.Hour))
	if len(next) != 0 {
		t.Errorf("expected no journeys in the 00:00 bucket, got %d", len(next))
	}
}

func TestProcessRange_ResultsOrderedAndAligned(t *testing.T) {
	m := store.NewMemory(store.KeepExisting)
	seed(t, m)
	p, _ := New(configWith(6*time.Hour, 3), m, m)

	results, err := p.ProcessRange(context.Background(), testDay.Add(90*time.Minute), testDay.Add(13*time.Hour+time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantStarts := []time.Time{testDay.Add(time.Hour), testDay.Add(7 * time.Hour), testDay.Add(13 * time.Hour)}
	if len(results) != len(wantStarts) {
		t.Fatalf("expected %d chunks, got %d", len(wantStarts), len(results))
	}
	for i, r := range results {
		if !r.Start.Equal(wantStarts[i]) {
			t.Errorf("chunk %d starts at %v, want %v", i, r.Start, wantStarts[i])
		}
		if i > 0 && !results[i-1].End.Equal(r.Start) {
			t.Errorf("chunks %d and %d are not contiguous", i-1, i)
		}
	}
	if !results[2].End.Equal(testDay.Add(14 * time.Hour)) {
		t.Errorf("expected range end rounded up to 14:00, got %v", results[2].End)
	}
}

func TestProcessRange_EmptyRange(t *testing.T) {
	m := store.NewMemory(store.KeepExisting)
	p, _ := New(DefaultConfig(), m, m)

	results, err := p.ProcessRange(context.Background(), testDay, testDay)
	if err != nil || results != nil {
		t.Errorf("expected no work, got %v, %v", results, err)
	}
}

type countingSink struct {
	*store.Memory
	mu    sync.Mutex
	calls int
}

func (s *countingSink) StoreChunk(ctx context.Context, j []types.JourneySummary) (store.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Memory.StoreChunk(ctx, j)
}

func TestProcessChunk_InsufficientData(t *testing.T) {
	m := store.NewMemory(store.KeepExisting)
	_, _ = m.InsertPings(context.Background(), track("1", types.DirectionOutbound, "solo", testDay.Add(time.Hour), 1))
	sink := &countingSink{Memory: m}
	p, _ := New(DefaultConfig(), m, sink)

	res, err := p.ProcessChunk(context.Background(), testDay.Add(time.Hour), testDay.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Insufficient {
		t.Error("expected insufficient data")
	}
	if sink.calls != 0 {
		t.Errorf("expected no store calls, got %d", sink.calls)
	}

	res, err = p.ProcessChunk(context.Background(), testDay.Add(5*time.Hour), testDay.Add(6*time.Hour))
	if err != nil || !res.Insufficient || res.Fetched != 0 {
		t.Errorf("expected empty chunk to be insufficient, got %+v, %v", res, err)
	}
}

func TestProcessChunk_ReportsNormalization(t *testing.T) {
	m := store.NewMemory(store.KeepExisting)
	pings := track("1", types.DirectionOutbound, "a", testDay.Add(time.Hour), 4)
	pings = append(pings, pings[1], types.RawLocationPing{OriginAimedDepartureTime: testDay.Add(time.Hour)})
	_, _ = m.InsertPings(context.Background(), pings)
	p, _ := New(DefaultConfig(), m, m)

	res, err := p.ProcessChunk(context.Background(), testDay.Add(time.Hour), testDay.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fetched != 6 || res.Skipped != 1 || res.Duplicates != 1 {
		t.Errorf("unexpected counts %+v", res)
	}
	if res.Journeys != 1 || res.Hours != 1 || res.Inserted != 1 {
		t.Errorf("expected one journey and hour, got %+v", res)
	}
}

type failingSource struct {
	*store.Memory
	failAt time.Time
}

func (s *failingSource) FetchPings(ctx context.Context, start, end time.Time) ([]types.RawLocationPing, error) {
	if !s.failAt.Before(start) && s.failAt.Before(end) {
		return nil, errors.New("connection reset")
	}
	return s.Memory.FetchPings(ctx, start, end)
}

func TestProcessRange_SourceFailureStopsRun(t *testing.T) {
	m := store.NewMemory(store.KeepExisting)
	seed(t, m)
	src := &failingSource{Memory: m, failAt: testDay.Add(12 * time.Hour)}
	p, _ := New(configWith(24*time.Hour, 1), src, m)

	_, err := p.ProcessRange(context.Background(), testDay, testDay.Add(24*time.Hour))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "chunk [2024-05-01T00:00:00Z, 2024-05-02T00:00:00Z)") {
		t.Errorf("expected error to name the chunk, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("expected wrapped cause, got %v", err)
	}

	got, _ := m.JourneySummaries(context.Background(), testDay, testDay.Add(24*time.Hour))
	if len(got) != 0 {
		t.Errorf("expected nothing committed, got %d journeys", len(got))
	}
}

type failingSink struct{}

func (failingSink) StoreChunk(context.Context, []types.JourneySummary) (store.Result, error) {
	return store.Result{}, errors.New("disk full")
}

func TestProcessChunk_SinkFailure(t *testing.T) {
	m := store.NewMemory(store.KeepExisting)
	seed(t, m)
	p, _ := New(DefaultConfig(), m, failingSink{})

	_, err := p.ProcessChunk(context.Background(), testDay.Add(7*time.Hour), testDay.Add(8*time.Hour))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected sink error, got %v", err)
	}
}

func TestProcessRange_ConflictPolicies(t *testing.T) {
	ctx := context.Background()
	window := [2]time.Time{testDay.Add(7 * time.Hour), testDay.Add(8 * time.Hour)}

	t.Run("keep existing reports conflicts", func(t *testing.T) {
		m := store.NewMemory(store.KeepExisting)
		seed(t, m)
		p, _ := New(DefaultConfig(), m, m)

		if _, err := p.ProcessChunk(ctx, window[0], window[1]); err != nil {
			t.Fatalf("first run: %v", err)
		}
		res, err := p.ProcessChunk(ctx, window[0], window[1])
		if err != nil {
			t.Fatalf("second run: %v", err)
		}
		if len(res.Conflicts) != 2 || res.Inserted != 0 {
			t.Errorf("expected 2 conflicts and no inserts, got %+v", res)
		}
	})

	t.Run("reject fails the run", func(t *testing.T) {
		m := store.NewMemory(store.Reject)
		seed(t, m)
		p, _ := New(DefaultConfig(), m, m)

		if _, err := p.ProcessRange(ctx, window[0], window[1]); err != nil {
			t.Fatalf("first run: %v", err)
		}
		_, err := p.ProcessRange(ctx, window[0], window[1])
		if !errors.Is(err, ErrDuplicateJourney) {
			t.Fatalf("expected ErrDuplicateJourney, got %v", err)
		}
		var dup *DuplicateJourneyError
		if !errors.As(err, &dup) || len(dup.Keys) != 2 {
			t.Errorf("expected duplicate keys in error, got %v", err)
		}
	})

	t.Run("prefer more pings replaces", func(t *testing.T) {
		m := store.NewMemory(store.PreferMorePings)
		seed(t, m)
		p, _ := New(DefaultConfig(), m, m)
		if _, err := p.ProcessChunk(ctx, window[0], window[1]); err != nil {
			t.Fatalf("first run: %v", err)
		}

		// A late ping extends journey b.
		late := track("1", types.DirectionOutbound, "b", testDay.Add(7*time.Hour+35*time.Minute), 6)[5]
		_, _ = m.InsertPings(ctx, []types.RawLocationPing{late})

		res, err := p.ProcessChunk(ctx, window[0], window[1])
		if err != nil {
			t.Fatalf("second run: %v", err)
		}
		if res.Replaced != 1 {
			t.Errorf("expected one replacement, got %+v", res)
		}
	})
}

func TestProcessChunk_HourSummariesMatchStoredJourneys(t *testing.T) {
	ctx := context.Background()
	start, end := testDay.Add(7*time.Hour), testDay.Add(8*time.Hour)

	for _, policy := range []store.ConflictPolicy{store.KeepExisting, store.PreferMorePings} {
		t.Run(string(policy), func(t *testing.T) {
			m := store.NewMemory(policy)
			seed(t, m)
			p, _ := New(DefaultConfig(), m, m)
			if _, err := p.ProcessChunk(ctx, start, end); err != nil {
				t.Fatalf("first run: %v", err)
			}

			late := track("1", types.DirectionOutbound, "b", testDay.Add(7*time.Hour+35*time.Minute), 6)[5]
			_, _ = m.InsertPings(ctx, []types.RawLocationPing{late})
			if _, err := p.ProcessChunk(ctx, start, end); err != nil {
				t.Fatalf("second run: %v", err)
			}

			stored, _ := m.JourneySummaries(ctx, start, end)
			want := summary.SummariseHours(stored)
			got, _ := m.HourSummaries(ctx, start, end)
			if len(got) != 1 || len(want) != 1 {
				t.Fatalf("expected one hour summary, got %d stored and %d recomputed", len(got), len(want))
			}
			if *got[0].NumPoints.Min != *want[0].NumPoints.Min || *got[0].NumPoints.Max != *want[0].NumPoints.Max ||
				*got[0].SpeedMean.Mean != *want[0].SpeedMean.Mean {
				t.Errorf("hour summary %+v does not aggregate stored journeys %+v", got[0].NumPoints, want[0].NumPoints)
			}
		})
	}
}

func TestProcessChunk_StreamsOnlyWrittenJourneys(t *testing.T) {
	ctx := context.Background()
	start, end := testDay.Add(7*time.Hour), testDay.Add(8*time.Hour)

	t.Run("keep existing", func(t *testing.T) {
		m := store.NewMemory(store.KeepExisting)
		seed(t, m)
		stream := &recordingStream{}
		config := DefaultConfig()
		config.Stream = stream
		p, _ := New(config, m, m)

		for i := 0; i < 2; i++ {
			if _, err := p.ProcessChunk(ctx, start, end); err != nil {
				t.Fatalf("run %d: %v", i, err)
			}
		}
		if stream.journeys != 2 {
			t.Errorf("expected the rerun to stream nothing, got %d journeys in total", stream.journeys)
		}
	})

	t.Run("prefer more pings", func(t *testing.T) {
		m := store.NewMemory(store.PreferMorePings)
		seed(t, m)
		stream := &recordingStream{}
		config := DefaultConfig()
		config.Stream = stream
		p, _ := New(config, m, m)

		if _, err := p.ProcessChunk(ctx, start, end); err != nil {
			t.Fatalf("first run: %v", err)
		}
		late := track("1", types.DirectionOutbound, "b", testDay.Add(7*time.Hour+35*time.Minute), 6)[5]
		_, _ = m.InsertPings(ctx, []types.RawLocationPing{late})
		if _, err := p.ProcessChunk(ctx, start, end); err != nil {
			t.Fatalf("second run: %v", err)
		}
		if stream.journeys != 3 {
			t.Errorf("expected only the replaced journey on the rerun, got %d journeys in total", stream.journeys)
		}
	})
}

func TestProcessChunk_ZeroStationaryThreshold(t *testing.T) {
	ctx := context.Background()
	departure := testDay.Add(3 * time.Hour)
	pings := track("1", types.DirectionOutbound, "still", departure, 4)
	for i := range pings {
		pings[i].Latitude = 51.45
	}

	for _, tt := range []struct {
		threshold float64
		want      int
	}{
		{threshold: 1.0, want: 3},
		{threshold: 0, want: 0},
	} {
		m := store.NewMemory(store.KeepExisting)
		_, _ = m.InsertPings(ctx, pings)
		config := DefaultConfig()
		config.StationaryMPH = tt.threshold
		p, err := New(config, m, m)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := p.ProcessChunk(ctx, departure, departure.Add(time.Hour)); err != nil {
			t.Fatalf("process chunk: %v", err)
		}
		got, _ := m.JourneySummaries(ctx, departure, departure.Add(time.Hour))
		if len(got) != 1 || got[0].NumStationary != tt.want {
			t.Errorf("threshold %v: expected %d stationary deltas, got %+v", tt.threshold, tt.want, got)
		}
	}
}

type recordingStream struct {
	mu       sync.Mutex
	journeys int
}

func (s *recordingStream) SendJourneySummaries(_ context.Context, j []types.JourneySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journeys += len(j)
	return nil
}

func TestProcessAll(t *testing.T) {
	m := store.NewMemory(store.KeepExisting)
	seed(t, m)
	stream := &recordingStream{}
	config := configWith(time.Hour, 2)
	config.Stream = stream
	p, _ := New(config, m, m)

	results, err := p.ProcessAll(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 48 {
		t.Errorf("expected 48 hourly chunks over two days, got %d", len(results))
	}
	if total := Totals(results); total.Journeys != 5 || total.DroppedJourneys != 1 {
		t.Errorf("unexpected totals %+v", total)
	}
	if stream.journeys != 5 {
		t.Errorf("expected 5 streamed journeys, got %d", stream.journeys)
	}

	// Capped before the second day.
	m2 := store.NewMemory(store.KeepExisting)
	seed(t, m2)
	p2, _ := New(DefaultConfig(), m2, m2)
	results, err = p2.ProcessAll(context.Background(), testDay.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 24 {
		t.Errorf("expected 24 chunks, got %d", len(results))
	}
}

func TestProcessAll_EmptySource(t *testing.T) {
	m := store.NewMemory(store.KeepExisting)
	p, _ := New(DefaultConfig(), m, m)

	results, err := p.ProcessAll(context.Background(), time.Time{})
	if err != nil || len(results) != 0 {
		t.Errorf("expected no work, got %d results, %v", len(results), err)
	}
}

func TestSplitDays(t *testing.T) {
	days := splitDays(testDay.Add(20*time.Hour), testDay.Add(50*time.Hour))
	if len(days) != 3 {
		t.Fatalf("expected 3 days, got %d", len(days))
	}
	if !days[0].end.Equal(testDay.Add(24*time.Hour)) || !days[2].end.Equal(testDay.Add(50*time.Hour)) {
		t.Errorf("unexpected day windows %+v", days)
	}
}

func TestStartOfDay(t *testing.T) {
	loc := time.FixedZone("BST", 3600)
	got := StartOfDay(time.Date(2024, 5, 2, 0, 30, 0, 0, loc))
	if !got.Equal(testDay) {
		t.Errorf("expected %v, got %v", testDay, got)
	}
}
