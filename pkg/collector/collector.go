package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"busjourneys/pkg/bods"
	"busjourneys/pkg/metrics"
	botel "busjourneys/pkg/otel"
	"busjourneys/pkg/parser"
	"busjourneys/pkg/types"
)

// Feed fetches the current SIRI-VM document of an operator.
type Feed interface {
	FetchOperator(ctx context.Context, operatorRef string) (*bods.BusData, error)
}

// PingWriter stores parsed pings.
type PingWriter interface {
	InsertPings(ctx context.Context, pings []types.RawLocationPing) (int, error)
}

type Config struct {
	OperatorRefs []string
	Interval     time.Duration
}

type Collector struct {
	config Config
	feed   Feed
	writer PingWriter
	parser *parser.XMLParser
	tracer trace.Tracer
}

func New(config Config, feed Feed, writer PingWriter) (*Collector, error) {
	if feed == nil {
		return nil, fmt.Errorf("feed is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("ping writer is required")
	}
	if len(config.OperatorRefs) == 0 {
		return nil, fmt.Errorf("at least one operator reference is required")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}

	return &Collector{
		config: config,
		feed:   feed,
		writer: writer,
		parser: parser.NewXMLParser(),
		tracer: otel.Tracer("collector"),
	}, nil
}

// Run polls the feed every Interval until ctx is done. A failed poll is
// logged and retried on the next tick.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	slog.Info("Collector started", "interval", c.config.Interval, "operators", c.config.OperatorRefs)

	if _, err := c.PollOnce(ctx); err != nil {
		slog.Error("Initial poll failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Collector stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.PollOnce(ctx); err != nil {
				slog.Error("Poll failed", "error", err)
			}
		}
	}
}

type operatorResult struct {
	operatorRef string
	pings       []types.RawLocationPing
	err         error
}

// PollOnce fetches every operator concurrently and stores the pings of
// those that succeeded. It returns the number of pings stored.
func (c *Collector) PollOnce(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "collector.poll",
		trace.WithAttributes(attribute.StringSlice("operator_refs", c.config.OperatorRefs)),
	)
	defer span.End()

	start := time.Now()
	results := make(chan operatorResult, len(c.config.OperatorRefs))
	for _, ref := range c.config.OperatorRefs {
		go func(operatorRef string) {
			pings, err := c.fetchOperator(ctx, operatorRef)
			results <- operatorResult{operatorRef: operatorRef, pings: pings, err: err}
		}(ref)
	}

	var pings []types.RawLocationPing
	var errs []error
	for range c.config.OperatorRefs {
		r := <-results
		if r.err != nil {
			errs = append(errs, fmt.Errorf("operator %s: %w", r.operatorRef, r.err))
			continue
		}
		pings = append(pings, r.pings...)
	}

	inserted := 0
	if len(pings) > 0 {
		n, err := c.writer.InsertPings(ctx, pings)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to insert pings: %w", err))
		} else {
			inserted = n
		}
	}

	metrics.Count(ctx, metrics.CollectorPingsInserted, inserted)
	span.SetAttributes(
		attribute.Int("pings_inserted", inserted),
		attribute.Int("operators_failed", len(errs)),
	)

	if err := errors.Join(errs...); err != nil {
		botel.RecordError(span, err, botel.ErrorTypeNetwork, true)
		metrics.Count(ctx, metrics.CollectorPollsTotal, 1, attribute.String("status", "error"))
		return inserted, err
	}

	metrics.Count(ctx, metrics.CollectorPollsTotal, 1, attribute.String("status", "ok"))
	metrics.RecordLastSuccessTimestamp()
	botel.SetSpanOk(span)
	slog.Info("Poll complete", "pings", inserted, "duration", time.Since(start))
	return inserted, nil
}

func (c *Collector) fetchOperator(ctx context.Context, operatorRef string) ([]types.RawLocationPing, error) {
	ctx, span := c.tracer.Start(ctx, "collector.fetch_operator",
		trace.WithAttributes(attribute.String("operator_ref", operatorRef)),
	)
	defer span.End()

	busData, err := c.feed.FetchOperator(ctx, operatorRef)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}

	pings, skipped, err := c.parser.ParseLocations(ctx, busData)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeParse, false)
		return nil, err
	}
	if skipped > 0 {
		slog.Debug("Skipped malformed vehicle activities", "operator_ref", operatorRef, "skipped", skipped)
	}

	span.SetAttributes(attribute.Int("pings_count", len(pings)))
	botel.SetSpanOk(span)
	return pings, nil
}
