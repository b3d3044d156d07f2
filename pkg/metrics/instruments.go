package metrics

import (
	"go.opentelemetry.io/otel/metric"
)

// HTTP Client Metrics (OTEL Semantic Conventions)
var (
	// HTTPClientRequestDuration measures the duration of HTTP client requests
	HTTPClientRequestDuration metric.Float64Histogram

	// HTTPClientResponseBodySize measures the size of HTTP response bodies
	HTTPClientResponseBodySize metric.Int64Histogram
)

// Pipeline Metrics
var (
	// PipelineChunksTotal counts processed chunks by status
	PipelineChunksTotal metric.Int64Counter

	// PipelineChunkDuration measures the duration of one chunk
	PipelineChunkDuration metric.Float64Histogram

	// PipelineDaysInFlight tracks days being processed concurrently
	PipelineDaysInFlight metric.Int64UpDownCounter

	// PipelinePingsFetched counts pings read from the source
	PipelinePingsFetched metric.Int64Counter

	// PipelinePingsRejected counts pings removed by normalization, by reason
	PipelinePingsRejected metric.Int64Counter

	// PipelineJourneysSummarised counts journey summaries produced
	PipelineJourneysSummarised metric.Int64Counter

	// PipelineErrorsTotal counts errors by stage
	PipelineErrorsTotal metric.Int64Counter
)

// Store Metrics
var (
	// StoreConflictsTotal counts journey keys that were already stored
	StoreConflictsTotal metric.Int64Counter
)

// Parser Metrics
var (
	// XMLParseDuration measures XML parsing duration
	XMLParseDuration metric.Float64Histogram

	// ParserActivitiesExtracted counts vehicle activities turned into pings
	ParserActivitiesExtracted metric.Int64Counter

	// ParserActivitiesFailed counts vehicle activities that were skipped
	ParserActivitiesFailed metric.Int64Counter
)

// Collector Metrics
var (
	// CollectorPollsTotal counts feed polls by status
	CollectorPollsTotal metric.Int64Counter

	// CollectorPingsInserted counts pings written by the collector
	CollectorPingsInserted metric.Int64Counter
)

// Loki Metrics
var (
	// LokiSendDuration measures the duration of Loki push operations
	LokiSendDuration metric.Float64Histogram

	// LokiSendTotal counts total Loki sends by status
	LokiSendTotal metric.Int64Counter
)

// Report Metrics
var (
	// ReportPublishTotal counts report publications by target and status
	ReportPublishTotal metric.Int64Counter

	// ReportSizeBytes measures the compressed report size
	ReportSizeBytes metric.Int64Histogram
)

// BODS API Metrics
var (
	// BODSAPIRequestsTotal counts total BODS API requests
	BODSAPIRequestsTotal metric.Int64Counter
)

// initializeInstruments creates all metric instruments
func initializeInstruments() error {
	var err error

	HTTPClientRequestDuration, err = Meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Duration of HTTP client requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	HTTPClientResponseBodySize, err = Meter.Int64Histogram(
		"http.client.response.body.size",
		metric.WithDescription("Size of HTTP response bodies"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 10240, 102400, 1048576, 10485760),
	)
	if err != nil {
		return err
	}

	PipelineChunksTotal, err = Meter.Int64Counter(
		"pipeline.chunks.total",
		metric.WithDescription("Total number of processed chunks"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return err
	}

	PipelineChunkDuration, err = Meter.Float64Histogram(
		"pipeline.chunk.duration",
		metric.WithDescription("Duration of chunk processing"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0),
	)
	if err != nil {
		return err
	}

	PipelineDaysInFlight, err = Meter.Int64UpDownCounter(
		"pipeline.days.in_flight",
		metric.WithDescription("Number of days currently being processed"),
		metric.WithUnit("{day}"),
	)
	if err != nil {
		return err
	}

	PipelinePingsFetched, err = Meter.Int64Counter(
		"pipeline.pings.fetched",
		metric.WithDescription("Pings read from the source"),
		metric.WithUnit("{ping}"),
	)
	if err != nil {
		return err
	}

	PipelinePingsRejected, err = Meter.Int64Counter(
		"pipeline.pings.rejected",
		metric.WithDescription("Pings removed during normalization"),
		metric.WithUnit("{ping}"),
	)
	if err != nil {
		return err
	}

	PipelineJourneysSummarised, err = Meter.Int64Counter(
		"pipeline.journeys.summarised",
		metric.WithDescription("Journey summaries produced"),
		metric.WithUnit("{journey}"),
	)
	if err != nil {
		return err
	}

	PipelineErrorsTotal, err = Meter.Int64Counter(
		"pipeline.errors.total",
		metric.WithDescription("Total errors by stage"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	StoreConflictsTotal, err = Meter.Int64Counter(
		"store.conflicts.total",
		metric.WithDescription("Journey keys that were already stored"),
		metric.WithUnit("{journey}"),
	)
	if err != nil {
		return err
	}

	XMLParseDuration, err = Meter.Float64Histogram(
		"xml.parse.duration",
		metric.WithDescription("Duration of XML parsing operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5),
	)
	if err != nil {
		return err
	}

	ParserActivitiesExtracted, err = Meter.Int64Counter(
		"parser.activities.extracted",
		metric.WithDescription("Vehicle activities turned into pings"),
		metric.WithUnit("{activity}"),
	)
	if err != nil {
		return err
	}

	ParserActivitiesFailed, err = Meter.Int64Counter(
		"parser.activities.failed",
		metric.WithDescription("Vehicle activities skipped as malformed"),
		metric.WithUnit("{activity}"),
	)
	if err != nil {
		return err
	}

	CollectorPollsTotal, err = Meter.Int64Counter(
		"collector.polls.total",
		metric.WithDescription("Feed polls by status"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return err
	}

	CollectorPingsInserted, err = Meter.Int64Counter(
		"collector.pings.inserted",
		metric.WithDescription("Pings written by the collector"),
		metric.WithUnit("{ping}"),
	)
	if err != nil {
		return err
	}

	LokiSendDuration, err = Meter.Float64Histogram(
		"loki.send.duration",
		metric.WithDescription("Duration of Loki push operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	LokiSendTotal, err = Meter.Int64Counter(
		"loki.send.total",
		metric.WithDescription("Total Loki sends by status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	ReportPublishTotal, err = Meter.Int64Counter(
		"report.publish.total",
		metric.WithDescription("Report publications by target and status"),
		metric.WithUnit("{publication}"),
	)
	if err != nil {
		return err
	}

	ReportSizeBytes, err = Meter.Int64Histogram(
		"report.size",
		metric.WithDescription("Size of the compressed report"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 10240, 102400, 1048576, 10485760),
	)
	if err != nil {
		return err
	}

	BODSAPIRequestsTotal, err = Meter.Int64Counter(
		"bods.api.requests.total",
		metric.WithDescription("Total BODS API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	return nil
}
