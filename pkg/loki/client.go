package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"busjourneys/pkg/metrics"
	botel "busjourneys/pkg/otel"
	"busjourneys/pkg/types"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	JobLabel     = "busjourneys"
	ServiceLabel = "journey-summaries"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	tracer     trace.Tracer
	now        func() time.Time
}

type PushRequest struct {
	Streams []Stream `json:"streams"`
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

func NewClient(baseURL, username, password string) *Client {
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
		username:   username,
		password:   password,
		tracer:     otel.Tracer("loki-client"),
		now:        time.Now,
	}
}

// SendJourneySummaries pushes one JSON log line per journey, with one
// stream per line.
func (c *Client) SendJourneySummaries(ctx context.Context, journeys []types.JourneySummary) error {
	ctx, span := c.tracer.Start(ctx, "loki.send_journey_summaries",
		trace.WithAttributes(attribute.Int("journeys_count", len(journeys))),
	)
	defer span.End()

	if len(journeys) == 0 {
		return nil
	}

	start := time.Now()
	status := "error"
	defer func() {
		metrics.Observe(ctx, metrics.LokiSendDuration, time.Since(start).Seconds())
		metrics.Count(ctx, metrics.LokiSendTotal, 1, attribute.String("status", status))
	}()

	lokiReq, err := c.buildPushRequest(journeys)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeParse, false)
		return err
	}

	reqBody, err := json.Marshal(lokiReq)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeParse, false)
		return fmt.Errorf("failed to marshal Loki request: %w", err)
	}

	url := fmt.Sprintf("%s/loki/api/v1/push", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeHTTP, false)
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "busjourneys/1.0.0")

	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	span.SetAttributes(
		attribute.Bool("auth.enabled", c.username != "" && c.password != ""),
		attribute.String("http.url", url),
		attribute.String("http.method", http.MethodPost),
		attribute.Int("request.size_bytes", len(reqBody)),
		attribute.Int("streams_count", len(lokiReq.Streams)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("Loki returned status %d", resp.StatusCode)
		botel.RecordError(span, err, botel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return err
	}

	status = "ok"
	botel.SetSpanOk(span)
	return nil
}

func (c *Client) buildPushRequest(journeys []types.JourneySummary) (PushRequest, error) {
	byLine := make(map[string][][]string)
	// Entries in a stream need distinct, increasing timestamps.
	ts := c.now().UnixNano()
	for i, j := range journeys {
		line, err := json.Marshal(j)
		if err != nil {
			return PushRequest{}, fmt.Errorf("failed to marshal journey %s: %w", j.JourneyKey, err)
		}
		byLine[j.LineRef] = append(byLine[j.LineRef], []string{
			strconv.FormatInt(ts+int64(i), 10),
			string(line),
		})
	}

	lines := make([]string, 0, len(byLine))
	for l := range byLine {
		lines = append(lines, l)
	}
	sort.Strings(lines)

	req := PushRequest{Streams: make([]Stream, 0, len(lines))}
	for _, l := range lines {
		req.Streams = append(req.Streams, Stream{
			Stream: map[string]string{
				"job":      JobLabel,
				"service":  ServiceLabel,
				"line_ref": l,
			},
			Values: byLine[l],
		})
	}
	return req, nil
}
