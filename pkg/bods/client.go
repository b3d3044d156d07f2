package bods

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"busjourneys/pkg/metrics"
	botel "busjourneys/pkg/otel"
)

const (
	DefaultBaseURL = "https://data.bus-data.dft.gov.uk/api/v1/datafeed"
)

type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	tracer     trace.Tracer
}

// BusData is one SIRI-VM response for an operator.
type BusData struct {
	XMLData     string
	Timestamp   time.Time
	OperatorRef string
}

func NewClient(apiKey string) *Client {
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}

	return &Client{
		httpClient: client,
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		tracer:     otel.Tracer("bods-client"),
	}
}

// FetchOperator downloads the current vehicle positions of every vehicle
// the operator reports.
func (c *Client) FetchOperator(ctx context.Context, operatorRef string) (*BusData, error) {
	ctx, span := c.tracer.Start(ctx, "bods.fetch_operator",
		trace.WithAttributes(
			attribute.String("operator_ref", operatorRef),
			attribute.String("api.endpoint", c.baseURL),
		),
	)
	defer span.End()

	start := time.Now()
	status := "error"
	defer func() {
		attrs := []attribute.KeyValue{
			attribute.String("operator_ref", operatorRef),
			attribute.String("status", status),
		}
		metrics.Count(ctx, metrics.BODSAPIRequestsTotal, 1, attrs...)
		metrics.Observe(ctx, metrics.HTTPClientRequestDuration, time.Since(start).Seconds(),
			attribute.String("target", "bods"))
	}()

	// The key travels in the query string, so the URL is kept off the span.
	query := url.Values{}
	query.Set("operatorRef", operatorRef)
	query.Set("api_key", c.apiKey)
	reqURL := c.baseURL + "?" + query.Encode()
	span.SetAttributes(attribute.String("http.method", http.MethodGet))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeHTTP, false)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "busjourneys/1.0.0")
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.String("http.response.content_type", resp.Header.Get("Content-Type")),
	)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
		botel.RecordError(span, err, botel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	span.SetAttributes(attribute.Int("response.size_bytes", len(body)))
	metrics.ObserveInt(ctx, metrics.HTTPClientResponseBodySize, int64(len(body)),
		attribute.String("target", "bods"))
	status = "ok"
	botel.SetSpanOk(span)

	return &BusData{
		XMLData:     string(body),
		Timestamp:   time.Now().UTC(),
		OperatorRef: operatorRef,
	}, nil
}
