package otel

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol is an OTLP transport.
type Protocol string

const (
	ProtocolGRPC         Protocol = "grpc"
	ProtocolHTTPProtobuf Protocol = "http/protobuf"
	ProtocolHTTPJSON     Protocol = "http/json"
)

// SignalType names an OTLP signal.
type SignalType string

const (
	SignalTraces  SignalType = "traces"
	SignalMetrics SignalType = "metrics"
)

// ExporterConfig is the resolved OTLP exporter setup of one signal.
type ExporterConfig struct {
	Endpoint    string
	Protocol    Protocol
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Compression string
}

func IsTracingEnabled() bool {
	return isTrue(os.Getenv("OTEL_TRACING_ENABLED"))
}

func IsMetricsEnabled() bool {
	return isTrue(os.Getenv("OTEL_METRICS_ENABLED"))
}

// signalEnv reads OTEL_EXPORTER_OTLP_<SIGNAL>_<NAME>, falling back to
// OTEL_EXPORTER_OTLP_<NAME>.
type signalEnv string

func (s signalEnv) get(name, fallback string) string {
	if v := os.Getenv("OTEL_EXPORTER_OTLP_" + string(s) + "_" + name); v != "" {
		return v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_" + name); v != "" {
		return v
	}
	return fallback
}

// GetExporterConfig resolves the exporter settings of signal from the
// standard OTEL_EXPORTER_OTLP_* variables.
func GetExporterConfig(signal SignalType) ExporterConfig {
	env := signalEnv(strings.ToUpper(string(signal)))

	protocol := parseProtocol(env.get("PROTOCOL", string(ProtocolHTTPProtobuf)))
	endpoint := resolveEndpoint(env, signal, protocol)

	insecure := strings.HasPrefix(endpoint, "http://")
	if v := env.get("INSECURE", ""); v != "" {
		insecure = isTrue(v)
	}

	return ExporterConfig{
		Endpoint:    endpoint,
		Protocol:    protocol,
		Headers:     parseHeaders(env.get("HEADERS", "")),
		Timeout:     parseDuration(env.get("TIMEOUT", ""), 10*time.Second),
		Insecure:    insecure,
		Compression: env.get("COMPRESSION", ""),
	}
}

func parseProtocol(s string) Protocol {
	switch Protocol(strings.ToLower(s)) {
	case ProtocolGRPC:
		return ProtocolGRPC
	case ProtocolHTTPJSON:
		return ProtocolHTTPJSON
	default:
		return ProtocolHTTPProtobuf
	}
}

// resolveEndpoint uses a signal endpoint as given, and appends /v1/<signal>
// to a base endpoint for HTTP.
func resolveEndpoint(env signalEnv, signal SignalType, protocol Protocol) string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_" + string(env) + "_ENDPOINT"); e != "" {
		return normalizeEndpoint(e, protocol)
	}
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		return withSignalPath(normalizeEndpoint(e, protocol), signal, protocol)
	}
	if protocol == ProtocolGRPC {
		return "localhost:4317"
	}
	return "http://localhost:4318/v1/" + string(signal)
}

// normalizeEndpoint reduces a gRPC endpoint to host:port and gives an HTTP
// endpoint a scheme.
func normalizeEndpoint(endpoint string, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		endpoint = strings.TrimPrefix(endpoint, "https://")
		host, _, _ := strings.Cut(endpoint, "/")
		return host
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return "https://" + endpoint
	}
	return endpoint
}

func withSignalPath(endpoint string, signal SignalType, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		return endpoint
	}
	suffix := "/v1/" + string(signal)

	u, err := url.Parse(endpoint)
	if err != nil {
		return strings.TrimSuffix(endpoint, "/") + suffix
	}
	if strings.HasSuffix(u.Path, suffix) {
		return endpoint
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	return u.String()
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseHeaders reads "k1=v1,k2=v2". Values keep everything after the first
// '=', so base64 credentials survive.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = value
		slog.Debug("Parsed OTEL header", "key", key, "value_length", len(value))
	}
	return headers
}

// parseDuration accepts Go durations and plain milliseconds.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
