package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"busjourneys/pkg/bods"
	"busjourneys/pkg/metrics"
	botel "busjourneys/pkg/otel"
	"busjourneys/pkg/types"

	"github.com/clbanning/mxj/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type XMLParser struct {
	tracer trace.Tracer
}

func NewXMLParser() *XMLParser {
	return &XMLParser{
		tracer: otel.Tracer("xml-parser"),
	}
}

// ParseLocations turns a SIRI-VM document into location pings. Vehicle
// activities missing a required field, or with an unreadable time or
// position, are skipped; their number is returned alongside the pings.
func (p *XMLParser) ParseLocations(ctx context.Context, busData *bods.BusData) ([]types.RawLocationPing, int, error) {
	ctx, span := p.tracer.Start(ctx, "xml_parser.parse_locations",
		trace.WithAttributes(
			attribute.String("operator_ref", busData.OperatorRef),
			attribute.Int("xml_size_bytes", len(busData.XMLData)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.Observe(ctx, metrics.XMLParseDuration, time.Since(start).Seconds())
	}()

	xmlMap, err := mxj.NewMapXml([]byte(busData.XMLData))
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeParse, false)
		return nil, 0, fmt.Errorf("failed to parse XML: %w", err)
	}

	var pings []types.RawLocationPing
	skipped := 0
	for _, activity := range vehicleActivities(xmlMap) {
		ping, err := parseVehicleActivity(activity)
		if err != nil {
			skipped++
			slog.Debug("Skipping vehicle activity", "error", err)
			continue
		}
		pings = append(pings, ping)
	}

	metrics.Count(ctx, metrics.ParserActivitiesExtracted, len(pings))
	metrics.Count(ctx, metrics.ParserActivitiesFailed, skipped)
	span.SetAttributes(
		attribute.Int("pings_count", len(pings)),
		attribute.Int("skipped_count", skipped),
	)

	return pings, skipped, nil
}

// vehicleActivities walks Siri/ServiceDelivery/VehicleMonitoringDelivery to
// the VehicleActivity elements, which mxj gives as a map when there is only
// one.
func vehicleActivities(xmlMap map[string]interface{}) []map[string]interface{} {
	siri, ok := xmlMap["Siri"].(map[string]interface{})
	if !ok {
		return nil
	}
	serviceDelivery, ok := siri["ServiceDelivery"].(map[string]interface{})
	if !ok {
		return nil
	}
	vmDelivery, ok := serviceDelivery["VehicleMonitoringDelivery"].(map[string]interface{})
	if !ok {
		return nil
	}

	var activities []map[string]interface{}
	switch va := vmDelivery["VehicleActivity"].(type) {
	case []interface{}:
		for _, a := range va {
			if m, ok := a.(map[string]interface{}); ok {
				activities = append(activities, m)
			}
		}
	case map[string]interface{}:
		activities = append(activities, va)
	}
	return activities
}

func parseVehicleActivity(activity map[string]interface{}) (types.RawLocationPing, error) {
	var ping types.RawLocationPing

	mvj, ok := activity["MonitoredVehicleJourney"].(map[string]interface{})
	if !ok {
		return ping, fmt.Errorf("missing MonitoredVehicleJourney")
	}

	ping.ItemIdentifier = text(activity, "ItemIdentifier")

	recorded, err := parseTime(text(activity, "RecordedAtTime"))
	if err != nil {
		return ping, fmt.Errorf("RecordedAtTime: %w", err)
	}
	ping.Timestamp = recorded

	ping.LineRef = text(mvj, "LineRef")
	ping.LineName = text(mvj, "PublishedLineName")
	ping.DirectionRef = text(mvj, "DirectionRef")
	ping.OperatorRef = text(mvj, "OperatorRef")
	ping.OriginRef = text(mvj, "OriginRef")
	ping.OriginName = formatStopName(text(mvj, "OriginName"))
	ping.DestinationRef = text(mvj, "DestinationRef")
	ping.DestinationName = formatStopName(text(mvj, "DestinationName"))
	ping.VehicleRef = text(mvj, "VehicleRef")

	ping.VehicleJourneyRef = text(mvj, "VehicleJourneyRef")
	if ping.VehicleJourneyRef == "" {
		if fvjr, ok := mvj["FramedVehicleJourneyRef"].(map[string]interface{}); ok {
			ping.VehicleJourneyRef = text(fvjr, "DatedVehicleJourneyRef")
		}
	}

	switch {
	case ping.LineRef == "":
		return ping, fmt.Errorf("missing LineRef")
	case ping.OperatorRef == "":
		return ping, fmt.Errorf("missing OperatorRef")
	case ping.VehicleJourneyRef == "":
		return ping, fmt.Errorf("missing VehicleJourneyRef")
	}

	departure, err := parseTime(text(mvj, "OriginAimedDepartureTime"))
	if err != nil {
		return ping, fmt.Errorf("OriginAimedDepartureTime: %w", err)
	}
	ping.OriginAimedDepartureTime = departure

	location, ok := mvj["VehicleLocation"].(map[string]interface{})
	if !ok {
		return ping, fmt.Errorf("missing VehicleLocation")
	}
	if ping.Latitude, err = parseFloat(text(location, "Latitude")); err != nil {
		return ping, fmt.Errorf("Latitude: %w", err)
	}
	if ping.Longitude, err = parseFloat(text(location, "Longitude")); err != nil {
		return ping, fmt.Errorf("Longitude: %w", err)
	}

	// Bearing sits on the journey in SIRI-VM 2.0 but some feeds put it on
	// the location.
	bearing := text(mvj, "Bearing")
	if bearing == "" {
		bearing = text(location, "Bearing")
	}
	if ping.Bearing, err = parseFloat(bearing); err != nil {
		return ping, fmt.Errorf("Bearing: %w", err)
	}

	return ping, nil
}

// text returns the string value of key, or "" when it is absent or not a
// leaf element.
func text(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]interface{}:
		// Elements carrying attributes keep their value under #text.
		if s, ok := v["#text"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// formatStopName cleans up stop names from BODS format
// Rules:
// - Double underscores (__) become " - "
// - Single underscores (_) become spaces
// Example: "Lyde_Green__Science_Park" becomes "Lyde Green - Science Park"
func formatStopName(name string) string {
	if name == "" {
		return ""
	}
	formatted := strings.ReplaceAll(name, "__", " - ")
	return strings.ReplaceAll(formatted, "_", " ")
}
