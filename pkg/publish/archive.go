package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/parquet-go/parquet-go"

	"busjourneys/pkg/report"
	"busjourneys/pkg/types"
)

// JourneyRow is the Parquet schema of an archived journey summary.
type JourneyRow struct {
	JourneyKey         string   `parquet:"journey_date_line_ref"`
	LineRef            string   `parquet:"line_ref"`
	LineName           string   `parquet:"line_name"`
	DirectionRef       string   `parquet:"direction_ref"`
	OperatorRef        string   `parquet:"operator_ref"`
	OriginName         string   `parquet:"origin_name"`
	DestinationName    string   `parquet:"destination_name"`
	VehicleRef         string   `parquet:"vehicle_ref"`
	Hour               string   `parquet:"hour"`
	ScheduledDeparture string   `parquet:"origin_aimed_departure_time"`
	NumPoints          int32    `parquet:"num_points"`
	NumStationary      int32    `parquet:"num_points_stationary"`
	TimeTotalHrs       float64  `parquet:"time_total_hrs"`
	DistTotalMiles     float64  `parquet:"dist_total_miles"`
	SpeedMeanMPH       *float64 `parquet:"speed_mean_mph,optional"`
	SpeedMedMPH        *float64 `parquet:"speed_med_mph,optional"`
	SpeedMaxMPH        *float64 `parquet:"speed_max_mph,optional"`
	Path               string   `parquet:"path"`
}

type Archiver struct {
	objects ObjectAPI
	bucket  string
	source  report.Source
}

func NewArchiver(objects ObjectAPI, bucket string, source report.Source) *Archiver {
	return &Archiver{objects: objects, bucket: bucket, source: source}
}

// ArchiveKey is the object key of the archive for the UTC day containing t.
func ArchiveKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("journeys/%04d/%02d/%02d.parquet", t.Year(), t.Month(), t.Day())
}

// Archive writes the journey summaries of one UTC day as a Parquet object.
// An existing object is left alone. It returns the number of rows written.
func (a *Archiver) Archive(ctx context.Context, day time.Time) (int, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	key := ArchiveKey(start)

	_, err := a.objects.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	var notFound *s3types.NotFound
	switch {
	case err == nil:
		slog.Info("Archive already exists, skipping", "key", key)
		return 0, nil
	case !errors.As(err, &notFound):
		return 0, fmt.Errorf("failed to check archive %s: %w", key, err)
	}

	journeys, err := a.source.JourneySummaries(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("failed to read journey summaries: %w", err)
	}
	if len(journeys) == 0 {
		slog.Info("No journeys to archive", "day", start.Format(time.DateOnly))
		return 0, nil
	}

	rows := make([]JourneyRow, len(journeys))
	for i, j := range journeys {
		rows[i] = toRow(j)
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[JourneyRow](&buf)
	if _, err := writer.Write(rows); err != nil {
		return 0, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}

	_, err = a.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/vnd.apache.parquet"),
		Metadata: map[string]string{
			"rows": strconv.Itoa(len(rows)),
			"date": start.Format(time.DateOnly),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("upload archive: %w", err)
	}

	slog.Info("Journeys archived", "key", key, "rows", len(rows), "bytes", buf.Len())
	return len(rows), nil
}

func toRow(j types.JourneySummary) JourneyRow {
	return JourneyRow{
		JourneyKey:         j.JourneyKey,
		LineRef:            j.LineRef,
		LineName:           j.LineName,
		DirectionRef:       j.DirectionRef,
		OperatorRef:        j.OperatorRef,
		OriginName:         j.OriginName,
		DestinationName:    j.DestinationName,
		VehicleRef:         j.VehicleRef,
		Hour:               j.Hour.UTC().Format(time.RFC3339),
		ScheduledDeparture: j.ScheduledDeparture.UTC().Format(time.RFC3339),
		NumPoints:          int32(j.NumPoints),
		NumStationary:      int32(j.NumStationary),
		TimeTotalHrs:       j.TimeTotalHrs,
		DistTotalMiles:     j.DistTotalMiles,
		SpeedMeanMPH:       j.SpeedMeanMPH,
		SpeedMedMPH:        j.SpeedMedMPH,
		SpeedMaxMPH:        j.SpeedMaxMPH,
		Path:               j.Path,
	}
}
