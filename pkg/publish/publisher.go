package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"busjourneys/pkg/metrics"
	botel "busjourneys/pkg/otel"
	"busjourneys/pkg/report"
)

const (
	// ReportKey is the object key of the published report.
	ReportKey = "daily_summary.json"

	// LatestReportKey holds the latest encoded report in Redis.
	LatestReportKey = "busjourneys:report:latest"

	// ReportChannel receives a notice each time a report is published.
	ReportChannel = "busjourneys:report"
)

// Cache is the part of the Redis client used here.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// NewRedisClient connects to redisURL, for example redis://localhost:6379/0.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type Publisher struct {
	objects ObjectAPI
	bucket  string
	cache   Cache
	tracer  trace.Tracer
}

// NewPublisher sends reports to bucket and, when cache is non-nil, to Redis.
func NewPublisher(objects ObjectAPI, bucket string, cache Cache) *Publisher {
	return &Publisher{
		objects: objects,
		bucket:  bucket,
		cache:   cache,
		tracer:  otel.Tracer("publisher"),
	}
}

type notice struct {
	Key   string `json:"key"`
	Start string `json:"start"`
	Lines int    `json:"lines"`
	Size  int    `json:"size"`
}

// Publish uploads the gzip-compressed report as a public object. A Redis
// failure is logged and does not fail the publication.
func (p *Publisher) Publish(ctx context.Context, r *report.Report) error {
	ctx, span := p.tracer.Start(ctx, "publisher.publish",
		trace.WithAttributes(
			attribute.String("bucket", p.bucket),
			attribute.String("key", ReportKey),
			attribute.Int("lines", len(r.Lines)),
		),
	)
	defer span.End()

	body, err := r.Bytes()
	if err != nil {
		botel.RecordError(span, err, botel.ErrorTypeParse, false)
		return err
	}
	span.SetAttributes(attribute.Int("size_bytes", len(body)))
	metrics.ObserveInt(ctx, metrics.ReportSizeBytes, int64(len(body)))

	if p.objects != nil {
		_, err = p.objects.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(p.bucket),
			Key:             aws.String(ReportKey),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/json"),
			ContentEncoding: aws.String("gzip"),
			ACL:             s3types.ObjectCannedACLPublicRead,
		})
		if err != nil {
			botel.RecordError(span, err, botel.ErrorTypePublish, true)
			metrics.Count(ctx, metrics.ReportPublishTotal, 1,
				attribute.String("target", "s3"), attribute.String("status", "error"))
			return fmt.Errorf("failed to upload report: %w", err)
		}
		metrics.Count(ctx, metrics.ReportPublishTotal, 1,
			attribute.String("target", "s3"), attribute.String("status", "ok"))
		slog.Info("Report uploaded", "bucket", p.bucket, "key", ReportKey, "bytes", len(body))
	}

	if p.cache != nil {
		p.notify(ctx, r, body)
	}

	botel.SetSpanOk(span)
	return nil
}

func (p *Publisher) notify(ctx context.Context, r *report.Report, body []byte) {
	status := "ok"
	defer func() {
		metrics.Count(ctx, metrics.ReportPublishTotal, 1,
			attribute.String("target", "redis"), attribute.String("status", status))
	}()

	if err := p.cache.Set(ctx, LatestReportKey, body, 0).Err(); err != nil {
		status = "error"
		slog.Warn("Failed to cache report", "key", LatestReportKey, "error", err)
		return
	}

	msg, err := json.Marshal(notice{
		Key:   LatestReportKey,
		Start: r.Start.Format(time.DateOnly),
		Lines: len(r.Lines),
		Size:  len(body),
	})
	if err != nil {
		status = "error"
		slog.Warn("Failed to encode report notice", "error", err)
		return
	}
	if err := p.cache.Publish(ctx, ReportChannel, msg).Err(); err != nil {
		status = "error"
		slog.Warn("Failed to publish report notice", "channel", ReportChannel, "error", err)
	}
}
