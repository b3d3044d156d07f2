// Package publish ships reports and archives to object storage and Redis.
package publish

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ObjectAPI is the part of the S3 client used here.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type S3Config struct {
	// Endpoint selects an S3-compatible service; empty means AWS.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds a client with static credentials. It returns nil when
// no credentials are configured.
func NewS3Client(cfg S3Config) *s3.Client {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := s3.Options{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		opts.BaseEndpoint = &endpoint
		opts.UsePathStyle = true
	}

	return s3.New(opts)
}
