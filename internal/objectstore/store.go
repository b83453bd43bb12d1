// Package objectstore reads and writes blobs in S3-compatible object
// storage. Archive-mode ETL reads its input object here, and packaged
// provider exports are uploaded here.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/userprops-io/userprops/internal/config"
)

// Sentinel errors for object operations.
var (
	// ErrGetFailed is returned when an object cannot be fetched.
	ErrGetFailed = errors.New("object get failed")

	// ErrPutFailed is returned when an object cannot be stored.
	ErrPutFailed = errors.New("object put failed")
)

type (
	// Config holds object storage settings loaded from the environment.
	Config struct {
		// Region is the provider region for request signing.
		Region string

		// Endpoint overrides the provider endpoint, for S3-compatible
		// stores and local test stacks. Empty means the default AWS
		// endpoint resolution.
		Endpoint string

		// Bucket is the default bucket for export uploads.
		Bucket string
	}

	// api is the S3 surface the store needs. Narrowed for test fakes.
	api interface {
		GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
		PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	}

	// Store is an object storage client.
	Store struct {
		client api
		bucket string
		logger *slog.Logger
	}
)

// LoadConfig loads object storage configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Region:   config.GetEnvStr("S3_REGION", "us-east-1"),
		Endpoint: config.GetEnvStr("S3_ENDPOINT", ""),
		Bucket:   config.GetEnvStr("S3_BUCKET", ""),
	}
}

// NewStore creates a store backed by the AWS SDK. Credentials come from the
// default chain (environment, shared config, instance role).
func NewStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newStore(client, cfg.Bucket, logger), nil
}

func newStore(client api, bucket string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client: client,
		bucket: bucket,
		logger: logger.With(slog.String("component", "objectstore")),
	}
}

// Get returns the full content of an object.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrGetFailed, bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrGetFailed, bucket, key, err)
	}

	return data, nil
}

// Put stores data under a key in the configured upload bucket.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %w", ErrPutFailed, s.bucket, key, err)
	}

	s.logger.Info("stored object",
		slog.String("bucket", s.bucket),
		slog.String("key", key),
		slog.Int("bytes", len(data)))

	return nil
}

// Bucket returns the configured upload bucket.
func (s *Store) Bucket() string {
	return s.bucket
}
