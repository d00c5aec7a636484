// Package s3 implements the blob store on Amazon S3 or any S3-compatible
// service (MinIO, LocalStack).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roadsight/blurpipe/internal/logger"
	"github.com/roadsight/blurpipe/pkg/blob"
)

// Config holds S3 blob store configuration.
type Config struct {
	// Bucket is the S3 bucket name (required)
	Bucket string

	// Region is the AWS region
	Region string

	// Endpoint is a custom S3 endpoint (for MinIO, LocalStack, etc.)
	// Leave empty for AWS S3.
	Endpoint string

	// AccessKeyID and SecretAccessKey are static credentials.
	// Leave empty to use the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style addressing (required for MinIO)
	ForcePathStyle bool

	// Timeout for individual S3 operations
	Timeout time.Duration
}

// Store implements blob.Store backed by S3.
type Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

var _ blob.Store = (*Store)(nil)

// New creates an S3 blob store from the given configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	logger.Info("s3 blob store initialized",
		logger.KeyBucket, cfg.Bucket,
		logger.KeyRegion, cfg.Region,
		"endpoint", cfg.Endpoint,
	)

	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: objectBaseURL(cfg),
		timeout: cfg.Timeout,
	}, nil
}

// objectBaseURL builds the public URL prefix for objects in the bucket.
func objectBaseURL(cfg Config) string {
	if cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s", strings.TrimRight(cfg.Endpoint, "/"), cfg.Bucket)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
}

// Put stores data under key and returns the object URL.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := s.checkClosed(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", wrapS3Error("put", key, err)
	}

	logger.Debug("blob stored",
		logger.KeyKey, key,
		logger.KeySize, len(data),
		logger.KeyDurationMs, logger.Duration(start),
	)

	return s.URL(key), nil
}

// Get retrieves the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, blob.ErrNotFound
		}
		return nil, wrapS3Error("get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object stored under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFoundError(err) {
		return wrapS3Error("delete", key, err)
	}
	return nil
}

// URL returns the object URL for key.
func (s *Store) URL(key string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, key)
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("%w: bucket %s: %v", blob.ErrUnavailable, s.bucket, err)
	}
	return nil
}

// Close marks the store as closed. The underlying HTTP client is shared and
// needs no explicit teardown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return blob.ErrStoreClosed
	}
	return nil
}

// wrapS3Error classifies S3 failures as transient so callers retry them.
func wrapS3Error(op, key string, err error) error {
	return fmt.Errorf("%w: s3 %s %s: %v", blob.ErrUnavailable, op, key, err)
}

// isNotFoundError checks whether an S3 error indicates a missing object.
// The SDK wraps these in multiple layers, so check the error string.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") ||
		strings.Contains(msg, "NotFound") ||
		strings.Contains(msg, "404")
}
