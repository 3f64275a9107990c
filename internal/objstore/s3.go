// Package objstore fetches mapping documents from S3.
package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used here (enables testing).
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads one mapping document object. The object's ETag serves as the
// change fingerprint.
type S3Source struct {
	client S3API
	bucket string
	key    string
}

// S3SourceConfig holds configuration for S3Source.
type S3SourceConfig struct {
	Bucket   string
	Key      string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
}

// NewS3Source creates an S3-backed mapping source.
func NewS3Source(ctx context.Context, cfg S3SourceConfig) (*S3Source, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Source{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		key:    cfg.Key,
	}, nil
}

// NewS3SourceWithClient wires an existing client (used by tests).
func NewS3SourceWithClient(client S3API, bucket, key string) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key}
}

// Fingerprint returns the object's ETag without downloading the body.
func (s *S3Source) Fingerprint(ctx context.Context) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return "", fmt.Errorf("s3 head failed for %s/%s: %w", s.bucket, s.key, err)
	}
	return aws.ToString(out.ETag), nil
}

// Fetch downloads the object and returns its content and ETag.
func (s *S3Source) Fetch(ctx context.Context) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("s3 get failed for %s/%s: %w", s.bucket, s.key, err)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading s3 object body: %w", err)
	}
	return body, aws.ToString(out.ETag), nil
}
