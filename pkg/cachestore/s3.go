package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures an S3-backed cache store.
//
// Authentication follows the AWS SDK v2 default chain; explicit
// AccessKeyID/SecretAccessKey take precedence when set. For
// S3-compatible stores (MinIO, Wasabi), set Endpoint and typically
// ForcePathStyle.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Prefix is prepended to every blob key (e.g., "gantry/cache").
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when
	// neither config nor environment resolves one; no default is
	// applied when Endpoint is set.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the AWS profile name from shared config.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit credentials. Both
	// must be set together.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs; required for most
	// S3-compatible stores.
	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when unspecified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 cache: bucket name is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("s3 cache: access key ID and secret access key must be provided together")
	}
	return nil
}

// S3Store persists cache blobs in an S3 (or S3-compatible) bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3-backed cache store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 cache: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	// Only default the region for AWS proper; S3-compatible endpoints
	// may not use one at all.
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

// Restore downloads and extracts the blob for key into destDir.
func (s *S3Store) Restore(ctx context.Context, key, destDir string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return s.wrapError("Restore", key, err)
	}
	defer out.Body.Close()

	return unpackDir(out.Body, destDir)
}

// Save packs srcDir and uploads it under key.
//
// The blob is buffered in memory before upload so the content length is
// known without a multipart upload; dependency caches are small enough
// for that.
func (s *S3Store) Save(ctx context.Context, key, srcDir string) error {
	var buf bytes.Buffer
	if err := packDir(srcDir, &buf); err != nil {
		return err
	}

	size := int64(buf.Len())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: &size,
	})
	if err != nil {
		return s.wrapError("Save", key, err)
	}
	return nil
}

// Close releases any resources held by the store. The S3 client needs
// no explicit cleanup; this satisfies the Store interface.
func (s *S3Store) Close() error { return nil }

// objectKey maps a cache key to its object key under the prefix.
func (s *S3Store) objectKey(key string) string {
	name := key + ".tar.gz"
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// wrapError classifies S3 errors, mapping absent objects to ErrCacheMiss.
func (s *S3Store) wrapError(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return fmt.Errorf("s3 cache %s %q: %w", op, key, err)
}

// isNotFound reports whether err indicates a missing object or bucket
// key, checking typed errors first and smithy API codes second.
func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
