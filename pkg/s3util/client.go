// Package s3util builds S3-compatible clients (AWS S3, MinIO, Cloudflare R2)
// for the snapshot blob backend.
package s3util

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/gftdcojp/projection-cache/internal/config"
)

// ErrBucketUnavailable is returned by EnsureBucket when the bucket is missing
// or the credentials cannot reach it.
var ErrBucketUnavailable = errors.New("snapshot bucket unavailable")

// Client wraps the AWS S3 client with the bucket and key prefix snapshots
// live under.
type Client struct {
	S3     *s3.Client
	Bucket string
	Prefix string
}

// NewClient creates a new S3-compatible client from the snapshots.s3 config.
// No request is made; call EnsureBucket to verify access.
func NewClient(ctx context.Context, cfg config.S3Config) (*Client, error) {
	region := cfg.Region
	if region == "" {
		// Custom endpoints (MinIO, R2) ignore the region but the SDK requires one.
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{
		S3:     client,
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
	}, nil
}

// HeadBucketAPI is the subset of the S3 client used by EnsureBucket.
type HeadBucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// EnsureBucket verifies the bucket exists and is reachable with the
// configured credentials. Missing buckets and access denials are reported
// as ErrBucketUnavailable; transport failures are returned as is.
func EnsureBucket(ctx context.Context, api HeadBucketAPI, bucket string) error {
	_, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket", "Forbidden", "AccessDenied":
			return fmt.Errorf("%w: %s: %s", ErrBucketUnavailable, bucket, apiErr.ErrorCode())
		}
	}
	return fmt.Errorf("checking bucket %s: %w", bucket, err)
}

// EnsureBucket checks the client's own bucket.
func (c *Client) EnsureBucket(ctx context.Context) error {
	return EnsureBucket(ctx, c.S3, c.Bucket)
}
