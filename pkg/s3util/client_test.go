package s3util

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/gftdcojp/projection-cache/internal/config"
)

func TestNewClient_CustomEndpoint(t *testing.T) {
	c, err := NewClient(context.Background(), config.S3Config{
		Endpoint:        "http://127.0.0.1:9000",
		Bucket:          "snapshots",
		Prefix:          "pc",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		ForcePathStyle:  true,
		MaxAttempts:     5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Bucket != "snapshots" || c.Prefix != "pc" {
		t.Fatalf("unexpected bucket/prefix %q/%q", c.Bucket, c.Prefix)
	}

	opts := c.S3.Options()
	if opts.BaseEndpoint == nil || *opts.BaseEndpoint != "http://127.0.0.1:9000" {
		t.Fatalf("expected custom endpoint, got %v", opts.BaseEndpoint)
	}
	if !opts.UsePathStyle {
		t.Fatal("expected path-style addressing")
	}
	if opts.Region != "auto" {
		t.Fatalf("expected fallback region 'auto', got %q", opts.Region)
	}
	if opts.RetryMaxAttempts != 5 {
		t.Fatalf("expected 5 retry attempts, got %d", opts.RetryMaxAttempts)
	}
}

type headStub struct{ err error }

func (h headStub) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, h.err
}

func TestEnsureBucket(t *testing.T) {
	ctx := context.Background()

	if err := EnsureBucket(ctx, headStub{}, "b"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	err := EnsureBucket(ctx, headStub{err: &smithy.GenericAPIError{Code: "NotFound"}}, "b")
	if !errors.Is(err, ErrBucketUnavailable) {
		t.Fatalf("expected ErrBucketUnavailable for missing bucket, got %v", err)
	}

	err = EnsureBucket(ctx, headStub{err: &smithy.GenericAPIError{Code: "Forbidden"}}, "b")
	if !errors.Is(err, ErrBucketUnavailable) {
		t.Fatalf("expected ErrBucketUnavailable for denied access, got %v", err)
	}

	transport := errors.New("dial tcp: connection refused")
	err = EnsureBucket(ctx, headStub{err: transport}, "b")
	if !errors.Is(err, transport) || errors.Is(err, ErrBucketUnavailable) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}
