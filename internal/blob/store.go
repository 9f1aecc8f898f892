package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"github.com/gftdcojp/projection-cache/internal/types"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Store is a snapshot.Backend on S3-compatible object storage.
type Store struct {
	s3     S3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewStore creates a blob store using an S3API implementation. Objects are
// written under prefix when it is non-empty.
func NewStore(s3api S3API, bucket, prefix string, logger *zap.Logger) *Store {
	return &Store{
		s3:     s3api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// StorageClass maps an access tier to the S3 storage class objects are
// written with.
func StorageClass(t types.AccessTier) s3types.StorageClass {
	switch t {
	case types.TierCool:
		return s3types.StorageClassStandardIa
	case types.TierCold:
		return s3types.StorageClassGlacierIr
	case types.TierArchive:
		return s3types.StorageClassDeepArchive
	default:
		return s3types.StorageClassStandard
	}
}

func (s *Store) objectKey(path string) string {
	if s.prefix != "" {
		return s.prefix + "/" + path
	}
	return path
}

func (s *Store) Put(ctx context.Context, path string, data []byte, opts snapshot.PutOptions) error {
	key := s.objectKey(path)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      opts.Metadata,
		StorageClass:  StorageClass(opts.Tier),
	}
	if opts.IfAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := s.s3.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%s: %w", key, snapshot.ErrExists)
		}
		return fmt.Errorf("uploading snapshot to S3: %w", err)
	}

	s.logger.Debug("snapshot uploaded to S3",
		zap.String("key", key),
		zap.Int("size", len(data)),
		zap.String("storage_class", string(StorageClass(opts.Tier))),
	)
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (snapshot.Object, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Object{}, err
	}
	key := s.objectKey(path)
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return snapshot.Object{}, fmt.Errorf("%s: %w", key, snapshot.ErrNotFound)
		}
		return snapshot.Object{}, fmt.Errorf("downloading snapshot from S3: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return snapshot.Object{}, fmt.Errorf("reading S3 response: %w", err)
	}
	return snapshot.Object{
		Data:        data,
		ContentType: aws.ToString(resp.ContentType),
		Metadata:    resp.Metadata,
	}, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	key := s.objectKey(path)
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting snapshot from S3: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.objectKey(prefix)
	p := s3.NewListObjectsV2Paginator(s.s3, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &full,
	})

	var out []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing S3 prefix %s: %w", full, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			out = append(out, key)
		}
	}
	return out, nil
}

// Ping checks connectivity by performing a HeadBucket operation.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	return err
}

func (s *Store) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	// Some S3-compatible servers only set the error code.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isPreconditionFailed reports a conditional write that lost: 412 when the
// object exists, 409 when a concurrent conditional write is in flight.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
