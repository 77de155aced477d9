package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/pkg/objectstore"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Store implements objectstore.Store for one bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

var _ objectstore.Store = (*Store)(nil)

// New creates a new S3 store with the given configuration.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &objectstore.Error{Op: "New", Backend: objectstore.BackendS3, Bucket: cfg.Bucket, Err: err}
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

	return &Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Let the SDK resolve region from env/profile unless set explicitly.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion applies the us-east-1 fallback for AWS S3 only. Custom
// endpoints keep whatever the SDK resolved, possibly empty.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string { return s.bucket }

func (s *Store) URI(key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.wrapError("Put", key, err)
	}
	s.logger.Debug("object stored", zap.String("bucket", s.bucket), zap.String("key", s.objectKey(key)), zap.Int64("size", size))
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, 0, s.wrapError("Get", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *Store) Head(ctx context.Context, key string) (*objectstore.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, s.wrapError("Head", key, err)
	}
	return &objectstore.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         cleanETag(aws.ToString(out.ETag)),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if full := s.objectKey(prefix); full != "" {
		if strings.HasSuffix(prefix, "/") && !strings.HasSuffix(full, "/") {
			full += "/"
		}
		input.Prefix = aws.String(full)
	}

	var out []objectstore.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.wrapError("List", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, objectstore.ObjectInfo{
				Key:          s.relativeKey(aws.ToString(obj.Key)),
				Size:         aws.ToInt64(obj.Size),
				ETag:         cleanETag(aws.ToString(obj.ETag)),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		wrapped := s.wrapError("Delete", key, err)
		if provider.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// Close satisfies objectstore.Store; the S3 client holds nothing to release.
func (s *Store) Close() error {
	return nil
}

func (s *Store) objectKey(key string) string {
	return objectstore.JoinKey(s.prefix, key)
}

func (s *Store) relativeKey(full string) string {
	if s.prefix == "" {
		return full
	}
	return strings.TrimPrefix(strings.TrimPrefix(full, s.prefix), "/")
}

// wrapError converts S3 errors to store errors with the shared sentinels.
func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &objectstore.Error{
		Op:      op,
		Backend: objectstore.BackendS3,
		Bucket:  s.bucket,
		Key:     key,
		Err:     err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = bucketMissing(s.bucket)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = provider.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = bucketMissing(s.bucket)
		case "AccessDenied", "Forbidden":
			wrapped.Err = provider.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = provider.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = provider.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = provider.ErrProviderUnavailable
		}
		return wrapped
	}

	// Fallback: check error message for common cases.
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = bucketMissing(s.bucket)
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = provider.ErrNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = provider.ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		wrapped.Err = provider.ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = provider.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = provider.ErrProviderUnavailable
	}
	return wrapped
}

// A missing bucket is a configuration problem, not a missing object.
func bucketMissing(bucket string) error {
	return fmt.Errorf("%w: bucket %q does not exist", provider.ErrInvalidConfig, bucket)
}

// cleanETag removes surrounding quotes from an ETag value.
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}
