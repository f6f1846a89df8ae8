package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultAWSRegion is the fallback region for AWS S3 when neither the
// config, the environment, nor instance metadata yields one.
const DefaultAWSRegion = "us-east-1"

// imdsProbeTimeout bounds the EC2 instance metadata lookup so hosts outside
// AWS fail fast instead of hanging on the link-local endpoint.
const imdsProbeTimeout = time.Second

// s3Archiver mirrors artifacts to an S3 or S3-compatible bucket.
type s3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Archiver = (*s3Archiver)(nil)

func newS3Archiver(ctx context.Context, cfg Config) (*s3Archiver, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &ArchiveError{Op: "New", Backend: BackendS3, Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores.
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &s3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply an explicit region when the config carries one; the SDK
	// resolves env and profile regions on its own.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	// Explicit credentials take precedence over the default chain.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	if awsCfg.Region == "" && cfg.Endpoint == "" {
		// Ask the EC2 instance metadata service before falling back to the
		// static default; it answers only on AWS-managed hosts.
		awsCfg.Region = probeIMDSRegion(ctx)
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)

	return awsCfg, nil
}

// probeIMDSRegion asks the EC2 instance metadata service for the local
// region. Returns "" off EC2 or when the probe times out.
func probeIMDSRegion(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, imdsProbeTimeout)
	defer cancel()

	out, err := imds.New(imds.Options{}).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// resolveRegion applies the region fallback after SDK config loading.
//
// The sdkRegion parameter already incorporates the explicit config region
// (if set), environment variables, profile resolution, and the instance
// metadata probe. AWS S3 proper falls back to us-east-1; S3-compatible
// stores (custom endpoint) get no default because the endpoint already pins
// the target.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// Store uploads one artifact to <prefix>/<jobID>/<name>.
func (a *s3Archiver) Store(ctx context.Context, jobID, name string, r io.Reader, size int64, contentType string) error {
	key, err := artifactKey(a.prefix, jobID, name)
	if err != nil {
		return a.wrapError("Store", name, err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return a.wrapError("Store", key, err)
	}
	return nil
}

// Close releases any resources held by the archiver.
// The S3 client doesn't require explicit cleanup, but this satisfies the interface.
func (a *s3Archiver) Close() error {
	return nil
}

// wrapError converts S3 errors to archive errors with appropriate sentinel causes.
func (a *s3Archiver) wrapError(op, key string, err error) error {
	wrapped := &ArchiveError{
		Op:      op,
		Backend: BackendS3,
		Bucket:  a.bucket,
		Key:     key,
		Err:     err,
	}

	// Check for specific S3 error types first.
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	// Check smithy API errors for error codes.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrBackendUnavailable
		}
		return wrapped
	}

	// Fallback: check the error message for common cases.
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		wrapped.Err = ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = ErrBackendUnavailable
	}

	return wrapped
}
