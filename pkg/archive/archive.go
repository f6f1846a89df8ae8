// Package archive mirrors completed job artifacts to external storage.
//
// An Archiver receives each result artifact of a completed job and writes it
// under <prefix>/<jobID>/<name>. Two backends are provided: "s3" for AWS S3
// and S3-compatible object stores, and "file" for a local directory tree.
//
// Archiving is best effort: callers log failures and leave the job's results
// in place, and the archive never gates the job lifecycle.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
)

// Backend identifies an archive storage backend.
type Backend string

// Supported backends.
const (
	BackendS3   Backend = "s3"
	BackendFile Backend = "file"
)

// String returns the backend name.
func (b Backend) String() string {
	return string(b)
}

// Archiver writes job artifacts to an external store.
type Archiver interface {
	// Store mirrors one artifact under <prefix>/<jobID>/<name>. A negative
	// size means unknown. The reader is consumed but not closed.
	Store(ctx context.Context, jobID, name string, r io.Reader, size int64, contentType string) error

	// Close releases backend resources. Archivers are long-lived; Close is
	// called once at shutdown.
	Close() error
}

// Config configures an archive backend.
//
// Authentication for the s3 backend follows the AWS SDK v2 default chain:
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// Region handling for the s3 backend:
//   - If Region is empty and not resolvable from the environment or profile,
//     the EC2 instance metadata service is consulted; failing that, the
//     region defaults to us-east-1.
//   - When Endpoint is set (S3-compatible stores), no default is applied.
type Config struct {
	// Backend selects the storage backend (required).
	Backend Backend

	// Prefix is prepended to every artifact key. Typically the service's
	// archive prefix, so artifacts land at <prefix>/<jobID>/<name>.
	Prefix string

	// Bucket is the S3 bucket name. Required for the s3 backend.
	Bucket string

	// Region is the AWS region. Leave empty to resolve via the environment,
	// profile, or instance metadata.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores
	// (Wasabi, MinIO, DigitalOcean Spaces). Leave empty for AWS S3.
	Endpoint string

	// Profile is the AWS profile name to use from shared config.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must
	// also be set. Takes precedence over the default credential chain.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores.
	ForcePathStyle bool

	// Dir is the destination directory. Required for the file backend.
	Dir string
}

// Validate checks that required configuration is present for the selected
// backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendS3:
		if c.Bucket == "" {
			return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
		}
		if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
			return &ConfigError{
				Field:   "AccessKeyID/SecretAccessKey",
				Message: "both access key ID and secret access key must be provided together",
			}
		}
	case BackendFile:
		if strings.TrimSpace(c.Dir) == "" {
			return &ConfigError{Field: "Dir", Message: "archive directory is required"}
		}
	case "":
		return &ConfigError{Field: "Backend", Message: "archive backend is required"}
	default:
		return &ConfigError{Field: "Backend", Message: fmt.Sprintf("unknown archive backend %q", c.Backend)}
	}
	return nil
}

// New creates an archiver for the configured backend.
func New(ctx context.Context, cfg Config) (Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendS3:
		return newS3Archiver(ctx, cfg)
	case BackendFile:
		return newFileArchiver(cfg)
	default:
		return nil, &ConfigError{Field: "Backend", Message: fmt.Sprintf("unknown archive backend %q", cfg.Backend)}
	}
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}

// Sentinel errors for archive operations.
var (
	// ErrNotFound indicates the target object or path does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrBackendUnavailable indicates the storage backend is unavailable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrThrottled indicates the request was rate limited by the backend.
	ErrThrottled = errors.New("request throttled")
)

// ArchiveError wraps backend-specific errors with context.
type ArchiveError struct {
	// Op is the operation that failed (e.g., "Store").
	Op string

	// Backend is the backend type (e.g., "s3").
	Backend Backend

	// Bucket is the bucket name, if applicable.
	Bucket string

	// Key is the artifact key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ArchiveError) Error() string {
	switch {
	case e.Bucket != "" && e.Key != "":
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Backend, e.Op, e.Bucket, e.Key, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing object or path.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsBucketNotFound returns true if the error indicates the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsBackendUnavailable returns true if the error indicates the backend is unavailable.
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// artifactKey builds the storage key for one artifact. The artifact name is
// normalized with slash separators and cannot escape the job's subtree.
func artifactKey(prefix, jobID, name string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("job id is required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return path.Join(prefix, jobID, clean), nil
}
