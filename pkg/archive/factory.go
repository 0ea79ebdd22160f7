package archive

import (
	"context"
	"fmt"
	"os"
)

// Backend selects the archive storage implementation.
type Backend string

const (
	BackendNone Backend = ""
	BackendFS   Backend = "fs"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// NewStoreFromEnv creates an archive store based on environment
// variables. An unset ARCHIVE_BACKEND returns (nil, nil): archiving is
// disabled and retention falls back to plain deletion.
//
// Environment variables:
//   - ARCHIVE_BACKEND: "fs", "s3", or "gcs"; empty disables archiving
//   - ARCHIVE_DIR: base directory for the fs backend (default "data/archive")
//
// For S3:
//   - ARCHIVE_S3_BUCKET (required)
//   - ARCHIVE_S3_REGION or AWS_REGION
//   - ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - ARCHIVE_GCS_BUCKET (required)
//   - ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	switch Backend(os.Getenv("ARCHIVE_BACKEND")) {
	case BackendNone:
		return nil, nil
	case BackendFS:
		dir := os.Getenv("ARCHIVE_DIR")
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported backend: %s", os.Getenv("ARCHIVE_BACKEND"))
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: ARCHIVE_S3_BUCKET is required for the s3 backend")
	}

	region := os.Getenv("ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
	})
}
