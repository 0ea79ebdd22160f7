//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: ARCHIVE_GCS_BUCKET is required for the gcs backend")
	}

	cfg := GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("ARCHIVE_GCS_PREFIX"),
	}

	return NewGCSStore(ctx, cfg)
}
