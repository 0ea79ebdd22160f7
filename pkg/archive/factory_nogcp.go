//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	return nil, fmt.Errorf("archive: gcs backend is not enabled in this build (use -tags gcp)")
}
