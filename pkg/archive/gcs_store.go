//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store using Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string // Optional key prefix
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a new GCS-backed archive store. The client uses
// application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs read failed for %s: %w", key, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key)
	_, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("archive: gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key)
	if err := obj.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("archive: gcs delete failed for %s: %w", key, err)
	}
	return nil
}
