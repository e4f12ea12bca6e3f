package storage

import (
	"context"
	"fmt"

	"github.com/farmx/apiserver/config"
)

// Open builds the backend selected by cfg.Upload.Backend and makes sure its
// bucket (or directory) exists.
func Open(ctx context.Context, cfg config.Config) (*Storage, error) {
	var backend ObjectStorage
	switch cfg.Upload.Backend {
	case config.StorageLocal, "":
		local, err := NewLocalClient(cfg.Upload.Dir)
		if err != nil {
			return nil, err
		}
		backend = local
	case config.StorageMinio:
		client, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		backend = client
	case config.StorageGCS:
		client, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		backend = client
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Upload.Backend)
	}

	s := NewStorage(backend)
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("%s storage: %w", cfg.Upload.Backend, err)
	}
	return s, nil
}
