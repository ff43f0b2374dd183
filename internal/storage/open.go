package storage

import (
	"context"
	"strings"

	"github.com/dunamismax/learnflow/internal/config"
)

// Open returns the artifact store selected by cfg.Backend. The MinIO bucket
// is created when missing.
func Open(ctx context.Context, cfg config.StorageConfig) (ArtifactStore, error) {
	if strings.EqualFold(cfg.Backend, "memory") {
		return NewMemoryStore(), nil
	}
	minioStore, err := NewMinioStore(Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return minioStore, nil
}
