package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/aprio-one/converge/pkg/config"
)

// New builds the store selected by configuration.
func New(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   os.Getenv("AWS_REGION"),
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
}
