package storage

import (
	"context"
	"io"

	"github.com/cuemby/docsrs-core/pkg/types"
)

// Backend defines the interface for blob storage. This is implemented by a
// Memory backend (tests, local dev) and an S3 backend (production).
type Backend interface {
	// Exists reports whether path is present.
	Exists(ctx context.Context, path string) (bool, error)

	// GetStream returns a reader for path. If rng is non-nil, only that byte
	// range is fetched — the S3 backend issues a ranged GET so the caller
	// never downloads more of a blob than it needs.
	GetStream(ctx context.Context, path string, rng *types.ByteRange) (io.ReadCloser, error)

	// StoreBatch writes every blob, returning once all are durable.
	StoreBatch(ctx context.Context, blobs []types.Blob) error

	// ListPrefix returns every path with the given prefix.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)

	// DeletePrefix removes every object with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}
