package output

import (
	"context"

	"github.com/jobrunner/canopy/internal/domain"
)

// CacheLedger defines the secondary port for tile cache bookkeeping.
// The ledger records what the cache holds; the bytes live in object storage.
type CacheLedger interface {
	// Lookup returns the ledger row for a tile name, or domain.ErrTileNotFound.
	Lookup(ctx context.Context, tileName string) (*domain.CachedTile, error)

	// MarkDownloading records that a download for the tile has started.
	// Re-marking an existing row resets it to the downloading state.
	MarkDownloading(ctx context.Context, tile *domain.CachedTile) error

	// MarkComplete records a finished download. The row's access count is
	// reset to one; concurrent completions are last-writer-wins.
	MarkComplete(ctx context.Context, tileName string, sizeBytes int64) error

	// MarkFailed records a failed download so later lookups can retry.
	MarkFailed(ctx context.Context, tileName string) error

	// Touch bumps the access count and timestamp of a cached tile.
	Touch(ctx context.Context, tileName string) error

	// Stats aggregates ledger rows in the complete state.
	Stats(ctx context.Context) (*domain.CacheStats, error)
}
