package application

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/output"
)

// TileCacheService resolves source tile URLs into local files, backed by a
// content cache in object storage. Tiles are cached forever; only an
// external policy ever evicts them.
type TileCacheService struct {
	ledger  output.CacheLedger
	store   output.ObjectStorage
	origin  output.OriginFetcher
	metrics output.MetricsCollector
	logger  *slog.Logger
	prefix  string // object key prefix for cached tiles
}

// NewTileCacheService creates a new tile cache service.
func NewTileCacheService(
	ledger output.CacheLedger,
	store output.ObjectStorage,
	origin output.OriginFetcher,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	prefix string,
) *TileCacheService {
	if prefix == "" {
		prefix = "source-tiles"
	}

	return &TileCacheService{
		ledger:  ledger,
		store:   store,
		origin:  origin,
		metrics: metrics,
		logger:  logger,
		prefix:  prefix,
	}
}

// Resolve materializes the tile behind sourceURL as a local file under
// workDir and returns its path. Cache hits are served from the cache store;
// misses download from the origin, populate the cache, and serve the local
// copy. A tile whose last download failed is retried as a fresh miss.
//
// Ledger bookkeeping failures never sink a job that already holds the bytes
// locally: concurrent downloads of the same tile are allowed and converge
// via last-writer-wins completion.
func (s *TileCacheService) Resolve(ctx context.Context, sourceURL string, workDir string) (string, error) {
	tileName := domain.TileNameFromLocator(sourceURL)
	ext := domain.TileExtFromLocator(sourceURL)
	localPath := filepath.Join(workDir, tileName+ext)

	row, err := s.ledger.Lookup(ctx, tileName)
	if err != nil && !errors.Is(err, domain.ErrTileNotFound) {
		return "", err
	}

	if err == nil && row.Usable() {
		return s.serveHit(ctx, row, localPath)
	}

	return s.serveMiss(ctx, tileName, sourceURL, s.prefix+"/"+tileName+ext, localPath)
}

// serveHit copies the cached object into the work directory.
func (s *TileCacheService) serveHit(ctx context.Context, row *domain.CachedTile, localPath string) (string, error) {
	start := time.Now()
	err := s.store.Download(ctx, row.CacheKey, localPath)
	s.metrics.IncStorageOperations("download", err == nil)
	s.metrics.ObserveStorageDuration("download", time.Since(start))
	if err != nil {
		s.metrics.IncCacheRequests("error")
		return "", &domain.StorageError{Operation: "download", Key: row.CacheKey, Err: err}
	}

	if err := s.ledger.Touch(ctx, row.TileName); err != nil {
		// The bytes are already local; losing one access bump is harmless.
		s.logger.Warn("cache access bump failed", "tile", row.TileName, "error", err)
	}

	s.metrics.IncCacheRequests("hit")
	s.logger.Debug("tile cache hit", "tile", row.TileName, "key", row.CacheKey)

	return localPath, nil
}

// serveMiss downloads from the origin and populates the cache.
func (s *TileCacheService) serveMiss(ctx context.Context, tileName, sourceURL, cacheKey, localPath string) (string, error) {
	marker := &domain.CachedTile{
		TileName:  tileName,
		SourceURL: sourceURL,
		CacheKey:  cacheKey,
	}
	if err := s.ledger.MarkDownloading(ctx, marker); err != nil {
		s.logger.Warn("cache ledger mark failed", "tile", tileName, "error", err)
	}

	start := time.Now()
	size, err := s.origin.Fetch(ctx, sourceURL, localPath)
	s.metrics.ObserveOriginDownload(err == nil, time.Since(start))
	if err != nil {
		s.markFailed(ctx, tileName)
		s.metrics.IncCacheRequests("error")
		return "", err
	}

	start = time.Now()
	err = s.store.Upload(ctx, localPath, cacheKey, "application/octet-stream")
	s.metrics.IncStorageOperations("upload", err == nil)
	s.metrics.ObserveStorageDuration("upload", time.Since(start))
	if err != nil {
		s.markFailed(ctx, tileName)
		s.metrics.IncCacheRequests("error")
		return "", &domain.StorageError{Operation: "upload", Key: cacheKey, Err: err}
	}

	if err := s.ledger.MarkComplete(ctx, tileName, size); err != nil {
		// The local file is good; the next request will just re-download.
		s.logger.Warn("cache completion update failed", "tile", tileName, "error", err)
	}

	s.metrics.IncCacheRequests("miss")
	s.logger.Info("tile cached", "tile", tileName, "key", cacheKey, "bytes", size)

	return localPath, nil
}

func (s *TileCacheService) markFailed(ctx context.Context, tileName string) {
	if err := s.ledger.MarkFailed(ctx, tileName); err != nil {
		s.logger.Warn("cache failure update failed", "tile", tileName, "error", err)
	}
}

// CacheStats returns aggregate counters for the cache and refreshes the
// cache gauges.
func (s *TileCacheService) CacheStats(ctx context.Context) (*domain.CacheStats, error) {
	stats, err := s.ledger.Stats(ctx)
	if err != nil {
		return nil, err
	}

	s.metrics.SetCachedTiles(int(stats.TileCount))
	s.metrics.SetCachedBytes(stats.TotalSizeBytes)

	return stats, nil
}
