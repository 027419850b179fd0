package spatialite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jobrunner/canopy/internal/domain"
)

// CacheLedger implements the tile cache bookkeeping port.
type CacheLedger struct {
	db *sql.DB
}

// NewCacheLedger creates a cache ledger.
func NewCacheLedger(db *DB) *CacheLedger {
	return &CacheLedger{db: db.db}
}

// Lookup implements output.CacheLedger.
func (l *CacheLedger) Lookup(ctx context.Context, tileName string) (*domain.CachedTile, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT tile_name, source_url, cache_key, state, size_bytes, access_count,
			last_accessed, created_at
		FROM tile_cache WHERE tile_name = ?`, tileName)

	var tile domain.CachedTile
	var state string
	err := row.Scan(&tile.TileName, &tile.SourceURL, &tile.CacheKey, &state,
		&tile.SizeBytes, &tile.AccessCount, &tile.LastAccessed, &tile.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up tile %s: %w", tileName, err)
	}
	tile.State = domain.CacheState(state)
	return &tile, nil
}

// MarkDownloading implements output.CacheLedger. An existing row is reset to
// the downloading state so failed tiles can be retried.
func (l *CacheLedger) MarkDownloading(ctx context.Context, tile *domain.CachedTile) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO tile_cache (tile_name, source_url, cache_key, state, size_bytes,
			access_count, last_accessed, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT (tile_name) DO UPDATE SET
			source_url = excluded.source_url,
			cache_key = excluded.cache_key,
			state = excluded.state,
			last_accessed = excluded.last_accessed`,
		tile.TileName, tile.SourceURL, tile.CacheKey, string(domain.CacheDownloading),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("marking tile %s downloading: %w", tile.TileName, err)
	}
	return nil
}

// MarkComplete implements output.CacheLedger. The access count resets to one:
// the finishing download is the first access of the fresh copy.
func (l *CacheLedger) MarkComplete(ctx context.Context, tileName string, sizeBytes int64) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE tile_cache SET state = ?, size_bytes = ?, access_count = 1, last_accessed = ?
		WHERE tile_name = ?`,
		string(domain.CacheComplete), sizeBytes, time.Now().UTC(), tileName,
	)
	if err != nil {
		return fmt.Errorf("marking tile %s complete: %w", tileName, err)
	}
	return requireRow(res, tileName)
}

// MarkFailed implements output.CacheLedger.
func (l *CacheLedger) MarkFailed(ctx context.Context, tileName string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE tile_cache SET state = ?, last_accessed = ? WHERE tile_name = ?`,
		string(domain.CacheFailed), time.Now().UTC(), tileName,
	)
	if err != nil {
		return fmt.Errorf("marking tile %s failed: %w", tileName, err)
	}
	return requireRow(res, tileName)
}

// Touch implements output.CacheLedger.
func (l *CacheLedger) Touch(ctx context.Context, tileName string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE tile_cache SET access_count = access_count + 1, last_accessed = ?
		WHERE tile_name = ? AND state = ?`,
		time.Now().UTC(), tileName, string(domain.CacheComplete),
	)
	if err != nil {
		return fmt.Errorf("touching tile %s: %w", tileName, err)
	}
	return requireRow(res, tileName)
}

// Stats implements output.CacheLedger. Only completed downloads count.
func (l *CacheLedger) Stats(ctx context.Context) (*domain.CacheStats, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(access_count), 0)
		FROM tile_cache WHERE state = ?`, string(domain.CacheComplete))

	var tiles, bytes, accesses int64
	if err := row.Scan(&tiles, &bytes, &accesses); err != nil {
		return nil, fmt.Errorf("aggregating cache stats: %w", err)
	}
	stats := domain.NewCacheStats(tiles, bytes, accesses)
	return &stats, nil
}

func requireRow(res sql.Result, tileName string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tile %s: %w", tileName, err)
	}
	if affected == 0 {
		return domain.ErrTileNotFound
	}
	return nil
}
