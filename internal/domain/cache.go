package domain

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// CacheState represents the lifecycle state of a cached tile.
type CacheState string

// Cache states. A failed row is retried as a fresh miss on the next request.
const (
	CacheDownloading CacheState = "downloading"
	CacheComplete    CacheState = "complete"
	CacheFailed      CacheState = "failed"
)

// CachedTile is the ledger row for one origin tile held in the cache store.
type CachedTile struct {
	TileName     string
	SourceURL    string
	CacheKey     string // object storage key, set once complete
	State        CacheState
	SizeBytes    int64
	AccessCount  int64
	LastAccessed time.Time
	CreatedAt    time.Time
}

// Usable returns true if the cached object can be served.
func (t *CachedTile) Usable() bool {
	return t.State == CacheComplete
}

// TileNameFromLocator derives a tile's cache identity: the last path segment
// of its source locator with the file extension stripped. URL query and
// fragment are ignored.
func TileNameFromLocator(locator string) string {
	base := locatorBase(locator)
	return strings.TrimSuffix(base, path.Ext(base))
}

// TileExtFromLocator returns the file extension of the locator's last path
// segment, defaulting to ".laz" when there is none.
func TileExtFromLocator(locator string) string {
	ext := path.Ext(locatorBase(locator))
	if ext == "" {
		return ".laz"
	}
	return ext
}

func locatorBase(locator string) string {
	if u, err := url.Parse(locator); err == nil && u.Scheme != "" {
		return path.Base(u.Path)
	}
	return filepath.Base(locator)
}

// CacheStats aggregates the cache ledger for the ops surface.
type CacheStats struct {
	TileCount      int64 `json:"tile_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
	TotalAccesses  int64 `json:"total_accesses"`
	DownloadsSaved int64 `json:"downloads_saved"`
}

// NewCacheStats computes the derived counters. Every access beyond a tile's
// first touch is a download the cache saved; the count never goes negative.
func NewCacheStats(tiles, sizeBytes, accesses int64) CacheStats {
	saved := accesses - tiles
	if saved < 0 {
		saved = 0
	}
	return CacheStats{
		TileCount:      tiles,
		TotalSizeBytes: sizeBytes,
		TotalAccesses:  accesses,
		DownloadsSaved: saved,
	}
}
