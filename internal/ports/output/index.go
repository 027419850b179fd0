package output

import (
	"context"

	"github.com/jobrunner/canopy/internal/domain"
)

// CoverageRepository defines the secondary port for the LiDAR coverage index.
type CoverageRepository interface {
	// FindCoverage returns all tiles whose footprint intersects the area,
	// optionally restricted to one source. Results are ordered newest flight
	// year first, then densest, then by tile name. An empty source means all
	// sources.
	FindCoverage(ctx context.Context, area *domain.Area, source string) ([]domain.CoverageTile, error)

	// BestTile returns the highest-ranked tile covering the area, optionally
	// restricted to a source. It returns domain.ErrNoCoverage when nothing
	// intersects.
	BestTile(ctx context.Context, area *domain.Area, source string) (*domain.CoverageTile, error)

	// Seed upserts coverage records for one source in bounded batches and
	// returns the number of records written. With clearExisting the source's
	// existing rows are removed first. Records upsert on (source, tile name).
	Seed(ctx context.Context, source string, records []domain.CoverageTile, clearExisting bool) (int, error)

	// CountBySource returns the number of indexed tiles per source.
	CountBySource(ctx context.Context) (map[string]int, error)
}
