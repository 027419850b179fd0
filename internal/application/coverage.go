package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/output"
)

// CoverageService answers spatial questions against the coverage index.
type CoverageService struct {
	repo    output.CoverageRepository
	metrics output.MetricsCollector
	logger  *slog.Logger
}

// NewCoverageService creates a new coverage service.
func NewCoverageService(repo output.CoverageRepository, metrics output.MetricsCollector, logger *slog.Logger) *CoverageService {
	return &CoverageService{
		repo:    repo,
		metrics: metrics,
		logger:  logger,
	}
}

// FindCoverage returns all indexed tiles intersecting the WKT area, best
// first. An empty source matches all sources.
func (s *CoverageService) FindCoverage(ctx context.Context, areaWKT string, source string) ([]domain.CoverageTile, error) {
	area, err := domain.ParseArea(areaWKT)
	if err != nil {
		return nil, err
	}

	tiles, err := s.repo.FindCoverage(ctx, area, source)
	s.metrics.IncCoverageQueries(err == nil)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("coverage query finished",
		"source", source,
		"tiles", len(tiles))

	return tiles, nil
}

// HasCoverage reports whether any indexed tile intersects the WKT area.
func (s *CoverageService) HasCoverage(ctx context.Context, areaWKT string, source string) (bool, error) {
	tiles, err := s.FindCoverage(ctx, areaWKT, source)
	if err != nil {
		return false, err
	}
	return len(tiles) > 0, nil
}

// BestTile returns the best tile covering the WKT area, preferring the given
// source but falling back to any source when the preferred one has no
// coverage.
func (s *CoverageService) BestTile(ctx context.Context, areaWKT string, preferredSource string) (*domain.CoverageTile, error) {
	area, err := domain.ParseArea(areaWKT)
	if err != nil {
		return nil, err
	}
	return s.BestTileForArea(ctx, area, preferredSource)
}

// BestTileForArea is BestTile for an already-parsed area.
func (s *CoverageService) BestTileForArea(ctx context.Context, area *domain.Area, preferredSource string) (*domain.CoverageTile, error) {
	if preferredSource != "" {
		tile, err := s.repo.BestTile(ctx, area, preferredSource)
		if err == nil {
			s.metrics.IncCoverageQueries(true)
			return tile, nil
		}
		if !errors.Is(err, domain.ErrNoCoverage) {
			s.metrics.IncCoverageQueries(false)
			return nil, err
		}

		// Preferred source has nothing here; try the whole index.
		s.logger.Debug("preferred source has no coverage, falling back",
			"source", preferredSource)
	}

	tile, err := s.repo.BestTile(ctx, area, "")
	s.metrics.IncCoverageQueries(err == nil || errors.Is(err, domain.ErrNoCoverage))
	if err != nil {
		return nil, err
	}

	return tile, nil
}

// CountBySource returns the number of indexed tiles per source.
func (s *CoverageService) CountBySource(ctx context.Context) (map[string]int, error) {
	return s.repo.CountBySource(ctx)
}
