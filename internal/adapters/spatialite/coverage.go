package spatialite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jobrunner/canopy/internal/domain"
)

// defaultSeedBatchSize bounds one seeding transaction.
const defaultSeedBatchSize = 500

// CoverageRepository implements the coverage index port on SpatiaLite.
type CoverageRepository struct {
	db        *sql.DB
	batchSize int
}

// NewCoverageRepository creates a coverage repository. A non-positive
// batchSize falls back to the default.
func NewCoverageRepository(db *DB, batchSize int) *CoverageRepository {
	if batchSize <= 0 {
		batchSize = defaultSeedBatchSize
	}
	return &CoverageRepository{db: db.db, batchSize: batchSize}
}

// coverageOrdering ranks tiles newest flight year first, then densest, then
// by name for determinism. Unknown years and densities sort last.
const coverageOrdering = `
	ORDER BY c.flight_year DESC NULLS LAST,
		c.point_density DESC NULLS LAST,
		c.tile_name ASC`

// coverageSelect pre-filters through the R-tree before the exact
// intersection test.
const coverageSelect = `
	SELECT c.id, c.tile_name, c.source, c.flight_year, c.point_density,
		c.laz_url, AsText(c.footprint)
	FROM coverage_tiles c
	WHERE c.rowid IN (
		SELECT rowid FROM SpatialIndex
		WHERE f_table_name = 'coverage_tiles'
		  AND f_geometry_column = 'footprint'
		  AND search_frame = GeomFromText(?, 4326)
	)
	AND ST_Intersects(c.footprint, GeomFromText(?, 4326))`

// FindCoverage implements output.CoverageRepository.
func (r *CoverageRepository) FindCoverage(ctx context.Context, area *domain.Area, source string) ([]domain.CoverageTile, error) {
	if area == nil {
		return nil, fmt.Errorf("finding coverage: %w", domain.ErrInvalidArea)
	}

	query := coverageSelect
	args := []any{area.WKT(), area.WKT()}
	if source != "" {
		query += " AND c.source = ?"
		args = append(args, source)
	}
	query += coverageOrdering

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finding coverage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tiles []domain.CoverageTile
	for rows.Next() {
		tile, err := scanCoverageTile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning coverage tile: %w", err)
		}
		tiles = append(tiles, tile)
	}
	return tiles, rows.Err()
}

// BestTile implements output.CoverageRepository.
func (r *CoverageRepository) BestTile(ctx context.Context, area *domain.Area, source string) (*domain.CoverageTile, error) {
	if area == nil {
		return nil, fmt.Errorf("selecting tile: %w", domain.ErrInvalidArea)
	}

	query := coverageSelect
	args := []any{area.WKT(), area.WKT()}
	if source != "" {
		query += " AND c.source = ?"
		args = append(args, source)
	}
	query += coverageOrdering + " LIMIT 1"

	row := r.db.QueryRowContext(ctx, query, args...)
	tile, err := scanCoverageTile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoCoverage
	}
	if err != nil {
		return nil, fmt.Errorf("selecting tile: %w", err)
	}
	return &tile, nil
}

// Seed implements output.CoverageRepository. Batches commit independently so
// a failure leaves a well-defined prefix of the input persisted.
func (r *CoverageRepository) Seed(ctx context.Context, source string, records []domain.CoverageTile, clearExisting bool) (int, error) {
	if source == "" {
		return 0, fmt.Errorf("seeding coverage: %w", domain.ErrInvalidInput)
	}

	if clearExisting {
		if _, err := r.db.ExecContext(ctx, "DELETE FROM coverage_tiles WHERE source = ?", source); err != nil {
			return 0, fmt.Errorf("clearing source %s: %w", source, err)
		}
	}

	written := 0
	for start := 0; start < len(records); start += r.batchSize {
		end := start + r.batchSize
		if end > len(records) {
			end = len(records)
		}
		n, err := r.seedBatch(ctx, source, records[start:end])
		written += n
		if err != nil {
			return written, fmt.Errorf("seeding batch at %d: %w", start, err)
		}
	}
	return written, nil
}

func (r *CoverageRepository) seedBatch(ctx context.Context, source string, records []domain.CoverageTile) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO coverage_tiles (tile_name, source, flight_year, point_density, laz_url, footprint)
		VALUES (?, ?, ?, ?, ?, GeomFromText(?, 4326))
		ON CONFLICT (source, tile_name) DO UPDATE SET
			flight_year = excluded.flight_year,
			point_density = excluded.point_density,
			laz_url = excluded.laz_url,
			footprint = excluded.footprint`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.TileName, source, nullableInt(rec.FlightYear), nullableFloat(rec.PointDensity),
			rec.LAZURL, rec.FootprintWKT,
		)
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return 0, fmt.Errorf("inserting tile %s: %w", rec.TileName, err)
		}
	}
	_ = stmt.Close()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// CountBySource implements output.CoverageRepository.
func (r *CoverageRepository) CountBySource(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT source, COUNT(*) FROM coverage_tiles GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("counting coverage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoverageTile(row rowScanner) (domain.CoverageTile, error) {
	var (
		tile    domain.CoverageTile
		year    sql.NullInt64
		density sql.NullFloat64
	)
	err := row.Scan(&tile.ID, &tile.TileName, &tile.Source, &year, &density, &tile.LAZURL, &tile.FootprintWKT)
	if err != nil {
		return domain.CoverageTile{}, err
	}
	if year.Valid {
		y := int(year.Int64)
		tile.FlightYear = &y
	}
	if density.Valid {
		d := density.Float64
		tile.PointDensity = &d
	}
	return tile, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
