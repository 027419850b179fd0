package domain

import "fmt"

// CoverageTile is one catalog record of available LiDAR coverage: a tile
// footprint with its acquisition metadata and origin locator.
type CoverageTile struct {
	ID           int64
	TileName     string   // unique within a source
	Source       string   // catalog the record belongs to (e.g. "PNOA")
	FlightYear   *int     // acquisition year, optional
	PointDensity *float64 // points per square meter, optional
	LAZURL       string   // origin locator of the tile
	FootprintWKT string   // POLYGON, EPSG:4326
}

// Validate checks a record before it is seeded into the index.
func (t *CoverageTile) Validate() error {
	if t.TileName == "" {
		return &ValidationError{
			Field:      "tile_name",
			Value:      "",
			Constraint: "non-empty",
			Message:    "coverage record has no tile name",
		}
	}
	if t.Source == "" {
		return &ValidationError{
			Field:      "source",
			Value:      "",
			Constraint: "non-empty",
			Message:    "coverage record has no source",
		}
	}
	if t.LAZURL == "" {
		return &ValidationError{
			Field:      "laz_url",
			Value:      "",
			Constraint: "non-empty",
			Message:    "coverage record has no origin locator",
		}
	}
	if _, err := ParseArea(t.FootprintWKT); err != nil {
		return err
	}
	return nil
}

// String returns a short description for logs.
func (t *CoverageTile) String() string {
	year := "?"
	if t.FlightYear != nil {
		year = fmt.Sprintf("%d", *t.FlightYear)
	}
	return fmt.Sprintf("%s/%s (year %s)", t.Source, t.TileName, year)
}
