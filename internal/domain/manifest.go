package domain

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SeedManifest is a YAML-described batch of coverage records for one source.
type SeedManifest struct {
	Source string     `yaml:"source"`
	Tiles  []SeedTile `yaml:"tiles"`
}

// SeedTile is one tile entry of a seed manifest.
type SeedTile struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	Year      *int     `yaml:"year,omitempty"`
	Density   *float64 `yaml:"density,omitempty"`
	Footprint string   `yaml:"footprint"` // WKT polygon, EPSG:4326
}

// ParseSeedManifest parses and validates a YAML seed manifest.
func ParseSeedManifest(data []byte) (*SeedManifest, error) {
	var m SeedManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{
			Field:      "manifest",
			Value:      "",
			Constraint: "YAML",
			Message:    err.Error(),
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest and every tile entry.
func (m *SeedManifest) Validate() error {
	if m.Source == "" {
		return &ValidationError{
			Field:      "source",
			Value:      "",
			Constraint: "non-empty",
			Message:    "manifest has no source name",
		}
	}
	if len(m.Tiles) == 0 {
		return &ValidationError{
			Field:      "tiles",
			Value:      0,
			Constraint: "at least one tile",
			Message:    "manifest has no tiles",
		}
	}
	for i := range m.Tiles {
		rec := m.Tiles[i].record(m.Source)
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("tile %d (%s): %w", i, m.Tiles[i].Name, err)
		}
	}
	return nil
}

// Records converts the manifest into coverage records.
func (m *SeedManifest) Records() []CoverageTile {
	records := make([]CoverageTile, len(m.Tiles))
	for i := range m.Tiles {
		records[i] = m.Tiles[i].record(m.Source)
	}
	return records
}

func (t *SeedTile) record(source string) CoverageTile {
	return CoverageTile{
		TileName:     t.Name,
		Source:       source,
		FlightYear:   t.Year,
		PointDensity: t.Density,
		LAZURL:       t.URL,
		FootprintWKT: t.Footprint,
	}
}
