// Package domain contains the core business entities and value objects.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// SRIDWGS84 is the spatial reference of all coverage footprints and areas.
const SRIDWGS84 = 4326

// Point is a position in the point cloud's horizontal reference system.
// It marshals as a GeoJSON point, which is its wire form everywhere.
type Point struct {
	X float64
	Y float64
}

// String returns a string representation of the point.
func (p Point) String() string {
	return fmt.Sprintf("POINT(%f %f)", p.X, p.Y)
}

type geoJSONPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// MarshalJSON implements json.Marshaler.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(geoJSONPoint{Type: "Point", Coordinates: [2]float64{p.X, p.Y}})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Point) UnmarshalJSON(data []byte) error {
	var g geoJSONPoint
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}
	p.X = g.Coordinates[0]
	p.Y = g.Coordinates[1]
	return nil
}

// Area is a validated crop polygon. A nil *Area means "no crop area":
// the pipeline processes the whole input file.
type Area struct {
	wkt     string
	polygon orb.Polygon
}

// ParseArea parses and validates a WKT polygon. Malformed input is a
// validation error, never a downstream query failure.
func ParseArea(text string) (*Area, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &ValidationError{
			Field:      "area",
			Value:      "",
			Constraint: "non-empty WKT",
			Message:    "area polygon is empty",
		}
	}

	geom, err := wkt.Unmarshal(trimmed)
	if err != nil {
		return nil, &ValidationError{
			Field:      "area",
			Value:      snippet(trimmed),
			Constraint: "WKT",
			Message:    err.Error(),
		}
	}

	poly, ok := geom.(orb.Polygon)
	if !ok {
		return nil, &ValidationError{
			Field:      "area",
			Value:      geom.GeoJSONType(),
			Constraint: "POLYGON",
			Message:    "area must be a single polygon",
		}
	}

	if len(poly) == 0 {
		return nil, &ValidationError{
			Field:      "area",
			Value:      snippet(trimmed),
			Constraint: "POLYGON",
			Message:    "polygon has no rings",
		}
	}

	for _, ring := range poly {
		if len(ring) < 4 {
			return nil, &ValidationError{
				Field:      "area",
				Value:      snippet(trimmed),
				Constraint: "ring with >= 4 points",
				Message:    "polygon ring has too few points",
			}
		}
		if !ring.Closed() {
			return nil, &ValidationError{
				Field:      "area",
				Value:      snippet(trimmed),
				Constraint: "closed ring",
				Message:    "polygon ring is not closed",
			}
		}
		for _, pt := range ring {
			if !isFinite(pt[0]) || !isFinite(pt[1]) {
				return nil, &ValidationError{
					Field:      "area",
					Value:      snippet(trimmed),
					Constraint: "finite coordinates",
					Message:    "polygon contains a non-finite coordinate",
				}
			}
		}
	}

	return &Area{wkt: wkt.MarshalString(poly), polygon: poly}, nil
}

// WKT returns the canonical Well-Known Text representation.
func (a *Area) WKT() string {
	return a.wkt
}

// Polygon returns the parsed polygon geometry.
func (a *Area) Polygon() orb.Polygon {
	return a.polygon
}

// String returns a string representation of the area.
func (a *Area) String() string {
	return snippet(a.wkt)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// snippet truncates long WKT strings for error messages and logs.
func snippet(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
