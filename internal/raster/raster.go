// Package raster provides single-band float grids with an affine transform
// and a minimal GeoTIFF codec for the surfaces exchanged with external tools.
package raster

import (
	"fmt"
	"math"
)

// Affine maps pixel coordinates to world coordinates. It is the north-up
// geotransform without rotation terms.
type Affine struct {
	OriginX     float64 // world X of the upper-left corner of pixel (0,0)
	OriginY     float64 // world Y of the upper-left corner of pixel (0,0)
	PixelWidth  float64 // world units per pixel along X
	PixelHeight float64 // world units per pixel along Y, negative for north-up
}

// PixelToWorld returns the world coordinates of the upper-left corner of the
// pixel at (col, row).
func (a Affine) PixelToWorld(col, row int) (x, y float64) {
	x = a.OriginX + float64(col)*a.PixelWidth
	y = a.OriginY + float64(row)*a.PixelHeight
	return x, y
}

// Grid is a single-band raster with row-major float64 cells.
type Grid struct {
	Width     int
	Height    int
	Data      []float64 // len Width*Height, row-major
	NoData    float64
	HasNoData bool
	Transform Affine
}

// NewGrid allocates a zero-filled grid.
func NewGrid(width, height int, transform Affine) *Grid {
	return &Grid{
		Width:     width,
		Height:    height,
		Data:      make([]float64, width*height),
		Transform: transform,
	}
}

// At returns the cell value at (col, row).
func (g *Grid) At(col, row int) float64 {
	return g.Data[row*g.Width+col]
}

// Set stores a cell value at (col, row).
func (g *Grid) Set(col, row int, v float64) {
	g.Data[row*g.Width+col] = v
}

// IsNoData reports whether a value represents a missing cell. NaN always
// counts as missing.
func (g *Grid) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return g.HasNoData && v == g.NoData
}

// SameShape reports whether the other grid has identical dimensions.
func (g *Grid) SameShape(other *Grid) bool {
	return other != nil && g.Width == other.Width && g.Height == other.Height
}

func (g *Grid) validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("raster: invalid dimensions %dx%d", g.Width, g.Height)
	}
	if len(g.Data) != g.Width*g.Height {
		return fmt.Errorf("raster: data length %d does not match %dx%d", len(g.Data), g.Width, g.Height)
	}
	return nil
}
