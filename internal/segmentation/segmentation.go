// Package segmentation detects individual trees in a canopy height model
// using local-maxima tree tops and watershed crown delineation.
package segmentation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/raster"
)

// smoothSigma is the Gaussian sigma applied before peak detection.
const smoothSigma = 1.0

// Params controls tree detection.
type Params struct {
	MinHeight    float64 // metres; canopy below this is not a tree
	SearchRadius float64 // metres; minimum spacing between tree tops
	Resolution   float64 // metres per pixel of the input surfaces
}

func (p Params) validate() error {
	if p.Resolution <= 0 || math.IsNaN(p.Resolution) || math.IsInf(p.Resolution, 0) {
		return fmt.Errorf("segmentation: resolution must be positive, got %v", p.Resolution)
	}
	if p.MinHeight < 0 || math.IsNaN(p.MinHeight) {
		return fmt.Errorf("segmentation: min height must be non-negative, got %v", p.MinHeight)
	}
	if p.SearchRadius < 0 || math.IsNaN(p.SearchRadius) {
		return fmt.Errorf("segmentation: search radius must be non-negative, got %v", p.SearchRadius)
	}
	return nil
}

// minPixelDistance converts the metric search radius to pixels, never below
// one pixel.
func (p Params) minPixelDistance() int {
	d := int(p.SearchRadius / p.Resolution)
	if d < 1 {
		d = 1
	}
	return d
}

// DetectTrees finds tree tops in a canopy height model and delineates one
// crown per top. The model must be free of missing values (see CanopyHeight).
// An empty canopy yields no trees and no error.
//
// Detection thresholds the model at MinHeight, smooths it, keeps local maxima
// with the configured pixel spacing, and grows crowns by watershed over the
// smoothed surface. Heights are read from the unsmoothed model at the peak;
// positions come from the model's affine transform.
func DetectTrees(chm *raster.Grid, params Params) ([]domain.Tree, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	masked := make([]float64, len(chm.Data))
	for i, v := range chm.Data {
		if v >= params.MinHeight {
			masked[i] = v
		}
	}

	smoothed := gaussianSmooth(masked, chm.Width, chm.Height, smoothSigma)
	peaks := localMaxima(smoothed, chm.Width, chm.Height, params.minPixelDistance(), params.MinHeight)
	if len(peaks) == 0 {
		return nil, nil
	}

	mask := make([]bool, len(smoothed))
	for i, v := range smoothed {
		mask[i] = v > 0
	}
	labels := watershedLabels(smoothed, chm.Width, chm.Height, peaks, mask)

	crownPixels := make([]int, len(peaks)+1)
	for _, l := range labels {
		crownPixels[l]++
	}

	pixelArea := params.Resolution * params.Resolution
	trees := make([]domain.Tree, 0, len(peaks))
	for i, p := range peaks {
		x, y := chm.Transform.PixelToWorld(p.col, p.row)
		trees = append(trees, domain.NewTree(
			i+1,
			domain.Point{X: x, Y: y},
			chm.At(p.col, p.row),
			float64(crownPixels[i+1])*pixelArea,
		))
	}
	return trees, nil
}

// Summary aggregates detected trees for reporting.
type Summary struct {
	Count          int
	MeanHeight     float64
	MaxHeight      float64
	TotalCrownArea float64
}

// Summarize computes aggregate statistics over detected trees.
func Summarize(trees []domain.Tree) Summary {
	if len(trees) == 0 {
		return Summary{}
	}
	heights := make([]float64, len(trees))
	areas := make([]float64, len(trees))
	for i, tree := range trees {
		heights[i] = tree.Height
		areas[i] = tree.CrownArea
	}
	return Summary{
		Count:          len(trees),
		MeanHeight:     stat.Mean(heights, nil),
		MaxHeight:      floats.Max(heights),
		TotalCrownArea: floats.Sum(areas),
	}
}
