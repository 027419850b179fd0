package segmentation

import (
	"fmt"

	"github.com/jobrunner/canopy/internal/raster"
)

// CanopyHeight computes the canopy height model as surface minus terrain.
// Cells where either input is missing become zero, as do negative
// differences, so the result never carries NaN or nodata markers. The
// output inherits the terrain model's transform.
func CanopyHeight(dsm, dtm *raster.Grid) (*raster.Grid, error) {
	if dsm == nil || dtm == nil {
		return nil, fmt.Errorf("segmentation: missing input surface")
	}
	if !dsm.SameShape(dtm) {
		return nil, fmt.Errorf("segmentation: surface shapes differ: %dx%d vs %dx%d",
			dsm.Width, dsm.Height, dtm.Width, dtm.Height)
	}

	chm := raster.NewGrid(dtm.Width, dtm.Height, dtm.Transform)
	for i := range chm.Data {
		surface, ground := dsm.Data[i], dtm.Data[i]
		if dsm.IsNoData(surface) || dtm.IsNoData(ground) {
			continue
		}
		if h := surface - ground; h > 0 {
			chm.Data[i] = h
		}
	}
	return chm, nil
}
