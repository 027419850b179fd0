package output

import (
	"context"
	"encoding/json"
)

// PointCloudEngine defines the secondary port for point-cloud processing.
type PointCloudEngine interface {
	// Run executes a pipeline specification against the engine.
	Run(ctx context.Context, spec PipelineSpec) error

	// PointCount returns the number of points in a point-cloud file.
	PointCount(ctx context.Context, path string) (int64, error)
}

// Stage is one step of a point-cloud pipeline. Implementations are plain
// structs whose JSON fields mirror the engine's stage options.
type Stage interface {
	// StageType returns the engine stage identifier, e.g. "filters.crop".
	StageType() string
}

// PipelineSpec is an ordered list of stages forming one pipeline run.
type PipelineSpec []Stage

// MarshalJSON renders the spec in the engine's pipeline format: an object
// with a "pipeline" array whose entries carry a "type" key per stage.
func (p PipelineSpec) MarshalJSON() ([]byte, error) {
	stages := make([]map[string]any, 0, len(p))
	for _, s := range p {
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		entry := map[string]any{}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, err
		}
		entry["type"] = s.StageType()
		stages = append(stages, entry)
	}
	return json.Marshal(map[string]any{"pipeline": stages})
}

// LASReader reads a LAS or LAZ file from the local filesystem.
type LASReader struct {
	Filename string `json:"filename"`
}

func (LASReader) StageType() string { return "readers.las" }

// CropFilter keeps only points inside a WKT polygon.
type CropFilter struct {
	Polygon string `json:"polygon"`
}

func (CropFilter) StageType() string { return "filters.crop" }

// OutlierFilter removes statistical outliers from the cloud.
type OutlierFilter struct {
	Method     string  `json:"method"`
	MeanK      int     `json:"mean_k"`
	Multiplier float64 `json:"multiplier"`
}

func (OutlierFilter) StageType() string { return "filters.outlier" }

// ELMFilter marks low points below the ground surface as noise.
type ELMFilter struct{}

func (ELMFilter) StageType() string { return "filters.elm" }

// ColorizationFilter samples raster bands into point dimensions.
type ColorizationFilter struct {
	Raster     string `json:"raster"`
	Dimensions string `json:"dimensions"`
}

func (ColorizationFilter) StageType() string { return "filters.colorization" }

// SMRFFilter classifies ground points with the simple morphological filter.
type SMRFFilter struct{}

func (SMRFFilter) StageType() string { return "filters.smrf" }

// RangeFilter keeps points matching a dimension range expression.
type RangeFilter struct {
	Limits string `json:"limits"`
}

func (RangeFilter) StageType() string { return "filters.range" }

// LASWriter writes the cloud to a LAS or LAZ file.
type LASWriter struct {
	Filename    string `json:"filename"`
	Compression string `json:"compression,omitempty"`
	ExtraDims   string `json:"extra_dims,omitempty"`
}

func (LASWriter) StageType() string { return "writers.las" }

// GDALWriter rasterizes the cloud into a GeoTIFF surface.
type GDALWriter struct {
	Filename   string  `json:"filename"`
	Resolution float64 `json:"resolution"`
	OutputType string  `json:"output_type"`
	DataType   string  `json:"data_type"`
	NoData     float64 `json:"nodata"`
}

func (GDALWriter) StageType() string { return "writers.gdal" }
