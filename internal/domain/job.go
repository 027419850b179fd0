package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

// Job lifecycle states. Pending and queued are written by the submitting
// collaborator; the worker drives processing and the terminal states.
const (
	JobPending    JobStatus = "pending"
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal returns true for completed and failed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Valid returns true if the status is a known lifecycle state.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobQueued, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// validTransitions is the closed set of allowed status edges. The
// queued -> failed edge is cancellation before processing starts.
var validTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobQueued},
	JobQueued:     {JobProcessing, JobFailed},
	JobProcessing: {JobCompleted, JobFailed},
}

// Phase is one of the pipeline's processing stages. Each phase owns a fixed
// progress checkpoint; progress only moves forward while a job is live.
type Phase int

// Pipeline phases in execution order.
const (
	PhaseIngest Phase = iota
	PhaseFusion
	PhaseSegmentation
	PhaseTiling
	PhasePublish
)

// Progress checkpoints outside the phase sequence.
const (
	ProgressEntities = 95
	ProgressDone     = 100
)

// Progress returns the phase's progress checkpoint in percent.
func (p Phase) Progress() int {
	switch p {
	case PhaseIngest:
		return 10
	case PhaseFusion:
		return 30
	case PhaseSegmentation:
		return 50
	case PhaseTiling:
		return 70
	case PhasePublish:
		return 90
	default:
		return 0
	}
}

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIngest:
		return "ingest"
	case PhaseFusion:
		return "spectral fusion"
	case PhaseSegmentation:
		return "tree segmentation"
	case PhaseTiling:
		return "tiling"
	case PhasePublish:
		return "publish"
	default:
		return "unknown"
	}
}

// Message returns the progress message announced when the phase starts.
func (p Phase) Message() string {
	switch p {
	case PhaseIngest:
		return "downloading and cropping point cloud"
	case PhaseFusion:
		return "applying ndvi colorization"
	case PhaseSegmentation:
		return "detecting individual trees"
	case PhaseTiling:
		return "converting to 3d tiles"
	case PhasePublish:
		return "uploading results"
	default:
		return ""
	}
}

// ColorMode selects how published points are colored by the viewer.
type ColorMode string

// Supported color modes.
const (
	ColorHeight         ColorMode = "height"
	ColorNDVI           ColorMode = "ndvi"
	ColorRGB            ColorMode = "rgb"
	ColorClassification ColorMode = "classification"
)

// Valid returns true if the color mode is supported.
func (m ColorMode) Valid() bool {
	switch m {
	case ColorHeight, ColorNDVI, ColorRGB, ColorClassification:
		return true
	}
	return false
}

// ProcessConfig is the per-job processing configuration supplied at
// submission time.
type ProcessConfig struct {
	ColorMode        ColorMode `json:"color_mode"`
	DetectTrees      bool      `json:"detect_trees"`
	TreeMinHeight    float64   `json:"tree_min_height"`    // meters
	TreeSearchRadius float64   `json:"tree_search_radius"` // meters
	NDVISourceURL    string    `json:"ndvi_source_url,omitempty"`
}

// DefaultProcessConfig returns the processing defaults.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		ColorMode:        ColorHeight,
		DetectTrees:      false,
		TreeMinHeight:    2.0,
		TreeSearchRadius: 3.0,
	}
}

// Validate rejects an unusable configuration before any resource is touched.
func (c ProcessConfig) Validate() error {
	if !c.ColorMode.Valid() {
		return &ValidationError{
			Field:      "color_mode",
			Value:      string(c.ColorMode),
			Constraint: "height|ndvi|rgb|classification",
			Message:    "unknown color mode",
		}
	}
	if c.TreeMinHeight <= 0 {
		return &ValidationError{
			Field:      "tree_min_height",
			Value:      c.TreeMinHeight,
			Constraint: "> 0",
			Message:    "minimum tree height must be positive",
		}
	}
	if c.TreeSearchRadius <= 0 {
		return &ValidationError{
			Field:      "tree_search_radius",
			Value:      c.TreeSearchRadius,
			Constraint: "> 0",
			Message:    "tree search radius must be positive",
		}
	}
	if c.NDVISourceURL != "" {
		u, err := url.Parse(c.NDVISourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return &ValidationError{
				Field:      "ndvi_source_url",
				Value:      snippet(c.NDVISourceURL),
				Constraint: "http(s) URL",
				Message:    "ndvi source must be an http(s) URL",
			}
		}
	}
	return nil
}

// WantsNDVI returns true when spectral fusion should run: the color mode
// calls for NDVI and a raster source is configured.
func (c ProcessConfig) WantsNDVI() bool {
	return c.ColorMode == ColorNDVI && c.NDVISourceURL != ""
}

// JobResult holds the outputs of a completed job.
type JobResult struct {
	TilesetURL string `json:"tileset_url"`
	TreeCount  int    `json:"tree_count"`
	PointCount int64  `json:"point_count"`
	Trees      []Tree `json:"trees,omitempty"`
}

// Job is a single point-cloud processing job.
type Job struct {
	ID              string
	Status          JobStatus
	Progress        int    // 0-100
	Message         string // last progress message
	ErrorDetail     string // non-empty iff failed
	Area            *Area  // nil = process the whole file
	SourceLocator   string // empty = resolve the best tile via the coverage index
	PreferredSource string
	Tenant          string // NGSI-LD tenant for entity publishing (optional)
	ParcelRef       string // parcel entity reference (optional)
	Config          ProcessConfig
	Result          *JobResult
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// NewJob creates a pending job with a fresh identity. The configuration is
// validated synchronously; an invalid submission never reaches the store.
func NewJob(area *Area, sourceLocator, preferredSource string, cfg ProcessConfig) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Job{
		ID:              uuid.NewString(),
		Status:          JobPending,
		Area:            area,
		SourceLocator:   strings.TrimSpace(sourceLocator),
		PreferredSource: preferredSource,
		Config:          cfg,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Transition moves the job to the requested status, rejecting edges outside
// the lifecycle table.
func (j *Job) Transition(to JobStatus) error {
	for _, allowed := range validTransitions[j.Status] {
		if allowed == to {
			j.Status = to
			j.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return &TransitionError{From: j.Status, To: to}
}

// BeginPhase records the start of a pipeline phase. It requires a live
// processing job and monotonic progress.
func (j *Job) BeginPhase(p Phase) error {
	if j.Status != JobProcessing {
		return fmt.Errorf("phase %s requires a processing job, status is %s: %w",
			p, j.Status, ErrInvalidInput)
	}
	if p.Progress() < j.Progress {
		return fmt.Errorf("phase %s would move progress backwards (%d -> %d): %w",
			p, j.Progress, p.Progress(), ErrInvalidInput)
	}
	j.Progress = p.Progress()
	j.Message = p.Message()
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete marks the job completed with its result.
func (j *Job) Complete(result JobResult) error {
	if err := j.Transition(JobCompleted); err != nil {
		return err
	}
	j.Result = &result
	j.Progress = ProgressDone
	j.Message = "processing complete"
	now := time.Now().UTC()
	j.FinishedAt = &now
	return nil
}

// Fail marks the job failed. The error detail is never empty.
func (j *Job) Fail(detail string) error {
	if err := j.Transition(JobFailed); err != nil {
		return err
	}
	if strings.TrimSpace(detail) == "" {
		detail = "unknown error"
	}
	j.ErrorDetail = detail
	j.Message = "processing failed"
	now := time.Now().UTC()
	j.FinishedAt = &now
	return nil
}

// NeedsCoverageLookup returns true when the job has no explicit source and
// the best tile must be resolved from the coverage index.
func (j *Job) NeedsCoverageLookup() bool {
	return j.SourceLocator == ""
}
