package application

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/output"
	"github.com/jobrunner/canopy/internal/raster"
	"github.com/jobrunner/canopy/internal/segmentation"
)

// PipelineConfig holds the orchestrator's tunables.
type PipelineConfig struct {
	WorkRoot      string  // scratch directory for per-job workspaces
	CHMResolution float64 // canopy height model cell size in CRS units
	TilesetPrefix string  // object key prefix for published tilesets
}

// Pipeline drives a claimed job through its processing phases: ingest,
// spectral fusion, tree segmentation, tiling and publish. Each phase moves
// the job to its progress checkpoint before running; any failure marks the
// job failed with the cause and stops the run.
type Pipeline struct {
	jobs     output.JobStore
	coverage *CoverageService
	cache    *TileCacheService
	engine   output.PointCloudEngine
	tiler    output.TilesetConverter
	store    output.ObjectStorage
	origin   output.OriginFetcher
	entities output.EntityPublisher // nil when publishing is disabled
	metrics  output.MetricsCollector
	logger   *slog.Logger
	cfg      PipelineConfig
}

// NewPipeline creates the orchestrator. The entity publisher may be nil.
func NewPipeline(
	jobs output.JobStore,
	coverage *CoverageService,
	cache *TileCacheService,
	engine output.PointCloudEngine,
	tiler output.TilesetConverter,
	store output.ObjectStorage,
	origin output.OriginFetcher,
	entities output.EntityPublisher,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	if cfg.CHMResolution <= 0 {
		cfg.CHMResolution = 0.5
	}
	if cfg.TilesetPrefix == "" {
		cfg.TilesetPrefix = "tilesets"
	}
	return &Pipeline{
		jobs:     jobs,
		coverage: coverage,
		cache:    cache,
		engine:   engine,
		tiler:    tiler,
		store:    store,
		origin:   origin,
		entities: entities,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// jobRun carries the mutable state of one pipeline run.
type jobRun struct {
	job      *domain.Job
	workDir  string
	working  string // current LAZ the next phase consumes
	tilesDir string
	trees    []domain.Tree
}

// Process runs a processing job to a terminal state. On any error the job is
// marked failed and persisted before the error returns to the caller. The
// job's work directory is removed on every exit path.
func (p *Pipeline) Process(ctx context.Context, job *domain.Job) error {
	if err := p.run(ctx, job); err != nil {
		p.failJob(ctx, job, err)
		return err
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, job *domain.Job) error {
	workDir := filepath.Join(p.cfg.WorkRoot, "job-"+job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			p.logger.Warn("work directory cleanup failed",
				"job_id", job.ID, "dir", workDir, "error", err)
		}
	}()

	p.logger.Info("pipeline started", "job_id", job.ID, "work_dir", workDir)
	run := &jobRun{job: job, workDir: workDir}

	if err := p.runPhase(ctx, job, domain.PhaseIngest, func() error {
		return p.ingest(ctx, run)
	}); err != nil {
		return err
	}

	if job.Config.WantsNDVI() {
		if err := p.runPhase(ctx, job, domain.PhaseFusion, func() error {
			return p.fuse(ctx, run)
		}); err != nil {
			return err
		}
	} else {
		p.checkpoint(ctx, job, domain.PhaseFusion.Progress(),
			"skipping spectral fusion (no ndvi source)")
	}

	if job.Config.DetectTrees {
		if err := p.runPhase(ctx, job, domain.PhaseSegmentation, func() error {
			return p.segment(ctx, run)
		}); err != nil {
			return err
		}
	}

	if err := p.runPhase(ctx, job, domain.PhaseTiling, func() error {
		return p.tile(ctx, run)
	}); err != nil {
		return err
	}

	var tilesetURL string
	if err := p.runPhase(ctx, job, domain.PhasePublish, func() error {
		url, err := p.publish(ctx, run)
		tilesetURL = url
		return err
	}); err != nil {
		return err
	}

	pointCount, err := p.engine.PointCount(ctx, run.working)
	if err != nil {
		return fmt.Errorf("count points: %w", err)
	}

	result := domain.JobResult{
		TilesetURL: tilesetURL,
		TreeCount:  len(run.trees),
		PointCount: pointCount,
		Trees:      run.trees,
	}
	job.Result = &result

	p.checkpoint(ctx, job, domain.ProgressEntities, "creating digital twin entities")
	if p.entities != nil {
		p.publishEntities(ctx, job)
	}

	if err := job.Complete(result); err != nil {
		return err
	}
	if err := p.jobs.UpdateStatus(ctx, job); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	p.metrics.IncJobsFinished("completed")
	p.logger.Info("pipeline completed",
		"job_id", job.ID,
		"tileset_url", tilesetURL,
		"trees", len(run.trees),
		"points", pointCount)
	return nil
}

// runPhase moves the job to the phase's checkpoint, runs it and records its
// duration. Phase errors come back wrapped with the phase name.
func (p *Pipeline) runPhase(ctx context.Context, job *domain.Job, phase domain.Phase, fn func() error) error {
	if err := job.BeginPhase(phase); err != nil {
		return err
	}
	p.checkpoint(ctx, job, job.Progress, job.Message)
	p.logger.Info("phase started", "job_id", job.ID, "phase", phase.String())

	start := time.Now()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	p.metrics.ObservePhaseDuration(phase.String(), time.Since(start))
	return nil
}

// checkpoint persists a progress update. Progress is advisory, so a write
// failure is logged and swallowed; the terminal status write is the one that
// must not fail.
func (p *Pipeline) checkpoint(ctx context.Context, job *domain.Job, progress int, message string) {
	job.Progress = progress
	job.Message = message
	if err := p.jobs.UpdateProgress(ctx, job.ID, progress, message); err != nil {
		p.logger.Warn("progress update failed",
			"job_id", job.ID, "progress", progress, "error", err)
	}
}

// failJob records the cause on the job and persists the terminal state.
func (p *Pipeline) failJob(ctx context.Context, job *domain.Job, cause error) {
	p.logger.Error("pipeline failed", "job_id", job.ID, "error", cause)
	if err := job.Fail(cause.Error()); err != nil {
		p.logger.Warn("job already terminal", "job_id", job.ID, "error", err)
		return
	}
	if err := p.jobs.UpdateStatus(ctx, job); err != nil {
		p.logger.Error("failed-state write lost", "job_id", job.ID, "error", err)
	}
	p.metrics.IncJobsFinished("failed")
}

// ingest determines the input file, then crops and denoises it into the work
// directory as cropped.laz.
func (p *Pipeline) ingest(ctx context.Context, run *jobRun) error {
	input, err := p.resolveInput(ctx, run.job, run.workDir)
	if err != nil {
		return err
	}

	cropped := filepath.Join(run.workDir, "cropped.laz")
	spec := output.PipelineSpec{output.LASReader{Filename: input}}
	if run.job.Area != nil {
		spec = append(spec, output.CropFilter{Polygon: run.job.Area.WKT()})
	}
	spec = append(spec,
		output.OutlierFilter{Method: "statistical", MeanK: 12, Multiplier: 2.0},
		output.ELMFilter{},
		output.LASWriter{Filename: cropped, Compression: "laszip"},
	)
	if err := p.runEngine(ctx, spec); err != nil {
		return err
	}
	run.working = cropped
	return nil
}

// resolveInput turns the job's source locator into a local file path. Jobs
// without a locator resolve the best catalog tile for their area first.
func (p *Pipeline) resolveInput(ctx context.Context, job *domain.Job, workDir string) (string, error) {
	locator := job.SourceLocator
	if job.NeedsCoverageLookup() {
		if job.Area == nil {
			return "", &domain.ValidationError{
				Field:      "source_locator",
				Value:      "",
				Constraint: "locator or area required",
				Message:    "job has neither a source locator nor an area to resolve coverage for",
			}
		}
		tile, err := p.coverage.BestTileForArea(ctx, job.Area, job.PreferredSource)
		if err != nil {
			return "", err
		}
		p.logger.Info("coverage tile resolved",
			"job_id", job.ID, "tile", tile.String(), "url", tile.LAZURL)
		locator = tile.LAZURL
	}

	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return p.cache.Resolve(ctx, locator, workDir)
	case strings.HasPrefix(locator, "storage://"):
		key := strings.TrimPrefix(locator, "storage://")
		dest := filepath.Join(workDir, path.Base(key))
		if err := p.store.Download(ctx, key, dest); err != nil {
			return "", &domain.StorageError{Operation: "download", Key: key, Err: err}
		}
		return dest, nil
	default:
		dest := filepath.Join(workDir, filepath.Base(locator))
		if err := copyFile(locator, dest); err != nil {
			return "", fmt.Errorf("copy input: %w", err)
		}
		return dest, nil
	}
}

// fuse samples the NDVI raster into an extra point dimension, producing
// colored.laz from the current working file.
func (p *Pipeline) fuse(ctx context.Context, run *jobRun) error {
	ndviPath := filepath.Join(run.workDir, "ndvi.tif")
	start := time.Now()
	_, err := p.origin.Fetch(ctx, run.job.Config.NDVISourceURL, ndviPath)
	p.metrics.ObserveOriginDownload(err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("fetch ndvi raster: %w", err)
	}

	colored := filepath.Join(run.workDir, "colored.laz")
	spec := output.PipelineSpec{
		output.LASReader{Filename: run.working},
		output.ColorizationFilter{Raster: ndviPath, Dimensions: "NDVI:1:256.0"},
		output.LASWriter{Filename: colored, Compression: "laszip", ExtraDims: "NDVI=float"},
	}
	if err := p.runEngine(ctx, spec); err != nil {
		return err
	}
	run.working = colored
	return nil
}

// segment rasterizes ground and surface models from the working file,
// derives the canopy height model and detects individual trees in it.
func (p *Pipeline) segment(ctx context.Context, run *jobRun) error {
	dtmPath := filepath.Join(run.workDir, "dtm.tif")
	dsmPath := filepath.Join(run.workDir, "dsm.tif")

	dtmSpec := output.PipelineSpec{
		output.LASReader{Filename: run.working},
		output.SMRFFilter{},
		output.RangeFilter{Limits: "Classification[2:2]"},
		p.gdalWriter(dtmPath, "idw"),
	}
	if err := p.runEngine(ctx, dtmSpec); err != nil {
		return fmt.Errorf("ground model: %w", err)
	}

	dsmSpec := output.PipelineSpec{
		output.LASReader{Filename: run.working},
		p.gdalWriter(dsmPath, "max"),
	}
	if err := p.runEngine(ctx, dsmSpec); err != nil {
		return fmt.Errorf("surface model: %w", err)
	}

	dtm, err := raster.ReadGeoTIFF(dtmPath)
	if err != nil {
		return fmt.Errorf("read ground model: %w", err)
	}
	dsm, err := raster.ReadGeoTIFF(dsmPath)
	if err != nil {
		return fmt.Errorf("read surface model: %w", err)
	}

	chm, err := segmentation.CanopyHeight(dsm, dtm)
	if err != nil {
		return err
	}
	if err := raster.WriteGeoTIFF(filepath.Join(run.workDir, "chm.tif"), chm); err != nil {
		return fmt.Errorf("write canopy model: %w", err)
	}

	trees, err := segmentation.DetectTrees(chm, segmentation.Params{
		MinHeight:    run.job.Config.TreeMinHeight,
		SearchRadius: run.job.Config.TreeSearchRadius,
		Resolution:   p.cfg.CHMResolution,
	})
	if err != nil {
		return err
	}
	run.trees = trees
	summary := segmentation.Summarize(trees)
	p.logger.Info("trees detected",
		"job_id", run.job.ID,
		"count", summary.Count,
		"mean_height", summary.MeanHeight,
		"max_height", summary.MaxHeight,
		"crown_area", summary.TotalCrownArea)
	return nil
}

func (p *Pipeline) gdalWriter(filename, outputType string) output.GDALWriter {
	return output.GDALWriter{
		Filename:   filename,
		Resolution: p.cfg.CHMResolution,
		OutputType: outputType,
		DataType:   "float",
		NoData:     -9999,
	}
}

// tile converts the working file into a 3D Tiles tree. The converter exiting
// clean is not enough; the run fails unless tileset.json exists afterwards.
func (p *Pipeline) tile(ctx context.Context, run *jobRun) error {
	run.tilesDir = filepath.Join(run.workDir, "tiles")
	err := p.tiler.Convert(ctx, run.working, run.tilesDir)
	p.metrics.IncToolRuns("py3dtiles", err == nil)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(run.tilesDir, "tileset.json")); err != nil {
		return fmt.Errorf("converter produced no tileset.json: %w", err)
	}
	return nil
}

// publish uploads the tiles directory to object storage and returns the
// public tileset URL.
func (p *Pipeline) publish(ctx context.Context, run *jobRun) (string, error) {
	prefix := path.Join(p.cfg.TilesetPrefix, run.job.ID)
	uploaded := 0

	err := filepath.WalkDir(run.tilesDir, func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(run.tilesDir, fpath)
		if err != nil {
			return err
		}
		key := prefix + "/" + filepath.ToSlash(rel)

		start := time.Now()
		uploadErr := p.store.Upload(ctx, fpath, key, tileContentType(fpath))
		p.metrics.IncStorageOperations("upload", uploadErr == nil)
		p.metrics.ObserveStorageDuration("upload", time.Since(start))
		if uploadErr != nil {
			return &domain.StorageError{Operation: "upload", Key: key, Err: uploadErr}
		}
		uploaded++
		return nil
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("tileset uploaded",
		"job_id", run.job.ID, "objects", uploaded, "prefix", prefix)
	return p.store.PublicURL(prefix + "/tileset.json"), nil
}

// publishEntities announces the finished layer and its trees to the context
// broker. Publishing is best effort; failures are logged, never propagated.
func (p *Pipeline) publishEntities(ctx context.Context, job *domain.Job) {
	if err := p.entities.PublishLayer(ctx, job); err != nil {
		p.logger.Error("layer entity publish failed", "job_id", job.ID, "error", err)
	} else {
		p.metrics.IncEntitiesPublished("PointCloudLayer", 1)
	}

	if job.Result == nil || len(job.Result.Trees) == 0 {
		return
	}
	n, err := p.entities.PublishTrees(ctx, job, job.Result.Trees)
	if err != nil {
		p.logger.Error("tree entity publish failed", "job_id", job.ID, "error", err)
	}
	if n > 0 {
		p.metrics.IncEntitiesPublished("AgriTree", n)
	}
}

func (p *Pipeline) runEngine(ctx context.Context, spec output.PipelineSpec) error {
	err := p.engine.Run(ctx, spec)
	p.metrics.IncToolRuns("pdal", err == nil)
	return err
}

func tileContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".glb":
		return "model/gltf-binary"
	case ".gltf":
		return "model/gltf+json"
	default:
		return "application/octet-stream"
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
