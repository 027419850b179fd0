package application

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/output"
	"github.com/jobrunner/canopy/internal/raster"
)

type pipelineFixture struct {
	jobs      *mockJobStore
	repo      *mockCoverageRepo
	ledger    *mockLedger
	store     *mockObjectStore
	origin    *mockOrigin
	engine    *mockEngine
	tiler     *mockTiler
	publisher *mockPublisher
	pipeline  *Pipeline
	workRoot  string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		jobs:      newMockJobStore(),
		repo:      &mockCoverageRepo{},
		ledger:    newMockLedger(),
		store:     newMockObjectStore(),
		origin:    &mockOrigin{files: map[string][]byte{testTileURL: []byte("laz bytes")}},
		engine:    &mockEngine{points: 4200000},
		tiler:     &mockTiler{},
		publisher: &mockPublisher{},
		workRoot:  t.TempDir(),
	}
	f.pipeline = f.build(f.publisher)
	return f
}

func (f *pipelineFixture) build(entities output.EntityPublisher) *Pipeline {
	metrics := &output.NoOpMetrics{}
	logger := testLogger()
	coverage := NewCoverageService(f.repo, metrics, logger)
	cache := NewTileCacheService(f.ledger, f.store, f.origin, metrics, logger, "")
	return NewPipeline(f.jobs, coverage, cache, f.engine, f.tiler, f.store, f.origin,
		entities, metrics, logger, PipelineConfig{
			WorkRoot:      f.workRoot,
			CHMResolution: 0.5,
			TilesetPrefix: "tilesets",
		})
}

// claimJob queues and claims a job the way the worker does, so the pipeline
// always sees a processing job.
func (f *pipelineFixture) claimJob(t *testing.T, job *domain.Job) *domain.Job {
	t.Helper()
	if err := job.Transition(domain.JobQueued); err != nil {
		t.Fatalf("queueing job: %v", err)
	}
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("storing job: %v", err)
	}
	claimed, err := f.jobs.ClaimQueued(context.Background())
	if err != nil {
		t.Fatalf("claiming job: %v", err)
	}
	return claimed
}

func (f *pipelineFixture) storedJob(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("reading stored job: %v", err)
	}
	return job
}

func mustArea(t *testing.T) *domain.Area {
	t.Helper()
	area, err := domain.ParseArea(testAreaWKT)
	if err != nil {
		t.Fatalf("parsing test area: %v", err)
	}
	return area
}

func newTestJob(t *testing.T, area *domain.Area, locator string, cfg domain.ProcessConfig) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(area, locator, "", cfg)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	return job
}

func surfaceGrid(width, height int) *raster.Grid {
	return raster.NewGrid(width, height, raster.Affine{
		OriginX:     610000,
		OriginY:     4742000,
		PixelWidth:  0.5,
		PixelHeight: -0.5,
	})
}

// addCrown raises the surface with a Gaussian crown centred on (col, row).
func addCrown(g *raster.Grid, col, row int, peakHeight, sigmaPx float64) {
	for r := 0; r < g.Height; r++ {
		for c := 0; c < g.Width; c++ {
			dx, dy := float64(c-col), float64(r-row)
			v := peakHeight * math.Exp(-(dx*dx+dy*dy)/(2*sigmaPx*sigmaPx))
			if v > g.At(c, r) {
				g.Set(c, r, v)
			}
		}
	}
}

func TestPipelineCompletesJob(t *testing.T) {
	f := newPipelineFixture(t)
	job := f.claimJob(t, newTestJob(t, mustArea(t), testTileURL, domain.DefaultProcessConfig()))

	if err := f.pipeline.Process(context.Background(), job); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	stored := f.storedJob(t, job.ID)
	if stored.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.Progress != domain.ProgressDone {
		t.Errorf("progress = %d, want %d", stored.Progress, domain.ProgressDone)
	}
	if stored.Result == nil {
		t.Fatal("stored job has no result")
	}
	wantURL := "https://cdn.test/tilesets/" + job.ID + "/tileset.json"
	if stored.Result.TilesetURL != wantURL {
		t.Errorf("TilesetURL = %q, want %q", stored.Result.TilesetURL, wantURL)
	}
	if stored.Result.PointCount != 4200000 {
		t.Errorf("PointCount = %d, want 4200000", stored.Result.PointCount)
	}
	if stored.Result.TreeCount != 0 {
		t.Errorf("TreeCount = %d, want 0", stored.Result.TreeCount)
	}
	if stored.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	// One engine run: the ingest pipeline with a crop stage.
	if f.engine.specCount() != 1 {
		t.Fatalf("engine runs = %d, want 1", f.engine.specCount())
	}
	want := []string{"readers.las", "filters.crop", "filters.outlier", "filters.elm", "writers.las"}
	got := stageTypes(f.engine.specs[0])
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ingest stages = %v, want %v", got, want)
	}

	// The tiles landed under the job's prefix with their content types.
	manifestKey := "tilesets/" + job.ID + "/tileset.json"
	if _, ok := f.store.objects[manifestKey]; !ok {
		t.Errorf("store is missing %q", manifestKey)
	}
	if ct := f.store.contentTypes[manifestKey]; ct != "application/json" {
		t.Errorf("tileset.json content type = %q, want application/json", ct)
	}
	pntsKey := "tilesets/" + job.ID + "/points/r0.pnts"
	if ct := f.store.contentTypes[pntsKey]; ct != "application/octet-stream" {
		t.Errorf("pnts content type = %q, want application/octet-stream", ct)
	}

	// Source tile went through the cache.
	if _, ok := f.store.objects["source-tiles/PNOA_2023_NAV_569-4737.laz"]; !ok {
		t.Error("source tile was not cached")
	}

	// Progress walked the checkpoints in order.
	wantProgress := []int{10, 30, 70, 90, 95}
	gotProgress := f.jobs.progressValues(job.ID)
	if len(gotProgress) != len(wantProgress) {
		t.Fatalf("progress updates = %v, want %v", gotProgress, wantProgress)
	}
	for i, p := range wantProgress {
		if gotProgress[i] != p {
			t.Errorf("progress[%d] = %d, want %d", i, gotProgress[i], p)
		}
	}

	// Layer entity announced; no trees, so no tree batch.
	if len(f.publisher.layers) != 1 || f.publisher.layers[0] != job.ID {
		t.Errorf("published layers = %v, want [%s]", f.publisher.layers, job.ID)
	}
	if len(f.publisher.trees) != 0 {
		t.Errorf("published tree batches = %v, want none", f.publisher.trees)
	}

	// The work directory is gone.
	if _, err := os.Stat(filepath.Join(f.workRoot, "job-"+job.ID)); !os.IsNotExist(err) {
		t.Errorf("work directory still exists (stat err = %v)", err)
	}
}

func TestPipelineDetectsTrees(t *testing.T) {
	f := newPipelineFixture(t)

	dtm := surfaceGrid(60, 60)
	dsm := surfaceGrid(60, 60)
	addCrown(dsm, 10, 10, 15, 2)
	addCrown(dsm, 30, 30, 10, 2)
	addCrown(dsm, 50, 15, 8, 2)
	f.engine.dtm = dtm
	f.engine.dsm = dsm

	cfg := domain.DefaultProcessConfig()
	cfg.DetectTrees = true
	job := f.claimJob(t, newTestJob(t, mustArea(t), testTileURL, cfg))

	if err := f.pipeline.Process(context.Background(), job); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	stored := f.storedJob(t, job.ID)
	if stored.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.Result.TreeCount != 3 {
		t.Errorf("TreeCount = %d, want 3", stored.Result.TreeCount)
	}
	if len(stored.Result.Trees) != 3 {
		t.Fatalf("len(Trees) = %d, want 3", len(stored.Result.Trees))
	}
	if h := stored.Result.Trees[0].Height; h != 15 {
		t.Errorf("tallest tree height = %v, want 15", h)
	}

	// Three engine runs: ingest, ground model, surface model.
	if f.engine.specCount() != 3 {
		t.Fatalf("engine runs = %d, want 3", f.engine.specCount())
	}
	wantDTM := []string{"readers.las", "filters.smrf", "filters.range", "writers.gdal"}
	if got := stageTypes(f.engine.specs[1]); strings.Join(got, ",") != strings.Join(wantDTM, ",") {
		t.Errorf("ground model stages = %v, want %v", got, wantDTM)
	}
	wantDSM := []string{"readers.las", "writers.gdal"}
	if got := stageTypes(f.engine.specs[2]); strings.Join(got, ",") != strings.Join(wantDSM, ",") {
		t.Errorf("surface model stages = %v, want %v", got, wantDSM)
	}

	// Tree batch published.
	if len(f.publisher.trees) != 1 || f.publisher.trees[0] != 3 {
		t.Errorf("published tree batches = %v, want [3]", f.publisher.trees)
	}

	// Segmentation checkpoint appears and progress never goes backwards.
	progress := f.jobs.progressValues(job.ID)
	saw50 := false
	for i, p := range progress {
		if p == 50 {
			saw50 = true
		}
		if i > 0 && p < progress[i-1] {
			t.Errorf("progress went backwards: %v", progress)
		}
	}
	if !saw50 {
		t.Errorf("progress = %v, missing segmentation checkpoint 50", progress)
	}
}

func TestPipelineNDVIFusion(t *testing.T) {
	f := newPipelineFixture(t)
	ndviURL := "https://ndvi.test/parcel.tif"
	f.origin.files[ndviURL] = []byte("raster")

	cfg := domain.DefaultProcessConfig()
	cfg.ColorMode = domain.ColorNDVI
	cfg.NDVISourceURL = ndviURL
	job := f.claimJob(t, newTestJob(t, mustArea(t), testTileURL, cfg))

	if err := f.pipeline.Process(context.Background(), job); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if f.engine.specCount() != 2 {
		t.Fatalf("engine runs = %d, want 2", f.engine.specCount())
	}
	fusion := f.engine.specs[1]
	want := []string{"readers.las", "filters.colorization", "writers.las"}
	if got := stageTypes(fusion); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("fusion stages = %v, want %v", got, want)
	}
	color := fusion[1].(output.ColorizationFilter)
	if color.Dimensions != "NDVI:1:256.0" {
		t.Errorf("colorization dimensions = %q, want NDVI:1:256.0", color.Dimensions)
	}
	writer := fusion[2].(output.LASWriter)
	if writer.ExtraDims != "NDVI=float" {
		t.Errorf("extra_dims = %q, want NDVI=float", writer.ExtraDims)
	}

	// Tiling consumed the colorized file.
	if len(f.tiler.inputs) != 1 || filepath.Base(f.tiler.inputs[0]) != "colored.laz" {
		t.Errorf("tiler inputs = %v, want colored.laz", f.tiler.inputs)
	}
}

func TestPipelineResolvesCoverage(t *testing.T) {
	f := newPipelineFixture(t)
	f.repo.tiles = map[string][]domain.CoverageTile{
		"IDENA": {coverageTile("PNOA_2023_NAV_569-4737", "IDENA", testTileURL)},
	}

	job := newTestJob(t, mustArea(t), "", domain.DefaultProcessConfig())
	job.PreferredSource = "IDENA"
	claimed := f.claimJob(t, job)

	if err := f.pipeline.Process(context.Background(), claimed); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if f.origin.fetchCount() != 1 {
		t.Errorf("origin fetches = %d, want 1", f.origin.fetchCount())
	}
	if f.storedJob(t, job.ID).Status != domain.JobCompleted {
		t.Error("job did not complete")
	}
}

func TestPipelineFailsWithoutCoverage(t *testing.T) {
	f := newPipelineFixture(t)
	job := f.claimJob(t, newTestJob(t, mustArea(t), "", domain.DefaultProcessConfig()))

	err := f.pipeline.Process(context.Background(), job)
	if !errors.Is(err, domain.ErrNoCoverage) {
		t.Fatalf("error = %v, want ErrNoCoverage", err)
	}

	stored := f.storedJob(t, job.ID)
	if stored.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.ErrorDetail == "" {
		t.Error("failed job has no error detail")
	}
}

func TestPipelineFailsWithoutAreaOrLocator(t *testing.T) {
	f := newPipelineFixture(t)
	job := f.claimJob(t, newTestJob(t, nil, "", domain.DefaultProcessConfig()))

	err := f.pipeline.Process(context.Background(), job)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
	if f.storedJob(t, job.ID).Status != domain.JobFailed {
		t.Error("job should be failed")
	}
}

func TestPipelineStorageLocator(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.objects["uploads/field.laz"] = []byte("uploaded laz")

	job := f.claimJob(t, newTestJob(t, mustArea(t), "storage://uploads/field.laz", domain.DefaultProcessConfig()))
	if err := f.pipeline.Process(context.Background(), job); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if f.origin.fetchCount() != 0 {
		t.Errorf("origin fetches = %d, want 0 for a storage locator", f.origin.fetchCount())
	}
	if f.storedJob(t, job.ID).Status != domain.JobCompleted {
		t.Error("job did not complete")
	}
}

func TestPipelineLocalPathLocator(t *testing.T) {
	f := newPipelineFixture(t)
	local := filepath.Join(t.TempDir(), "survey.laz")
	if err := os.WriteFile(local, []byte("local laz"), 0o644); err != nil {
		t.Fatalf("writing local input: %v", err)
	}

	// No area either: the whole file is processed and the crop stage drops out.
	job := f.claimJob(t, newTestJob(t, nil, local, domain.DefaultProcessConfig()))
	if err := f.pipeline.Process(context.Background(), job); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	want := []string{"readers.las", "filters.outlier", "filters.elm", "writers.las"}
	if got := stageTypes(f.engine.specs[0]); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ingest stages = %v, want %v (no crop)", got, want)
	}
}

func TestPipelineEngineFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.engine.runErr = &domain.ToolError{Tool: "pdal", Output: "readers.las: bad header", Err: errors.New("exit status 1")}

	job := f.claimJob(t, newTestJob(t, mustArea(t), testTileURL, domain.DefaultProcessConfig()))
	err := f.pipeline.Process(context.Background(), job)
	if err == nil {
		t.Fatal("Process should fail when the engine fails")
	}
	if !strings.HasPrefix(err.Error(), "ingest:") {
		t.Errorf("error = %q, want ingest phase prefix", err)
	}

	stored := f.storedJob(t, job.ID)
	if stored.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if !strings.Contains(stored.ErrorDetail, "pdal failed") {
		t.Errorf("ErrorDetail = %q, want the tool diagnostics", stored.ErrorDetail)
	}
	// Failures clean up too.
	if _, err := os.Stat(filepath.Join(f.workRoot, "job-"+job.ID)); !os.IsNotExist(err) {
		t.Errorf("work directory still exists after failure (stat err = %v)", err)
	}
}

func TestPipelineMissingTilesetFails(t *testing.T) {
	f := newPipelineFixture(t)
	f.tiler.skipManifest = true

	job := f.claimJob(t, newTestJob(t, mustArea(t), testTileURL, domain.DefaultProcessConfig()))
	err := f.pipeline.Process(context.Background(), job)
	if err == nil {
		t.Fatal("Process should fail when the converter writes no tileset.json")
	}
	if !strings.Contains(err.Error(), "tileset.json") {
		t.Errorf("error = %q, want a tileset.json diagnosis", err)
	}
	if f.storedJob(t, job.ID).Status != domain.JobFailed {
		t.Error("job should be failed")
	}
}

func TestPipelinePointCountFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.engine.countErr = errors.New("no summary")

	job := f.claimJob(t, newTestJob(t, mustArea(t), testTileURL, domain.DefaultProcessConfig()))
	err := f.pipeline.Process(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "count points") {
		t.Fatalf("error = %v, want a point count failure", err)
	}
	if f.storedJob(t, job.ID).Status != domain.JobFailed {
		t.Error("job should be failed")
	}
}

func TestPipelineEntityFailureDoesNotFailJob(t *testing.T) {
	f := newPipelineFixture(t)
	f.publisher.layerErr = errors.New("broker down")

	job := f.claimJob(t, newTestJob(t, mustArea(t), testTileURL, domain.DefaultProcessConfig()))
	if err := f.pipeline.Process(context.Background(), job); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if f.storedJob(t, job.ID).Status != domain.JobCompleted {
		t.Error("entity publishing must stay best effort")
	}
}

func TestPipelineWithoutPublisher(t *testing.T) {
	f := newPipelineFixture(t)
	pipeline := f.build(nil)

	job := f.claimJob(t, newTestJob(t, mustArea(t), testTileURL, domain.DefaultProcessConfig()))
	if err := pipeline.Process(context.Background(), job); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if f.storedJob(t, job.ID).Status != domain.JobCompleted {
		t.Error("job did not complete")
	}
}
