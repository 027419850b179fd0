package application

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/output"
	"github.com/jobrunner/canopy/internal/raster"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockCoverageRepo implements output.CoverageRepository for testing.
type mockCoverageRepo struct {
	mu      sync.Mutex
	tiles   map[string][]domain.CoverageTile // best-first per source, "" = all sources
	findErr error
	bestErr error
	seedErr error
	seeded  map[string][]domain.CoverageTile
	cleared map[string]bool
}

func (m *mockCoverageRepo) FindCoverage(_ context.Context, _ *domain.Area, source string) ([]domain.CoverageTile, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.tiles[source], nil
}

func (m *mockCoverageRepo) BestTile(_ context.Context, _ *domain.Area, source string) (*domain.CoverageTile, error) {
	if m.bestErr != nil {
		return nil, m.bestErr
	}
	tiles := m.tiles[source]
	if len(tiles) == 0 {
		return nil, domain.ErrNoCoverage
	}
	tile := tiles[0]
	return &tile, nil
}

func (m *mockCoverageRepo) Seed(_ context.Context, source string, records []domain.CoverageTile, clearExisting bool) (int, error) {
	if m.seedErr != nil {
		return 0, m.seedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seeded == nil {
		m.seeded = make(map[string][]domain.CoverageTile)
	}
	if m.cleared == nil {
		m.cleared = make(map[string]bool)
	}
	if clearExisting {
		m.seeded[source] = nil
		m.cleared[source] = true
	}
	m.seeded[source] = append(m.seeded[source], records...)
	return len(records), nil
}

func (m *mockCoverageRepo) CountBySource(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for source, records := range m.seeded {
		counts[source] = len(records)
	}
	return counts, nil
}

type progressUpdate struct {
	id       string
	progress int
	message  string
}

// mockJobStore implements output.JobStore in memory. UpdateStatus stores a
// copy of the job so tests observe exactly what was persisted.
type mockJobStore struct {
	mu          sync.Mutex
	jobs        map[string]domain.Job
	queue       []string
	progressLog []progressUpdate
	updateErr   error
	progressErr error
	claimErr    error
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{jobs: make(map[string]domain.Job)}
}

func (m *mockJobStore) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	if job.Status == domain.JobQueued {
		m.queue = append(m.queue, job.ID)
	}
	return nil
}

func (m *mockJobStore) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (m *mockJobStore) List(_ context.Context, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]domain.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *mockJobStore) UpdateStatus(_ context.Context, job *domain.Job) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.jobs[job.ID]; ok && stored.Status.Terminal() {
		return &domain.TransitionError{From: stored.Status, To: job.Status}
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *mockJobStore) UpdateProgress(_ context.Context, id string, progress int, message string) error {
	if m.progressErr != nil {
		return m.progressErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return &domain.TransitionError{From: job.Status, To: job.Status}
	}
	job.Progress = progress
	job.Message = message
	m.jobs[id] = job
	m.progressLog = append(m.progressLog, progressUpdate{id: id, progress: progress, message: message})
	return nil
}

func (m *mockJobStore) ClaimQueued(_ context.Context) (*domain.Job, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.queue {
		job, ok := m.jobs[id]
		if !ok || job.Status != domain.JobQueued {
			continue
		}
		if err := job.Transition(domain.JobProcessing); err != nil {
			return nil, err
		}
		now := job.UpdatedAt
		job.StartedAt = &now
		m.jobs[id] = job
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		claimed := job
		return &claimed, nil
	}
	return nil, domain.ErrJobNotFound
}

func (m *mockJobStore) CancelQueued(_ context.Context, id string, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobQueued {
		return domain.ErrJobNotCancellable
	}
	if err := job.Fail(detail); err != nil {
		return err
	}
	m.jobs[id] = job
	return nil
}

func (m *mockJobStore) progressValues(id string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var values []int
	for _, u := range m.progressLog {
		if u.id == id {
			values = append(values, u.progress)
		}
	}
	return values
}

// mockLedger implements output.CacheLedger in memory.
type mockLedger struct {
	mu          sync.Mutex
	rows        map[string]domain.CachedTile
	lookupErr   error
	markErr     error
	completeErr error
	failErr     error
	touchErr    error
	statsVal    *domain.CacheStats
	statsErr    error
	touched     []string
	failed      []string
}

func newMockLedger() *mockLedger {
	return &mockLedger{rows: make(map[string]domain.CachedTile)}
}

func (m *mockLedger) Lookup(_ context.Context, tileName string) (*domain.CachedTile, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[tileName]
	if !ok {
		return nil, domain.ErrTileNotFound
	}
	return &row, nil
}

func (m *mockLedger) MarkDownloading(_ context.Context, tile *domain.CachedTile) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *tile
	row.State = domain.CacheDownloading
	m.rows[tile.TileName] = row
	return nil
}

func (m *mockLedger) MarkComplete(_ context.Context, tileName string, sizeBytes int64) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[tileName]
	row.TileName = tileName
	row.State = domain.CacheComplete
	row.SizeBytes = sizeBytes
	row.AccessCount = 1
	m.rows[tileName] = row
	return nil
}

func (m *mockLedger) MarkFailed(_ context.Context, tileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, tileName)
	if m.failErr != nil {
		return m.failErr
	}
	row := m.rows[tileName]
	row.TileName = tileName
	row.State = domain.CacheFailed
	m.rows[tileName] = row
	return nil
}

func (m *mockLedger) Touch(_ context.Context, tileName string) error {
	if m.touchErr != nil {
		return m.touchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, tileName)
	row := m.rows[tileName]
	row.AccessCount++
	m.rows[tileName] = row
	return nil
}

func (m *mockLedger) Stats(_ context.Context) (*domain.CacheStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	if m.statsVal != nil {
		return m.statsVal, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var tiles, size, accesses int64
	for _, row := range m.rows {
		if row.State != domain.CacheComplete {
			continue
		}
		tiles++
		size += row.SizeBytes
		accesses += row.AccessCount
	}
	stats := domain.NewCacheStats(tiles, size, accesses)
	return &stats, nil
}

// mockObjectStore implements output.ObjectStorage over an in-memory map.
type mockObjectStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	uploads      []string
	uploadErr    error
	downloadErr  error
}

func newMockObjectStore() *mockObjectStore {
	return &mockObjectStore{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (m *mockObjectStore) List(_ context.Context, prefix string) ([]output.StorageObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var objects []output.StorageObject
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, output.StorageObject{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (m *mockObjectStore) Download(_ context.Context, key string, dest string) error {
	if m.downloadErr != nil {
		return m.downloadErr
	}
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %q not found", key)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func (m *mockObjectStore) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockObjectStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *mockObjectStore) Upload(_ context.Context, localPath string, key string, contentType string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.contentTypes[key] = contentType
	m.uploads = append(m.uploads, key)
	return nil
}

func (m *mockObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *mockObjectStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

func (m *mockObjectStore) PublicURL(key string) string {
	return "https://cdn.test/" + key
}

// mockOrigin implements output.OriginFetcher from an in-memory URL map.
type mockOrigin struct {
	mu      sync.Mutex
	files   map[string][]byte
	err     error
	fetches []string
}

func (m *mockOrigin) Fetch(_ context.Context, url string, dest string) (int64, error) {
	m.mu.Lock()
	m.fetches = append(m.fetches, url)
	m.mu.Unlock()
	if m.err != nil {
		return 0, &domain.StorageError{Operation: "fetch", Key: url, Err: m.err}
	}
	data, ok := m.files[url]
	if !ok {
		return 0, &domain.StorageError{Operation: "fetch", Key: url, Err: fmt.Errorf("no such origin file")}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (m *mockOrigin) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fetches)
}

// mockEngine implements output.PointCloudEngine. Run materializes writer
// outputs so phases can hand files to each other: LAS writers get a stub
// file, GDAL writers get the injected terrain or surface grid.
type mockEngine struct {
	mu         sync.Mutex
	specs      []output.PipelineSpec
	runErr     error
	panicOnRun bool
	dtm        *raster.Grid
	dsm        *raster.Grid
	points     int64
	countErr   error
}

func (e *mockEngine) Run(_ context.Context, spec output.PipelineSpec) error {
	e.mu.Lock()
	e.specs = append(e.specs, spec)
	e.mu.Unlock()
	if e.panicOnRun {
		panic("engine exploded")
	}
	if e.runErr != nil {
		return e.runErr
	}
	for _, stage := range spec {
		switch s := stage.(type) {
		case output.LASWriter:
			if err := os.WriteFile(s.Filename, []byte("laz"), 0o644); err != nil {
				return err
			}
		case output.GDALWriter:
			grid := e.dsm
			if s.OutputType == "idw" {
				grid = e.dtm
			}
			if grid == nil {
				return fmt.Errorf("no grid for output type %q", s.OutputType)
			}
			if err := raster.WriteGeoTIFF(s.Filename, grid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *mockEngine) PointCount(_ context.Context, _ string) (int64, error) {
	if e.countErr != nil {
		return 0, e.countErr
	}
	return e.points, nil
}

func (e *mockEngine) specCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.specs)
}

// stageTypes flattens a recorded spec into its stage type identifiers.
func stageTypes(spec output.PipelineSpec) []string {
	types := make([]string, len(spec))
	for i, s := range spec {
		types[i] = s.StageType()
	}
	return types
}

// mockTiler implements output.TilesetConverter, writing a minimal tileset
// unless told to leave the manifest out.
type mockTiler struct {
	mu           sync.Mutex
	err          error
	skipManifest bool
	inputs       []string
}

func (t *mockTiler) Convert(_ context.Context, inputPath string, outputDir string) error {
	t.mu.Lock()
	t.inputs = append(t.inputs, inputPath)
	t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if err := os.MkdirAll(filepath.Join(outputDir, "points"), 0o755); err != nil {
		return err
	}
	if !t.skipManifest {
		manifest := []byte(`{"asset":{"version":"1.1"}}`)
		if err := os.WriteFile(filepath.Join(outputDir, "tileset.json"), manifest, 0o644); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(outputDir, "points", "r0.pnts"), []byte("pnts"), 0o644)
}

// mockPublisher implements output.EntityPublisher.
type mockPublisher struct {
	mu       sync.Mutex
	layers   []string // job IDs
	trees    []int    // batch sizes
	layerErr error
	treesErr error
}

func (p *mockPublisher) PublishLayer(_ context.Context, job *domain.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.layerErr != nil {
		return p.layerErr
	}
	p.layers = append(p.layers, job.ID)
	return nil
}

func (p *mockPublisher) PublishTrees(_ context.Context, _ *domain.Job, trees []domain.Tree) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.treesErr != nil {
		return 0, p.treesErr
	}
	p.trees = append(p.trees, len(trees))
	return len(trees), nil
}
