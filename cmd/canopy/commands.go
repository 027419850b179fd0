package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobrunner/canopy/internal/app"
	"github.com/jobrunner/canopy/internal/config"
	"github.com/jobrunner/canopy/internal/domain"
)

// Seed flags
var (
	seedExample  bool
	seedManifest string
	seedGeoJSON  string
	seedWFS      string
	seedTypeName string
	seedSource   string
	keepExisting bool
	seedVerify   bool
)

// Run flags
var (
	runArea         string
	runLocator      string
	runSource       string
	runColorMode    string
	runNDVIURL      string
	runDetectTrees  bool
	runMinHeight    float64
	runSearchRadius float64
	runTenant       string
	runParcel       string
)

// Coverage flags
var (
	coverageArea   string
	coverageSource string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the coverage index",
	Long: `Seed loads LiDAR tile records into the coverage index.

Records can come from the embedded Navarra example set, a YAML manifest,
a GeoJSON feature collection, or a WFS feature service. Existing records
for the seeded source are replaced unless --keep-existing is set.`,
	RunE: runSeed,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one job synchronously",
	Long: `Run submits a single processing job and drives it to completion in
this process, printing the result JSON. The daemon does not need to be
running, but the job is persisted in the shared state database either way.`,
	RunE: runOnce,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job",
	Long: `Cancel marks a queued job as failed before any worker claims it.
A job that is already processing cannot be cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Source tile cache operations",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print tile cache statistics",
	RunE:  runCacheStats,
}

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Query the coverage index for an area",
	RunE:  runCoverageQuery,
}

func init() {
	// Seed flags
	seedCmd.Flags().BoolVar(&seedExample, "example", false, "seed the embedded Navarra example tiles")
	seedCmd.Flags().StringVar(&seedManifest, "manifest", "", "seed from a YAML manifest file")
	seedCmd.Flags().StringVar(&seedGeoJSON, "geojson", "", "seed from a GeoJSON feature collection file")
	seedCmd.Flags().StringVar(&seedWFS, "wfs", "", "seed from a WFS endpoint (empty value uses the IDENA default)")
	seedCmd.Flags().StringVar(&seedTypeName, "type-name", "", "WFS feature type to fetch")
	seedCmd.Flags().StringVar(&seedSource, "source", "", "source name for the seeded records")
	seedCmd.Flags().BoolVar(&keepExisting, "keep-existing", false, "keep existing records for the source")
	seedCmd.Flags().BoolVar(&seedVerify, "verify", false, "print per-source record counts after seeding")
	seedCmd.MarkFlagsMutuallyExclusive("example", "manifest", "geojson", "wfs")

	// Run flags
	runCmd.Flags().StringVar(&runArea, "area", "", "area of interest as a WKT polygon (EPSG:4326)")
	runCmd.Flags().StringVar(&runLocator, "locator", "", "explicit source locator (http(s) URL, storage:// key or local path)")
	runCmd.Flags().StringVar(&runSource, "source", "", "preferred coverage source when resolving the input tile")
	runCmd.Flags().StringVar(&runColorMode, "color-mode", "height", "point coloring (height, ndvi, rgb, classification)")
	runCmd.Flags().StringVar(&runNDVIURL, "ndvi-url", "", "NDVI raster URL for spectral fusion")
	runCmd.Flags().BoolVar(&runDetectTrees, "detect-trees", false, "run tree segmentation")
	runCmd.Flags().Float64Var(&runMinHeight, "min-height", 2.0, "minimum tree height in meters")
	runCmd.Flags().Float64Var(&runSearchRadius, "search-radius", 3.0, "tree search radius in meters")
	runCmd.Flags().StringVar(&runTenant, "tenant", "", "NGSI-LD tenant for entity publishing")
	runCmd.Flags().StringVar(&runParcel, "parcel", "", "parcel entity reference")

	// Coverage flags
	coverageCmd.Flags().StringVar(&coverageArea, "area", "", "area of interest as a WKT polygon (EPSG:4326)")
	coverageCmd.Flags().StringVar(&coverageSource, "source", "", "restrict the query to one source")
	_ = coverageCmd.MarkFlagRequired("area")

	cacheCmd.AddCommand(cacheStatsCmd)
}

// newApp loads configuration and wires the application for one-shot
// commands. Logs go to stderr so stdout stays parseable.
func newApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing application: %w", err)
	}
	return application, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	application, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = application.DB.Close() }()

	clearExisting := !keepExisting

	var count int
	switch {
	case seedExample:
		count, err = application.Seeder.SeedExample(ctx)
	case seedManifest != "":
		count, err = application.Seeder.SeedManifestFile(ctx, seedManifest, clearExisting)
	case seedGeoJSON != "":
		count, err = application.Seeder.SeedGeoJSONFile(ctx, seedGeoJSON, seedSource, clearExisting)
	case cmd.Flags().Changed("wfs"):
		count, err = application.Seeder.SeedWFS(ctx, seedWFS, seedTypeName, seedSource, clearExisting)
	default:
		return fmt.Errorf("choose a seed source: --example, --manifest, --geojson or --wfs")
	}
	if err != nil {
		return err
	}

	fmt.Printf("seeded %d coverage records\n", count)

	if seedVerify {
		counts, err := application.Seeder.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verifying index: %w", err)
		}

		sources := make([]string, 0, len(counts))
		for source := range counts {
			sources = append(sources, source)
		}
		sort.Strings(sources)

		for _, source := range sources {
			fmt.Printf("  %s: %d tiles\n", source, counts[source])
		}
	}

	return nil
}

func runOnce(_ *cobra.Command, _ []string) error {
	if runArea == "" && runLocator == "" {
		return fmt.Errorf("either --area or --locator is required")
	}

	ctx, stop := signalContext()
	defer stop()

	application, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = application.DB.Close() }()

	var area *domain.Area
	if runArea != "" {
		area, err = domain.ParseArea(runArea)
		if err != nil {
			return err
		}
	}

	procCfg := domain.ProcessConfig{
		ColorMode:        domain.ColorMode(runColorMode),
		DetectTrees:      runDetectTrees,
		TreeMinHeight:    runMinHeight,
		TreeSearchRadius: runSearchRadius,
		NDVISourceURL:    runNDVIURL,
	}

	job, err := domain.NewJob(area, runLocator, runSource, procCfg)
	if err != nil {
		return err
	}
	job.Tenant = runTenant
	job.ParcelRef = runParcel

	// Queue, then claim immediately: the job goes through the same store
	// states a daemon-processed job would.
	if err := job.Transition(domain.JobQueued); err != nil {
		return err
	}
	if err := application.Jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("queueing job: %w", err)
	}

	now := time.Now().UTC()
	if err := job.Transition(domain.JobProcessing); err != nil {
		return err
	}
	job.StartedAt = &now
	if err := application.Jobs.UpdateStatus(ctx, job); err != nil {
		return fmt.Errorf("claiming job: %w", err)
	}

	application.Worker.RunJob(ctx, job)

	final, err := application.Jobs.Get(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reading job outcome: %w", err)
	}

	summary := map[string]interface{}{
		"job_id":   final.ID,
		"status":   final.Status,
		"progress": final.Progress,
		"message":  final.Message,
	}
	if final.ErrorDetail != "" {
		summary["error"] = final.ErrorDetail
	}
	if final.Result != nil {
		summary["result"] = final.Result
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if final.Status != domain.JobCompleted {
		return fmt.Errorf("job %s failed: %s", final.ID, final.ErrorDetail)
	}
	return nil
}

func runCancel(_ *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	application, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = application.DB.Close() }()

	if err := application.Jobs.CancelQueued(ctx, args[0], "cancelled before processing started"); err != nil {
		return err
	}

	fmt.Printf("job %s cancelled\n", args[0])
	return nil
}

func runCacheStats(_ *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	application, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = application.DB.Close() }()

	stats, err := application.Cache.CacheStats(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runCoverageQuery(_ *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	application, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = application.DB.Close() }()

	tiles, err := application.Coverage.FindCoverage(ctx, coverageArea, coverageSource)
	if err != nil {
		return err
	}

	fmt.Printf("%d tiles cover the area\n", len(tiles))
	for i := range tiles {
		tile := &tiles[i]
		density := "?"
		if tile.PointDensity != nil {
			density = fmt.Sprintf("%.1f pts/m2", *tile.PointDensity)
		}
		fmt.Printf("  %s  density %s\n    %s\n", tile.String(), density, tile.LAZURL)
	}
	return nil
}
