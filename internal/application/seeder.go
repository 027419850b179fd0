package application

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/output"
)

//go:embed example_manifest.yaml
var exampleManifestYAML []byte

// DefaultWFSURL is the public IDENA WFS endpoint carrying the Navarra
// LiDAR flight index.
const DefaultWFSURL = "https://idena.navarra.es/ogc/wfs"

// DefaultWFSTypeName is the IDENA layer listing LiDAR tiles.
const DefaultWFSTypeName = "IDENA:LIDAR_Vuelo"

// SeedService loads coverage records into the index from manifests, GeoJSON
// feature collections and WFS services.
type SeedService struct {
	repo    output.CoverageRepository
	metrics output.MetricsCollector
	logger  *slog.Logger
	client  *http.Client

	// Serializes seeding; concurrent seeds of one source would race on
	// clear-then-insert.
	mu sync.Mutex
}

// NewSeedService creates a new seed service.
func NewSeedService(repo output.CoverageRepository, metrics output.MetricsCollector, logger *slog.Logger) *SeedService {
	return &SeedService{
		repo:    repo,
		metrics: metrics,
		logger:  logger,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// SeedExample seeds the embedded Navarra example tiles.
func (s *SeedService) SeedExample(ctx context.Context) (int, error) {
	return s.SeedManifest(ctx, exampleManifestYAML, false)
}

// SeedManifest seeds from YAML manifest bytes.
func (s *SeedService) SeedManifest(ctx context.Context, data []byte, clearExisting bool) (int, error) {
	manifest, err := domain.ParseSeedManifest(data)
	if err != nil {
		return 0, err
	}
	return s.seed(ctx, manifest.Source, manifest.Records(), clearExisting)
}

// SeedManifestFile seeds from a YAML manifest on disk.
func (s *SeedService) SeedManifestFile(ctx context.Context, path string, clearExisting bool) (int, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path comes from the operator
	if err != nil {
		return 0, fmt.Errorf("reading manifest: %w", err)
	}
	return s.SeedManifest(ctx, data, clearExisting)
}

// SeedGeoJSON seeds from a GeoJSON feature collection. Features without a
// download URL or without a polygon footprint are skipped.
func (s *SeedService) SeedGeoJSON(ctx context.Context, data []byte, source string, clearExisting bool) (int, error) {
	if source == "" {
		return 0, &domain.ValidationError{
			Field:      "source",
			Value:      "",
			Constraint: "non-empty",
			Message:    "seeding needs a source name",
		}
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return 0, &domain.ValidationError{
			Field:      "geojson",
			Value:      "",
			Constraint: "FeatureCollection",
			Message:    err.Error(),
		}
	}

	records := make([]domain.CoverageTile, 0, len(fc.Features))
	skipped := 0
	for _, feature := range fc.Features {
		record, ok := s.featureToRecord(feature, source)
		if !ok {
			skipped++
			continue
		}
		records = append(records, record)
	}

	if skipped > 0 {
		s.logger.Warn("skipped features without usable url or footprint",
			"source", source,
			"skipped", skipped)
	}

	return s.seed(ctx, source, records, clearExisting)
}

// SeedGeoJSONFile seeds from a GeoJSON file on disk.
func (s *SeedService) SeedGeoJSONFile(ctx context.Context, path string, source string, clearExisting bool) (int, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path comes from the operator
	if err != nil {
		return 0, fmt.Errorf("reading geojson: %w", err)
	}
	return s.SeedGeoJSON(ctx, data, source, clearExisting)
}

// SeedWFS pulls the full tile index from a WFS service as GeoJSON and seeds
// it. Empty baseURL and typeName fall back to the IDENA defaults.
func (s *SeedService) SeedWFS(ctx context.Context, baseURL, typeName, source string, clearExisting bool) (int, error) {
	if baseURL == "" {
		baseURL = DefaultWFSURL
	}
	if typeName == "" {
		typeName = DefaultWFSTypeName
	}
	if source == "" {
		source = "IDENA"
	}

	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeName", typeName)
	params.Set("outputFormat", "application/json")
	params.Set("srsName", "EPSG:4326")

	requestURL := baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return 0, fmt.Errorf("building WFS request: %w", err)
	}

	s.logger.Info("querying WFS for coverage", "url", baseURL, "type_name", typeName)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("querying WFS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("WFS returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("reading WFS response: %w", err)
	}

	return s.SeedGeoJSON(ctx, data, source, clearExisting)
}

// SeedFile dispatches on the file extension: YAML manifests and GeoJSON
// collections are both accepted. Used for files dropped into watched
// directories.
func (s *SeedService) SeedFile(ctx context.Context, path string, source string, clearExisting bool) (int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return s.SeedManifestFile(ctx, path, clearExisting)
	case ".json", ".geojson":
		if source == "" {
			// Fall back to the file name for drop-in seeds.
			source = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		return s.SeedGeoJSONFile(ctx, path, source, clearExisting)
	default:
		return 0, fmt.Errorf("seed file %s: %w", filepath.Base(path), domain.ErrUnsupported)
	}
}

// Verify returns the number of indexed tiles per source.
func (s *SeedService) Verify(ctx context.Context) (map[string]int, error) {
	return s.repo.CountBySource(ctx)
}

// seed validates and writes the records through the repository.
func (s *SeedService) seed(ctx context.Context, source string, records []domain.CoverageTile, clearExisting bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.repo.Seed(ctx, source, records, clearExisting)
	if err != nil {
		return count, err
	}

	s.metrics.IncRecordsSeeded(source, count)
	s.logger.Info("coverage seeded",
		"source", source,
		"records", count,
		"cleared", clearExisting)

	return count, nil
}

// featureToRecord converts one GeoJSON feature into a coverage record.
// Property names follow the CNIG and IDENA conventions with generic
// fallbacks.
func (s *SeedService) featureToRecord(feature *geojson.Feature, source string) (domain.CoverageTile, bool) {
	if feature == nil {
		return domain.CoverageTile{}, false
	}

	lazURL := propString(feature.Properties, "URL_DESCARGA", "URL", "url")
	if lazURL == "" {
		return domain.CoverageTile{}, false
	}

	polygon, ok := feature.Geometry.(orb.Polygon)
	if !ok {
		return domain.CoverageTile{}, false
	}

	name := propString(feature.Properties, "FICHERO", "NOMBRE", "name")
	if name == "" {
		name = domain.TileNameFromLocator(lazURL)
	}

	return domain.CoverageTile{
		TileName:     name,
		Source:       source,
		FlightYear:   propInt(feature.Properties, "ANYO", "AÑO", "year"),
		PointDensity: propFloat(feature.Properties, "DENSIDAD", "density"),
		LAZURL:       lazURL,
		FootprintWKT: wkt.MarshalString(polygon),
	}, true
}

// propString returns the first present string property.
func propString(props geojson.Properties, keys ...string) string {
	for _, key := range keys {
		if v, ok := props[key]; ok {
			if str, ok := v.(string); ok && str != "" {
				return str
			}
		}
	}
	return ""
}

// propInt returns the first present integer property. JSON numbers arrive
// as float64; digit strings are tolerated.
func propInt(props geojson.Properties, keys ...string) *int {
	for _, key := range keys {
		v, ok := props[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			i := int(n)
			return &i
		case int:
			i := n
			return &i
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return &i
			}
		}
	}
	return nil
}

// propFloat returns the first present numeric property.
func propFloat(props geojson.Properties, keys ...string) *float64 {
	for _, key := range keys {
		v, ok := props[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			f := n
			return &f
		case int:
			f := float64(n)
			return &f
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}
