package application

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/output"
)

func newTestSeedService(repo *mockCoverageRepo) *SeedService {
	return NewSeedService(repo, &output.NoOpMetrics{}, testLogger())
}

const testGeoJSON = `{
	"type": "FeatureCollection",
	"features": [
		{
			"type": "Feature",
			"geometry": {"type": "Polygon", "coordinates": [[[-1.75,42.80],[-1.70,42.80],[-1.70,42.75],[-1.75,42.75],[-1.75,42.80]]]},
			"properties": {"URL_DESCARGA": "https://idena.test/a.laz", "FICHERO": "tile-a", "ANYO": 2023, "DENSIDAD": 4.0}
		},
		{
			"type": "Feature",
			"geometry": {"type": "Polygon", "coordinates": [[[-1.70,42.80],[-1.65,42.80],[-1.65,42.75],[-1.70,42.75],[-1.70,42.80]]]},
			"properties": {"url": "https://idena.test/b.laz", "year": "2022"}
		},
		{
			"type": "Feature",
			"geometry": {"type": "Point", "coordinates": [-1.7, 42.8]},
			"properties": {"URL_DESCARGA": "https://idena.test/point.laz"}
		},
		{
			"type": "Feature",
			"geometry": {"type": "Polygon", "coordinates": [[[-1.65,42.80],[-1.60,42.80],[-1.60,42.75],[-1.65,42.75],[-1.65,42.80]]]},
			"properties": {"FICHERO": "no-url"}
		}
	]
}`

func TestSeedExample(t *testing.T) {
	repo := &mockCoverageRepo{}
	svc := newTestSeedService(repo)

	count, err := svc.SeedExample(context.Background())
	if err != nil {
		t.Fatalf("SeedExample failed: %v", err)
	}
	if count != 6 {
		t.Errorf("count = %d, want 6", count)
	}

	records := repo.seeded["IDENA"]
	if len(records) != 6 {
		t.Fatalf("seeded records = %d, want 6", len(records))
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			t.Errorf("record %d invalid: %v", i, err)
		}
	}
	if records[0].TileName != "PNOA_2023_NAV_569-4737" {
		t.Errorf("first tile = %q, want PNOA_2023_NAV_569-4737", records[0].TileName)
	}
	if records[0].FlightYear == nil || *records[0].FlightYear != 2023 {
		t.Errorf("first tile year = %v, want 2023", records[0].FlightYear)
	}
}

func TestSeedManifestRejectsGarbage(t *testing.T) {
	svc := newTestSeedService(&mockCoverageRepo{})

	if _, err := svc.SeedManifest(context.Background(), []byte("source: X\ntiles: []\n"), false); err == nil {
		t.Error("manifest without tiles should fail")
	}
	if _, err := svc.SeedManifest(context.Background(), []byte("{nonsense"), false); err == nil {
		t.Error("malformed YAML should fail")
	}
}

func TestSeedGeoJSON(t *testing.T) {
	repo := &mockCoverageRepo{}
	svc := newTestSeedService(repo)

	count, err := svc.SeedGeoJSON(context.Background(), []byte(testGeoJSON), "IDENA", true)
	if err != nil {
		t.Fatalf("SeedGeoJSON failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2 (point and url-less features skipped)", count)
	}

	records := repo.seeded["IDENA"]
	if records[0].TileName != "tile-a" {
		t.Errorf("records[0].TileName = %q, want tile-a", records[0].TileName)
	}
	if records[0].FlightYear == nil || *records[0].FlightYear != 2023 {
		t.Errorf("records[0].FlightYear = %v, want 2023", records[0].FlightYear)
	}
	if records[0].PointDensity == nil || *records[0].PointDensity != 4.0 {
		t.Errorf("records[0].PointDensity = %v, want 4", records[0].PointDensity)
	}

	// Second feature has no FICHERO: name falls back to the locator base,
	// and the year arrives as a digit string.
	if records[1].TileName != "b" {
		t.Errorf("records[1].TileName = %q, want b", records[1].TileName)
	}
	if records[1].FlightYear == nil || *records[1].FlightYear != 2022 {
		t.Errorf("records[1].FlightYear = %v, want 2022", records[1].FlightYear)
	}

	if !repo.cleared["IDENA"] {
		t.Error("clearExisting was not passed through")
	}
}

func TestSeedGeoJSONRequiresSource(t *testing.T) {
	svc := newTestSeedService(&mockCoverageRepo{})

	_, err := svc.SeedGeoJSON(context.Background(), []byte(testGeoJSON), "", false)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestSeedWFS(t *testing.T) {
	var query map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{
			"service":      r.URL.Query().Get("service"),
			"version":      r.URL.Query().Get("version"),
			"request":      r.URL.Query().Get("request"),
			"typeName":     r.URL.Query().Get("typeName"),
			"outputFormat": r.URL.Query().Get("outputFormat"),
			"srsName":      r.URL.Query().Get("srsName"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testGeoJSON))
	}))
	defer server.Close()

	repo := &mockCoverageRepo{}
	svc := newTestSeedService(repo)

	count, err := svc.SeedWFS(context.Background(), server.URL, "IDENA:LIDAR_Vuelo", "IDENA", false)
	if err != nil {
		t.Fatalf("SeedWFS failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	want := map[string]string{
		"service":      "WFS",
		"version":      "2.0.0",
		"request":      "GetFeature",
		"typeName":     "IDENA:LIDAR_Vuelo",
		"outputFormat": "application/json",
		"srsName":      "EPSG:4326",
	}
	for k, v := range want {
		if query[k] != v {
			t.Errorf("WFS param %s = %q, want %q", k, query[k], v)
		}
	}
}

func TestSeedWFSServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	svc := newTestSeedService(&mockCoverageRepo{})
	if _, err := svc.SeedWFS(context.Background(), server.URL, "", "", false); err == nil {
		t.Error("SeedWFS should fail on a non-200 response")
	}
}

func TestSeedFileDispatch(t *testing.T) {
	repo := &mockCoverageRepo{}
	svc := newTestSeedService(repo)
	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "navarra.yaml")
	if err := os.WriteFile(manifestPath, exampleManifestYAML, 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	geojsonPath := filepath.Join(dir, "cnig.geojson")
	if err := os.WriteFile(geojsonPath, []byte(testGeoJSON), 0o644); err != nil {
		t.Fatalf("writing geojson: %v", err)
	}

	count, err := svc.SeedFile(context.Background(), manifestPath, "", false)
	if err != nil {
		t.Fatalf("SeedFile(yaml) failed: %v", err)
	}
	if count != 6 {
		t.Errorf("yaml count = %d, want 6", count)
	}

	// GeoJSON without an explicit source takes the file's base name.
	count, err = svc.SeedFile(context.Background(), geojsonPath, "", false)
	if err != nil {
		t.Fatalf("SeedFile(geojson) failed: %v", err)
	}
	if count != 2 {
		t.Errorf("geojson count = %d, want 2", count)
	}
	if len(repo.seeded["cnig"]) != 2 {
		t.Errorf("seeded sources = %v, want records under cnig", repo.seeded)
	}

	if _, err := svc.SeedFile(context.Background(), filepath.Join(dir, "readme.txt"), "", false); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("error = %v, want ErrUnsupported", err)
	}
}

func TestVerify(t *testing.T) {
	repo := &mockCoverageRepo{}
	svc := newTestSeedService(repo)

	if _, err := svc.SeedExample(context.Background()); err != nil {
		t.Fatalf("SeedExample failed: %v", err)
	}

	counts, err := svc.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if counts["IDENA"] != 6 {
		t.Errorf("counts[IDENA] = %d, want 6", counts["IDENA"])
	}
}
