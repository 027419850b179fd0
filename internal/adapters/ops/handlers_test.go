package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jobrunner/canopy/internal/config"
	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/input"
)

// fakeHealth implements input.HealthChecker for testing.
type fakeHealth struct {
	healthy      bool
	ready        bool
	jobsInFlight int
	components   map[string]string
}

func (f *fakeHealth) IsHealthy(_ context.Context) bool {
	return f.healthy
}

func (f *fakeHealth) IsReady(_ context.Context) bool {
	return f.ready
}

func (f *fakeHealth) GetHealthDetails(_ context.Context) input.HealthDetails {
	return input.HealthDetails{
		Healthy:      f.healthy,
		Ready:        f.ready,
		JobsInFlight: f.jobsInFlight,
		Components:   f.components,
	}
}

// fakeStatsProvider implements input.CacheStatsProvider for testing.
type fakeStatsProvider struct {
	stats *domain.CacheStats
	err   error
}

func (f *fakeStatsProvider) CacheStats(_ context.Context) (*domain.CacheStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

func newTestServer(health input.HealthChecker, cache input.CacheStatsProvider) *Server {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewServer(
		config.ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		config.MetricsConfig{Enabled: false},
		health,
		cache,
		nil, // No collector for tests
		logger,
	)
}

func defaultHealth() *fakeHealth {
	return &fakeHealth{
		healthy:      true,
		ready:        true,
		jobsInFlight: 2,
		components:   map[string]string{"database": "ok"},
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(defaultHealth(), &fakeStatsProvider{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("status = %v, want %q", resp["status"], "ok")
	}
	if resp["ready"] != true {
		t.Errorf("ready = %v, want true", resp["ready"])
	}
	if resp["jobs_in_flight"] != float64(2) {
		t.Errorf("jobs_in_flight = %v, want 2", resp["jobs_in_flight"])
	}

	components, ok := resp["components"].(map[string]interface{})
	if !ok {
		t.Fatalf("components = %T, want map", resp["components"])
	}
	if components["database"] != "ok" {
		t.Errorf("database component = %v, want %q", components["database"], "ok")
	}
}

func TestHandleHealthDegraded(t *testing.T) {
	health := defaultHealth()
	health.healthy = false
	health.ready = false
	health.components["database"] = "locked"

	srv := newTestServer(health, &fakeStatsProvider{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp["status"] != "unhealthy" {
		t.Errorf("status = %v, want %q", resp["status"], "unhealthy")
	}
}

func TestHandleLiveness(t *testing.T) {
	srv := newTestServer(defaultHealth(), &fakeStatsProvider{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rr := httptest.NewRecorder()

	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("status = %v, want %q", resp["status"], "ok")
	}
}

func TestHandleReadiness(t *testing.T) {
	srv := newTestServer(defaultHealth(), &fakeStatsProvider{})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rr := httptest.NewRecorder()

	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestHandleReadinessNotReady(t *testing.T) {
	health := defaultHealth()
	health.ready = false

	srv := newTestServer(health, &fakeStatsProvider{})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rr := httptest.NewRecorder()

	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp["status"] != "not ready" {
		t.Errorf("status = %v, want %q", resp["status"], "not ready")
	}
}

func TestHandleCacheStats(t *testing.T) {
	stats := domain.NewCacheStats(3, 1024, 9)
	srv := newTestServer(defaultHealth(), &fakeStatsProvider{stats: &stats})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil)
	rr := httptest.NewRecorder()

	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp["tile_count"] != float64(3) {
		t.Errorf("tile_count = %v, want 3", resp["tile_count"])
	}
	if resp["total_size_bytes"] != float64(1024) {
		t.Errorf("total_size_bytes = %v, want 1024", resp["total_size_bytes"])
	}
	if resp["downloads_saved"] != float64(6) {
		t.Errorf("downloads_saved = %v, want 6", resp["downloads_saved"])
	}
}

func TestHandleCacheStatsError(t *testing.T) {
	srv := newTestServer(defaultHealth(), &fakeStatsProvider{err: errors.New("ledger unavailable")})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil)
	rr := httptest.NewRecorder()

	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestMetricsRouteAbsentWithoutCollector(t *testing.T) {
	srv := newTestServer(defaultHealth(), &fakeStatsProvider{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestBoolToStatus(t *testing.T) {
	if boolToStatus(true) != "ok" {
		t.Error("boolToStatus(true) should return 'ok'")
	}
	if boolToStatus(false) != "unhealthy" {
		t.Error("boolToStatus(false) should return 'unhealthy'")
	}
}
