package application

import (
	"context"

	"github.com/jobrunner/canopy/internal/ports/input"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService provides health check functionality.
type HealthService struct {
	db      Pinger
	tracker *Tracker
}

// NewHealthService creates a new health service.
func NewHealthService(db Pinger, tracker *Tracker) *HealthService {
	return &HealthService{
		db:      db,
		tracker: tracker,
	}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(ctx context.Context) bool {
	return true // Basic liveness check
}

// IsReady returns true if the service is ready to accept work. Readiness
// requires the database, since every job claim goes through it.
func (s *HealthService) IsReady(ctx context.Context) bool {
	return s.db.Ping(ctx) == nil
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{
		"database": "ok",
	}
	if err := s.db.Ping(ctx); err != nil {
		components["database"] = err.Error()
	}

	return input.HealthDetails{
		Healthy:      s.IsHealthy(ctx),
		Ready:        s.IsReady(ctx),
		JobsInFlight: s.tracker.InFlight(),
		Components:   components,
	}
}
