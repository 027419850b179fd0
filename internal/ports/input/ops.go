// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/canopy/internal/domain"
)

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept work.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy      bool              // Overall health status
	Ready        bool              // Ready to accept work
	JobsInFlight int               // Jobs currently processing
	Components   map[string]string // Component statuses
}

// CacheStatsProvider defines the primary port for tile cache statistics.
type CacheStatsProvider interface {
	// CacheStats returns aggregate counters for the tile cache.
	CacheStats(ctx context.Context) (*domain.CacheStats, error)
}
