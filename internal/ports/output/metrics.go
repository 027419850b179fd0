package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncJobsStarted increments the started-jobs counter.
	IncJobsStarted()

	// IncJobsFinished increments the finished-jobs counter per final status.
	IncJobsFinished(status string)

	// ObservePhaseDuration records how long a pipeline phase took.
	ObservePhaseDuration(phase string, duration time.Duration)

	// IncCacheRequests increments the cache request counter per outcome.
	IncCacheRequests(outcome string)

	// ObserveOriginDownload records an origin download and its duration.
	ObserveOriginDownload(success bool, duration time.Duration)

	// IncToolRuns increments the external-tool run counter.
	IncToolRuns(tool string, success bool)

	// IncCoverageQueries increments the coverage query counter.
	IncCoverageQueries(success bool)

	// IncEntitiesPublished adds to the published-entities counter.
	IncEntitiesPublished(entityType string, count int)

	// IncRecordsSeeded adds to the seeded-records counter per source.
	IncRecordsSeeded(source string, count int)

	// SetCachedTiles sets the number of tiles in the cache.
	SetCachedTiles(count int)

	// SetCachedBytes sets the total size of the cache in bytes.
	SetCachedBytes(bytes int64)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)

	// SetJobsInFlight sets the number of jobs currently being processed.
	SetJobsInFlight(count int)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncJobsStarted implements MetricsCollector.
func (n *NoOpMetrics) IncJobsStarted() {}

// IncJobsFinished implements MetricsCollector.
func (n *NoOpMetrics) IncJobsFinished(_ string) {}

// ObservePhaseDuration implements MetricsCollector.
func (n *NoOpMetrics) ObservePhaseDuration(_ string, _ time.Duration) {}

// IncCacheRequests implements MetricsCollector.
func (n *NoOpMetrics) IncCacheRequests(_ string) {}

// ObserveOriginDownload implements MetricsCollector.
func (n *NoOpMetrics) ObserveOriginDownload(_ bool, _ time.Duration) {}

// IncToolRuns implements MetricsCollector.
func (n *NoOpMetrics) IncToolRuns(_ string, _ bool) {}

// IncCoverageQueries implements MetricsCollector.
func (n *NoOpMetrics) IncCoverageQueries(_ bool) {}

// IncEntitiesPublished implements MetricsCollector.
func (n *NoOpMetrics) IncEntitiesPublished(_ string, _ int) {}

// IncRecordsSeeded implements MetricsCollector.
func (n *NoOpMetrics) IncRecordsSeeded(_ string, _ int) {}

// SetCachedTiles implements MetricsCollector.
func (n *NoOpMetrics) SetCachedTiles(_ int) {}

// SetCachedBytes implements MetricsCollector.
func (n *NoOpMetrics) SetCachedBytes(_ int64) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}

// SetJobsInFlight implements MetricsCollector.
func (n *NoOpMetrics) SetJobsInFlight(_ int) {}
