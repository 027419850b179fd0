package application

import (
	"sort"
	"sync"
	"time"

	"github.com/jobrunner/canopy/internal/ports/output"
)

// Tracker keeps an in-memory view of the jobs currently being processed.
// Workers register jobs when they claim them and deregister on completion,
// so health checks and shutdown can see what is in flight.
type Tracker struct {
	mu      sync.RWMutex
	running map[string]time.Time // job ID -> processing start
	metrics output.MetricsCollector
}

// NewTracker creates a new job tracker.
func NewTracker(metrics output.MetricsCollector) *Tracker {
	return &Tracker{
		running: make(map[string]time.Time),
		metrics: metrics,
	}
}

// Add registers a job as in flight.
func (t *Tracker) Add(jobID string) {
	t.mu.Lock()
	t.running[jobID] = time.Now().UTC()
	count := len(t.running)
	t.mu.Unlock()

	t.metrics.SetJobsInFlight(count)
}

// Remove deregisters a job.
func (t *Tracker) Remove(jobID string) {
	t.mu.Lock()
	delete(t.running, jobID)
	count := len(t.running)
	t.mu.Unlock()

	t.metrics.SetJobsInFlight(count)
}

// InFlight returns the number of jobs currently being processed.
func (t *Tracker) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.running)
}

// JobIDs returns the IDs of in-flight jobs, sorted for stable output.
func (t *Tracker) JobIDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.running))
	for id := range t.running {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
