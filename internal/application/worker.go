package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/output"
)

// WorkerConfig holds the worker pool's tunables.
type WorkerConfig struct {
	Count           int
	PollInterval    time.Duration
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
}

// Worker polls the job store for queued jobs and runs each through the
// pipeline. Claims are atomic at the store, so multiple workers never
// process the same job.
type Worker struct {
	jobs     output.JobStore
	pipeline *Pipeline
	tracker  *Tracker
	metrics  output.MetricsCollector
	logger   *slog.Logger
	cfg      WorkerConfig

	// Lifecycle management
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a worker pool over the given pipeline.
func NewWorker(
	jobs output.JobStore,
	pipeline *Pipeline,
	tracker *Tracker,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg WorkerConfig,
) *Worker {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Worker{
		jobs:     jobs,
		pipeline: pipeline,
		tracker:  tracker,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting workers",
		"count", w.cfg.Count, "poll_interval", w.cfg.PollInterval)

	for i := 0; i < w.cfg.Count; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// run is one worker's poll loop. Each tick drains the backlog before
// sleeping again.
func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()

	logger := w.logger.With("worker", id)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped: context canceled")
			return
		case <-w.stopCh:
			logger.Info("worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx, logger)
		}
	}
}

// drain claims and processes queued jobs until the backlog is empty or the
// worker is asked to stop.
func (w *Worker) drain(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.jobs.ClaimQueued(ctx)
		if errors.Is(err, domain.ErrJobNotFound) {
			return
		}
		if err != nil {
			logger.Error("claim failed", "error", err)
			return
		}
		w.RunJob(ctx, job)
	}
}

// RunJob processes one claimed job under the configured deadline. Panics in
// the pipeline are recovered and recorded as job failure so a poison job
// cannot take the worker down.
func (w *Worker) RunJob(ctx context.Context, job *domain.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	w.tracker.Add(job.ID)
	w.metrics.IncJobsStarted()
	start := time.Now()
	defer func() {
		w.tracker.Remove(job.ID)
		if r := recover(); r != nil {
			w.logger.Error("pipeline panicked", "job_id", job.ID, "panic", r)
			w.pipeline.failJob(jobCtx, job, fmt.Errorf("panic: %v", r))
		}
	}()

	w.logger.Info("job claimed", "job_id", job.ID)
	if err := w.pipeline.Process(jobCtx, job); err != nil {
		w.logger.Error("job failed",
			"job_id", job.ID, "duration", time.Since(start), "error", err)
		return
	}
	w.logger.Info("job done", "job_id", job.ID, "duration", time.Since(start))
}

// Stop closes the poll loops and waits for in-flight jobs up to the shutdown
// timeout. It returns an error when jobs were still running at the deadline.
func (w *Worker) Stop() error {
	w.logger.Info("stopping workers")
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(w.cfg.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out with %d jobs in flight", w.tracker.InFlight())
	}
}
