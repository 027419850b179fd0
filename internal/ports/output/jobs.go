package output

import (
	"context"

	"github.com/jobrunner/canopy/internal/domain"
)

// JobStore defines the secondary port for job persistence.
type JobStore interface {
	// Create persists a new job.
	Create(ctx context.Context, job *domain.Job) error

	// Get returns a job by ID, or domain.ErrJobNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// List returns jobs ordered newest first, at most limit rows.
	List(ctx context.Context, limit int) ([]domain.Job, error)

	// UpdateStatus stores a job's status together with its progress,
	// messages, result and timestamps. It fails with a transition error
	// when the stored row is already terminal.
	UpdateStatus(ctx context.Context, job *domain.Job) error

	// UpdateProgress stores progress and message for a non-terminal job.
	// Progress writes against a terminal row are rejected.
	UpdateProgress(ctx context.Context, id string, progress int, message string) error

	// ClaimQueued atomically moves the oldest queued job to processing and
	// returns it. It returns domain.ErrJobNotFound when the backlog is empty.
	ClaimQueued(ctx context.Context) (*domain.Job, error)

	// CancelQueued moves a queued job to failed before a worker claims it.
	// Jobs already processing or terminal return domain.ErrJobNotCancellable.
	CancelQueued(ctx context.Context, id string, detail string) error
}
