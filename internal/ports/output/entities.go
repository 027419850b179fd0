package output

import (
	"context"

	"github.com/jobrunner/canopy/internal/domain"
)

// EntityPublisher defines the secondary port for context-broker publication.
type EntityPublisher interface {
	// PublishLayer announces a finished tileset as a point-cloud layer entity.
	PublishLayer(ctx context.Context, job *domain.Job) error

	// PublishTrees creates one entity per detected tree, honoring the
	// publisher's configured cap. It returns how many entities were created;
	// individual failures are skipped, not propagated.
	PublishTrees(ctx context.Context, job *domain.Job, trees []domain.Tree) (int, error)
}
