// Package orion publishes NGSI-LD entities to an Orion-LD context broker.
package orion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jobrunner/canopy/internal/domain"
)

// coreContext is the NGSI-LD core @context every entity carries.
const coreContext = "https://uri.etsi.org/ngsi-ld/v1/ngsi-ld-core-context.jsonld"

// defaultMaxTrees caps tree entities per job so a dense parcel cannot flood
// the broker.
const defaultMaxTrees = 100

// Publisher implements EntityPublisher against an Orion-LD broker.
type Publisher struct {
	client   *http.Client
	baseURL  string
	maxTrees int
	logger   *slog.Logger
}

// New creates a new Orion-LD publisher.
func New(baseURL string, maxTrees int, timeout time.Duration, logger *slog.Logger) *Publisher {
	if maxTrees <= 0 {
		maxTrees = defaultMaxTrees
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Publisher{
		client:   &http.Client{Timeout: timeout},
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxTrees: maxTrees,
		logger:   logger,
	}
}

// property is an NGSI-LD Property attribute.
type property struct {
	Type     string `json:"type"`
	Value    any    `json:"value"`
	UnitCode string `json:"unitCode,omitempty"`
}

// relationship is an NGSI-LD Relationship attribute.
type relationship struct {
	Type   string `json:"type"`
	Object string `json:"object"`
}

// PublishLayer announces a finished tileset as a PointCloudLayer entity.
func (p *Publisher) PublishLayer(ctx context.Context, job *domain.Job) error {
	if job.Result == nil {
		return fmt.Errorf("job %s has no result to publish: %w", job.ID, domain.ErrInvalidInput)
	}

	source := job.PreferredSource
	if source == "" {
		source = "PNOA"
	}

	entity := map[string]any{
		"@context":       []string{coreContext},
		"id":             "urn:ngsi-ld:PointCloudLayer:" + job.ID,
		"type":           "PointCloudLayer",
		"tilesetUrl":     property{Type: "Property", Value: job.Result.TilesetURL},
		"source":         property{Type: "Property", Value: source},
		"dateObserved":   property{Type: "Property", Value: time.Now().UTC().Format(time.RFC3339)},
		"pipelineStatus": property{Type: "Property", Value: "COMPLETED"},
		"treeCount":      property{Type: "Property", Value: job.Result.TreeCount},
	}
	if job.ParcelRef != "" {
		entity["refAgriParcel"] = relationship{Type: "Relationship", Object: parcelURN(job.ParcelRef)}
	}

	if err := p.postEntity(ctx, job.Tenant, entity); err != nil {
		return err
	}

	p.logger.Info("created point cloud layer entity", "entity_id", entity["id"])
	return nil
}

// PublishTrees creates one AgriTree entity per detected tree, up to the
// configured cap. Individual failures are skipped so one bad entity cannot
// sink the rest.
func (p *Publisher) PublishTrees(ctx context.Context, job *domain.Job, trees []domain.Tree) (int, error) {
	if len(trees) > p.maxTrees {
		trees = trees[:p.maxTrees]
	}

	published := 0
	for _, tree := range trees {
		entity := map[string]any{
			"@context":      []string{coreContext},
			"id":            fmt.Sprintf("urn:ngsi-ld:AgriTree:%s_%s", job.ID, tree.ID),
			"type":          "AgriTree",
			"location":      property{Type: "GeoProperty", Value: tree.Location},
			"height":        property{Type: "Property", Value: tree.Height, UnitCode: "MTR"},
			"crownDiameter": property{Type: "Property", Value: tree.CrownDiameter, UnitCode: "MTR"},
			"crownArea":     property{Type: "Property", Value: tree.CrownArea, UnitCode: "MTK"},
		}
		if job.ParcelRef != "" {
			entity["refAgriParcel"] = relationship{Type: "Relationship", Object: parcelURN(job.ParcelRef)}
		}

		if err := p.postEntity(ctx, job.Tenant, entity); err != nil {
			p.logger.Debug("tree entity creation failed", "entity_id", entity["id"], "error", err)
			continue
		}
		published++
	}

	p.logger.Info("created tree entities", "job_id", job.ID, "count", published)
	return published, nil
}

// postEntity POSTs one entity to the broker's entity collection.
func (p *Publisher) postEntity(ctx context.Context, tenant string, entity map[string]any) error {
	body, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/ngsi-ld/v1/entities", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building entity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ld+json")
	req.Header.Set("Accept", "application/ld+json")
	if tenant != "" {
		req.Header.Set("NGSILD-Tenant", tenant)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting entity: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("broker returned status %d", resp.StatusCode)
	}

	return nil
}

// parcelURN normalizes a parcel reference into an AgriParcel URN.
func parcelURN(ref string) string {
	if strings.HasPrefix(ref, "urn:") {
		return ref
	}
	return "urn:ngsi-ld:AgriParcel:" + ref
}
