// Package pdal runs point-cloud pipelines through the PDAL command line
// tool.
package pdal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jobrunner/canopy/internal/domain"
	"github.com/jobrunner/canopy/internal/ports/output"
)

// outputTail caps how much tool output is carried into errors.
const outputTail = 2048

// Engine implements PointCloudEngine by shelling out to pdal.
type Engine struct {
	binary string
	logger *slog.Logger
}

// NewEngine creates a new PDAL engine adapter. An empty binary defaults to
// "pdal" on PATH.
func NewEngine(binary string, logger *slog.Logger) *Engine {
	if binary == "" {
		binary = "pdal"
	}
	return &Engine{binary: binary, logger: logger}
}

// Run writes the pipeline spec to a scratch file and executes it.
func (e *Engine) Run(ctx context.Context, spec output.PipelineSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshaling pipeline spec: %w", err)
	}

	specFile, err := os.CreateTemp("", "canopy-pipeline-*.json")
	if err != nil {
		return fmt.Errorf("creating pipeline spec file: %w", err)
	}
	defer func() { _ = os.Remove(specFile.Name()) }()

	if _, err := specFile.Write(data); err != nil {
		_ = specFile.Close()
		return fmt.Errorf("writing pipeline spec file: %w", err)
	}
	if err := specFile.Close(); err != nil {
		return fmt.Errorf("closing pipeline spec file: %w", err)
	}

	start := time.Now()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.binary, "pipeline", specFile.Name()) //#nosec G204 -- binary comes from configuration
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &domain.ToolError{Tool: "pdal", Output: tail(stderr.String()), Err: err}
	}

	e.logger.Debug("pipeline run finished",
		"stages", len(spec),
		"duration", time.Since(start).String())

	return nil
}

// PointCount asks pdal for the file summary and extracts the point count.
func (e *Engine) PointCount(ctx context.Context, path string) (int64, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.binary, "info", "--summary", path) //#nosec G204 -- binary comes from configuration
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, &domain.ToolError{Tool: "pdal", Output: tail(stderr.String()), Err: err}
	}

	var info struct {
		Summary struct {
			NumPoints int64 `json:"num_points"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return 0, &domain.ToolError{Tool: "pdal", Output: tail(stdout.String()), Err: fmt.Errorf("parsing summary: %w", err)}
	}

	return info.Summary.NumPoints, nil
}

// tail returns the trailing portion of tool output, trimmed for error
// messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTail {
		return s
	}
	return "..." + s[len(s)-outputTail:]
}
