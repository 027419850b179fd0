// Package tiler converts point clouds into 3D Tiles via py3dtiles.
package tiler

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jobrunner/canopy/internal/domain"
)

// outputTail caps how much tool output is carried into errors.
const outputTail = 2048

// Py3DTiles implements TilesetConverter by shelling out to py3dtiles.
type Py3DTiles struct {
	binary string
	logger *slog.Logger
}

// New creates a new py3dtiles converter adapter. An empty binary defaults
// to "py3dtiles" on PATH.
func New(binary string, logger *slog.Logger) *Py3DTiles {
	if binary == "" {
		binary = "py3dtiles"
	}
	return &Py3DTiles{binary: binary, logger: logger}
}

// Convert builds a 3D Tiles tileset from the input point cloud under
// outputDir.
func (c *Py3DTiles) Convert(ctx context.Context, inputPath string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0750); err != nil {
		return &domain.StorageError{Operation: "convert", Key: outputDir, Err: err}
	}

	start := time.Now()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary, "convert", inputPath, "--out", outputDir, "--overwrite") //#nosec G204 -- binary comes from configuration
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &domain.ToolError{Tool: "py3dtiles", Output: tail(stderr.String()), Err: err}
	}

	c.logger.Debug("tileset conversion finished",
		"input", inputPath,
		"output", outputDir,
		"duration", time.Since(start).String())

	return nil
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
