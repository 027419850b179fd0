package tiler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jobrunner/canopy/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewDefaultBinary(t *testing.T) {
	conv := New("", testLogger())
	if conv.binary != "py3dtiles" {
		t.Errorf("binary = %q, want %q", conv.binary, "py3dtiles")
	}
}

func TestConvertSuccess(t *testing.T) {
	// "true" ignores its arguments and exits zero, standing in for the tool.
	conv := New("true", testLogger())
	outDir := filepath.Join(t.TempDir(), "tiles")

	if err := conv.Convert(context.Background(), "in.laz", outDir); err != nil {
		t.Fatalf("Convert() error = %v", err)
	}

	// Output directory is created before the tool runs
	if _, err := os.Stat(outDir); err != nil {
		t.Errorf("output dir should exist: %v", err)
	}
}

func TestConvertFailure(t *testing.T) {
	conv := New("false", testLogger())
	outDir := filepath.Join(t.TempDir(), "tiles")

	err := conv.Convert(context.Background(), "in.laz", outDir)
	if err == nil {
		t.Fatal("Convert() should error when the tool exits non-zero")
	}

	var toolErr *domain.ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error type = %T, want *domain.ToolError", err)
	}
	if toolErr.Tool != "py3dtiles" {
		t.Errorf("tool = %q, want %q", toolErr.Tool, "py3dtiles")
	}
}
