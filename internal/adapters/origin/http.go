// Package origin downloads source tiles from their origin servers.
package origin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jobrunner/canopy/internal/domain"
)

// defaultTimeout bounds a single origin download.
const defaultTimeout = 10 * time.Minute

// HTTPFetcher implements OriginFetcher over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPFetcher creates a new HTTP origin fetcher.
func NewHTTPFetcher(timeout time.Duration, logger *slog.Logger) *HTTPFetcher {
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Fetch downloads the given URL into dest and returns the number of bytes
// written. The destination directory is created if needed.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return 0, &domain.StorageError{Operation: "fetch", Key: url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &domain.StorageError{Operation: "fetch", Key: url, Err: err}
	}

	start := time.Now()

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &domain.StorageError{Operation: "fetch", Key: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, &domain.StorageError{
			Operation: "fetch",
			Key:       url,
			Err:       fmt.Errorf("origin returned status %d", resp.StatusCode),
		}
	}

	out, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return 0, &domain.StorageError{Operation: "fetch", Key: url, Err: err}
	}
	defer func() { _ = out.Close() }()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		return written, &domain.StorageError{Operation: "fetch", Key: url, Err: err}
	}

	f.logger.Debug("origin download finished",
		"url", url,
		"bytes", written,
		"duration", time.Since(start).String())

	return written, nil
}
