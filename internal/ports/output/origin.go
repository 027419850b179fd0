package output

import "context"

// OriginFetcher defines the secondary port for downloading tiles from their
// origin servers.
type OriginFetcher interface {
	// Fetch downloads url into dest and returns the number of bytes written.
	Fetch(ctx context.Context, url string, dest string) (int64, error)
}
