// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"
	"io"
)

// ObjectStorage defines the secondary port for object storage operations.
type ObjectStorage interface {
	// List returns all objects under the given key prefix.
	List(ctx context.Context, prefix string) ([]StorageObject, error)

	// Download downloads an object to the local filesystem.
	Download(ctx context.Context, key string, dest string) error

	// GetReader returns a reader for the given object.
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Upload stores a local file under the given key.
	Upload(ctx context.Context, localPath string, key string, contentType string) error

	// Delete removes a single object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under the given key prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// PublicURL returns the externally reachable URL for an object key.
	PublicURL(key string) string
}

// StorageObject represents a file in object storage.
type StorageObject struct {
	Key          string // Object key/path
	Size         int64  // Size in bytes
	LastModified int64  // Unix timestamp
	ETag         string // Content hash
}

// StorageType represents the type of storage backend.
type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeAzure StorageType = "azure"
	StorageTypeLocal StorageType = "local"
)
