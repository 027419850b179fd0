// Package storage provides object storage adapters.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/canopy/internal/ports/output"
)

// LocalStorage implements ObjectStorage for local filesystem.
type LocalStorage struct {
	basePath  string
	publicURL string
}

// NewLocalStorage creates a new local storage adapter.
func NewLocalStorage(basePath, publicURL string) *LocalStorage {
	return &LocalStorage{basePath: basePath, publicURL: strings.TrimSuffix(publicURL, "/")}
}

// List returns all files under the given key prefix.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}

		key := filepath.ToSlash(relPath)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}

		objects = append(objects, output.StorageObject{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime().Unix(),
		})

		return nil
	})

	if err != nil {
		return nil, err
	}

	return objects, nil
}

// Download copies a file to the destination.
func (s *LocalStorage) Download(ctx context.Context, key string, dest string) error {
	srcPath := s.FullPath(key)

	// If source and dest are the same, nothing to do
	if srcPath == dest {
		return nil
	}

	// Create destination directory if needed
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}

	// Copy file
	src, err := os.Open(srcPath) //#nosec G304 -- key is a controlled storage path
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// GetReader returns a reader for the given object.
func (s *LocalStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(s.FullPath(key)) //#nosec G304 -- key is a controlled storage path
}

// Exists checks if a file exists.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.FullPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Upload copies a local file under the given key. The content type is
// ignored; the filesystem has no notion of it.
func (s *LocalStorage) Upload(ctx context.Context, localPath string, key string, _ string) error {
	destPath := s.FullPath(key)

	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return err
	}

	src, err := os.Open(localPath) //#nosec G304 -- localPath is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(destPath) //#nosec G304 -- key is a controlled storage path
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// Delete removes a single file. Missing files are not an error.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.FullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeletePrefix removes every file under the given key prefix.
func (s *LocalStorage) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}

	return nil
}

// PublicURL returns the externally reachable URL for a key. Without a
// configured public URL it falls back to the local file path.
func (s *LocalStorage) PublicURL(key string) string {
	if s.publicURL == "" {
		return s.FullPath(key)
	}
	return s.publicURL + "/" + key
}

// FullPath returns the full path for a key.
func (s *LocalStorage) FullPath(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}
