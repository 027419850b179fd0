package storage

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/jobrunner/canopy/internal/ports/output"
)

// AzureStorage implements ObjectStorage for Azure Blob Storage.
type AzureStorage struct {
	client    *azblob.Client
	container string
	prefix    string
	publicURL string
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string
	AccountName      string
	AccountKey       string
	ConnectionString string
	Prefix           string
	PublicURL        string
}

// NewAzureStorage creates a new Azure Blob Storage adapter.
func NewAzureStorage(cfg AzureConfig) (*AzureStorage, error) {
	var client *azblob.Client
	var err error

	if cfg.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	} else {
		// Build client from account name and key
		url := "https://" + cfg.AccountName + ".blob.core.windows.net/"
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, err
		}
		client, err = azblob.NewClientWithSharedKeyCredential(url, cred, nil)
		if err != nil {
			return nil, err
		}
	}

	if err != nil {
		return nil, err
	}

	return &AzureStorage{
		client:    client,
		container: cfg.Container,
		prefix:    cfg.Prefix,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
	}, nil
}

// List returns all blobs under the given key prefix.
func (s *AzureStorage) List(ctx context.Context, prefix string) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	fullPrefix := s.fullKey(prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &fullPrefix,
	})

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Segment.BlobItems {
			objects = append(objects, s.blobToStorageObject(item))
		}
	}

	return objects, nil
}

// blobToStorageObject converts an Azure blob to a StorageObject.
func (s *AzureStorage) blobToStorageObject(item *container.BlobItem) output.StorageObject {
	name := *item.Name

	// Remove storage-level prefix from key
	relKey := strings.TrimPrefix(name, s.prefix)
	relKey = strings.TrimPrefix(relKey, "/")

	obj := output.StorageObject{
		Key: relKey,
	}

	s.extractBlobProperties(item, &obj)
	return obj
}

// extractBlobProperties extracts properties from an Azure blob.
func (s *AzureStorage) extractBlobProperties(item *container.BlobItem, obj *output.StorageObject) {
	if item.Properties == nil {
		return
	}
	if item.Properties.ContentLength != nil {
		obj.Size = *item.Properties.ContentLength
	}
	if item.Properties.LastModified != nil {
		obj.LastModified = item.Properties.LastModified.Unix()
	}
	if item.Properties.ETag != nil {
		obj.ETag = string(*item.Properties.ETag)
	}
}

// Download downloads a blob from Azure to the local filesystem.
func (s *AzureStorage) Download(ctx context.Context, key string, dest string) error {
	// Create destination directory
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}

	// Download blob
	resp, err := s.client.DownloadStream(ctx, s.container, s.fullKey(key), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// Write to file
	f, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = io.Copy(f, resp.Body)
	return err
}

// GetReader returns a reader for the given blob.
func (s *AzureStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.fullKey(key), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Exists checks if a blob exists in Azure.
func (s *AzureStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.DownloadStream(ctx, s.container, s.fullKey(key), &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: 0, Count: 1},
	})
	if err != nil {
		return false, nil //nolint:nilerr // error indicates blob doesn't exist, which is not an error condition for Exists
	}
	return true, nil
}

// Upload stores a local file under the given key.
func (s *AzureStorage) Upload(ctx context.Context, localPath string, key string, contentType string) error {
	f, err := os.Open(localPath) //#nosec G304 -- localPath is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(localPath))
	}

	opts := &azblob.UploadFileOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}

	_, err = s.client.UploadFile(ctx, s.container, s.fullKey(key), f, opts)
	return err
}

// Delete removes a single blob. Deleting a missing blob is not an error.
func (s *AzureStorage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, s.fullKey(key), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return err
	}
	return nil
}

// DeletePrefix removes every blob under the given key prefix.
func (s *AzureStorage) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}

	return nil
}

// PublicURL returns the externally reachable URL for an object key.
func (s *AzureStorage) PublicURL(key string) string {
	if s.publicURL == "" {
		return strings.TrimSuffix(s.client.URL(), "/") + "/" + s.container + "/" + s.fullKey(key)
	}
	return s.publicURL + "/" + s.fullKey(key)
}

// fullKey returns the full blob name including prefix.
func (s *AzureStorage) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	if key == "" {
		return s.prefix
	}
	return s.prefix + "/" + key
}
