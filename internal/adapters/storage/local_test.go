package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLocalStorage(t *testing.T) {
	storage := NewLocalStorage("/tmp/test", "")

	if storage == nil {
		t.Fatal("NewLocalStorage() returned nil")
	}

	if storage.basePath != "/tmp/test" {
		t.Errorf("basePath = %q, want %q", storage.basePath, "/tmp/test")
	}
}

func writeTestFiles(t *testing.T, dir string, names []string) {
	t.Helper()
	for _, f := range names {
		path := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte("test"), 0644); err != nil {
			t.Fatalf("failed to create file: %v", err)
		}
	}
}

func TestLocalStorageList(t *testing.T) {
	tmpDir := t.TempDir()

	writeTestFiles(t, tmpDir, []string{
		"source-tiles/tile1.laz",
		"source-tiles/tile2.laz",
		"tilesets/job-1/tileset.json",
		"tilesets/job-1/points.pnts",
	})

	storage := NewLocalStorage(tmpDir, "")

	all, err := storage.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 4 {
		t.Errorf("len(all) = %d, want 4", len(all))
	}

	tiles, err := storage.List(context.Background(), "source-tiles/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tiles) != 2 {
		t.Errorf("len(tiles) = %d, want 2", len(tiles))
	}

	for _, obj := range tiles {
		if obj.Size != 4 { // "test" is 4 bytes
			t.Errorf("object %q size = %d, want 4", obj.Key, obj.Size)
		}
		if obj.LastModified == 0 {
			t.Errorf("object %q LastModified should not be 0", obj.Key)
		}
	}
}

func TestLocalStorageListEmpty(t *testing.T) {
	storage := NewLocalStorage(t.TempDir(), "")
	objects, err := storage.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if len(objects) != 0 {
		t.Errorf("len(objects) = %d, want 0", len(objects))
	}
}

func TestLocalStorageListNonExistent(t *testing.T) {
	storage := NewLocalStorage("/nonexistent/path", "")
	_, err := storage.List(context.Background(), "")
	if err == nil {
		t.Error("List() should error for non-existent path")
	}
}

func TestLocalStorageExists(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFiles(t, tmpDir, []string{"exists.laz"})

	storage := NewLocalStorage(tmpDir, "")

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"existing file", "exists.laz", true},
		{"non-existing file", "nonexistent.laz", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.Exists(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("Exists() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Exists(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestLocalStorageUploadDownload(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewLocalStorage(filepath.Join(tmpDir, "store"), "")

	src := filepath.Join(tmpDir, "input.laz")
	if err := os.WriteFile(src, []byte("point cloud data"), 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	if err := storage.Upload(context.Background(), src, "source-tiles/tile.laz", "application/octet-stream"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	exists, err := storage.Exists(context.Background(), "source-tiles/tile.laz")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Fatal("uploaded object should exist")
	}

	dest := filepath.Join(tmpDir, "out", "tile.laz")
	if err := storage.Download(context.Background(), "source-tiles/tile.laz", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(data) != "point cloud data" {
		t.Errorf("downloaded content = %q, want %q", string(data), "point cloud data")
	}
}

func TestLocalStorageDelete(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFiles(t, tmpDir, []string{"doomed.laz"})

	storage := NewLocalStorage(tmpDir, "")

	if err := storage.Delete(context.Background(), "doomed.laz"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	exists, _ := storage.Exists(context.Background(), "doomed.laz")
	if exists {
		t.Error("deleted object should no longer exist")
	}

	// Deleting a missing key is not an error
	if err := storage.Delete(context.Background(), "doomed.laz"); err != nil {
		t.Errorf("Delete() of missing key error = %v, want nil", err)
	}
}

func TestLocalStorageDeletePrefix(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFiles(t, tmpDir, []string{
		"tilesets/job-1/tileset.json",
		"tilesets/job-1/points.pnts",
		"tilesets/job-2/tileset.json",
	})

	storage := NewLocalStorage(tmpDir, "")

	if err := storage.DeletePrefix(context.Background(), "tilesets/job-1/"); err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}

	remaining, err := storage.List(context.Background(), "tilesets/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("len(remaining) = %d, want 1", len(remaining))
	}
	if remaining[0].Key != "tilesets/job-2/tileset.json" {
		t.Errorf("remaining key = %q, want %q", remaining[0].Key, "tilesets/job-2/tileset.json")
	}
}

func TestLocalStoragePublicURL(t *testing.T) {
	tests := []struct {
		name      string
		publicURL string
		key       string
		want      string
	}{
		{
			name:      "with public URL",
			publicURL: "https://cdn.example.com/data",
			key:       "tilesets/job-1/tileset.json",
			want:      "https://cdn.example.com/data/tilesets/job-1/tileset.json",
		},
		{
			name:      "trailing slash trimmed",
			publicURL: "https://cdn.example.com/data/",
			key:       "tilesets/job-1/tileset.json",
			want:      "https://cdn.example.com/data/tilesets/job-1/tileset.json",
		},
		{
			name:      "without public URL falls back to path",
			publicURL: "",
			key:       "tilesets/job-1/tileset.json",
			want:      filepath.Join("/base", "tilesets", "job-1", "tileset.json"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := NewLocalStorage("/base", tt.publicURL)
			if got := storage.PublicURL(tt.key); got != tt.want {
				t.Errorf("PublicURL(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}
