package output

import "context"

// TilesetConverter defines the secondary port for 3D tileset generation.
type TilesetConverter interface {
	// Convert turns a point-cloud file into a 3D Tiles tree under outputDir.
	// The directory must contain a tileset.json when Convert returns nil.
	Convert(ctx context.Context, inputPath string, outputDir string) error
}
