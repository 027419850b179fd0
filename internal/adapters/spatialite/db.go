// Package spatialite provides the SQLite+SpatiaLite persistence adapters:
// the coverage index, the job store, and the tile cache ledger share one
// database file.
package spatialite

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/mattn/go-sqlite3"
)

// Ensure sqlite3 driver is registered with extension support.
func init() {
	sql.Register("sqlite3_spatialite", &sqlite3.SQLiteDriver{
		Extensions: spatialiteLibraryPaths(),
	})
}

// spatialiteLibraryPaths returns a list of paths to try for loading SpatiaLite.
// The order is important: environment variable first, then platform-specific paths.
func spatialiteLibraryPaths() []string {
	var paths []string

	// First, check environment variable (set by Nix shell or Docker)
	// The env var should point to the exact library path
	if envPath := os.Getenv("SPATIALITE_LIBRARY_PATH"); envPath != "" {
		paths = append(paths, envPath)
		return paths
	}

	// Fallback: Platform-specific paths
	// Order matters - more specific paths first, then generic names
	paths = append(paths,
		// Alpine Linux (Docker containers)
		"/usr/lib/mod_spatialite.so",
		"/usr/lib/mod_spatialite.so.8",

		// Debian/Ubuntu amd64
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so",
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so.8",

		// Debian/Ubuntu arm64
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so",
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so.8",

		// macOS Homebrew (Intel)
		"/usr/local/lib/mod_spatialite.dylib",

		// macOS Homebrew (Apple Silicon)
		"/opt/homebrew/lib/mod_spatialite.dylib",

		// Generic names (let the system find them via LD_LIBRARY_PATH)
		"mod_spatialite.so",    // Linux
		"mod_spatialite",       // System default
		"mod_spatialite.dylib", // macOS
	)

	return paths
}

// DB wraps the shared state database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the state database, verifies the SpatiaLite
// extension and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	// Immediate transactions take the write lock at BEGIN, so claim
	// transactions never race on lock upgrade.
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3_spatialite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	// Verify SpatiaLite is loaded by checking its version
	var version string
	if err := db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("SpatiaLite extension not available: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping reports database reachability for health checks.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate applies the schema. Every statement is idempotent so a daemon can
// reopen an existing database.
func (d *DB) migrate(ctx context.Context) error {
	// Spatial metadata tables are created once per database file.
	var refSys int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='spatial_ref_sys'",
	).Scan(&refSys)
	if err != nil {
		return fmt.Errorf("inspecting schema: %w", err)
	}
	if refSys == 0 {
		if _, err := d.db.ExecContext(ctx, "SELECT InitSpatialMetaData(1)"); err != nil {
			return fmt.Errorf("initializing spatial metadata: %w", err)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS coverage_tiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tile_name TEXT NOT NULL,
			source TEXT NOT NULL,
			flight_year INTEGER,
			point_density REAL,
			laz_url TEXT NOT NULL,
			UNIQUE (source, tile_name)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			area_wkt TEXT,
			source_locator TEXT NOT NULL DEFAULT '',
			preferred_source TEXT NOT NULL DEFAULT '',
			tenant TEXT NOT NULL DEFAULT '',
			parcel_ref TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL,
			result TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS tile_cache (
			tile_name TEXT PRIMARY KEY,
			source_url TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			state TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	// The geometry column and its R-tree exist once per database file.
	var geomCols int
	err = d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM geometry_columns WHERE f_table_name = 'coverage_tiles' AND f_geometry_column = 'footprint'",
	).Scan(&geomCols)
	if err != nil {
		return fmt.Errorf("inspecting geometry columns: %w", err)
	}
	if geomCols == 0 {
		if _, err := d.db.ExecContext(ctx,
			"SELECT AddGeometryColumn('coverage_tiles', 'footprint', 4326, 'POLYGON', 'XY')",
		); err != nil {
			return fmt.Errorf("adding footprint geometry column: %w", err)
		}
		if _, err := d.db.ExecContext(ctx,
			"SELECT CreateSpatialIndex('coverage_tiles', 'footprint')",
		); err != nil {
			return fmt.Errorf("creating footprint spatial index: %w", err)
		}
	}

	return nil
}
