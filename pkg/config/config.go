// Package config defines the immutable pipeline configuration.
//
// Configuration is loaded once from a TOML file and passed to each component
// at construction. Nothing reads process-wide state after startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// Engine names accepted by Warehouse.Engine.
const (
	EngineRedshift = "redshift"
	EngineLocal    = "local"
)

// Config is the full pipeline configuration.
type Config struct {
	Warehouse Warehouse `toml:"warehouse"`
	Catalog   Catalog   `toml:"catalog"`
	Tables    Tables    `toml:"tables"`
	Horizon   Horizon   `toml:"horizon"`
	Retry     Retry     `toml:"retry"`
	Debug     Debug     `toml:"debug"`
}

// Warehouse identifies the target warehouse.
type Warehouse struct {
	// Engine is "redshift" or "local".
	Engine string `toml:"engine"`
	// DSN is a postgres connection string for redshift, or a database file
	// path for local.
	DSN string `toml:"dsn"`
	// IAMRole is the role ARN the warehouse assumes for bulk loads.
	// Required for redshift, ignored for local.
	IAMRole string `toml:"iam_role"`
	Region  string `toml:"region"`
}

// Catalog locates source objects and the manifest drop zone.
type Catalog struct {
	DataBucket  string `toml:"data_bucket"`
	EventPrefix string `toml:"event_prefix"`
	SongPrefix  string `toml:"song_prefix"`

	ManifestBucket   string `toml:"manifest_bucket"`
	EventManifestKey string `toml:"event_manifest_key"`
	SongManifestKey  string `toml:"song_manifest_key"`
	// EventJSONPathsKey points at the jsonpaths document mapping event log
	// attributes to staging columns. Used by the redshift COPY only.
	EventJSONPathsKey string `toml:"event_jsonpaths_key"`
	DateDimKey        string `toml:"date_dim_key"`
	TimeDimKey        string `toml:"time_dim_key"`
}

// Tables names every warehouse table the pipeline touches.
type Tables struct {
	StagingEvents string `toml:"staging_events"`
	StagingSongs  string `toml:"staging_songs"`
	UserDim       string `toml:"user_dim"`
	SongDim       string `toml:"song_dim"`
	ArtistDim     string `toml:"artist_dim"`
	DateDim       string `toml:"date_dim"`
	TimeDim       string `toml:"time_dim"`
	Songplays     string `toml:"songplays"`
	LoadState     string `toml:"load_state"`
	RunLock       string `toml:"run_lock"`
}

// Horizon configures the pre-populated calendar dimension.
type Horizon struct {
	// Start is the first calendar date, formatted 2006-01-02.
	Start string `toml:"start"`
	Years int    `toml:"years"`
}

// StartDate parses the horizon start.
func (h Horizon) StartDate() (time.Time, error) {
	d, err := time.Parse("2006-01-02", h.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse horizon start %q: %w", h.Start, err)
	}
	return d, nil
}

// Retry bounds retries for transient catalog/warehouse failures.
type Retry struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

// Debug holds operator-only switches.
type Debug struct {
	// TruncateAfterRun empties staging and star tables after a successful
	// run so the next run starts clean. Never applied on failure.
	TruncateAfterRun bool `toml:"truncate_after_run"`
}

// Default returns the baseline configuration. Loaded files override it.
func Default() Config {
	return Config{
		Warehouse: Warehouse{
			Engine: EngineLocal,
			Region: "us-west-2",
		},
		Catalog: Catalog{
			EventManifestKey:  "manifests/song_log.manifest",
			SongManifestKey:   "manifests/song_data.manifest",
			EventJSONPathsKey: "manifests/log_json_path.json",
			DateDimKey:        "reference/dim_date.csv",
			TimeDimKey:        "reference/dim_time.csv",
		},
		Tables: Tables{
			StagingEvents: "staging_song_log",
			StagingSongs:  "staging_song_data",
			UserDim:       "dim_user",
			SongDim:       "dim_song",
			ArtistDim:     "dim_artist",
			DateDim:       "dim_date",
			TimeDim:       "dim_time",
			Songplays:     "fact_songplay",
			LoadState:     "etl_load_state",
			RunLock:       "etl_run_lock",
		},
		Horizon: Horizon{
			Start: "2015-01-01",
			Years: 10,
		},
		Retry: Retry{
			MaxAttempts: 4,
			BaseDelayMS: 500,
			MaxDelayMS:  30_000,
		},
	}
}

// Load reads a TOML configuration file over the defaults and validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks configuration values and returns an error for invalid settings.
func (c *Config) Validate() error {
	switch c.Warehouse.Engine {
	case EngineRedshift:
		if c.Warehouse.DSN == "" {
			return fmt.Errorf("warehouse.dsn is required for engine %q", EngineRedshift)
		}
		if c.Warehouse.IAMRole == "" {
			return fmt.Errorf("warehouse.iam_role is required for engine %q", EngineRedshift)
		}
		if c.Warehouse.Region == "" {
			return fmt.Errorf("warehouse.region is required for engine %q", EngineRedshift)
		}
	case EngineLocal:
		if c.Warehouse.DSN == "" {
			return fmt.Errorf("warehouse.dsn (database file path) is required for engine %q", EngineLocal)
		}
	default:
		return fmt.Errorf("unknown warehouse.engine %q: must be %q or %q",
			c.Warehouse.Engine, EngineRedshift, EngineLocal)
	}

	if c.Catalog.DataBucket == "" {
		return fmt.Errorf("catalog.data_bucket is required")
	}
	if c.Catalog.ManifestBucket == "" {
		return fmt.Errorf("catalog.manifest_bucket is required")
	}
	if c.Catalog.EventPrefix == "" {
		return fmt.Errorf("catalog.event_prefix is required")
	}
	if c.Catalog.SongPrefix == "" {
		return fmt.Errorf("catalog.song_prefix is required")
	}

	if _, err := c.Horizon.StartDate(); err != nil {
		return err
	}
	if c.Horizon.Years < 1 {
		return fmt.Errorf("horizon.years must be at least 1, got %d", c.Horizon.Years)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// RetryPolicy converts the retry section into delay values.
func (c *Config) RetryPolicy() (maxAttempts int, baseDelay, maxDelay time.Duration) {
	return c.Retry.MaxAttempts,
		time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}
