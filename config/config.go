// Package config loads the small set of cluster-wide settings the rest
// of Spartan needs at construction time: default shard count, tiling
// policy, and heartbeat timing. Follows the optional-config-path-with-
// fallback idiom used for TileDB config loading elsewhere in this
// codebase; here the payload is plain key/value settings rather than
// array storage configuration, so the loader uses encoding/json instead
// of TileDB's config format.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spartan-array/spartan/splitter"
)

// ErrInvalidConfig is returned when a loaded config fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config collects the cluster-wide settings that the table, splitter,
// and membership packages are otherwise given individually by their
// callers. It has no behavior of its own; it exists so a CLI or test
// harness can load one JSON document and fan its fields out to the
// packages that need them.
type Config struct {
	// NumShards is the default shard count for a new table when the
	// caller does not override it explicitly.
	NumShards int `json:"num_shards"`
	// TargetTileSize records a per-tile element budget. No package reads
	// it: splitter.ComputeSplits always uses splitter.TargetTileSize.
	TargetTileSize int64 `json:"target_tile_size"`
	// HeartbeatInterval is the interval between membership sweeps.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// WorkerFailedHeartbeatThreshold is the number of consecutive
	// missed heartbeats before a worker is declared lost.
	WorkerFailedHeartbeatThreshold int `json:"worker_failed_heartbeat_threshold"`
	// CheckpointPath, when non-empty, selects a durable store.Factory
	// instead of the in-memory default.
	CheckpointPath string `json:"checkpoint_path"`
}

// DefaultConfig returns the configuration used when no config path is
// given.
func DefaultConfig() Config {
	return Config{
		NumShards:                      1,
		TargetTileSize:                 splitter.TargetTileSize,
		HeartbeatInterval:              2 * time.Second,
		WorkerFailedHeartbeatThreshold: 3,
	}
}

// Load reads a JSON config document from path, filling any field the
// document omits from DefaultConfig(). An empty path returns
// DefaultConfig() unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Join(ErrInvalidConfig, fmt.Errorf("parsing %s: %w", path, err))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that the configuration's values are usable.
func (c Config) Validate() error {
	if c.NumShards <= 0 {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("num_shards must be positive, got %d", c.NumShards))
	}
	if c.WorkerFailedHeartbeatThreshold <= 0 {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("worker_failed_heartbeat_threshold must be positive, got %d", c.WorkerFailedHeartbeatThreshold))
	}
	if c.HeartbeatInterval <= 0 {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	return nil
}
