// Package config loads the TOML configuration file shared by the arbor
// commands.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration file structure
type Config struct {
	FDB       FDBConfig       `toml:"fdb"`
	Snapshots *SnapshotConfig `toml:"snapshots"`
	Firehose  FirehoseConfig  `toml:"firehose"`
}

// FDBConfig selects the FoundationDB cluster backing the block and head
// storage.
type FDBConfig struct {
	ClusterFile string `toml:"cluster_file"`
	APIVersion  int    `toml:"api_version"`
}

// SnapshotConfig contains S3-compatible storage settings for repository
// snapshots. Optional: snapshots are disabled when absent.
type SnapshotConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// FirehoseConfig configures the event stream websocket server.
type FirehoseConfig struct {
	Addr string `toml:"addr"`
}

// Load reads and validates the TOML config file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if cfg.FDB.ClusterFile == "" {
		cfg.FDB.ClusterFile = "foundation.cluster"
	}
	if cfg.FDB.APIVersion == 0 {
		cfg.FDB.APIVersion = 730
	}
	if cfg.Firehose.Addr == "" {
		cfg.Firehose.Addr = "0.0.0.0:2470"
	}

	if cfg.Snapshots != nil {
		if err := validateSnapshotConfig(cfg.Snapshots); err != nil {
			return nil, fmt.Errorf("invalid snapshots config: %w", err)
		}
	}

	return &cfg, nil
}

func validateSnapshotConfig(cfg *SnapshotConfig) error {
	switch {
	case cfg.Endpoint == "":
		return fmt.Errorf("endpoint is required")
	case cfg.Bucket == "":
		return fmt.Errorf("bucket is required")
	case cfg.Region == "":
		return fmt.Errorf("region is required")
	}
	return nil
}
