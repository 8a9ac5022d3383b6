// Package config loads daemon configuration from a YAML file.
// Every field has a default so an empty (or absent) file is a valid config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the hexhold daemon.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	World     WorldConfig     `yaml:"world"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	API       APIConfig       `yaml:"api"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type WorldConfig struct {
	Seed   int64 `yaml:"seed"`
	Radius int   `yaml:"radius"`
}

type SchedulerConfig struct {
	// TickInterval is how often the trigger attempts to start a play loop.
	TickInterval Duration `yaml:"tick_interval"`
	// ReapAfter force-fails running loops older than this.
	ReapAfter Duration `yaml:"reap_after"`
	// CycleRetention bounds how long finished cycles and their ledger
	// entries are kept before garbage collection.
	CycleRetention Duration `yaml:"cycle_retention"`
}

type QueueConfig struct {
	Workers      int      `yaml:"workers"`
	Buffer       int      `yaml:"buffer"`
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

type LedgerConfig struct {
	TTL      Duration `yaml:"ttl"`
	ClaimTTL Duration `yaml:"claim_ttl"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "data/hexhold.db"},
		World:    WorldConfig{Seed: 0, Radius: 12},
		Scheduler: SchedulerConfig{
			TickInterval:   Duration(30 * time.Second),
			ReapAfter:      Duration(10 * time.Minute),
			CycleRetention: Duration(24 * time.Hour),
		},
		Queue: QueueConfig{
			Workers:      4,
			Buffer:       256,
			MaxAttempts:  5,
			RetryBackoff: Duration(2 * time.Second),
		},
		Ledger: LedgerConfig{
			TTL:      Duration(2 * time.Hour),
			ClaimTTL: Duration(2 * time.Minute),
		},
		API: APIConfig{Port: 8080},
	}
}

// Load reads a YAML config file, applying defaults for any missing fields.
// A missing file is not an error — defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
