package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable description of one simulation.
type Config struct {
	App           string          `yaml:"app"`
	NumSupernodes int             `yaml:"numSupernodes"`
	NumRounds     int             `yaml:"numRounds"`
	RunID         int64           `yaml:"runId"`
	Resources     ResourcesConfig `yaml:"clientResources"`
	Timeouts      TimeoutsConfig  `yaml:"timeouts"`
	Store         StoreConfig     `yaml:"store"`
	Log           LogConfig       `yaml:"log"`
	Partitioner   PartitionConfig `yaml:"partitioner"`
}

// ResourcesConfig declares the host share one actor needs.
type ResourcesConfig struct {
	NumCPUs float64 `yaml:"numCpus"`
	NumGPUs float64 `yaml:"numGpus"`
}

// TimeoutsConfig carries duration knobs as strings ("30s", "1m").
type TimeoutsConfig struct {
	RoundTimeout string `yaml:"roundTimeout"`
	TaskTTL      string `yaml:"taskTtl"`
	PollInterval string `yaml:"pollInterval"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Kind    string `yaml:"kind"` // "memory" or "bolt"
	DataDir string `yaml:"dataDir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PartitionConfig selects and parameterizes the dataset partitioner.
type PartitionConfig struct {
	Kind             string    `yaml:"kind"` // "iid", "dirichlet" or "natural-id"
	PartitionBy      string    `yaml:"partitionBy"`
	Alpha            []float64 `yaml:"alpha"`
	MinPartitionSize int       `yaml:"minPartitionSize"`
	SelfBalancing    bool      `yaml:"selfBalancing"`
	Shuffle          bool      `yaml:"shuffle"`
	Seed             uint64    `yaml:"seed"`
}

// Load reads and validates a simulation config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and parseability of durations.
func (c *Config) Validate() error {
	if c.App == "" {
		return fmt.Errorf("app must be set")
	}
	if c.NumSupernodes <= 0 {
		return fmt.Errorf("numSupernodes must be positive, got %d", c.NumSupernodes)
	}
	if c.NumRounds <= 0 {
		return fmt.Errorf("numRounds must be positive, got %d", c.NumRounds)
	}
	if c.Resources.NumCPUs < 0 || c.Resources.NumGPUs < 0 {
		return fmt.Errorf("client resources must be non-negative")
	}
	for _, d := range []string{c.Timeouts.RoundTimeout, c.Timeouts.TaskTTL, c.Timeouts.PollInterval} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q: %w", d, err)
		}
	}
	switch c.Store.Kind {
	case "", "memory":
	case "bolt":
		if c.Store.DataDir == "" {
			return fmt.Errorf("bolt store requires dataDir")
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	switch c.Partitioner.Kind {
	case "", "iid":
	case "dirichlet":
		if c.Partitioner.PartitionBy == "" {
			return fmt.Errorf("dirichlet partitioner requires partitionBy")
		}
		if len(c.Partitioner.Alpha) == 0 {
			return fmt.Errorf("dirichlet partitioner requires alpha")
		}
	case "natural-id":
		if c.Partitioner.PartitionBy == "" {
			return fmt.Errorf("natural-id partitioner requires partitionBy")
		}
	default:
		return fmt.Errorf("unknown partitioner kind %q", c.Partitioner.Kind)
	}
	return nil
}

// RoundTimeout returns the parsed round timeout; zero when unset.
func (c *Config) RoundTimeout() time.Duration { return parseDuration(c.Timeouts.RoundTimeout) }

// TaskTTL returns the parsed task TTL; zero when unset.
func (c *Config) TaskTTL() time.Duration { return parseDuration(c.Timeouts.TaskTTL) }

// PollInterval returns the parsed poll interval; zero when unset.
func (c *Config) PollInterval() time.Duration { return parseDuration(c.Timeouts.PollInterval) }

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
