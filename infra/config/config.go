// Package config loads the server configuration from YAML with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can use the "250ms", "1h"
// string forms.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Symbol configures one trading pair and its precision. Tick powers are
// powers of ten: a price tick of -2 means prices move in 0.01 steps.
type Symbol struct {
	Name      string `yaml:"name"`
	PriceTick int8   `yaml:"price_tick"`
	QtyTick   int8   `yaml:"qty_tick"`
	QueueSize uint64 `yaml:"queue_size"` // power of two, 0 selects the default
}

// Config is the full server configuration.
type Config struct {
	NodeID uint8 `yaml:"node_id"`

	Symbols []Symbol `yaml:"symbols"`

	WAL struct {
		Dir                string   `yaml:"dir"`
		SegmentSize        int64    `yaml:"segment_size"`
		SegmentDuration    Duration `yaml:"segment_duration"`
		FlushInterval      Duration `yaml:"flush_interval"`
		CheckpointInterval Duration `yaml:"checkpoint_interval"` // 0 disables checkpoints
	} `yaml:"wal"`

	Outbox struct {
		Dir string `yaml:"dir"`
	} `yaml:"outbox"`

	Kafka struct {
		Brokers        []string `yaml:"brokers"`
		ChangelogTopic string   `yaml:"changelog_topic"`
		DeltaTopic     string   `yaml:"delta_topic"`
		RelayInterval  Duration `yaml:"relay_interval"`
	} `yaml:"kafka"`

	Pyroscope struct {
		ServerAddress string `yaml:"server_address"` // empty disables profiling
		AppName       string `yaml:"app_name"`
	} `yaml:"pyroscope"`
}

// Load reads and validates the configuration at path. Environment
// variables override broker and directory settings after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Name == "" {
			return fmt.Errorf("symbol with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("symbol %q configured twice", s.Name)
		}
		seen[s.Name] = true
		if s.QueueSize != 0 && s.QueueSize&(s.QueueSize-1) != 0 {
			return fmt.Errorf("symbol %q: queue_size %d is not a power of two", s.Name, s.QueueSize)
		}
	}
	if c.WAL.Dir == "" {
		return fmt.Errorf("wal.dir is required")
	}
	if c.Outbox.Dir == "" {
		return fmt.Errorf("outbox.dir is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.ChangelogTopic == "" || c.Kafka.DeltaTopic == "" {
		return fmt.Errorf("kafka topics are required")
	}
	return nil
}

// overrideWithEnv applies deployment overrides. FENRIR_KAFKA_BROKERS is a
// comma-separated list.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("FENRIR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FENRIR_WAL_DIR"); v != "" {
		cfg.WAL.Dir = v
	}
	if v := os.Getenv("FENRIR_OUTBOX_DIR"); v != "" {
		cfg.Outbox.Dir = v
	}
	if v := os.Getenv("FENRIR_PYROSCOPE_ADDR"); v != "" {
		cfg.Pyroscope.ServerAddress = v
	}
}
