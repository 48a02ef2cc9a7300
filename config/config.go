package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("100ms", "1m30s") or bare integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Cache struct {
	CapacityBytes int64    `yaml:"capacityBytes"`
	IdleTTL       Duration `yaml:"idleTTL"`
	NodeTTL       Duration `yaml:"nodeTTL"`
}

type Flush struct {
	MaxWorkers          int  `yaml:"maxWorkers"`
	Atomic              bool `yaml:"atomic"`
	CreateBackup        bool `yaml:"createBackup"`
	PreservePermissions bool `yaml:"preservePermissions"`
	PreserveTimestamps  bool `yaml:"preserveTimestamps"`
}

type Watcher struct {
	Debounce      Duration `yaml:"debounce"`
	BatchInterval Duration `yaml:"batchInterval"`
	MaxBatchSize  int      `yaml:"maxBatchSize"`
}

type Engine struct {
	DataDir string  `yaml:"dataDir"`
	Cache   Cache   `yaml:"cache"`
	Flush   Flush   `yaml:"flush"`
	Watcher Watcher `yaml:"watcher"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrDataDirMissing           = errors.New("dataDir is missing in config")
	ErrFlushMaxWorkersInvalid   = errors.New("flush.maxWorkers must not be negative")
)

func Load(configFile string) (*Engine, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Engine
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.DataDir == "" {
		return nil, ErrDataDirMissing
	}
	if cfg.Flush.MaxWorkers < 0 {
		return nil, ErrFlushMaxWorkersInvalid
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Engine) applyDefaults() {
	if c.Cache.CapacityBytes == 0 {
		c.Cache.CapacityBytes = 256 << 20
	}
	if c.Cache.NodeTTL == 0 {
		c.Cache.NodeTTL = Duration(time.Minute)
	}
	if c.Flush.MaxWorkers == 0 {
		c.Flush.MaxWorkers = 8
	}
	if c.Watcher.Debounce == 0 {
		c.Watcher.Debounce = Duration(100 * time.Millisecond)
	}
	if c.Watcher.BatchInterval == 0 {
		c.Watcher.BatchInterval = Duration(500 * time.Millisecond)
	}
	if c.Watcher.MaxBatchSize == 0 {
		c.Watcher.MaxBatchSize = 100
	}
}
