package controller

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/omnisLee/software-define-network-experiment/internal/logging"
	"github.com/omnisLee/software-define-network-experiment/internal/telemetry"
	"github.com/omnisLee/software-define-network-experiment/internal/topology"
)

// Config is the main configuration structure for the controller.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// LogDir is the directory holding the per-link observation logs.
	LogDir string `yaml:"log_dir"`
	// Poll configures the counter polling loop.
	Poll *telemetry.Config `yaml:"poll"`
	// Topology is the static network description.
	Topology *topology.Config `yaml:"topology"`
}

// DefaultConfig returns the default configuration: the reference
// three-device mesh polled every two seconds, logs in the working
// directory.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		LogDir:   ".",
		Poll:     telemetry.DefaultConfig(),
		Topology: topology.DefaultConfig(),
	}
}

// LoadConfig loads the configuration from a YAML file at the specified
// path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}
