// Package config handles loading the optional conductor.yaml configuration.
// Conductor runs with zero config (sensible defaults: mock coderunner, no
// object store); conductor.yaml lets operators point at a real coderunner
// service and/or an S3-compatible object store for oversized log excerpts.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level conductor.yaml configuration.
type Config struct {
	Coderunner  CoderunnerConfig  `yaml:"coderunner"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
}

// CoderunnerConfig selects and configures the Coderunner Adapter.
type CoderunnerConfig struct {
	// Mode is "mock" or "external". Empty defaults to "mock".
	Mode    string        `yaml:"mode"`
	BaseURL string        `yaml:"baseUrl"`
	Timeout time.Duration `yaml:"timeout"`
}

// ObjectStoreConfig configures the external-storage backend for oversized
// log excerpts (SPEC_FULL.md §3 artifact storage backends). Endpoint empty
// means no object store is configured; every artifact is then written
// inline and oversized logs are truncated only.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSsl"`
}

// DefaultConfig returns the zero-config defaults: mock coderunner, no
// object store.
func DefaultConfig() *Config {
	return &Config{
		Coderunner: CoderunnerConfig{Mode: "mock"},
	}
}

// Load parses a conductor.yaml file and validates it. If path is empty,
// returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Coderunner.Mode == "" {
		cfg.Coderunner.Mode = "mock"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolvePath finds the config file path.
// Priority: CONDUCTOR_CONFIG env var > ./conductor.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("CONDUCTOR_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("conductor.yaml"); err == nil {
		return "conductor.yaml"
	}
	return ""
}

// validate checks required fields given the selected coderunner mode.
func (c *Config) validate() error {
	switch c.Coderunner.Mode {
	case "mock":
		// No further fields required.
	case "external":
		if c.Coderunner.BaseURL == "" {
			return fmt.Errorf("coderunner.mode=external requires coderunner.baseUrl")
		}
	default:
		return fmt.Errorf("coderunner.mode %q: must be \"mock\" or \"external\"", c.Coderunner.Mode)
	}
	return nil
}
