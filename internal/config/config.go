// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/discovery/internal/worker"
	"github.com/tombee/discovery/pkg/errors"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m", or from integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return &errors.ConfigError{Reason: fmt.Sprintf("invalid duration %q", raw), Cause: err}
	}
	*d = Duration(parsed)
	return nil
}

// Config is the complete discoveryd configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Worker   WorkerConfig   `yaml:"worker"`
	Runner   RunnerConfig   `yaml:"runner"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig selects the sqlite store.
type DatabaseConfig struct {
	// URL is the database path. A sqlite:// prefix is accepted and stripped.
	URL string `yaml:"url"`
}

// WorkerConfig holds remote step worker settings.
type WorkerConfig struct {
	BaseURL        string              `yaml:"base_url"`
	DefaultTimeout Duration            `yaml:"default_timeout"`
	Timeouts       map[string]Duration `yaml:"timeouts"`
}

// RunnerConfig holds async execution settings.
type RunnerConfig struct {
	MaxParallel int `yaml:"max_parallel"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{URL: "discovery.db"},
		Worker: WorkerConfig{
			BaseURL:        worker.DefaultBaseURL,
			DefaultTimeout: Duration(worker.DefaultStepTimeout),
		},
		Runner: RunnerConfig{MaxParallel: 10},
	}
}

// Load reads configuration from path (optional, "" skips the file),
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, &errors.ConfigError{Reason: fmt.Sprintf("reading %s", path), Cause: err}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &errors.ConfigError{Reason: fmt.Sprintf("parsing %s", path), Cause: err}
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv overrides file values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("DISCOVERY_LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("WORKER_BASE_URL"); v != "" {
		c.Worker.BaseURL = v
	}
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &errors.ConfigError{Key: "server.addr", Reason: "must not be empty"}
	}
	if c.Database.URL == "" {
		return &errors.ConfigError{Key: "database.url", Reason: "must not be empty"}
	}
	if c.Worker.BaseURL == "" {
		return &errors.ConfigError{Key: "worker.base_url", Reason: "must not be empty"}
	}
	if c.Runner.MaxParallel < 0 {
		return &errors.ConfigError{Key: "runner.max_parallel", Reason: "must not be negative"}
	}
	return nil
}

// WorkerClientConfig converts the worker section into a client config.
func (c *Config) WorkerClientConfig() worker.Config {
	wc := worker.DefaultConfig()
	wc.BaseURL = c.Worker.BaseURL
	if c.Worker.DefaultTimeout > 0 {
		wc.DefaultTimeout = time.Duration(c.Worker.DefaultTimeout)
	}
	for name, d := range c.Worker.Timeouts {
		wc.Timeouts[name] = time.Duration(d)
	}
	return wc
}
