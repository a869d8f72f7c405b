// Copyright 2025 The frontwatch authors
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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "frontwatch.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	DataDir           string `yaml:"dataDir"           split_words:"true"`
	HostAdapter       string `yaml:"hostAdapter"       split_words:"true"`
	HostListenNetwork string `yaml:"hostListenNetwork" split_words:"true"`
	HostListenAddress string `yaml:"hostListenAddress" split_words:"true"`
	PluralKitBaseURL  string `yaml:"pluralKitBaseUrl"  envconfig:"PLURALKIT_BASE_URL"`
	ConnectionRefresh string `yaml:"connectionRefresh" split_words:"true"`
	FronterRefresh    string `yaml:"fronterRefresh"    split_words:"true"`
	RequestTimeout    string `yaml:"requestTimeout"    split_words:"true"`
	ShutdownTimeout   string `yaml:"shutdownTimeout"   split_words:"true"`
	MetricsPort       uint   `yaml:"metricsPort"       split_words:"true"`
	HistoryRetention  int    `yaml:"historyRetention"  split_words:"true"`
	Tracing           bool   `yaml:"tracing"`
	TracingStdout     bool   `yaml:"tracingStdout"     split_words:"true"`
	Debug             bool   `yaml:"debug"`
}

var globalConfig = &Config{
	DataDir:           ".frontwatch",
	HostAdapter:       "socket",
	HostListenNetwork: "tcp",
	HostListenAddress: "127.0.0.1:6560",
	ConnectionRefresh: "5m",
	FronterRefresh:    "30s",
	RequestTimeout:    "10s",
	ShutdownTimeout:   "30s",
	MetricsPort:       12798,
}

// LoadConfig reads the YAML config file (or the first of
// ~/.frontwatch/frontwatch.yaml and /etc/frontwatch/frontwatch.yaml that
// exists when none is given) and applies FRONTWATCH_* env overrides.
func LoadConfig(configFile string) (*Config, error) {
	if configFile == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(
				homeDir,
				".frontwatch",
				"frontwatch.yaml",
			)
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		if configFile == "" {
			systemPath := "/etc/frontwatch/frontwatch.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Overlay config values onto existing defaults
		if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("frontwatch", globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	return globalConfig, nil
}

// GetConfig returns the global config for callers that load it elsewhere
func GetConfig() *Config {
	return globalConfig
}

// parseDuration wraps time.ParseDuration with an empty-value default.
func parseDuration(value string, name string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", name, value, err)
	}
	return d, nil
}

// ConnectionRefreshDuration parses the configured connection refresh
// interval.
func (c *Config) ConnectionRefreshDuration() (time.Duration, error) {
	return parseDuration(c.ConnectionRefresh, "connectionRefresh")
}

// FronterRefreshDuration parses the configured fronter re-poll interval.
func (c *Config) FronterRefreshDuration() (time.Duration, error) {
	return parseDuration(c.FronterRefresh, "fronterRefresh")
}

// RequestTimeoutDuration parses the configured request timeout.
func (c *Config) RequestTimeoutDuration() (time.Duration, error) {
	return parseDuration(c.RequestTimeout, "requestTimeout")
}

// ShutdownTimeoutDuration parses the configured shutdown timeout.
func (c *Config) ShutdownTimeoutDuration() (time.Duration, error) {
	return parseDuration(c.ShutdownTimeout, "shutdownTimeout")
}
