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

package frontwatch

import (
	"io"
	"log/slog"
	"time"

	"github.com/openplural/frontwatch/host"
	"github.com/prometheus/client_golang/prometheus"
)

// Host adapter names known at build time. Adapters register themselves
// in init(), so the set depends on which adapter packages are imported.
const (
	DefaultHostAdapter       = "socket"
	DefaultHostListenNetwork = "tcp"
	DefaultHostListenAddress = "127.0.0.1:6560"
)

type Config struct {
	promRegistry      prometheus.Registerer
	logger            *slog.Logger
	hostSource        host.Source
	dataDir           string
	hostAdapter       string
	hostListenNetwork string
	hostListenAddress string
	pluralKitBaseURL  string
	connectionRefresh time.Duration
	fronterRefresh    time.Duration
	requestTimeout    time.Duration
	shutdownTimeout   time.Duration
	historyRetention  int
	tracing           bool
	tracingStdout     bool
}

// ConfigOptionFunc is a type that represents functions that modify the
// Overlay config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new frontwatch config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		hostAdapter:       DefaultHostAdapter,
		hostListenNetwork: DefaultHostListenNetwork,
		hostListenAddress: DefaultHostListenAddress,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log
// output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies the prometheus registry for metrics
func WithPrometheusRegistry(
	registry prometheus.Registerer,
) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithDataDir specifies the persistent data directory to use. The default
// is to store everything in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithHostAdapter selects the registered host adapter by name
func WithHostAdapter(name string) ConfigOptionFunc {
	return func(c *Config) {
		c.hostAdapter = name
	}
}

// WithHostListener specifies the listen network/address for socket-based
// host adapters
func WithHostListener(network, address string) ConfigOptionFunc {
	return func(c *Config) {
		c.hostListenNetwork = network
		c.hostListenAddress = address
	}
}

// WithHostSource injects an already-constructed host source, bypassing
// the adapter registry. Mostly used for tests and dev mode
func WithHostSource(source host.Source) ConfigOptionFunc {
	return func(c *Config) {
		c.hostSource = source
	}
}

// WithPluralKitBaseURL overrides the PluralKit API base URL
func WithPluralKitBaseURL(baseURL string) ConfigOptionFunc {
	return func(c *Config) {
		c.pluralKitBaseURL = baseURL
	}
}

// WithRefreshIntervals specifies the connection re-validation interval
// and the fronter display re-poll interval
func WithRefreshIntervals(
	connectionRefresh time.Duration,
	fronterRefresh time.Duration,
) ConfigOptionFunc {
	return func(c *Config) {
		c.connectionRefresh = connectionRefresh
		c.fronterRefresh = fronterRefresh
	}
}

// WithRequestTimeout bounds each PluralKit API call
func WithRequestTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.requestTimeout = timeout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}

// WithHistoryRetention caps the number of front history rows kept
func WithHistoryRetention(limit int) ConfigOptionFunc {
	return func(c *Config) {
		c.historyRetention = limit
	}
}

// WithTracing enables tracing. By default, spans are submitted to a
// HTTP(s) endpoint using OTLP. This can be configured using the
// OTEL_EXPORTER_OTLP_* env vars documented in the README for
// [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires
// tracing to be enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}
