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

package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openplural/frontwatch"
	"github.com/openplural/frontwatch/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run assembles the overlay from config and runs it until it stops on
// its own or a termination signal arrives.
func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "service")
	connectionRefresh, err := cfg.ConnectionRefreshDuration()
	if err != nil {
		return err
	}
	fronterRefresh, err := cfg.FronterRefreshDuration()
	if err != nil {
		return err
	}
	requestTimeout, err := cfg.RequestTimeoutDuration()
	if err != nil {
		return err
	}
	shutdownTimeout, err := cfg.ShutdownTimeoutDuration()
	if err != nil {
		return err
	}
	overlay, err := frontwatch.New(
		frontwatch.NewConfig(
			frontwatch.WithLogger(logger),
			frontwatch.WithDataDir(cfg.DataDir),
			frontwatch.WithHostAdapter(cfg.HostAdapter),
			frontwatch.WithHostListener(
				cfg.HostListenNetwork,
				cfg.HostListenAddress,
			),
			frontwatch.WithPluralKitBaseURL(cfg.PluralKitBaseURL),
			frontwatch.WithRefreshIntervals(connectionRefresh, fronterRefresh),
			frontwatch.WithRequestTimeout(requestTimeout),
			frontwatch.WithShutdownTimeout(shutdownTimeout),
			frontwatch.WithHistoryRetention(cfg.HistoryRetention),
			// Enable metrics with default prometheus registry
			frontwatch.WithPrometheusRegistry(prometheus.DefaultRegisterer),
			frontwatch.WithTracing(cfg.Tracing),
			frontwatch.WithTracingStdout(cfg.TracingStdout),
		),
	)
	if err != nil {
		return err
	}

	// Metrics and debug listener
	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		http.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf("127.0.0.1:%d", cfg.MetricsPort)
		logger.Info(
			"serving prometheus metrics on "+metricsAddr,
			"component", "service",
		)
		metricsServer = &http.Server{
			Addr:              metricsAddr,
			ReadHeaderTimeout: 60 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil &&
				err != http.ErrServerClosed {
				logger.Error(
					fmt.Sprintf("failed to start metrics listener: %s", err),
					"component", "service",
				)
				os.Exit(1)
			}
		}()
	}

	stopMetrics := func() {
		if metricsServer == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run overlay in goroutine
	errChan := make(chan error, 1)
	go func() {
		err := overlay.Run()
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
		stopMetrics()
		if err := overlay.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil

	case err := <-errChan:
		if err == nil {
			logger.Info("overlay stopped")
			stopMetrics()
			if err := overlay.Stop(); err != nil {
				logger.Error("shutdown errors occurred", "error", err)
				return err
			}
			return nil
		}
		logger.Error("overlay error", "error", err)
		signalCtxStop()
		if stopErr := overlay.Stop(); stopErr != nil {
			logger.Error(
				"shutdown errors occurred during error cleanup",
				"error",
				stopErr,
			)
		}
		stopMetrics()
		return err
	}
}
