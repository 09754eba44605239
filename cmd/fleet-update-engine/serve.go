// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleetupdate/internal/bmcadapter"
	"fleetupdate/internal/checkpoint"
	"fleetupdate/internal/hypervisor"
	"fleetupdate/internal/jobstore"
	"fleetupdate/internal/journal"
	"fleetupdate/internal/logging"
	"fleetupdate/internal/metrics"
	"fleetupdate/internal/rolling"
	"fleetupdate/internal/throttler"
	"fleetupdate/pkg/fleet"
)

// serveConfig holds the serve subcommand's runtime configuration.
// Values come from FLEET_* environment variables; flags of the same
// name override them, matching the env-then-flag precedence used
// throughout this repo's other command-line entrypoints.
type serveConfig struct {
	DBPath                   string
	EncryptionKey             string
	MaxConcurrentJobs         int
	ThrottleMaxConcurrent     int
	ThrottleRequestDelayMS    int
	ThrottleCircuitThreshold  int
	ThrottleCircuitTimeout    time.Duration
	MetricsAddr               string
	LogLevel                  string
	PollInterval              time.Duration
}

// insecureDefaultEncryptionKey is used only when the operator supplies
// none, so the store stays openable rather than refusing to start; BMC
// passwords are still encrypted at rest, just not with a secret unique
// to this deployment.
const insecureDefaultEncryptionKey = "fleet-update-engine-insecure-default"

func defaultServeConfig() serveConfig {
	return serveConfig{
		DBPath:                   "./fleet-update.db",
		EncryptionKey:            "",
		MaxConcurrentJobs:        1,
		ThrottleMaxConcurrent:    4,
		ThrottleRequestDelayMS:   500,
		ThrottleCircuitThreshold: 3,
		ThrottleCircuitTimeout:   30 * time.Minute,
		MetricsAddr:              ":9090",
		LogLevel:                 "info",
		PollInterval:             2 * time.Second,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseServeConfig() serveConfig {
	def := defaultServeConfig()
	return serveConfig{
		DBPath:                   getenv("FLEET_DB_PATH", def.DBPath),
		EncryptionKey:            getenv("FLEET_ENCRYPTION_KEY", def.EncryptionKey),
		MaxConcurrentJobs:        getenvInt("FLEET_MAX_CONCURRENT_JOBS", def.MaxConcurrentJobs),
		ThrottleMaxConcurrent:    getenvInt("FLEET_THROTTLE_MAX_CONCURRENT", def.ThrottleMaxConcurrent),
		ThrottleRequestDelayMS:   getenvInt("FLEET_THROTTLE_REQUEST_DELAY_MS", def.ThrottleRequestDelayMS),
		ThrottleCircuitThreshold: getenvInt("FLEET_THROTTLE_CIRCUIT_THRESHOLD", def.ThrottleCircuitThreshold),
		ThrottleCircuitTimeout:   getenvDuration("FLEET_THROTTLE_CIRCUIT_TIMEOUT", def.ThrottleCircuitTimeout),
		MetricsAddr:              getenv("FLEET_METRICS_ADDR", def.MetricsAddr),
		LogLevel:                 getenv("FLEET_LOG_LEVEL", def.LogLevel),
		PollInterval:             def.PollInterval,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the update poller and metrics/health HTTP endpoint",
	RunE:  runServe,
}

func init() {
	def := defaultServeConfig()
	serveCmd.Flags().String("db-path", def.DBPath, "SQLite job store path (env FLEET_DB_PATH)")
	serveCmd.Flags().String("encryption-key", def.EncryptionKey, "BMC password encryption passphrase (env FLEET_ENCRYPTION_KEY)")
	serveCmd.Flags().Int("max-concurrent-jobs", def.MaxConcurrentJobs, "Maximum rolling-update jobs run concurrently (env FLEET_MAX_CONCURRENT_JOBS)")
	serveCmd.Flags().Int("throttle-max-concurrent", def.ThrottleMaxConcurrent, "Maximum concurrent outbound BMC calls (env FLEET_THROTTLE_MAX_CONCURRENT)")
	serveCmd.Flags().Int("throttle-request-delay-ms", def.ThrottleRequestDelayMS, "Minimum delay between calls to the same BMC, in ms (env FLEET_THROTTLE_REQUEST_DELAY_MS)")
	serveCmd.Flags().Int("throttle-circuit-threshold", def.ThrottleCircuitThreshold, "Consecutive BMC failures before the circuit opens (env FLEET_THROTTLE_CIRCUIT_THRESHOLD)")
	serveCmd.Flags().Duration("throttle-circuit-timeout", def.ThrottleCircuitTimeout, "How long an open circuit stays open before probing again (env FLEET_THROTTLE_CIRCUIT_TIMEOUT)")
	serveCmd.Flags().String("metrics-addr", def.MetricsAddr, "Address for the metrics/health HTTP endpoint (env FLEET_METRICS_ADDR)")
	serveCmd.Flags().String("log-level", def.LogLevel, "Log level: debug|info|warn|error (env FLEET_LOG_LEVEL)")
}

// overrideFromFlags applies any flags the operator actually set on top
// of the env-seeded config. Flags take precedence over environment
// variables only when explicitly provided.
func overrideFromFlags(cfg serveConfig, cmd *cobra.Command) serveConfig {
	if cmd.Flags().Changed("db-path") {
		cfg.DBPath, _ = cmd.Flags().GetString("db-path")
	}
	if cmd.Flags().Changed("encryption-key") {
		cfg.EncryptionKey, _ = cmd.Flags().GetString("encryption-key")
	}
	if cmd.Flags().Changed("max-concurrent-jobs") {
		cfg.MaxConcurrentJobs, _ = cmd.Flags().GetInt("max-concurrent-jobs")
	}
	if cmd.Flags().Changed("throttle-max-concurrent") {
		cfg.ThrottleMaxConcurrent, _ = cmd.Flags().GetInt("throttle-max-concurrent")
	}
	if cmd.Flags().Changed("throttle-request-delay-ms") {
		cfg.ThrottleRequestDelayMS, _ = cmd.Flags().GetInt("throttle-request-delay-ms")
	}
	if cmd.Flags().Changed("throttle-circuit-threshold") {
		cfg.ThrottleCircuitThreshold, _ = cmd.Flags().GetInt("throttle-circuit-threshold")
	}
	if cmd.Flags().Changed("throttle-circuit-timeout") {
		cfg.ThrottleCircuitTimeout, _ = cmd.Flags().GetDuration("throttle-circuit-timeout")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	return cfg
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := overrideFromFlags(parseServeConfig(), cmd)

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.EncryptionKey == "" {
		logger.Warn("no encryption key configured, falling back to an insecure default; set FLEET_ENCRYPTION_KEY or --encryption-key")
		cfg.EncryptionKey = insecureDefaultEncryptionKey
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := jobstore.Open(ctx, cfg.DBPath, cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = store.Close() }()

	jrnl := journal.New(store.DB())

	cps, err := checkpoint.Open(cfg.DBPath + ".checkpoint")
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer func() { _ = cps.Close() }()

	th := throttler.New(throttler.Config{
		MaxConcurrent:    cfg.ThrottleMaxConcurrent,
		RequestDelay:     time.Duration(cfg.ThrottleRequestDelayMS) * time.Millisecond,
		CircuitThreshold: uint32(cfg.ThrottleCircuitThreshold),
		CircuitTimeout:   cfg.ThrottleCircuitTimeout,
	})

	orchestrator := rolling.New(rolling.Deps{
		Jobs:        store,
		Journal:     jrnl,
		Checkpoints: cps,
		BMC:         bmcadapter.NewHTTPClient(th, logger),
		Hypervisor:  hypervisor.NullAdapter{},
		Logger:      logger,
	})

	logger.Info("recovering jobs left running from a prior process")
	if err := orchestrator.RecoverCrashedJobs(ctx); err != nil {
		logger.Error("crash recovery sweep failed", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	var wg sync.WaitGroup
	go pollAndRun(ctx, &wg, orchestrator, store, logger, cfg)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("metrics server failed", "error", err)
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
	return nil
}

// pollAndRun is the poll loop that picks up pending jobs and runs them
// to completion, at most cfg.MaxConcurrentJobs at a time. It is
// grounded on the teacher's provisioner-controller worker pool, but
// driven by polling the Job Store directly rather than a lease-based
// queue, since a rolling update job is meant to run start-to-finish on
// one orchestrator goroutine (SPEC_FULL.md §4.6.E).
func pollAndRun(ctx context.Context, wg *sync.WaitGroup, o *rolling.Orchestrator, store *jobstore.Store, logger *slog.Logger, cfg serveConfig) {
	sem := make(chan struct{}, cfg.MaxConcurrentJobs)
	running := make(map[string]bool)
	var mu sync.Mutex

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := store.ListJobsByStatus(ctx, fleet.JobPending)
			if err != nil {
				logger.Error("list pending jobs", "error", err)
				continue
			}
			for _, job := range pending {
				mu.Lock()
				already := running[job.ID]
				mu.Unlock()
				if already {
					continue
				}
				select {
				case sem <- struct{}{}:
				default:
					continue
				}
				mu.Lock()
				running[job.ID] = true
				mu.Unlock()

				wg.Add(1)
				go func(jobID string) {
					defer wg.Done()
					defer func() { <-sem }()
					defer func() {
						mu.Lock()
						delete(running, jobID)
						mu.Unlock()
					}()
					if err := o.Run(ctx, jobID); err != nil {
						logger.Error("job run failed", "job_id", jobID, "error", err)
					}
				}(job.ID)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
