package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the recompute worker",
		RunE:  runServe,
	}

	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("tier", "", "product tier (community, pro)")
	cmd.Flags().Bool("worker", false, "consume recompute events from the event bus")

	_ = v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("tier", cmd.Flags().Lookup("tier"))
	_ = v.BindPFlag("worker.enabled", cmd.Flags().Lookup("worker"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appCfg

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(cfg.Violations.RuleWorkers)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	defer engine.Close()

	service := compliance.New(repo, cacheImpl, busImpl, engine, compliance.Config{
		SnapshotTTL:             cfg.Cache.SnapshotTTL,
		ViolationsTTL:           cfg.Cache.ViolationsTTL,
		EnforceMissingTagDetail: cfg.Violations.EnforceMissingTagDetail,
		AsyncPolicyRecompute:    cfg.Worker.Enabled,
	})

	// Other tenants load their rules on first use
	preloadRules(ctx, service, cfg.Worker.TenantIDs)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, service)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, service, repo, cacheImpl, busImpl, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cmd, cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return serveErr
}

// preloadRules loads the policy rules of the configured tenants at startup.
// Failures are logged; the tenant falls back to lazy loading.
func preloadRules(ctx context.Context, service *compliance.Service, tenantIDs []string) {
	for _, tenantID := range tenantIDs {
		count, err := service.ReloadRules(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to preload policy rules", "tenant_id", tenantID, "error", err)
			continue
		}
		slog.Info("policy rules preloaded", "tenant_id", tenantID, "count", count)
	}
}

func printBanner(cmd *cobra.Command, cfg *domain.Config, version string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  KESTREL - Expense Policy Violations")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Version:  %s\n", version)
	fmt.Fprintf(out, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(out, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  Worker:   %t\n", cfg.Worker.Enabled)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Endpoints:")
	fmt.Fprintln(out, "    GET  /policies/{id}                        - Policy snapshot")
	fmt.Fprintln(out, "    PUT  /policies/{id}                        - Create or replace a policy")
	fmt.Fprintln(out, "    PUT  /policies/{id}/categories             - Replace categories")
	fmt.Fprintln(out, "    PUT  /policies/{id}/tags                   - Replace tag lists")
	fmt.Fprintln(out, "    GET  /policies/{id}/rules                  - List policy rules")
	fmt.Fprintln(out, "    POST /policies/{id}/rules                  - Create a policy rule")
	fmt.Fprintln(out, "    DELETE /policies/{id}/rules/{ruleID}       - Delete a policy rule")
	fmt.Fprintln(out, "    POST /rules/reload                         - Hot-reload rules from database")
	fmt.Fprintln(out, "    GET  /transactions/{id}                    - Get transaction by ID")
	fmt.Fprintln(out, "    PUT  /transactions/{id}                    - Store a transaction")
	fmt.Fprintln(out, "    GET  /transactions/{id}/violations         - Current violations")
	fmt.Fprintln(out, "    POST /transactions/{id}/violations/recompute - Recompute violations")
	fmt.Fprintln(out, "    POST /violations/preview                   - Stateless computation")
	fmt.Fprintln(out, "    GET  /health                               - Health check")
	fmt.Fprintln(out)
}
