package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktrdr/core/pkg/checkpoint"
	"github.com/ktrdr/core/pkg/config"
	"github.com/ktrdr/core/pkg/coordinator"
	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/operation"
	"github.com/ktrdr/core/pkg/reconciler"
	"github.com/ktrdr/core/pkg/registry"
	"github.com/ktrdr/core/pkg/storage"
	"github.com/ktrdr/core/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ktrdr-coordinator",
	Short:   "KTRDR coordinator: dispatches and tracks training/backtesting operations across a worker fleet",
	Version: Version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: os.Getenv("LOG_JSON") == "true",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCoordinatorConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := storage.Migrate(db); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	checkpointStore := checkpoint.New(db, cfg.Checkpoint.Dir)
	ops := operation.New(db, checkpointStore)

	reconcilerCfg := reconciler.Config{
		ReconciliationGrace: cfg.Timeouts.ReconciliationGrace(),
		OrphanTimeout:       cfg.Timeouts.OrphanTimeout(),
		SweepInterval:       time.Duration(cfg.Timeouts.ReconcilerSweepSeconds) * time.Second,
	}
	recSvc := reconciler.New(ops, checkpointStore, reconcilerCfg)

	reg := registry.New(db, recSvc, registry.Config{
		HeartbeatTimeout: cfg.Timeouts.HeartbeatTimeout(),
		SweepInterval:    time.Duration(cfg.Timeouts.RegistryLivenessSweepSeconds) * time.Second,
	})

	if err := reg.LoadFromDB(ctx); err != nil {
		return fmt.Errorf("load workers from database: %w", err)
	}

	nonTerminal, err := ops.List(ctx, operation.ListFilter{Status: types.StatusRunning})
	if err != nil {
		return fmt.Errorf("list running operations for startup reconciliation: %w", err)
	}
	if err := recSvc.StartupReconcile(ctx, nonTerminal); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	ops.StartDebouncer()
	reg.Start()
	recSvc.Start()
	defer ops.StopDebouncer()
	defer reg.Stop()
	defer recSvc.Stop()

	srv := coordinator.New(ops, reg, checkpointStore)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithComponent("coordinator").Info().Str("addr", httpServer.Addr).Msg("coordinator listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("coordinator").Error().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	log.WithComponent("coordinator").Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
