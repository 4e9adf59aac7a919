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
	"github.com/ktrdr/core/pkg/executor"
	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/storage"
	"github.com/ktrdr/core/pkg/types"
	"github.com/ktrdr/core/pkg/worker"
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
	Use:     "ktrdr-worker",
	Short:   "KTRDR worker: runs training or backtesting operations dispatched by the coordinator",
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
	cfg, err := config.LoadWorkerConfig()
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

	checkpointStore := checkpoint.New(db, cfg.Checkpoint.Dir)

	opType := types.OperationType(cfg.WorkerType)
	exec, err := executor.For(opType)
	if err != nil {
		return fmt.Errorf("select executor: %w", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}

	rt := worker.New(worker.Config{
		WorkerID:          workerID,
		WorkerType:        opType,
		EndpointPublicURL: cfg.EndpointPublicURL,
		CoordinatorURL:    cfg.CoordinatorURL,
		ListenAddr:        cfg.ListenAddr,
		CheckpointPolicy: worker.CheckpointPolicy{
			UnitInterval: cfg.Checkpoint.UnitInterval,
			TimeInterval: cfg.Checkpoint.TimeInterval(),
		},
		HeartbeatInterval:  time.Duration(cfg.Timeouts.HeartbeatIntervalSeconds) * time.Second,
		CompletedRetention: time.Duration(cfg.CompletedRetention) * time.Second,
		DrainDeadline:      time.Duration(cfg.DrainDeadlineSeconds) * time.Second,
	}, checkpointStore, exec)

	if err := rt.Register(ctx); err != nil {
		return fmt.Errorf("initial registration with coordinator: %w", err)
	}
	rt.Start()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rt.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithWorkerID(workerID).Info().Str("addr", httpServer.Addr).Msg("worker listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithWorkerID(workerID).Error().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	log.WithWorkerID(workerID).Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainDeadlineSeconds+15)*time.Second)
	defer cancel()

	rt.Stop(shutdownCtx)

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelHTTP()
	return httpServer.Shutdown(httpShutdownCtx)
}
