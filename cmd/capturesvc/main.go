// Package main wires together the capture orchestration service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/permacap/kubecaptures/internal/api"
	"github.com/permacap/kubecaptures/internal/clock/system"
	"github.com/permacap/kubecaptures/internal/cluster"
	"github.com/permacap/kubecaptures/internal/config"
	idgen "github.com/permacap/kubecaptures/internal/id/uuid"
	"github.com/permacap/kubecaptures/internal/jobspec"
	"github.com/permacap/kubecaptures/internal/logging"
	"github.com/permacap/kubecaptures/internal/metrics"
	"github.com/permacap/kubecaptures/internal/orchestrator"
	"github.com/permacap/kubecaptures/internal/publisher"
	"github.com/permacap/kubecaptures/internal/storage"
	"github.com/permacap/kubecaptures/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	cs, err := cluster.NewClientset(cfg.Cluster.Kubeconfig)
	if err != nil {
		logger.Fatal("cluster client init failed", zap.Error(err))
	}
	jobs := cluster.NewJobClient(cs, cfg.Cluster.Namespace, cfg.ClusterTimeout())

	store, err := newStorageProvider(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}

	pub, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Warn("publisher close failed", zap.Error(err))
		}
	}()

	builder := jobspec.NewBuilder(jobspec.Config{
		StoragePrefix: cfg.Storage.Prefix,
		WorkerImage:   cfg.Capture.WorkerImage,
		Headless:      cfg.Capture.Headless,
		BackoffLimit:  cfg.Capture.BackoffLimit,
	})

	orch := orchestrator.New(
		jobs,
		store,
		builder,
		pub,
		idgen.NewGenerator(),
		system.New(),
		logger.Named("orchestrator"),
	)
	gateway := worker.NewClient(worker.Config{
		URLTemplate: fmt.Sprintf("http://%%s:%d", cfg.Relay.WorkerPort),
	})

	apiServer, err := api.NewServer(orch, gateway, cfg, logger.Named("api"))
	if err != nil {
		logger.Fatal("api server init failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newStorageProvider(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Provider, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		return storage.NewGCSProvider(ctx, cfg.PresignExpiry(), logger.Named("storage"))
	case "memory":
		logger.Info("using in-memory storage provider; archives are not durable")
		return storage.NewMemoryProvider(cfg.PresignExpiry()), nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (publisher.Publisher, error) {
	switch cfg.PubSub.Provider {
	case "pubsub":
		return publisher.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID, logger.Named("publisher"))
	case "memory":
		return publisher.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider: %s", cfg.PubSub.Provider)
	}
}
