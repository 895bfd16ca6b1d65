// Package main runs one reaper sweep and exits. It is meant to be invoked
// periodically, e.g. by a CronJob.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/permacap/kubecaptures/internal/clock/system"
	"github.com/permacap/kubecaptures/internal/cluster"
	"github.com/permacap/kubecaptures/internal/config"
	"github.com/permacap/kubecaptures/internal/logging"
	"github.com/permacap/kubecaptures/internal/metrics"
	"github.com/permacap/kubecaptures/internal/publisher"
	"github.com/permacap/kubecaptures/internal/reaper"
	"github.com/permacap/kubecaptures/internal/storage"
)

const sweepBudget = 5 * time.Minute

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
	ctx, cancel := context.WithTimeout(ctx, sweepBudget)
	defer cancel()

	metrics.Init()

	cs, err := cluster.NewClientset(cfg.Cluster.Kubeconfig)
	if err != nil {
		logger.Fatal("cluster client init failed", zap.Error(err))
	}
	jobs := cluster.NewJobClient(cs, cfg.Cluster.Namespace, cfg.ClusterTimeout())
	pods := cluster.NewPodClient(cs, cfg.Cluster.Namespace, cfg.ClusterTimeout())

	var store storage.Provider
	switch cfg.Storage.Provider {
	case "gcs":
		store, err = storage.NewGCSProvider(ctx, cfg.PresignExpiry(), logger.Named("storage"))
		if err != nil {
			logger.Fatal("storage init failed", zap.Error(err))
		}
	case "memory":
		store = storage.NewMemoryProvider(cfg.PresignExpiry())
	default:
		logger.Fatal("unknown storage provider", zap.String("provider", cfg.Storage.Provider))
	}

	var pub publisher.Publisher
	if cfg.PubSub.Provider == "pubsub" {
		pub, err = publisher.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID, logger.Named("publisher"))
		if err != nil {
			logger.Fatal("publisher init failed", zap.Error(err))
		}
	} else {
		pub = publisher.NewMemory()
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Warn("publisher close failed", zap.Error(err))
		}
	}()

	r := reaper.New(jobs, pods, store, pub, system.New(), cfg.Retention(), logger.Named("reaper"))
	if err := r.Sweep(ctx); err != nil {
		// A failed sweep is retried on the next scheduled run; report it
		// without crashing anything else sharing the process.
		logger.Error("sweep failed", zap.Error(err))
		os.Exit(1)
	}
}
