// Package reaper reclaims aged-out capture jobs, their archives, and
// leftover pods. The sweep trigger is external (a CronJob or timer); this
// package only implements the sweep itself.
package reaper

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"go.uber.org/zap"

	"github.com/permacap/kubecaptures/internal/capture"
	"github.com/permacap/kubecaptures/internal/clock"
	"github.com/permacap/kubecaptures/internal/cluster"
	"github.com/permacap/kubecaptures/internal/jobspec"
	"github.com/permacap/kubecaptures/internal/metrics"
	"github.com/permacap/kubecaptures/internal/publisher"
	"github.com/permacap/kubecaptures/internal/storage"
)

// Reaper deletes succeeded jobs older than the retention window, archives
// first, then sweeps succeeded pods of the same age. It is the sole deleter
// of aged resources; no client needs to be watching.
type Reaper struct {
	jobs      cluster.Jobs
	pods      cluster.Pods
	store     storage.Provider
	pub       publisher.Publisher
	clk       clock.Clock
	retention time.Duration
	logger    *zap.Logger

	mu sync.Mutex
}

// New constructs a Reaper.
func New(
	jobs cluster.Jobs,
	pods cluster.Pods,
	store storage.Provider,
	pub publisher.Publisher,
	clk clock.Clock,
	retention time.Duration,
	logger *zap.Logger,
) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		jobs:      jobs,
		pods:      pods,
		store:     store,
		pub:       pub,
		clk:       clk,
		retention: retention,
		logger:    logger,
	}
}

// Sweep runs one reclamation pass. Overlapping invocations are collapsed:
// if a sweep is already running, Sweep returns immediately. Per-entry
// failures are logged and never abort the pass.
func (r *Reaper) Sweep(ctx context.Context) error {
	if !r.mu.TryLock() {
		r.logger.Info("sweep already in progress, skipping")
		return nil
	}
	defer r.mu.Unlock()

	r.logger.Info("sweep started", zap.Duration("retention", r.retention))
	if err := r.sweepJobs(ctx); err != nil {
		return err
	}
	if err := r.sweepPods(ctx); err != nil {
		return err
	}
	r.logger.Info("sweep finished")
	return nil
}

func (r *Reaper) sweepJobs(ctx context.Context) error {
	jobs, err := r.jobs.List(ctx, "")
	if err != nil {
		return err
	}
	now := r.clk.Now()
	for i := range jobs {
		job := &jobs[i]
		if job.Status.Succeeded < 1 {
			continue
		}
		if job.Status.StartTime == nil || now.Sub(job.Status.StartTime.Time) < r.retention {
			r.logger.Debug("keeping job, not old enough", zap.String("job", job.Name))
			continue
		}
		r.reapJob(ctx, job)
	}
	return nil
}

func (r *Reaper) reapJob(ctx context.Context, job *batchv1.Job) {
	r.logger.Info("deleting job", zap.String("job", job.Name))

	// Archive first. A failure here is logged and must not block the job
	// delete, or one poisoned entry would wedge reclamation forever.
	if storageURL := capture.DecodeAnnotation(job.Annotations[jobspec.AnnotationStorageURL]); storageURL != "" {
		if err := r.store.DeleteObject(ctx, storageURL); err != nil {
			metrics.ReaperSweepError()
			r.logger.Warn("archive delete failed",
				zap.String("job", job.Name),
				zap.String("storage_url", storageURL),
				zap.Error(err),
			)
		} else {
			metrics.ReaperSwept("object")
		}
	}

	if err := r.jobs.Delete(ctx, job.Name); err != nil && !errors.Is(err, cluster.ErrNotFound) {
		metrics.ReaperSweepError()
		r.logger.Warn("job delete failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	metrics.ReaperSwept("job")

	index, _ := strconv.Atoi(job.Labels[jobspec.LabelIndex])
	if err := r.pub.Publish(ctx, publisher.Event{
		Type:   publisher.EventReaped,
		JobID:  job.Labels[jobspec.LabelJobID],
		Index:  index,
		UserID: job.Labels[jobspec.LabelUserID],
		Time:   r.clk.Now(),
	}); err != nil {
		r.logger.Warn("publish reaped event failed", zap.String("job", job.Name), zap.Error(err))
	}
}

// sweepPods removes succeeded pods past retention. Pods can outlive their
// owning job record in the scheduler, so they get their own pass.
func (r *Reaper) sweepPods(ctx context.Context) error {
	pods, err := r.pods.ListSucceeded(ctx)
	if err != nil {
		return err
	}
	now := r.clk.Now()
	for i := range pods {
		pod := &pods[i]
		if !podExpired(pod, now, r.retention) {
			r.logger.Debug("keeping pod, not old enough", zap.String("pod", pod.Name))
			continue
		}
		if err := r.pods.Delete(ctx, pod.Name); err != nil && !errors.Is(err, cluster.ErrNotFound) {
			metrics.ReaperSweepError()
			r.logger.Warn("pod delete failed", zap.String("pod", pod.Name), zap.Error(err))
			continue
		}
		metrics.ReaperSwept("pod")
	}
	return nil
}

func podExpired(pod *corev1.Pod, now time.Time, retention time.Duration) bool {
	if pod.Status.StartTime == nil {
		return false
	}
	return now.Sub(pod.Status.StartTime.Time) >= retention
}
