// Package orchestrator turns capture requests into cluster-scheduled jobs
// and derives job state back out of cluster metadata. It keeps no state of
// its own between calls; the cluster is the sole source of truth.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"

	"go.uber.org/zap"

	"github.com/permacap/kubecaptures/internal/capture"
	"github.com/permacap/kubecaptures/internal/clock"
	"github.com/permacap/kubecaptures/internal/cluster"
	"github.com/permacap/kubecaptures/internal/id"
	"github.com/permacap/kubecaptures/internal/jobspec"
	"github.com/permacap/kubecaptures/internal/metrics"
	"github.com/permacap/kubecaptures/internal/publisher"
	"github.com/permacap/kubecaptures/internal/storage"
)

// Filter narrows a job listing. Unset fields are omitted from the label
// selector, not wildcarded.
type Filter struct {
	JobID  string
	UserID string
	Index  *int
}

// Orchestrator submits, lists, and deletes capture jobs.
type Orchestrator struct {
	jobs    cluster.Jobs
	store   storage.Provider
	builder *jobspec.Builder
	pub     publisher.Publisher
	idGen   id.Generator
	clk     clock.Clock
	logger  *zap.Logger
}

// New constructs an Orchestrator.
func New(
	jobs cluster.Jobs,
	store storage.Provider,
	builder *jobspec.Builder,
	pub publisher.Publisher,
	idGen id.Generator,
	clk clock.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobs:    jobs,
		store:   store,
		builder: builder,
		pub:     pub,
		idGen:   idGen,
		clk:     clk,
		logger:  logger,
	}
}

// StartJob validates the whole request, then submits one cluster job per
// URL. Per-URL submissions run concurrently and independently: one failure
// does not roll back jobs already submitted, so the returned count may be
// smaller than the number of URLs.
func (o *Orchestrator) StartJob(ctx context.Context, req capture.Request) (capture.StartResult, error) {
	if err := req.Validate(); err != nil {
		return capture.StartResult{}, err
	}
	jobid, err := o.idGen.NewID()
	if err != nil {
		return capture.StartResult{}, fmt.Errorf("mint jobid: %w", err)
	}

	submitted := make([]string, len(req.URLs))
	var wg sync.WaitGroup
	for i, rawURL := range req.URLs {
		wg.Add(1)
		go func(index int, rawURL string) {
			defer wg.Done()
			if err := o.submitOne(ctx, req, jobid, index, rawURL); err != nil {
				metrics.JobSubmitted("error")
				o.logger.Error("capture job submission failed",
					zap.String("jobid", jobid),
					zap.Int("index", index),
					zap.String("url", rawURL),
					zap.Error(err),
				)
				return
			}
			metrics.JobSubmitted("ok")
			submitted[index] = jobspec.ID(jobid, index)
		}(i, rawURL)
	}
	wg.Wait()

	result := capture.StartResult{JobIDs: make([]string, 0, len(submitted))}
	for _, jid := range submitted {
		if jid != "" {
			result.JobIDs = append(result.JobIDs, jid)
		}
	}
	result.URLs = len(result.JobIDs)
	return result, nil
}

func (o *Orchestrator) submitOne(ctx context.Context, req capture.Request, jobid string, index int, rawURL string) error {
	u, err := capture.ParseTargetURL(rawURL)
	if err != nil {
		return err
	}

	// The access URL is computable before the object exists; it only starts
	// resolving once the worker uploads the archive.
	storageURL := o.builder.StorageURL(jobid, index)
	accessURL, err := o.store.PresignDownload(ctx, storageURL, jobspec.DownloadFilename(u, o.clk.Now()))
	if err != nil {
		return fmt.Errorf("presign access url: %w", err)
	}

	spec := o.builder.Build(jobspec.Params{
		URL:       u,
		UserID:    req.UserID,
		Tag:       req.Tag,
		Embeds:    req.Embeds,
		Webhooks:  req.Webhooks,
		JobID:     jobid,
		Index:     index,
		AccessURL: accessURL,
	})
	if _, err := o.jobs.Create(ctx, spec); err != nil {
		return err
	}

	if err := o.pub.Publish(ctx, publisher.Event{
		Type:       publisher.EventSubmitted,
		JobID:      jobid,
		Index:      index,
		UserID:     req.UserID,
		CaptureURL: u.String(),
		Time:       o.clk.Now(),
	}); err != nil {
		o.logger.Warn("publish submitted event failed", zap.String("jobid", jobid), zap.Error(err))
	}
	return nil
}

// ListJobs translates the filter into a label selector and derives each
// job's status from cluster condition flags. Status is computed on every
// call and never cached.
func (o *Orchestrator) ListJobs(ctx context.Context, f Filter) ([]capture.Job, error) {
	selector := buildSelector(f)
	items, err := o.jobs.List(ctx, selector)
	if err != nil {
		return nil, err
	}

	jobs := make([]capture.Job, 0, len(items))
	for i := range items {
		job := o.toCaptureJob(&items[i])
		if err := job.CheckAccessURL(); err != nil {
			// Derivation guarantees the invariant; reaching this means a bug.
			o.logger.Error("accessUrl invariant violated", zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func buildSelector(f Filter) string {
	selector := ""
	add := func(k, v string) {
		if selector != "" {
			selector += ","
		}
		selector += k + "=" + v
	}
	if f.JobID != "" {
		add(jobspec.LabelJobID, f.JobID)
	}
	if f.UserID != "" {
		add(jobspec.LabelUserID, f.UserID)
	}
	if f.Index != nil {
		add(jobspec.LabelIndex, strconv.Itoa(*f.Index))
	}
	return selector
}

func (o *Orchestrator) toCaptureJob(job *batchv1.Job) capture.Job {
	status := capture.DeriveStatus(
		job.Status.Active > 0,
		job.Status.Failed > 0,
		job.Status.Succeeded > 0,
	)

	index, _ := strconv.Atoi(job.Labels[jobspec.LabelIndex])
	out := capture.Job{
		JobID:      job.Labels[jobspec.LabelJobID],
		Index:      index,
		UserID:     job.Labels[jobspec.LabelUserID],
		CaptureURL: capture.DecodeAnnotation(job.Annotations[jobspec.AnnotationCaptureURL]),
		UseEmbeds:  job.Annotations[jobspec.AnnotationUseEmbeds] == "1",
		UserTag:    capture.DecodeAnnotation(job.Annotations[jobspec.AnnotationUserTag]),
		Status:     status,
	}
	if job.Status.StartTime != nil {
		out.StartTime = job.Status.StartTime.Time
	}
	if job.Status.CompletionTime != nil {
		out.ElapsedTime = job.Status.CompletionTime.Time
	} else {
		out.ElapsedTime = o.clk.Now().Truncate(time.Second)
	}
	// Only a Complete job may expose its access URL.
	if status == capture.StatusComplete {
		out.AccessURL = capture.DecodeAnnotation(job.Annotations[jobspec.AnnotationAccessURL])
	}
	return out
}

// DeleteJob removes one capture job and, best-effort, its archive. A
// supplied userid that does not match the job's owning label refuses the
// delete; the caller cannot distinguish that from not-found.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobid string, index int, userid string) (bool, error) {
	name := jobspec.JobName(jobid, index)
	job, err := o.jobs.Get(ctx, name)
	if err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			metrics.JobDeleted("not_found")
			return false, nil
		}
		return false, err
	}

	if userid != "" && job.Labels[jobspec.LabelUserID] != userid {
		metrics.JobDeleted("refused")
		return false, nil
	}

	// Storage cleanup is best-effort: a dangling object beats a job record
	// that can never be cleaned up.
	if storageURL := capture.DecodeAnnotation(job.Annotations[jobspec.AnnotationStorageURL]); storageURL != "" {
		if err := o.store.DeleteObject(ctx, storageURL); err != nil {
			o.logger.Warn("archive delete failed",
				zap.String("job", name),
				zap.String("storage_url", storageURL),
				zap.Error(err),
			)
		}
	}

	if err := o.jobs.Delete(ctx, name); err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			metrics.JobDeleted("not_found")
			return false, nil
		}
		metrics.JobDeleted("error")
		return false, err
	}
	metrics.JobDeleted("ok")

	if err := o.pub.Publish(ctx, publisher.Event{
		Type:   publisher.EventDeleted,
		JobID:  jobid,
		Index:  index,
		UserID: job.Labels[jobspec.LabelUserID],
		Time:   o.clk.Now(),
	}); err != nil {
		o.logger.Warn("publish deleted event failed", zap.String("jobid", jobid), zap.Error(err))
	}
	return true, nil
}

// StopJob tears down a job's compute resources without touching its archive.
// The relay uses this on every session exit.
func (o *Orchestrator) StopJob(ctx context.Context, jobid string, index int) error {
	err := o.jobs.Delete(ctx, jobspec.JobName(jobid, index))
	if err != nil && !errors.Is(err, cluster.ErrNotFound) {
		return err
	}
	return nil
}
