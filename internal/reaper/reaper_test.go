package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/permacap/kubecaptures/internal/capture"
	"github.com/permacap/kubecaptures/internal/cluster"
	"github.com/permacap/kubecaptures/internal/jobspec"
	"github.com/permacap/kubecaptures/internal/publisher"
)

var fixedNow = time.Date(2026, time.March, 9, 12, 0, 0, 0, time.UTC)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return fixedNow }

// fakeJobs holds a fixed job list and appends "jobs:delete:<name>" to the
// shared trace.
type fakeJobs struct {
	items     []batchv1.Job
	deleteErr error
	trace     *[]string
}

func (f *fakeJobs) Create(context.Context, *batchv1.Job) (*batchv1.Job, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeJobs) Get(context.Context, string) (*batchv1.Job, error) {
	return nil, cluster.ErrNotFound
}

func (f *fakeJobs) List(context.Context, string) ([]batchv1.Job, error) {
	return f.items, nil
}

func (f *fakeJobs) Delete(_ context.Context, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	*f.trace = append(*f.trace, "jobs:delete:"+name)
	return nil
}

type fakePods struct {
	items   []corev1.Pod
	deleted []string
}

func (f *fakePods) ListSucceeded(context.Context) ([]corev1.Pod, error) {
	return f.items, nil
}

func (f *fakePods) Delete(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

// fakeStore appends "storage:delete:<url>" to the shared trace.
type fakeStore struct {
	deleteErr error
	trace     *[]string
}

func (f *fakeStore) DeleteObject(_ context.Context, storageURL string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	*f.trace = append(*f.trace, "storage:delete:"+storageURL)
	return nil
}

func (f *fakeStore) PresignDownload(context.Context, string, string) (string, error) {
	return "", errors.New("not implemented")
}

func succeededJob(jobid string, index int, age time.Duration) batchv1.Job {
	start := metav1.NewTime(fixedNow.Add(-age))
	return batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name: jobspec.JobName(jobid, index),
			Labels: map[string]string{
				jobspec.LabelJobID:  jobid,
				jobspec.LabelIndex:  "0",
				jobspec.LabelUserID: "alice",
			},
			Annotations: map[string]string{
				jobspec.AnnotationStorageURL: capture.EncodeAnnotation("s3://archive/" + jobid + "/0.wacz"),
			},
		},
		Status: batchv1.JobStatus{Succeeded: 1, StartTime: &start},
	}
}

func TestSweep_AgeBoundary(t *testing.T) {
	t.Parallel()

	young := succeededJob("young", 0, 10*time.Minute)
	old := succeededJob("old", 0, 90*time.Minute)
	running := succeededJob("running", 0, 90*time.Minute)
	running.Status = batchv1.JobStatus{Active: 1, StartTime: running.Status.StartTime}

	var trace []string
	jobs := &fakeJobs{items: []batchv1.Job{young, old, running}, trace: &trace}
	store := &fakeStore{trace: &trace}
	pub := publisher.NewMemory()

	r := New(jobs, &fakePods{}, store, pub, fakeClock{}, time.Hour, nil)
	require.NoError(t, r.Sweep(context.Background()))

	// Only the aged, succeeded job goes, archive first.
	require.Equal(t, []string{
		"storage:delete:s3://archive/old/0.wacz",
		"jobs:delete:capture-old-0",
	}, trace)

	evts := pub.Events()
	require.Len(t, evts, 1)
	require.Equal(t, publisher.EventReaped, evts[0].Type)
	require.Equal(t, "old", evts[0].JobID)
	require.Equal(t, "alice", evts[0].UserID)
}

func TestSweep_ExactRetentionAgeIsReaped(t *testing.T) {
	t.Parallel()

	var trace []string
	jobs := &fakeJobs{items: []batchv1.Job{succeededJob("edge", 0, time.Hour)}, trace: &trace}

	r := New(jobs, &fakePods{}, &fakeStore{trace: &trace}, publisher.NewMemory(), fakeClock{}, time.Hour, nil)
	require.NoError(t, r.Sweep(context.Background()))
	require.Contains(t, trace, "jobs:delete:capture-edge-0")
}

func TestSweep_NilStartTimeKept(t *testing.T) {
	t.Parallel()

	job := succeededJob("pending", 0, 0)
	job.Status.StartTime = nil

	var trace []string
	jobs := &fakeJobs{items: []batchv1.Job{job}, trace: &trace}

	r := New(jobs, &fakePods{}, &fakeStore{trace: &trace}, publisher.NewMemory(), fakeClock{}, time.Hour, nil)
	require.NoError(t, r.Sweep(context.Background()))
	require.Empty(t, trace)
}

func TestSweep_StorageFailureDoesNotBlockJobDelete(t *testing.T) {
	t.Parallel()

	var trace []string
	jobs := &fakeJobs{items: []batchv1.Job{succeededJob("old", 0, 2*time.Hour)}, trace: &trace}
	store := &fakeStore{deleteErr: errors.New("storage unavailable"), trace: &trace}

	r := New(jobs, &fakePods{}, store, publisher.NewMemory(), fakeClock{}, time.Hour, nil)
	require.NoError(t, r.Sweep(context.Background()))
	require.Equal(t, []string{"jobs:delete:capture-old-0"}, trace)
}

func TestSweep_Pods(t *testing.T) {
	t.Parallel()

	oldStart := metav1.NewTime(fixedNow.Add(-2 * time.Hour))
	youngStart := metav1.NewTime(fixedNow.Add(-time.Minute))
	pods := &fakePods{items: []corev1.Pod{
		{
			ObjectMeta: metav1.ObjectMeta{Name: "capture-old-0-x1"},
			Status:     corev1.PodStatus{StartTime: &oldStart},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "capture-young-0-x1"},
			Status:     corev1.PodStatus{StartTime: &youngStart},
		},
		{
			// No start time yet; never aged out.
			ObjectMeta: metav1.ObjectMeta{Name: "capture-pending-0-x1"},
		},
	}}

	var trace []string
	r := New(&fakeJobs{trace: &trace}, pods, &fakeStore{trace: &trace}, publisher.NewMemory(), fakeClock{}, time.Hour, nil)
	require.NoError(t, r.Sweep(context.Background()))
	require.Equal(t, []string{"capture-old-0-x1"}, pods.deleted)
}

func TestSweep_SkipsWhenAlreadyRunning(t *testing.T) {
	t.Parallel()

	var trace []string
	jobs := &fakeJobs{items: []batchv1.Job{succeededJob("old", 0, 2*time.Hour)}, trace: &trace}
	r := New(jobs, &fakePods{}, &fakeStore{trace: &trace}, publisher.NewMemory(), fakeClock{}, time.Hour, nil)

	r.mu.Lock()
	require.NoError(t, r.Sweep(context.Background()))
	r.mu.Unlock()

	// The overlapping call did nothing.
	require.Empty(t, trace)
}
