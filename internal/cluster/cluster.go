// Package cluster wraps the Kubernetes job and pod APIs behind narrow
// interfaces. Every call runs under a bounded timeout; a timed-out call is a
// failure, never a hang.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ErrNotFound normalizes the cluster's not-found responses. Callers surface
// it as a negative result, never as an exception to the user.
var ErrNotFound = errors.New("resource not found")

const defaultTimeout = 15 * time.Second

// Jobs is the job-control surface the orchestrator and reaper depend on.
type Jobs interface {
	Create(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error)
	Get(ctx context.Context, name string) (*batchv1.Job, error)
	List(ctx context.Context, labelSelector string) ([]batchv1.Job, error)
	Delete(ctx context.Context, name string) error
}

// Pods is the pod-sweep surface the reaper depends on. Pods can outlive
// their owning job record and must be swept separately.
type Pods interface {
	ListSucceeded(ctx context.Context) ([]corev1.Pod, error)
	Delete(ctx context.Context, name string) error
}

// NewClientset builds a clientset from in-cluster config, falling back to a
// kubeconfig path for local runs.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("build kube config: %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build kube clientset: %w", err)
	}
	return cs, nil
}

// JobClient implements Jobs over a Kubernetes clientset, scoped to one
// namespace.
type JobClient struct {
	cs        kubernetes.Interface
	namespace string
	timeout   time.Duration
}

// NewJobClient constructs a JobClient.
func NewJobClient(cs kubernetes.Interface, namespace string, timeout time.Duration) *JobClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &JobClient{cs: cs, namespace: namespace, timeout: timeout}
}

// Create submits a job. Duplicate names fail atomically at the cluster,
// which doubles as the dedup guard against duplicate submission retries.
func (c *JobClient) Create(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	created, err := c.cs.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", job.Name, err)
	}
	return created, nil
}

// Get fetches a job by name.
func (c *JobClient) Get(ctx context.Context, name string) (*batchv1.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	job, err := c.cs.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", name, err)
	}
	return job, nil
}

// List returns jobs matching the label selector; an empty selector lists the
// whole namespace.
func (c *JobClient) List(ctx context.Context, labelSelector string) ([]batchv1.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.cs.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return resp.Items, nil
}

// Delete removes a job with foreground propagation: dependent pods are gone
// before the job record disappears, so a half-deleted job is never listed.
func (c *JobClient) Delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	propagation := metav1.DeletePropagationForeground
	err := c.cs.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	return nil
}

// PodClient implements Pods over a Kubernetes clientset.
type PodClient struct {
	cs        kubernetes.Interface
	namespace string
	timeout   time.Duration
}

// NewPodClient constructs a PodClient.
func NewPodClient(cs kubernetes.Interface, namespace string, timeout time.Duration) *PodClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &PodClient{cs: cs, namespace: namespace, timeout: timeout}
}

// ListSucceeded returns pods in phase Succeeded.
func (c *PodClient) ListSucceeded(ctx context.Context) ([]corev1.Pod, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.cs.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		FieldSelector: "status.phase=Succeeded",
	})
	if err != nil {
		return nil, fmt.Errorf("list succeeded pods: %w", err)
	}
	return resp.Items, nil
}

// Delete removes a pod by name.
func (c *PodClient) Delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.cs.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}
