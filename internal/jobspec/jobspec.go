// Package jobspec deterministically maps one capture target into a fully
// specified Kubernetes Job. It performs no I/O and cannot fail partially:
// everything later needed to find, annotate, or delete the job is derivable
// from (jobid, index) alone.
package jobspec

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/permacap/kubecaptures/internal/capture"
)

// namePrefix anchors every capture job name: capture-{jobid}-{index}.
const namePrefix = "capture-"

// Label keys used for filtered job listing.
const (
	LabelUserID = "userid"
	LabelJobID  = "jobid"
	LabelIndex  = "index"
)

// Annotation keys carrying per-job metadata. Values are HTML-encoded via
// capture.EncodeAnnotation; readers must decode.
const (
	AnnotationUserTag    = "userTag"
	AnnotationCaptureURL = "captureUrl"
	AnnotationStorageURL = "storageUrl"
	AnnotationAccessURL  = "accessUrl"
	AnnotationUseEmbeds  = "useEmbeds"
)

// Worker environment variable names. Secrets (webhook signing keys) travel
// only here, never in annotations, which are readable via list APIs.
const (
	envStorageURL   = "STORAGE_URL"
	envCaptureURL   = "CAPTURE_URL"
	envUserID       = "USERID"
	envJobID        = "JOBID"
	envWebhookData  = "WEBHOOK_DATA"
	envDisableCache = "DISABLE_CACHE"
	envEmbeds       = "EMBEDS"
)

// JobName builds the cluster job name for a (jobid, index) identity.
func JobName(jobid string, index int) string {
	return fmt.Sprintf("%s%s-%d", namePrefix, jobid, index)
}

// ID builds the caller-facing identifier for a (jobid, index) identity. The
// job name is namePrefix + ID, so the ID alone is a complete handle.
func ID(jobid string, index int) string {
	return fmt.Sprintf("%s-%d", jobid, index)
}

// SplitID reverses ID. The jobid itself contains hyphens (it is a UUID), so
// the index is whatever follows the last one.
func SplitID(id string) (jobid string, index int, err error) {
	cut := strings.LastIndexByte(id, '-')
	if cut <= 0 || cut == len(id)-1 {
		return "", 0, fmt.Errorf("malformed capture id %q", id)
	}
	index, err = strconv.Atoi(id[cut+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("malformed capture id %q", id)
	}
	return id[:cut], index, nil
}

// Config holds the knobs the builder bakes into every spec.
type Config struct {
	StoragePrefix string
	WorkerImage   string
	Headless      bool
	BackoffLimit  int
}

// Params describes one URL of a capture request.
type Params struct {
	URL       *url.URL
	UserID    string
	Tag       string
	Embeds    bool
	Webhooks  []capture.Webhook
	JobID     string
	Index     int
	AccessURL string
}

// Builder turns Params into Kubernetes Job specs.
type Builder struct {
	cfg Config
}

// NewBuilder constructs a Builder.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// StorageURL derives the deterministic object-store location for a job.
func (b *Builder) StorageURL(jobid string, index int) string {
	return fmt.Sprintf("%s%s/%d.wacz", b.cfg.StoragePrefix, jobid, index)
}

// DownloadFilename is the archive name suggested to the user's browser when
// the presigned link is followed.
func DownloadFilename(u *url.URL, now time.Time) string {
	return fmt.Sprintf("%s%s-%s.wacz", u.Hostname(), u.Port(), now.Format("2006-01-02"))
}

// Build assembles the Job spec. The caller validates the URL and userid
// before this point; Build itself cannot fail.
func (b *Builder) Build(p Params) *batchv1.Job {
	storageURL := b.StorageURL(p.JobID, p.Index)

	labels := map[string]string{
		LabelUserID: p.UserID,
		LabelJobID:  p.JobID,
		LabelIndex:  strconv.Itoa(p.Index),
	}
	annotations := map[string]string{
		AnnotationUserTag:    capture.EncodeAnnotation(p.Tag),
		AnnotationCaptureURL: capture.EncodeAnnotation(p.URL.String()),
		AnnotationStorageURL: capture.EncodeAnnotation(storageURL),
		AnnotationAccessURL:  capture.EncodeAnnotation(p.AccessURL),
	}

	env := []corev1.EnvVar{
		{Name: envStorageURL, Value: storageURL},
		{Name: envCaptureURL, Value: p.URL.String()},
		{Name: envUserID, Value: p.UserID},
		{Name: envJobID, Value: p.JobID},
	}
	if len(p.Webhooks) > 0 {
		// Marshal of a []Webhook cannot fail; its fields are plain strings.
		data, _ := json.Marshal(p.Webhooks)
		env = append(env, corev1.EnvVar{Name: envWebhookData, Value: string(data)})
	}
	if !b.cfg.Headless {
		// Profile-mode browsers share a cache dir; caching breaks capture fidelity.
		env = append(env, corev1.EnvVar{Name: envDisableCache, Value: "1"})
	}
	if p.Embeds {
		annotations[AnnotationUseEmbeds] = "1"
		env = append(env, corev1.EnvVar{Name: envEmbeds, Value: "1"})
	}

	backoffLimit := int32(b.cfg.BackoffLimit)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        JobName(p.JobID, p.Index),
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "worker",
							Image: b.cfg.WorkerImage,
							Env:   env,
						},
					},
				},
			},
		},
	}
}
