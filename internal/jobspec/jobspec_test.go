package jobspec

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/permacap/kubecaptures/internal/capture"
)

func TestIDRoundTrip(t *testing.T) {
	t.Parallel()

	const jobid = "9b2c1a7e-6f7d-4a9f-8e55-0c6c3a1d2b4e"
	id := ID(jobid, 3)
	require.Equal(t, jobid+"-3", id)
	require.Equal(t, "capture-"+id, JobName(jobid, 3))

	gotJobID, gotIndex, err := SplitID(id)
	require.NoError(t, err)
	require.Equal(t, jobid, gotJobID)
	require.Equal(t, 3, gotIndex)
}

func TestSplitID_Malformed(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "nohyphen", "-0", "abc-", "abc--1", "abc-x"} {
		_, _, err := SplitID(id)
		require.Error(t, err, id)
	}
}

func TestBuilder_StorageURL(t *testing.T) {
	t.Parallel()

	b := NewBuilder(Config{StoragePrefix: "s3://kubecaptures/"})
	require.Equal(t, "s3://kubecaptures/jid/2.wacz", b.StorageURL("jid", 2))
}

func TestDownloadFilename(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 9, 15, 4, 5, 0, time.UTC)

	u, err := url.Parse("https://example.com/a/b")
	require.NoError(t, err)
	require.Equal(t, "example.com-2026-03-09.wacz", DownloadFilename(u, now))

	u, err = url.Parse("http://example.com:8080/")
	require.NoError(t, err)
	require.Equal(t, "example.com8080-2026-03-09.wacz", DownloadFilename(u, now))
}

func TestBuilder_Build(t *testing.T) {
	t.Parallel()

	b := NewBuilder(Config{
		StoragePrefix: "s3://kubecaptures/",
		WorkerImage:   "registry.example/worker:1",
		Headless:      true,
		BackoffLimit:  3,
	})

	target, err := url.Parse("https://example.com/page?q=<b>")
	require.NoError(t, err)

	job := b.Build(Params{
		URL:    target,
		UserID: "alice",
		Tag:    `nightly <run> & "check"`,
		Embeds: true,
		Webhooks: []capture.Webhook{
			{CallbackURL: "https://hooks.example/cb", SigningKey: "secret", SigningKeyAlgorithm: "sha256"},
		},
		JobID:     "jid",
		Index:     1,
		AccessURL: "https://signed.example/jid/1.wacz?sig=abc",
	})

	require.Equal(t, "capture-jid-1", job.Name)
	require.Equal(t, map[string]string{
		LabelUserID: "alice",
		LabelJobID:  "jid",
		LabelIndex:  "1",
	}, job.Labels)
	require.Equal(t, job.Labels, job.Spec.Template.Labels)

	// Annotation values are encoded; decoding restores the originals.
	require.Equal(t, `nightly <run> & "check"`, capture.DecodeAnnotation(job.Annotations[AnnotationUserTag]))
	require.Equal(t, target.String(), capture.DecodeAnnotation(job.Annotations[AnnotationCaptureURL]))
	require.Equal(t, "s3://kubecaptures/jid/1.wacz", capture.DecodeAnnotation(job.Annotations[AnnotationStorageURL]))
	require.Equal(t, "https://signed.example/jid/1.wacz?sig=abc", capture.DecodeAnnotation(job.Annotations[AnnotationAccessURL]))
	require.Equal(t, "1", job.Annotations[AnnotationUseEmbeds])

	require.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)
	require.NotNil(t, job.Spec.BackoffLimit)
	require.EqualValues(t, 3, *job.Spec.BackoffLimit)

	require.Len(t, job.Spec.Template.Spec.Containers, 1)
	container := job.Spec.Template.Spec.Containers[0]
	require.Equal(t, "worker", container.Name)
	require.Equal(t, "registry.example/worker:1", container.Image)

	env := envMap(container.Env)
	require.Equal(t, "s3://kubecaptures/jid/1.wacz", env["STORAGE_URL"])
	require.Equal(t, target.String(), env["CAPTURE_URL"])
	require.Equal(t, "alice", env["USERID"])
	require.Equal(t, "jid", env["JOBID"])
	require.Equal(t, "1", env["EMBEDS"])
	require.Contains(t, env["WEBHOOK_DATA"], `"signingKey":"secret"`)
	require.NotContains(t, env, "DISABLE_CACHE")

	// The signing key must not leak into list-visible annotations.
	for _, v := range job.Annotations {
		require.NotContains(t, v, "secret")
	}
}

func TestBuilder_Build_ProfileModeDisablesCache(t *testing.T) {
	t.Parallel()

	b := NewBuilder(Config{StoragePrefix: "s3://b/", WorkerImage: "img", Headless: false})
	target, err := url.Parse("https://example.com/")
	require.NoError(t, err)

	job := b.Build(Params{URL: target, JobID: "jid", Index: 0})
	env := envMap(job.Spec.Template.Spec.Containers[0].Env)
	require.Equal(t, "1", env["DISABLE_CACHE"])
	require.NotContains(t, env, "EMBEDS")
	require.NotContains(t, env, "WEBHOOK_DATA")
	require.NotContains(t, job.Annotations, AnnotationUseEmbeds)
}

func TestBuilder_Build_Deterministic(t *testing.T) {
	t.Parallel()

	b := NewBuilder(Config{StoragePrefix: "s3://b/", WorkerImage: "img", Headless: true, BackoffLimit: 1})
	target, err := url.Parse("https://example.com/x")
	require.NoError(t, err)
	p := Params{URL: target, UserID: "u", Tag: "t", JobID: "jid", Index: 4, AccessURL: "https://signed.example/x"}

	require.Equal(t, b.Build(p), b.Build(p))
}

func envMap(env []corev1.EnvVar) map[string]string {
	m := make(map[string]string, len(env))
	for _, e := range env {
		m[e.Name] = e.Value
	}
	return m
}
