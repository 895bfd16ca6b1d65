package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func TestJobClient_CreateGetDelete(t *testing.T) {
	t.Parallel()

	cs := fake.NewSimpleClientset()
	jobs := NewJobClient(cs, "browsers", time.Second)
	ctx := context.Background()

	_, err := jobs.Get(ctx, "capture-jid-0")
	require.ErrorIs(t, err, ErrNotFound)

	created, err := jobs.Create(ctx, &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "capture-jid-0", Labels: map[string]string{"jobid": "jid"}},
	})
	require.NoError(t, err)
	require.Equal(t, "capture-jid-0", created.Name)

	got, err := jobs.Get(ctx, "capture-jid-0")
	require.NoError(t, err)
	require.Equal(t, "jid", got.Labels["jobid"])

	// Duplicate names fail at the cluster.
	_, err = jobs.Create(ctx, &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "capture-jid-0"}})
	require.Error(t, err)

	require.NoError(t, jobs.Delete(ctx, "capture-jid-0"))
	require.ErrorIs(t, jobs.Delete(ctx, "capture-jid-0"), ErrNotFound)
}

func TestJobClient_ListFiltersByLabelSelector(t *testing.T) {
	t.Parallel()

	cs := fake.NewSimpleClientset(
		&batchv1.Job{ObjectMeta: metav1.ObjectMeta{
			Name: "capture-a-0", Namespace: "browsers",
			Labels: map[string]string{"jobid": "a", "userid": "alice"},
		}},
		&batchv1.Job{ObjectMeta: metav1.ObjectMeta{
			Name: "capture-b-0", Namespace: "browsers",
			Labels: map[string]string{"jobid": "b", "userid": "bob"},
		}},
	)
	jobs := NewJobClient(cs, "browsers", time.Second)

	all, err := jobs.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	alices, err := jobs.List(context.Background(), "userid=alice")
	require.NoError(t, err)
	require.Len(t, alices, 1)
	require.Equal(t, "capture-a-0", alices[0].Name)
}

func TestJobClient_DeleteForegroundPropagation(t *testing.T) {
	t.Parallel()

	cs := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "capture-jid-0", Namespace: "browsers"},
	})

	var gotPolicy *metav1.DeletionPropagation
	cs.PrependReactor("delete", "jobs", func(action k8stesting.Action) (bool, runtime.Object, error) {
		del := action.(k8stesting.DeleteActionImpl)
		gotPolicy = del.DeleteOptions.PropagationPolicy
		return false, nil, nil
	})

	jobs := NewJobClient(cs, "browsers", time.Second)
	require.NoError(t, jobs.Delete(context.Background(), "capture-jid-0"))
	require.NotNil(t, gotPolicy)
	require.Equal(t, metav1.DeletePropagationForeground, *gotPolicy)
}

func TestPodClient_Delete(t *testing.T) {
	t.Parallel()

	cs := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "capture-jid-0-x1", Namespace: "browsers"},
	})
	pods := NewPodClient(cs, "browsers", time.Second)

	require.NoError(t, pods.Delete(context.Background(), "capture-jid-0-x1"))
	require.ErrorIs(t, pods.Delete(context.Background(), "capture-jid-0-x1"), ErrNotFound)
}

func TestPodClient_ListSucceededUsesFieldSelector(t *testing.T) {
	t.Parallel()

	// The fake tracker does not evaluate field selectors, so assert the
	// selector the client sends rather than the filtered result.
	cs := fake.NewSimpleClientset()
	var gotSelector string
	cs.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		gotSelector = action.(k8stesting.ListActionImpl).ListRestrictions.Fields.String()
		return false, nil, nil
	})

	pods := NewPodClient(cs, "browsers", time.Second)
	_, err := pods.ListSucceeded(context.Background())
	require.NoError(t, err)
	require.Equal(t, "status.phase=Succeeded", gotSelector)
}
