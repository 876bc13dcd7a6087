package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/fslongjin/sandboxd/internal/model"
)

func TestKubernetesLifecycle(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	k := NewKubernetesWithClient(clientset, nil, "sbx")
	ctx := context.Background()

	require.NoError(t, k.EnsureNamespace(ctx))
	require.NoError(t, k.EnsureNamespace(ctx))

	ref, err := k.Create(ctx, Spec{
		Name:    "sbx-abcd",
		Image:   "debian:12",
		Owner:   "discord:1234",
		Profile: model.Profile{OS: model.OSDebian, RAMGiB: 4, CPUCores: 0.5, DiskGiB: 8},
	})
	require.NoError(t, err)
	assert.Equal(t, Ref("sbx-abcd"), ref)

	deploy, err := clientset.AppsV1().Deployments("sbx").Get(ctx, "sbx-abcd", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "discord_1234", deploy.Labels[LabelOwner])
	limits := deploy.Spec.Template.Spec.Containers[0].Resources.Limits
	assert.Equal(t, int64(500), limits.Cpu().MilliValue())
	assert.Equal(t, int64(4)<<30, limits.Memory().Value())
	assert.Equal(t, int64(8)<<30, limits.StorageEphemeral().Value())

	st, err := k.Inspect(ctx, ref)
	require.NoError(t, err)
	assert.True(t, st.Running)

	require.NoError(t, k.Stop(ctx, ref))
	st, err = k.Inspect(ctx, ref)
	require.NoError(t, err)
	assert.False(t, st.Running)

	require.NoError(t, k.Start(ctx, ref))
	st, err = k.Inspect(ctx, ref)
	require.NoError(t, err)
	assert.True(t, st.Running)

	refs, err := k.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Ref{"sbx-abcd"}, refs)

	require.NoError(t, k.Remove(ctx, ref))
	assert.ErrorIs(t, k.Remove(ctx, ref), ErrNotFound)
	assert.ErrorIs(t, k.Stop(ctx, ref), ErrNotFound)
	_, err = k.Inspect(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKubernetesConnectRequiresRunningPod(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "sbx-abcd-xyz",
			Namespace: "sbx",
			Labels:    map[string]string{labelSandbox: "sbx-abcd"},
		},
		Status: corev1.PodStatus{Phase: corev1.PodPending},
	})
	k := NewKubernetesWithClient(clientset, nil, "sbx")

	_, err := k.Connect(context.Background(), "sbx-abcd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSanitizeLabelValue(t *testing.T) {
	assert.Equal(t, "alice", sanitizeLabelValue("alice"))
	assert.Equal(t, "user_1", sanitizeLabelValue("user@1"))
	assert.Equal(t, "x", sanitizeLabelValue("__x__"))
}
