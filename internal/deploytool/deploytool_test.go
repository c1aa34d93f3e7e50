package deploytool

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/p-blackswan/sessionagent/internal/k8s"
)

func newTool(t *testing.T, objs ...*corev1.Pod) *Tool {
	t.Helper()
	cs := fake.NewSimpleClientset()
	for _, p := range objs {
		_, err := cs.CoreV1().Pods(p.Namespace).Create(context.Background(), p, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	client := k8s.NewClientFromInterface(cs, []string{"staging"}, zerolog.Nop())
	return New(client, "staging", zerolog.Nop())
}

func pod(name, phase string, restarts int32) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "staging",
			Labels:    map[string]string{"app": "api"},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodPhase(phase),
			ContainerStatuses: []corev1.ContainerStatus{
				{RestartCount: restarts},
			},
		},
	}
}

func TestStatus_HealthyRollout(t *testing.T) {
	tool := newTool(t, pod("api-1", "Running", 0), pod("api-2", "Running", 1))

	out, err := tool.Status(context.Background(), "api")
	require.NoError(t, err)
	assert.Contains(t, out, "api-1")
	assert.Contains(t, out, "api-2")
	assert.Contains(t, out, "✅")
	assert.NotContains(t, out, "⚠️")
}

func TestStatus_UnhealthyPodFlagged(t *testing.T) {
	tool := newTool(t, pod("api-1", "CrashLoopBackOff", 7))

	out, err := tool.Status(context.Background(), "api")
	require.NoError(t, err)
	assert.Contains(t, out, "⚠️")
	assert.Contains(t, out, "restarts: 7")
}

func TestStatus_NoPods(t *testing.T) {
	tool := newTool(t)

	out, err := tool.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.Contains(t, out, "no pods found")
}

func TestStatus_NotConfigured(t *testing.T) {
	tool := New(nil, "staging", zerolog.Nop())
	assert.False(t, tool.Enabled())

	_, err := tool.Status(context.Background(), "api")
	assert.Error(t, err)
}
