// Package deploytool backs the deploy workflow with read-only cluster
// status: pod listings, restart counts, and recent events in an allow-listed
// namespace, rendered as assistant-visible context. It never mutates the
// cluster.
package deploytool

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/sessionagent/internal/k8s"
)

// Tool wraps the read-only Kubernetes client for the deploy workflow.
type Tool struct {
	client    *k8s.Client
	namespace string
	logger    zerolog.Logger
}

// New creates a Tool. client may be nil when Kubernetes is not configured;
// Status then reports that deploys cannot be inspected.
func New(client *k8s.Client, namespace string, logger zerolog.Logger) *Tool {
	return &Tool{
		client:    client,
		namespace: namespace,
		logger:    logger.With().Str("component", "deploytool").Logger(),
	}
}

// Enabled reports whether cluster lookups are available.
func (t *Tool) Enabled() bool {
	return t.client != nil
}

// Status renders a human-readable rollout snapshot for a service: its pods'
// phases, restart counts and ages, and the warning events of every unhealthy
// pod. Container readiness is not reported. The selector is the conventional
// app=<service> label.
func (t *Tool) Status(ctx context.Context, service string) (string, error) {
	if t.client == nil {
		return "", fmt.Errorf("deploytool: kubernetes is not configured")
	}

	selector := fmt.Sprintf("app=%s", service)
	pods, err := t.client.FindPods(ctx, t.namespace, selector)
	if err != nil {
		return "", fmt.Errorf("listing pods for %s: %w", service, err)
	}
	if len(pods) == 0 {
		return fmt.Sprintf("no pods found for `%s` in namespace `%s`", service, t.namespace), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "rollout status for `%s` (%s):\n", service, t.namespace)
	var unhealthy []string
	for _, p := range pods {
		marker := "✅"
		if p.Status != "Running" || p.Restarts > 3 {
			marker = "⚠️"
			unhealthy = append(unhealthy, p.Name)
		}
		fmt.Fprintf(&sb, "%s %s — %s, restarts: %d, age: %s\n", marker, p.Name, p.Status, p.Restarts, p.Age)
	}

	for _, name := range unhealthy {
		events, err := t.client.GetEvents(ctx, t.namespace, name)
		if err != nil {
			continue
		}
		for _, e := range events {
			if e.Type != "Warning" {
				continue
			}
			fmt.Fprintf(&sb, "⚡ %s: %s\n", e.Reason, e.Message)
		}
	}

	return sb.String(), nil
}

// Logs tails one pod's logs for the thread, bounded to tailLines.
func (t *Tool) Logs(ctx context.Context, podName string, tailLines int) (string, error) {
	if t.client == nil {
		return "", fmt.Errorf("deploytool: kubernetes is not configured")
	}
	return t.client.GetPodLogs(ctx, t.namespace, podName, tailLines)
}
