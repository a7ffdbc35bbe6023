package notify

import (
	"context"

	"github.com/goliatone/go-dispatch/core"
)

const ChannelMetrics = "metrics"

// MetricsNotifier counts run outcomes and records run durations.
type MetricsNotifier struct {
	recorder core.MetricsRecorder
}

func NewMetricsNotifier(recorder core.MetricsRecorder) *MetricsNotifier {
	return &MetricsNotifier{recorder: core.EnsureMetrics(recorder)}
}

func (n *MetricsNotifier) Channel() string {
	return ChannelMetrics
}

func (n *MetricsNotifier) Notify(ctx context.Context, completion core.RunCompletion) error {
	tags := map[string]string{
		"pipeline": completion.PipelineName,
		"outcome":  string(completion.Outcome),
	}
	n.recorder.IncCounter(ctx, "dispatch.run.completed", 1, tags)
	if !completion.TriggeredAt.IsZero() && completion.CompletedAt.After(completion.TriggeredAt) {
		seconds := completion.CompletedAt.Sub(completion.TriggeredAt).Seconds()
		n.recorder.ObserveHistogram(ctx, "dispatch.run.duration_seconds", seconds, tags)
	}
	return nil
}
