package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-dispatch/core"
)

// IdempotencyKey is derived from the run reference and channel only, so
// repeated completion notices for a run map to the same key.
func IdempotencyKey(runRef string, channel string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(runRef) + ":" + strings.TrimSpace(channel)))
	return hex.EncodeToString(sum[:])
}

type Option func(*ExactlyOnce)

func WithLogger(logger core.Logger) Option {
	return func(e *ExactlyOnce) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(e *ExactlyOnce) {
		e.metrics = core.EnsureMetrics(recorder)
	}
}

// ExactlyOnce fans a completion out to every channel, claiming a ledger key
// before each send. A key that was already claimed is skipped. A failed send
// is recorded and not retried.
type ExactlyOnce struct {
	ledger    core.NotificationLedger
	notifiers []core.Notifier
	logger    core.Logger
	metrics   core.MetricsRecorder
}

func NewExactlyOnce(ledger core.NotificationLedger, notifiers []core.Notifier, opts ...Option) (*ExactlyOnce, error) {
	if ledger == nil {
		return nil, fmt.Errorf("notify: notification ledger is required")
	}
	sender := &ExactlyOnce{
		ledger:  ledger,
		logger:  core.ResolveLogger("dispatch.notify", nil, nil),
		metrics: core.NopMetricsRecorder{},
	}
	for _, notifier := range notifiers {
		if notifier != nil {
			sender.notifiers = append(sender.notifiers, notifier)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sender)
		}
	}
	return sender, nil
}

func (e *ExactlyOnce) Notify(ctx context.Context, completion core.RunCompletion) error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, notifier := range e.notifiers {
		channel := notifier.Channel()
		key := IdempotencyKey(completion.RunRef, channel)
		claimed, err := e.ledger.Claim(ctx, core.NotificationDispatch{
			IdempotencyKey: key,
			RunRef:         completion.RunRef,
			Channel:        channel,
			Status:         core.NotificationStatusClaimed,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify: claim %s: %w", channel, err))
			continue
		}
		if !claimed {
			e.metrics.IncCounter(ctx, "dispatch.notify.deduped", 1, map[string]string{"channel": channel})
			continue
		}

		sendErr := notifier.Notify(ctx, completion)
		status := core.NotificationStatusSent
		if sendErr != nil {
			status = core.NotificationStatusFailed
			core.Log(ctx, e.logger, "error", "completion notification failed", map[string]any{
				"channel": channel,
				"run_ref": completion.RunRef,
				"error":   sendErr.Error(),
			})
			errs = append(errs, sendErr)
		}
		e.metrics.IncCounter(ctx, "dispatch.notify.sent", 1, map[string]string{"channel": channel, "status": status})
		if err := e.ledger.Finish(ctx, key, status, sendErr); err != nil {
			errs = append(errs, fmt.Errorf("notify: finish %s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}
