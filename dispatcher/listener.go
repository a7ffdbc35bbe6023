package dispatcher

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

// Listener settles triggered runs when the downstream engine reports their
// outcome.
type Listener struct {
	d *Dispatcher
}

// OnRunOutcome applies a terminal outcome to the run identified by runRef.
// Only the first report for a run has side effects; later ones return nil.
// An unknown run ref is logged and returned as UnknownRunReference. The
// outcome is held briefly in case the trigger record is still being written.
func (l *Listener) OnRunOutcome(ctx context.Context, runRef string, outcome core.RunOutcome) error {
	d := l.d
	runRef = strings.TrimSpace(runRef)
	if runRef == "" {
		return core.BadInput("dispatcher: run ref is required")
	}
	if outcome == "" || outcome == core.RunOutcomePending {
		return core.BadInput("dispatcher: a terminal run outcome is required")
	}
	if d.settled.Contains(runRef) {
		d.metrics.IncCounter(ctx, "dispatch.run.duplicate", 1, nil)
		return nil
	}

	err := l.settle(ctx, runRef, outcome)
	if !core.IsUnknownRunReference(err) {
		return err
	}

	d.early.Add(runRef, outcome)
	if _, findErr := d.triggers.FindByRunRef(ctx, runRef); findErr == nil && d.early.Remove(runRef) {
		return l.settle(ctx, runRef, outcome)
	}
	d.metrics.IncCounter(ctx, "dispatch.run.unknown", 1, nil)
	core.Log(ctx, d.logger, "warn", "run outcome for unknown run ref discarded", map[string]any{
		"run_ref": runRef,
		"outcome": string(outcome),
	})
	return err
}

func (l *Listener) settle(ctx context.Context, runRef string, outcome core.RunOutcome) error {
	d := l.d
	record, transitioned, err := d.triggers.Complete(ctx, runRef, outcome, d.now())
	if err != nil {
		return err
	}
	if !transitioned {
		d.metrics.IncCounter(ctx, "dispatch.run.duplicate", 1, nil)
	}
	return l.finish(ctx, record, transitioned)
}

// finish applies the outcome stored on record. Each step is idempotent, so a
// repeated report or a restart completes a settlement that an earlier call
// could not finish. The run is remembered as settled only once its event
// reached a terminal status.
func (l *Listener) finish(ctx context.Context, record core.TriggerRecord, transitioned bool) error {
	d := l.d
	d.releaseAll(ctx, record.PipelineName, record.EventID, record.LeaseOwner, record.RunRef)

	final := core.EventStatusCompleted
	if record.Outcome != core.RunOutcomeSucceeded {
		final = core.EventStatusFailed
	}
	event, statusErr := d.events.UpdateStatus(ctx, core.UpdateStatusInput{
		ID:     record.EventID,
		From:   []core.EventStatus{core.EventStatusTriggered, core.EventStatusAdmitted},
		To:     final,
		Reason: outcomeReason(record.Outcome),
	})
	if statusErr != nil {
		if !core.IsStatusConflict(statusErr) {
			core.Log(ctx, d.logger, "error", "mark event settled failed", map[string]any{
				"event_id": record.EventID,
				"run_ref":  record.RunRef,
				"error":    statusErr.Error(),
			})
		}
		event, _ = d.events.Get(ctx, record.EventID)
	}
	if event.Status.Terminal() {
		d.settled.Add(record.RunRef, struct{}{})
	}

	completedAt := d.now()
	if record.CompletedAt != nil {
		completedAt = *record.CompletedAt
	}
	if transitioned {
		d.metrics.IncCounter(ctx, "dispatch.run.settled", 1, map[string]string{
			"pipeline": record.PipelineName,
			"outcome":  string(record.Outcome),
		})
		core.Log(ctx, d.logger, "info", "run settled", map[string]any{
			"run_ref":  record.RunRef,
			"event_id": record.EventID,
			"pipeline": record.PipelineName,
			"outcome":  string(record.Outcome),
			"duration": completedAt.Sub(record.TriggeredAt).String(),
		})
	}

	if d.notifier == nil {
		return nil
	}
	completion := core.RunCompletion{
		RunRef:       record.RunRef,
		Outcome:      record.Outcome,
		EventID:      record.EventID,
		DeliveryID:   event.DeliveryID,
		PipelineName: record.PipelineName,
		SourceRepo:   event.SourceRepo,
		EventType:    event.EventType,
		Action:       event.Action,
		TriggeredAt:  record.TriggeredAt,
		CompletedAt:  completedAt,
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if notifyErr := d.notifier.Notify(notifyCtx, completion); notifyErr != nil {
		core.Log(ctx, d.logger, "error", "completion notification failed", map[string]any{
			"run_ref": record.RunRef,
			"error":   notifyErr.Error(),
		})
	}
	return nil
}

const notifyTimeout = 30 * time.Second

func outcomeReason(outcome core.RunOutcome) string {
	if outcome == core.RunOutcomeSucceeded {
		return ""
	}
	return "run " + string(outcome)
}
