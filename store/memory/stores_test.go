package memory

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

func TestEventStore_DuplicateDeliveryReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	first, err := store.Insert(ctx, core.WebhookEvent{DeliveryID: "d-1", Action: "opened"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	again, err := store.Insert(ctx, core.WebhookEvent{DeliveryID: "d-1", Action: "closed"})
	if !core.IsDuplicateDelivery(err) {
		t.Fatalf("expected duplicate delivery, got %v", err)
	}
	if again.ID != first.ID || again.Action != "opened" {
		t.Fatalf("expected original event, got %#v", again)
	}
}

func TestEventStore_StatusCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	event, _ := store.Insert(ctx, core.WebhookEvent{DeliveryID: "d-1"})

	if _, err := store.UpdateStatus(ctx, core.UpdateStatusInput{
		ID: event.ID, From: []core.EventStatus{core.EventStatusReceived}, To: core.EventStatusAdmitted,
	}); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, core.UpdateStatusInput{
		ID: event.ID, From: []core.EventStatus{core.EventStatusReceived}, To: core.EventStatusAdmitted,
	}); !core.IsStatusConflict(err) {
		t.Fatalf("expected status conflict, got %v", err)
	}

	if err := store.ScheduleRetry(ctx, event.ID, 2, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	due, _ := store.ListDue(ctx, time.Now(), 10)
	if len(due) != 0 {
		t.Fatalf("expected no due events, got %d", len(due))
	}
	due, _ = store.ListDue(ctx, time.Now().Add(2*time.Hour), 10)
	if len(due) != 1 {
		t.Fatalf("expected one due event, got %d", len(due))
	}
}

func TestTriggerStore_CompleteOnce(t *testing.T) {
	ctx := context.Background()
	store := NewTriggerStore()
	if _, err := store.Create(ctx, core.TriggerRecord{EventID: "e-1", RunRef: "run-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, err := store.Complete(ctx, "run-1", core.RunOutcomeSucceeded, time.Now()); !ok || err != nil {
		t.Fatalf("first complete: %v %v", ok, err)
	}
	if _, ok, err := store.Complete(ctx, "run-1", core.RunOutcomeSucceeded, time.Now()); ok || err != nil {
		t.Fatalf("second complete: %v %v", ok, err)
	}
	if _, _, err := store.Complete(ctx, "run-x", core.RunOutcomeFailed, time.Now()); !core.IsUnknownRunReference(err) {
		t.Fatalf("expected unknown run reference, got %v", err)
	}
}

func TestNotificationLedger_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	ledger := NewNotificationLedger()
	record := core.NotificationDispatch{IdempotencyKey: "k", RunRef: "run-1", Channel: "chat"}
	if ok, _ := ledger.Claim(ctx, record); !ok {
		t.Fatalf("expected first claim")
	}
	if ok, _ := ledger.Claim(ctx, record); ok {
		t.Fatalf("expected second claim to be refused")
	}
	_ = ledger.Finish(ctx, "k", core.NotificationStatusSent, nil)
	if entries := ledger.Entries(); len(entries) != 1 || entries[0].Status != core.NotificationStatusSent {
		t.Fatalf("unexpected entries %#v", entries)
	}
}
