package capacity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goliatone/go-dispatch/core"
)

func newTestLedger(t *testing.T, capacities map[string]int) *Ledger {
	t.Helper()
	ledger, err := NewLedger(capacities)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func TestReserve_ConcurrentLoadNeverOvershoots(t *testing.T) {
	ledger := newTestLedger(t, map[string]int{"certify": 5})

	var admitted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := ledger.Reserve("certify", fmt.Sprintf("evt-%d", i))
			if ok {
				admitted.Add(1)
				return
			}
			if !core.IsCapacityExceeded(err) {
				t.Errorf("expected capacity exceeded, got %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if admitted.Load() != 5 {
		t.Fatalf("expected exactly 5 reservations, got %d", admitted.Load())
	}
	if got := ledger.InFlight("certify"); got != 5 {
		t.Fatalf("expected in_flight 5, got %d", got)
	}
}

func TestReserve_IsIdempotentPerEvent(t *testing.T) {
	ledger := newTestLedger(t, map[string]int{"certify": 1})
	for i := 0; i < 3; i++ {
		ok, err := ledger.Reserve("certify", "evt-1")
		if !ok || err != nil {
			t.Fatalf("reserve %d: ok=%v err=%v", i, ok, err)
		}
	}
	if got := ledger.InFlight("certify"); got != 1 {
		t.Fatalf("expected single reservation, got %d", got)
	}
}

func TestRelease_IdempotentAndSignalsFreedSlot(t *testing.T) {
	ledger := newTestLedger(t, map[string]int{"certify": 1})
	if ok, _ := ledger.Reserve("certify", "evt-1"); !ok {
		t.Fatalf("expected first reservation")
	}
	if ok, _ := ledger.Reserve("certify", "evt-2"); ok {
		t.Fatalf("expected second reservation to be refused")
	}

	if !ledger.Release("certify", "evt-1") {
		t.Fatalf("expected release to report success")
	}
	if ledger.Release("certify", "evt-1") {
		t.Fatalf("expected second release to be a no-op")
	}
	if ledger.Release("certify", "never-reserved") {
		t.Fatalf("expected unknown release to be a no-op")
	}
	select {
	case <-ledger.Freed():
	default:
		t.Fatalf("expected freed signal")
	}

	if ok, err := ledger.Reserve("certify", "evt-2"); !ok {
		t.Fatalf("expected slot after release, got %v", err)
	}
}

func TestReserve_UnknownPipeline(t *testing.T) {
	ledger := newTestLedger(t, map[string]int{"certify": 1})
	if _, err := ledger.Reserve("nope", "evt-1"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRehydrate_CountsRunningEventsFirst(t *testing.T) {
	ledger := newTestLedger(t, map[string]int{"certify": 2, "index": 1})
	restored := ledger.Rehydrate(context.Background(), []core.WebhookEvent{
		{ID: "b", PipelineName: "certify", Status: core.EventStatusAdmitted},
		{ID: "a", PipelineName: "certify", Status: core.EventStatusTriggered},
		{ID: "c", PipelineName: "certify", Status: core.EventStatusTriggered},
		{ID: "d", PipelineName: "removed", Status: core.EventStatusTriggered},
		{ID: "e", PipelineName: "index", Status: core.EventStatusCompleted},
		{ID: "g", PipelineName: "index", Status: core.EventStatusAdmitted},
	})
	if restored != 3 {
		t.Fatalf("expected 3 restored reservations, got %d", restored)
	}
	if ledger.HasCapacity("certify") {
		t.Fatalf("expected certify to be full")
	}
	// The queued admitted event did not get a slot, so it cannot slip past
	// the running ones through reserve idempotence.
	if ok, _ := ledger.Reserve("certify", "b"); ok {
		t.Fatalf("expected queued event to stay blocked")
	}
	// A queued event that found a free slot keeps it.
	if ok, _ := ledger.Reserve("index", "g"); !ok {
		t.Fatalf("expected rehydrated admitted event to hold its slot")
	}

	ledger.Release("certify", "a")
	if ok, err := ledger.Reserve("certify", "b"); !ok {
		t.Fatalf("expected reservation once below limit: %v", err)
	}

	snapshot := ledger.Snapshot()
	if len(snapshot) != 2 || snapshot[0].PipelineName != "certify" || snapshot[0].InFlight != 2 {
		t.Fatalf("unexpected snapshot %#v", snapshot)
	}
}

func TestRehydrate_RunningEventsMayExceedReducedCapacity(t *testing.T) {
	ledger := newTestLedger(t, map[string]int{"certify": 1})
	restored := ledger.Rehydrate(context.Background(), []core.WebhookEvent{
		{ID: "a", PipelineName: "certify", Status: core.EventStatusTriggered},
		{ID: "b", PipelineName: "certify", Status: core.EventStatusTriggered},
	})
	if restored != 2 || ledger.InFlight("certify") != 2 {
		t.Fatalf("expected both running events counted, got restored=%d", restored)
	}
	ledger.Release("certify", "a")
	if ok, _ := ledger.Reserve("certify", "new"); ok {
		t.Fatalf("expected pipeline to stay blocked until it drains below the limit")
	}
	ledger.Release("certify", "b")
	if ok, _ := ledger.Reserve("certify", "new"); !ok {
		t.Fatalf("expected reservation after draining")
	}
}

func TestAvailable_CountsFreeSlots(t *testing.T) {
	ledger := newTestLedger(t, map[string]int{"certify": 3})
	if got := ledger.Available("certify"); got != 3 {
		t.Fatalf("expected 3 free slots, got %d", got)
	}
	ledger.Reserve("certify", "a")
	ledger.Reserve("certify", "b")
	if got := ledger.Available("certify"); got != 1 {
		t.Fatalf("expected 1 free slot, got %d", got)
	}
	ledger.Rehydrate(context.Background(), []core.WebhookEvent{
		{ID: "c", PipelineName: "certify", Status: core.EventStatusTriggered},
		{ID: "d", PipelineName: "certify", Status: core.EventStatusTriggered},
	})
	if got := ledger.Available("certify"); got != 0 {
		t.Fatalf("expected an over-limit pipeline to report zero, got %d", got)
	}
	if got := ledger.Available("lint"); got != 0 {
		t.Fatalf("expected unknown pipeline to report zero, got %d", got)
	}
}

func TestNewLedger_ValidatesCapacities(t *testing.T) {
	if _, err := NewLedger(map[string]int{"certify": 0}); err == nil {
		t.Fatalf("expected zero capacity to fail")
	}
}
