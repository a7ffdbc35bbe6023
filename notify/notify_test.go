package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/store/memory"
)

type countingNotifier struct {
	channel string
	calls   atomic.Int64
	err     error
}

func (n *countingNotifier) Channel() string { return n.channel }

func (n *countingNotifier) Notify(context.Context, core.RunCompletion) error {
	n.calls.Add(1)
	return n.err
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (r *recordingMetrics) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == nil {
		r.counters = map[string]int64{}
	}
	r.counters[name] += value
}

func (r *recordingMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func TestExactlyOnce_SendsOncePerRunAndChannel(t *testing.T) {
	ledger := memory.NewNotificationLedger()
	chat := &countingNotifier{channel: "chat"}
	metrics := &countingNotifier{channel: "metrics"}
	sender, err := NewExactlyOnce(ledger, []core.Notifier{chat, metrics})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	completion := core.RunCompletion{RunRef: "run-1", Outcome: core.RunOutcomeSucceeded}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sender.Notify(context.Background(), completion); err != nil {
				t.Errorf("notify: %v", err)
			}
		}()
	}
	wg.Wait()

	if chat.calls.Load() != 1 || metrics.calls.Load() != 1 {
		t.Fatalf("expected one send per channel, got chat=%d metrics=%d", chat.calls.Load(), metrics.calls.Load())
	}
	entries := ledger.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two ledger entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Status != core.NotificationStatusSent {
			t.Fatalf("expected sent status, got %#v", entry)
		}
	}
}

func TestExactlyOnce_RecordsFailures(t *testing.T) {
	ledger := memory.NewNotificationLedger()
	chat := &countingNotifier{channel: "chat", err: errors.New("chat down")}
	sender, _ := NewExactlyOnce(ledger, []core.Notifier{chat})

	if err := sender.Notify(context.Background(), core.RunCompletion{RunRef: "run-2"}); err == nil {
		t.Fatalf("expected send failure to surface")
	}
	if err := sender.Notify(context.Background(), core.RunCompletion{RunRef: "run-2"}); err != nil {
		t.Fatalf("expected second notify to be deduped, got %v", err)
	}
	if chat.calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", chat.calls.Load())
	}
	if entries := ledger.Entries(); entries[0].Status != core.NotificationStatusFailed || entries[0].Error != "chat down" {
		t.Fatalf("unexpected ledger entry %#v", entries[0])
	}
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	if IdempotencyKey("run-1", "chat") != IdempotencyKey(" run-1 ", "chat") {
		t.Fatalf("expected trimmed inputs to share a key")
	}
	if IdempotencyKey("run-1", "chat") == IdempotencyKey("run-1", "metrics") {
		t.Fatalf("expected channels to have distinct keys")
	}
}

func TestChatNotifier_PostsSummary(t *testing.T) {
	var text string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		text = buf.String()
	}))
	defer server.Close()

	notifier := NewChatNotifier(server.URL, time.Second)
	err := notifier.Notify(context.Background(), core.RunCompletion{
		RunRef:       "run-9",
		PipelineName: "certify",
		Outcome:      core.RunOutcomeFailed,
		SourceRepo:   "acme/catalog",
		EventType:    "pull_request",
		Action:       "opened",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(text, "certify run run-9 failed") {
		t.Fatalf("unexpected chat body %q", text)
	}
}

func TestChatNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	if err := NewChatNotifier(server.URL, time.Second).Notify(context.Background(), core.RunCompletion{}); err == nil {
		t.Fatalf("expected error status to fail")
	}
}

func TestMetricsNotifier_CountsOutcome(t *testing.T) {
	recorder := &recordingMetrics{}
	now := time.Now()
	_ = NewMetricsNotifier(recorder).Notify(context.Background(), core.RunCompletion{
		PipelineName: "certify",
		Outcome:      core.RunOutcomeSucceeded,
		TriggeredAt:  now.Add(-time.Minute),
		CompletedAt:  now,
	})
	if recorder.counters["dispatch.run.completed"] != 1 {
		t.Fatalf("expected completion counter, got %#v", recorder.counters)
	}
}
