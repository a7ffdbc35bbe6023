package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-dispatch/core"
)

type recordingClient struct {
	mu   sync.Mutex
	refs []string
}

func (c *recordingClient) Trigger(_ context.Context, _ core.DispatchRule, event core.WebhookEvent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := fmt.Sprintf("run-%d", len(c.refs)+1)
	c.refs = append(c.refs, ref)
	return ref, nil
}

func (c *recordingClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refs)
}

func testConfig(t *testing.T) core.Config {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Server.Mode = gin.TestMode
	cfg.Log.Level = "error"
	cfg.Database.DSN = fmt.Sprintf("file:dispatch-app-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	cfg.Webhook.Secret = "app-secret"
	cfg.Lease.Backend = core.LeaseBackendMemory
	cfg.Lease.InitialBackoff = "1ms"
	cfg.Lease.MaxBackoff = "2ms"
	cfg.Dispatch.ScanInterval = "20ms"
	cfg.Dispatch.MaxAdmitAttempts = 1000
	cfg.Dispatch.RequeueInitial = "10ms"
	cfg.Dispatch.RequeueMax = "20ms"
	cfg.Completion.Token = "tok"
	cfg.Rules = []core.DispatchRule{{
		RepoFullName:   "acme/catalog",
		AcceptedEvents: []string{"pull_request/opened"},
		PipelineName:   "certify",
		MaxCapacity:    1,
		CallbackURL:    "https://ci.example.com/certify",
		LeaseKeys:      []string{"org-{owner}"},
	}}
	return cfg
}

func postWebhook(t *testing.T, handler http.Handler, deliveryID string, secret string) int {
	t.Helper()
	body := `{"action":"opened","number":7,"repository":{"full_name":"acme/catalog","owner":{"login":"acme"}}}`
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("User-Agent", "GitHub-Hookshot/abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func postCompletion(t *testing.T, handler http.Handler, runRef string) int {
	t.Helper()
	body := fmt.Sprintf(`{"pipeline_run_ref":%q,"outcome":"succeeded"}`, runRef)
	req := httptest.NewRequest(http.MethodPost, "/runs/complete", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func eventStatuses(t *testing.T, handler http.Handler) map[string]string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/status/events?per_page=50", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list events: %d %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Items []struct {
			DeliveryID string `json:"delivery_id"`
			Status     string `json:"status"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	out := make(map[string]string, len(page.Items))
	for _, item := range page.Items {
		out[item.DeliveryID] = item.Status
	}
	return out
}

func waitForStatus(t *testing.T, handler http.Handler, deliveryID string, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if eventStatuses(t, handler)[deliveryID] == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("delivery %s never reached %s, have %v", deliveryID, want, eventStatuses(t, handler))
}

func TestApp_WebhookToCompletionOverSQLite(t *testing.T) {
	client := &recordingClient{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, testConfig(t), WithTriggerClient(client))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer func() { _ = a.Close() }()

	if err := a.dispatcher.Rehydrate(ctx); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.dispatcher.Run(ctx) }()

	handler := a.Handler()
	if code := postWebhook(t, handler, "d-1", "app-secret"); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if code := postWebhook(t, handler, "d-1", "app-secret"); code != http.StatusAccepted {
		t.Fatalf("expected 202 for redelivery, got %d", code)
	}
	if code := postWebhook(t, handler, "d-bad", "wrong-secret"); code != http.StatusOK {
		t.Fatalf("expected 200 for bad signature, got %d", code)
	}
	waitForStatus(t, handler, "d-1", string(core.EventStatusTriggered))
	if got := eventStatuses(t, handler)["d-bad"]; got != string(core.EventStatusRejected) {
		t.Fatalf("expected rejected event to be stored, got %q", got)
	}

	if code := postWebhook(t, handler, "d-2", "app-secret"); code != http.StatusAccepted {
		t.Fatalf("expected 202 for second delivery, got %d", code)
	}
	time.Sleep(50 * time.Millisecond)
	if client.count() != 1 {
		t.Fatalf("second event triggered while capacity was full: %d triggers", client.count())
	}

	if code := postCompletion(t, handler, "run-1"); code != http.StatusOK {
		t.Fatalf("expected 200 for completion, got %d", code)
	}
	if code := postCompletion(t, handler, "run-1"); code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate completion, got %d", code)
	}
	if code := postCompletion(t, handler, "run-unknown"); code != http.StatusOK {
		t.Fatalf("expected 200 for unknown run, got %d", code)
	}
	waitForStatus(t, handler, "d-1", string(core.EventStatusCompleted))
	waitForStatus(t, handler, "d-2", string(core.EventStatusTriggered))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}
}

func TestBuild_RejectsAmbiguousRules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rules = append(cfg.Rules, core.DispatchRule{
		RepoFullName:   "acme/catalog",
		AcceptedEvents: []string{"pull_request"},
		PipelineName:   "lint",
		MaxCapacity:    1,
		CallbackURL:    "https://ci.example.com/lint",
	})
	if _, err := Build(context.Background(), cfg); !core.IsConfigInvalid(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestBuild_UnreachableRedisIsStorageUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lease.Backend = core.LeaseBackendRedis
	cfg.Lease.RedisAddr = "127.0.0.1:1"
	if _, err := Build(context.Background(), cfg); !core.IsStorageUnavailable(err) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}
