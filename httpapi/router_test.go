package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-dispatch/adapters/gocommand"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/store/memory"
	"github.com/goliatone/go-dispatch/webhooks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubReceiver struct {
	decision webhooks.Decision
	err      error
	last     core.InboundRequest
	rejected string
}

func (s *stubReceiver) Receive(_ context.Context, req core.InboundRequest) (webhooks.Decision, error) {
	s.last = req
	return s.decision, s.err
}

func (s *stubReceiver) Reject(_ context.Context, req core.InboundRequest, reason string) (webhooks.Decision, error) {
	s.last = req
	s.rejected = reason
	if s.err != nil {
		return webhooks.Decision{}, s.err
	}
	return webhooks.Decision{
		Outcome: webhooks.OutcomeRejected,
		Reason:  reason,
		Event:   core.WebhookEvent{ID: "evt-big", Status: core.EventStatusRejected},
	}, nil
}

type stubSink struct {
	messages []gocommand.RunOutcomeMessage
	err      error
}

func (s *stubSink) Submit(_ context.Context, msg gocommand.RunOutcomeMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.messages = append(s.messages, msg)
	return s.err
}

type stubCapacity struct{}

func (stubCapacity) Snapshot() []core.CapacityCounter {
	return []core.CapacityCounter{{PipelineName: "certify", InFlight: 1, MaxCapacity: 2, ReservedBy: []string{"evt-1"}}}
}

type stubLeases struct{}

func (stubLeases) List(context.Context) ([]core.Lease, error) {
	return []core.Lease{{Name: "org-acme", Owner: "run-42", AcquiredAt: time.Now().UTC()}}, nil
}

type fixture struct {
	engine   *gin.Engine
	receiver *stubReceiver
	sink     *stubSink
	events   *memory.EventStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		receiver: &stubReceiver{},
		sink:     &stubSink{},
		events:   memory.NewEventStore(),
	}
	engine, err := NewRouter(Dependencies{
		Webhooks:    f.receiver,
		Completions: f.sink,
		Events:      f.events,
		Capacity:    stubCapacity{},
		Leases:      stubLeases{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("dispatch_http_requests_total 1\n"))
		}),
	}, opts...)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) do(method string, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_StatusCodesFollowDecision(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name     string
		decision webhooks.Decision
		err      error
		want     int
	}{
		{"accepted", webhooks.Decision{Outcome: webhooks.OutcomeAccepted, Event: core.WebhookEvent{ID: "e1", Status: core.EventStatusAdmitted}}, nil, http.StatusAccepted},
		{"duplicate of admitted", webhooks.Decision{Outcome: webhooks.OutcomeDuplicate, Event: core.WebhookEvent{ID: "e1", Status: core.EventStatusTriggered}}, nil, http.StatusAccepted},
		{"duplicate of rejected", webhooks.Decision{Outcome: webhooks.OutcomeDuplicate, Event: core.WebhookEvent{ID: "e2", Status: core.EventStatusRejected}}, nil, http.StatusOK},
		{"rejected", webhooks.Decision{Outcome: webhooks.OutcomeRejected, Reason: "invalid signature"}, nil, http.StatusOK},
		{"storage fault", webhooks.Decision{}, core.StorageUnavailable(errors.New("db down")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.receiver.decision, f.receiver.err = tc.decision, tc.err
			rec := f.do(http.MethodPost, "/webhooks/github", `{}`, map[string]string{"X-GitHub-Delivery": "d-1"})
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
	if f.receiver.last.Source != "github" || f.receiver.last.Headers["X-Github-Delivery"] != "d-1" {
		t.Fatalf("unexpected inbound request: %+v", f.receiver.last)
	}
}

func TestWebhook_BodyLimit(t *testing.T) {
	f := newFixture(t, WithMaxBodyBytes(8))
	rec := f.do(http.MethodPost, "/webhooks/github", strings.Repeat("x", 64), map[string]string{"X-GitHub-Delivery": "d-big"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an oversized body, got %d", rec.Code)
	}
	if !strings.Contains(f.receiver.rejected, "exceeds 8 bytes") {
		t.Fatalf("expected oversized body to be recorded as rejected, got %q", f.receiver.rejected)
	}
	if f.receiver.last.Headers["X-Github-Delivery"] != "d-big" {
		t.Fatalf("expected headers to reach the gateway, got %+v", f.receiver.last.Headers)
	}
	if !strings.Contains(rec.Body.String(), `"status":"rejected"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	f.receiver.err = core.StorageUnavailable(errors.New("db down"))
	if rec := f.do(http.MethodPost, "/webhooks/github", strings.Repeat("x", 64), nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the rejection cannot be stored, got %d", rec.Code)
	}
}

func TestCompletion_TokenAndValidation(t *testing.T) {
	f := newFixture(t, WithCompletionToken("s3cret"))
	body := `{"pipeline_run_ref":"run-1","outcome":"succeeded"}`

	if rec := f.do(http.MethodPost, "/runs/complete", body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/runs/complete", body, map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	auth := map[string]string{"Authorization": "Bearer s3cret", "Content-Type": "application/json"}
	if rec := f.do(http.MethodPost, "/runs/complete", `{not json`, auth); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/runs/complete", `{"pipeline_run_ref":"run-1","outcome":"maybe"}`, auth); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown outcome, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/runs/complete", body, auth); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.sink.messages) != 1 || f.sink.messages[0].RunRef != "run-1" {
		t.Fatalf("unexpected submitted messages: %+v", f.sink.messages)
	}

	f.sink.err = core.StorageUnavailable(errors.New("db down"))
	if rec := f.do(http.MethodPost, "/runs/complete", body, auth); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on storage failure, got %d", rec.Code)
	}
}

func TestStatus_PingAndDB(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodGet, "/status/ping", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected ping 200, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/status/db", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected db 200, got %d", rec.Code)
	}
	f.events.SetPingError(errors.New("connection reset"))
	if rec := f.do(http.MethodGet, "/status/db", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected db 503, got %d", rec.Code)
	}
}

func TestStatus_EventsPaginationAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []core.EventStatus{core.EventStatusRejected, core.EventStatusAdmitted, core.EventStatusRejected} {
		if _, err := f.events.Insert(ctx, core.WebhookEvent{
			DeliveryID: "d-" + string(rune('a'+i)),
			SourceRepo: "acme/catalog",
			Status:     status,
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rec := f.do(http.MethodGet, "/status/events?status=rejected&per_page=1&page=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Items []eventView `json:"items"`
		Total int         `json:"total"`
		Page  int         `json:"page"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || page.Page != 2 || len(page.Items) != 1 || page.Items[0].DeliveryID != "d-a" {
		t.Fatalf("unexpected page: %+v", page)
	}

	if rec := f.do(http.MethodGet, "/status/events?status=exploded", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/status/events?page=-1", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative page, got %d", rec.Code)
	}
}

func TestStatus_CapacityLeasesAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/status/capacity", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"in_flight":1`) {
		t.Fatalf("unexpected capacity response %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/status/leases", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"owner":"run-42"`) {
		t.Fatalf("unexpected leases response %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dispatch_http_requests_total") {
		t.Fatalf("unexpected metrics response %d: %s", rec.Code, rec.Body.String())
	}
}
