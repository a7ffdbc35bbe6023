// Package memory holds process-local implementations of the dispatch
// stores. They honor the same uniqueness and compare-and-swap rules as the
// SQL stores and back tests and single-process development runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/google/uuid"
)

type EventStore struct {
	mu         sync.Mutex
	byID       map[string]core.WebhookEvent
	byDelivery map[string]string
	pingErr    error
	failNext   map[core.EventStatus]error
}

func NewEventStore() *EventStore {
	return &EventStore{
		byID:       map[string]core.WebhookEvent{},
		byDelivery: map[string]string{},
	}
}

// SetPingError makes Ping report err, for health check tests.
func (s *EventStore) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// FailNextUpdate makes the next UpdateStatus to status return err without
// writing, for storage fault tests.
func (s *EventStore) FailNextUpdate(status core.EventStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext == nil {
		s.failNext = map[core.EventStatus]error{}
	}
	s.failNext[status] = err
}

func (s *EventStore) Insert(_ context.Context, event core.WebhookEvent) (core.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.DeliveryID = strings.TrimSpace(event.DeliveryID)
	if event.DeliveryID == "" {
		return core.WebhookEvent{}, core.BadInput("memory: delivery id is required")
	}
	if id, ok := s.byDelivery[event.DeliveryID]; ok {
		return cloneEvent(s.byID[id]), core.DuplicateDelivery(event.DeliveryID)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = core.EventStatusReceived
	}
	now := time.Now().UTC()
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = now
	}
	event.UpdatedAt = now
	s.byID[event.ID] = cloneEvent(event)
	s.byDelivery[event.DeliveryID] = event.ID
	return cloneEvent(event), nil
}

func (s *EventStore) Get(_ context.Context, id string) (core.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return core.WebhookEvent{}, core.NotFound(fmt.Sprintf("memory: event %q not found", id))
	}
	return cloneEvent(event), nil
}

func (s *EventStore) FindByDeliveryID(ctx context.Context, deliveryID string) (core.WebhookEvent, error) {
	s.mu.Lock()
	id, ok := s.byDelivery[strings.TrimSpace(deliveryID)]
	s.mu.Unlock()
	if !ok {
		return core.WebhookEvent{}, core.NotFound(fmt.Sprintf("memory: delivery %q not found", deliveryID))
	}
	return s.Get(ctx, id)
}

func (s *EventStore) UpdateStatus(_ context.Context, input core.UpdateStatusInput) (core.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failNext[input.To]; ok {
		delete(s.failNext, input.To)
		return core.WebhookEvent{}, core.StorageUnavailable(err)
	}
	event, ok := s.byID[strings.TrimSpace(input.ID)]
	if !ok {
		return core.WebhookEvent{}, core.NotFound(fmt.Sprintf("memory: event %q not found", input.ID))
	}
	if len(input.From) > 0 && !slices.Contains(input.From, event.Status) {
		return core.WebhookEvent{}, core.StatusConflict(event.ID, input.To)
	}
	event.Status = input.To
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		event.RejectReason = reason
	}
	if input.To != core.EventStatusAdmitted {
		event.NextAttemptAt = nil
	}
	event.UpdatedAt = time.Now().UTC()
	s.byID[event.ID] = event
	return cloneEvent(event), nil
}

func (s *EventStore) ScheduleRetry(_ context.Context, id string, attempts int, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.byID[strings.TrimSpace(id)]
	if !ok || event.Status != core.EventStatusAdmitted {
		return nil
	}
	next := nextAttemptAt.UTC()
	event.Attempts = attempts
	event.NextAttemptAt = &next
	event.UpdatedAt = time.Now().UTC()
	s.byID[event.ID] = event
	return nil
}

func (s *EventStore) ListPending(_ context.Context) ([]core.WebhookEvent, error) {
	return s.filter(func(event core.WebhookEvent) bool {
		return event.Status.Pending() || event.AwaitingAdmission()
	}, 0), nil
}

func (s *EventStore) ListDue(_ context.Context, now time.Time, limit int) ([]core.WebhookEvent, error) {
	return s.filter(func(event core.WebhookEvent) bool {
		if event.AwaitingAdmission() {
			return true
		}
		return event.Status == core.EventStatusAdmitted &&
			(event.NextAttemptAt == nil || !event.NextAttemptAt.After(now))
	}, limit), nil
}

func (s *EventStore) List(_ context.Context, query core.EventQuery) (core.EventPage, error) {
	page := query.Page
	if page < 1 {
		page = 1
	}
	perPage := query.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	matched := s.filter(func(event core.WebhookEvent) bool {
		if query.Status != "" && event.Status != query.Status {
			return false
		}
		if query.SourceRepo != "" && event.SourceRepo != query.SourceRepo {
			return false
		}
		return true
	}, 0)
	slices.Reverse(matched)

	start := min((page-1)*perPage, len(matched))
	end := min(start+perPage, len(matched))
	return core.EventPage{
		Items:   matched[start:end],
		Total:   len(matched),
		Page:    page,
		PerPage: perPage,
	}, nil
}

func (s *EventStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingErr != nil {
		return core.StorageUnavailable(s.pingErr)
	}
	return nil
}

// filter returns matching events ordered by receipt time.
func (s *EventStore) filter(keep func(core.WebhookEvent) bool, limit int) []core.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.WebhookEvent, 0)
	for _, event := range s.byID {
		if keep(event) {
			out = append(out, cloneEvent(event))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type TriggerStore struct {
	mu       sync.Mutex
	byRunRef map[string]core.TriggerRecord
	byEvent  map[string]string
}

func NewTriggerStore() *TriggerStore {
	return &TriggerStore{
		byRunRef: map[string]core.TriggerRecord{},
		byEvent:  map[string]string{},
	}
}

func (s *TriggerStore) Create(_ context.Context, record core.TriggerRecord) (core.TriggerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.RunRef = strings.TrimSpace(record.RunRef)
	if record.RunRef == "" || strings.TrimSpace(record.EventID) == "" {
		return core.TriggerRecord{}, core.BadInput("memory: event id and run ref are required")
	}
	if runRef, ok := s.byEvent[record.EventID]; ok {
		return s.byRunRef[runRef], nil
	}
	if _, ok := s.byRunRef[record.RunRef]; ok {
		return core.TriggerRecord{}, core.BadInput(fmt.Sprintf("memory: run ref %q already recorded", record.RunRef))
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Outcome == "" {
		record.Outcome = core.RunOutcomePending
	}
	if record.TriggeredAt.IsZero() {
		record.TriggeredAt = time.Now().UTC()
	}
	s.byRunRef[record.RunRef] = record
	s.byEvent[record.EventID] = record.RunRef
	return record, nil
}

func (s *TriggerStore) FindByRunRef(_ context.Context, runRef string) (core.TriggerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byRunRef[strings.TrimSpace(runRef)]
	if !ok {
		return core.TriggerRecord{}, core.UnknownRunReference(runRef)
	}
	return record, nil
}

func (s *TriggerStore) FindByEventID(_ context.Context, eventID string) (core.TriggerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runRef, ok := s.byEvent[strings.TrimSpace(eventID)]
	if !ok {
		return core.TriggerRecord{}, core.NotFound(fmt.Sprintf("memory: no trigger for event %q", eventID))
	}
	return s.byRunRef[runRef], nil
}

func (s *TriggerStore) Complete(
	_ context.Context,
	runRef string,
	outcome core.RunOutcome,
	completedAt time.Time,
) (core.TriggerRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byRunRef[strings.TrimSpace(runRef)]
	if !ok {
		return core.TriggerRecord{}, false, core.UnknownRunReference(runRef)
	}
	if outcome == "" || outcome == core.RunOutcomePending {
		return core.TriggerRecord{}, false, core.BadInput("memory: a terminal outcome is required")
	}
	if record.Outcome != core.RunOutcomePending {
		return record, false, nil
	}
	at := completedAt.UTC()
	record.Outcome = outcome
	record.CompletedAt = &at
	s.byRunRef[record.RunRef] = record
	return record, true, nil
}

// Count reports how many trigger records exist.
func (s *TriggerStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byRunRef)
}

type NotificationLedger struct {
	mu      sync.Mutex
	entries map[string]core.NotificationDispatch
}

func NewNotificationLedger() *NotificationLedger {
	return &NotificationLedger{entries: map[string]core.NotificationDispatch{}}
}

func (l *NotificationLedger) Claim(_ context.Context, record core.NotificationDispatch) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.TrimSpace(record.IdempotencyKey)
	if key == "" {
		return false, core.BadInput("memory: idempotency key is required")
	}
	if _, ok := l.entries[key]; ok {
		return false, nil
	}
	if record.Status == "" {
		record.Status = core.NotificationStatusClaimed
	}
	record.CreatedAt = time.Now().UTC()
	l.entries[key] = record
	return true, nil
}

func (l *NotificationLedger) Finish(_ context.Context, key string, status string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[strings.TrimSpace(key)]
	if !ok {
		return nil
	}
	entry.Status = status
	entry.Error = ""
	if cause != nil {
		entry.Error = cause.Error()
	}
	l.entries[entry.IdempotencyKey] = entry
	return nil
}

// Entries returns a snapshot of the ledger ordered by key.
func (l *NotificationLedger) Entries() []core.NotificationDispatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.NotificationDispatch, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out
}

func cloneEvent(event core.WebhookEvent) core.WebhookEvent {
	cloned := event
	cloned.RawPayload = append([]byte(nil), event.RawPayload...)
	if event.NextAttemptAt != nil {
		next := *event.NextAttemptAt
		cloned.NextAttemptAt = &next
	}
	cloned.Attributes = make(map[string]string, len(event.Attributes))
	for key, value := range event.Attributes {
		cloned.Attributes[key] = value
	}
	return cloned
}

var (
	_ core.EventStore         = (*EventStore)(nil)
	_ core.TriggerStore       = (*TriggerStore)(nil)
	_ core.NotificationLedger = (*NotificationLedger)(nil)
)
