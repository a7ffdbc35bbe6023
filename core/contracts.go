package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// GaugeRecorder is implemented by recorders that can report point-in-time values.
type GaugeRecorder interface {
	SetGauge(ctx context.Context, name string, value float64, tags map[string]string)
}

type EventStore interface {
	// Insert persists a new event. A delivery id that already exists returns
	// the stored event together with a DuplicateDelivery error.
	Insert(ctx context.Context, event WebhookEvent) (WebhookEvent, error)
	Get(ctx context.Context, id string) (WebhookEvent, error)
	FindByDeliveryID(ctx context.Context, deliveryID string) (WebhookEvent, error)
	// UpdateStatus moves an event to a new status only when its current
	// status is one of input.From. A lost race returns a StatusConflict error.
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (WebhookEvent, error)
	ScheduleRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time) error
	// ListPending returns admitted and triggered events plus rule-matched
	// events still in received, ordered by receipt time.
	ListPending(ctx context.Context) ([]WebhookEvent, error)
	// ListDue returns admitted events whose next attempt is at or before now,
	// and rule-matched events still in received.
	ListDue(ctx context.Context, now time.Time, limit int) ([]WebhookEvent, error)
	List(ctx context.Context, query EventQuery) (EventPage, error)
	Ping(ctx context.Context) error
}

type TriggerStore interface {
	Create(ctx context.Context, record TriggerRecord) (TriggerRecord, error)
	FindByRunRef(ctx context.Context, runRef string) (TriggerRecord, error)
	FindByEventID(ctx context.Context, eventID string) (TriggerRecord, error)
	// Complete records a terminal outcome. The boolean is true only for the
	// call that moved the record out of pending.
	Complete(ctx context.Context, runRef string, outcome RunOutcome, completedAt time.Time) (TriggerRecord, bool, error)
}

type LeaseStore interface {
	// TryAcquire grants the lease when it is free, expired, or already held
	// by owner. Otherwise it returns the current holder and false.
	TryAcquire(ctx context.Context, name string, owner string, now time.Time, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name string, owner string) (bool, error)
	ReleaseOwner(ctx context.Context, owner string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	List(ctx context.Context) ([]Lease, error)
}

type NotificationLedger interface {
	// Claim records the idempotency key and reports whether this call
	// created it.
	Claim(ctx context.Context, record NotificationDispatch) (bool, error)
	Finish(ctx context.Context, idempotencyKey string, status string, cause error) error
}

type Notifier interface {
	Channel() string
	Notify(ctx context.Context, completion RunCompletion) error
}

type TriggerClient interface {
	Trigger(ctx context.Context, rule DispatchRule, event WebhookEvent) (string, error)
}
