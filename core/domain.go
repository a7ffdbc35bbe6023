package core

import (
	"strings"
	"time"
)

type EventStatus string

const (
	EventStatusReceived  EventStatus = "received"
	EventStatusRejected  EventStatus = "rejected"
	EventStatusAdmitted  EventStatus = "admitted"
	EventStatusTriggered EventStatus = "triggered"
	EventStatusCompleted EventStatus = "completed"
	EventStatusFailed    EventStatus = "failed"
)

func (s EventStatus) Terminal() bool {
	switch s {
	case EventStatusRejected, EventStatusCompleted, EventStatusFailed:
		return true
	default:
		return false
	}
}

// Pending reports whether an event in this status holds, or is waiting for,
// a capacity reservation.
func (s EventStatus) Pending() bool {
	return s == EventStatusAdmitted || s == EventStatusTriggered
}

func ParseEventStatus(value string) (EventStatus, bool) {
	status := EventStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case EventStatusReceived,
		EventStatusRejected,
		EventStatusAdmitted,
		EventStatusTriggered,
		EventStatusCompleted,
		EventStatusFailed:
		return status, true
	default:
		return "", false
	}
}

// Attribute keys extracted from inbound payloads and used to render lease names.
const (
	AttributeNumber            = "number"
	AttributeOwner             = "owner"
	AttributeRef               = "ref"
	AttributeSender            = "sender"
	AttributeClaimedDeliveryID = "claimed_delivery_id"
)

type WebhookEvent struct {
	ID             string
	Source         string
	SourceRepo     string
	EventType      string
	Action         string
	DeliveryID     string
	RawPayload     []byte
	ReceivedAt     time.Time
	SignatureValid bool
	Status         EventStatus
	PipelineName   string
	RejectReason   string
	Attempts       int
	NextAttemptAt  *time.Time
	Attributes     map[string]string
	UpdatedAt      time.Time
}

// AwaitingAdmission reports a rule-matched event that was stored but never
// handed to dispatch.
func (e WebhookEvent) AwaitingAdmission() bool {
	return e.Status == EventStatusReceived && e.PipelineName != ""
}

type RunOutcome string

const (
	RunOutcomePending   RunOutcome = "pending"
	RunOutcomeSucceeded RunOutcome = "succeeded"
	RunOutcomeFailed    RunOutcome = "failed"
	RunOutcomeUnknown   RunOutcome = "unknown"
)

// ParseRunOutcome accepts the terminal outcomes a downstream engine reports.
func ParseRunOutcome(value string) (RunOutcome, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "succeeded", "success", "passed":
		return RunOutcomeSucceeded, true
	case "failed", "failure", "error", "cancelled", "canceled":
		return RunOutcomeFailed, true
	case "unknown":
		return RunOutcomeUnknown, true
	default:
		return "", false
	}
}

type TriggerRecord struct {
	ID           string
	EventID      string
	PipelineName string
	RunRef       string
	LeaseOwner   string
	TriggeredAt  time.Time
	Outcome      RunOutcome
	CompletedAt  *time.Time
}

type Lease struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  *time.Time
}

func (l Lease) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

type NotificationDispatch struct {
	IdempotencyKey string
	RunRef         string
	Channel        string
	Status         string
	Error          string
	CreatedAt      time.Time
}

const (
	NotificationStatusClaimed = "claimed"
	NotificationStatusSent    = "sent"
	NotificationStatusFailed  = "failed"
)

// InboundRequest is the transport-neutral shape of a webhook call.
type InboundRequest struct {
	Source     string
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

// RunCompletion is the payload handed to notifiers once a run reaches a
// terminal outcome.
type RunCompletion struct {
	RunRef       string
	Outcome      RunOutcome
	EventID      string
	DeliveryID   string
	PipelineName string
	SourceRepo   string
	EventType    string
	Action       string
	TriggeredAt  time.Time
	CompletedAt  time.Time
}

type CapacityCounter struct {
	PipelineName string
	InFlight     int
	MaxCapacity  int
	ReservedBy   []string
}

type EventQuery struct {
	Status     EventStatus
	SourceRepo string
	Page       int
	PerPage    int
}

type EventPage struct {
	Items   []WebhookEvent
	Total   int
	Page    int
	PerPage int
}

type UpdateStatusInput struct {
	ID     string
	From   []EventStatus
	To     EventStatus
	Reason string
}
