package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type eventRecord struct {
	bun.BaseModel `bun:"table:dispatch_events,alias:de"`

	ID             string            `bun:"id,pk"`
	Source         string            `bun:"source,notnull"`
	SourceRepo     string            `bun:"source_repo,notnull"`
	EventType      string            `bun:"event_type,notnull"`
	Action         string            `bun:"action,notnull"`
	DeliveryID     string            `bun:"delivery_id,notnull"`
	RawPayload     []byte            `bun:"raw_payload"`
	ReceivedAt     time.Time         `bun:"received_at,notnull"`
	SignatureValid bool              `bun:"signature_valid,notnull"`
	Status         string            `bun:"status,notnull"`
	PipelineName   string            `bun:"pipeline_name,notnull"`
	RejectReason   string            `bun:"reject_reason,notnull"`
	Attempts       int               `bun:"attempts,notnull"`
	NextAttemptAt  *time.Time        `bun:"next_attempt_at,nullzero"`
	Attributes     map[string]string `bun:"attributes,type:jsonb,notnull"`
	CreatedAt      time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type triggerRecord struct {
	bun.BaseModel `bun:"table:dispatch_triggers,alias:dt"`

	ID           string     `bun:"id,pk"`
	EventID      string     `bun:"event_id,notnull"`
	PipelineName string     `bun:"pipeline_name,notnull"`
	RunRef       string     `bun:"pipeline_run_ref,notnull"`
	LeaseOwner   string     `bun:"lease_owner,notnull"`
	TriggeredAt  time.Time  `bun:"triggered_at,notnull"`
	Outcome      string     `bun:"outcome,notnull"`
	CompletedAt  *time.Time `bun:"completed_at,nullzero"`
	CreatedAt    time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type leaseRecord struct {
	bun.BaseModel `bun:"table:dispatch_leases,alias:dl"`

	Name       string     `bun:"name,pk"`
	Owner      string     `bun:"owner,notnull"`
	AcquiredAt time.Time  `bun:"acquired_at,notnull"`
	ExpiresAt  *time.Time `bun:"expires_at,nullzero"`
}

type notificationRecord struct {
	bun.BaseModel `bun:"table:dispatch_notifications,alias:dn"`

	ID          string    `bun:"id,pk"`
	Idempotency string    `bun:"idempotency_key,notnull"`
	RunRef      string    `bun:"run_ref,notnull"`
	Channel     string    `bun:"channel,notnull"`
	Status      string    `bun:"status,notnull"`
	Error       string    `bun:"error,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
