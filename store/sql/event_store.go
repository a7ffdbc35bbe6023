package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	defaultEventsPerPage = 50
	maxEventsPerPage     = 500
)

type EventStore struct {
	db   *bun.DB
	repo repository.Repository[*eventRecord]
}

func NewEventStore(db *bun.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*eventRecord](db, eventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid event repository wiring: %w", err)
		}
	}
	return &EventStore{db: db, repo: repo}, nil
}

func (s *EventStore) Insert(ctx context.Context, event core.WebhookEvent) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	event.DeliveryID = strings.TrimSpace(event.DeliveryID)
	if event.DeliveryID == "" {
		return core.WebhookEvent{}, core.BadInput("sqlstore: delivery id is required")
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = core.EventStatusReceived
	}
	now := time.Now().UTC()
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = now
	}

	record := eventToRecord(event)
	record.CreatedAt = now
	record.UpdatedAt = now
	if _, err := s.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.FindByDeliveryID(ctx, event.DeliveryID)
			if getErr != nil {
				return core.WebhookEvent{}, getErr
			}
			return existing, core.DuplicateDelivery(event.DeliveryID)
		}
		return core.WebhookEvent{}, err
	}
	return recordToEvent(record), nil
}

func (s *EventStore) Get(ctx context.Context, id string) (core.WebhookEvent, error) {
	return s.findOne(ctx, "id", id)
}

func (s *EventStore) FindByDeliveryID(ctx context.Context, deliveryID string) (core.WebhookEvent, error) {
	return s.findOne(ctx, "delivery_id", deliveryID)
}

func (s *EventStore) findOne(ctx context.Context, column string, value string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record := &eventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), strings.TrimSpace(value)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.WebhookEvent{}, core.NotFound(fmt.Sprintf("sqlstore: event %s %q not found", column, value))
		}
		return core.WebhookEvent{}, err
	}
	return recordToEvent(record), nil
}

func (s *EventStore) UpdateStatus(ctx context.Context, input core.UpdateStatusInput) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	id := strings.TrimSpace(input.ID)
	if id == "" || input.To == "" {
		return core.WebhookEvent{}, core.BadInput("sqlstore: event id and target status are required")
	}

	query := s.db.NewUpdate().
		Model((*eventRecord)(nil)).
		Set("status = ?", string(input.To)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id)
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		query = query.Set("reject_reason = ?", reason)
	}
	if input.To != core.EventStatusAdmitted {
		query = query.Set("next_attempt_at = NULL")
	}
	if len(input.From) > 0 {
		from := make([]string, 0, len(input.From))
		for _, status := range input.From {
			from = append(from, string(status))
		}
		query = query.Where("status IN (?)", bun.In(from))
	}

	result, err := query.Exec(ctx)
	if err != nil {
		return core.WebhookEvent{}, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return core.WebhookEvent{}, getErr
		}
		return core.WebhookEvent{}, core.StatusConflict(id, input.To)
	}
	return s.Get(ctx, id)
}

func (s *EventStore) ScheduleRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*eventRecord)(nil)).
		Set("attempts = ?", attempts).
		Set("next_attempt_at = ?", nextAttemptAt.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", strings.TrimSpace(id)).
		Where("status = ?", string(core.EventStatusAdmitted)).
		Exec(ctx)
	return err
}

func (s *EventStore) ListPending(ctx context.Context) ([]core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: event store is not configured")
	}
	var records []*eventRecord
	err := s.db.NewSelect().
		Model(&records).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.status IN (?)", bun.In([]string{
					string(core.EventStatusAdmitted),
					string(core.EventStatusTriggered),
				})).
				WhereOr("?TableAlias.status = ? AND ?TableAlias.pipeline_name <> ''", string(core.EventStatusReceived))
		}).
		OrderExpr("?TableAlias.received_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return recordsToEvents(records), nil
}

func (s *EventStore) ListDue(ctx context.Context, now time.Time, limit int) ([]core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: event store is not configured")
	}
	if limit <= 0 {
		limit = defaultEventsPerPage
	}
	var records []*eventRecord
	err := s.db.NewSelect().
		Model(&records).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.
						Where("?TableAlias.status = ?", string(core.EventStatusAdmitted)).
						WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
							return q.
								Where("?TableAlias.next_attempt_at IS NULL").
								WhereOr("?TableAlias.next_attempt_at <= ?", now.UTC())
						})
				}).
				WhereOr("?TableAlias.status = ? AND ?TableAlias.pipeline_name <> ''", string(core.EventStatusReceived))
		}).
		OrderExpr("?TableAlias.received_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return recordsToEvents(records), nil
}

func (s *EventStore) List(ctx context.Context, query core.EventQuery) (core.EventPage, error) {
	if s == nil || s.repo == nil {
		return core.EventPage{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	page := query.Page
	if page < 1 {
		page = 1
	}
	perPage := query.PerPage
	if perPage <= 0 {
		perPage = defaultEventsPerPage
	}
	if perPage > maxEventsPerPage {
		perPage = maxEventsPerPage
	}

	selectors := []repository.SelectCriteria{
		repository.OrderBy("received_at DESC"),
		repository.SelectPaginate(perPage, (page-1)*perPage),
	}
	if status := strings.TrimSpace(string(query.Status)); status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", status))
	}
	if repo := strings.TrimSpace(query.SourceRepo); repo != "" {
		selectors = append(selectors, repository.SelectBy("source_repo", "=", repo))
	}

	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return core.EventPage{}, err
	}
	return core.EventPage{
		Items:   recordsToEvents(records),
		Total:   total,
		Page:    page,
		PerPage: perPage,
	}, nil
}

func (s *EventStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return core.StorageUnavailable(err)
	}
	return nil
}

func eventToRecord(event core.WebhookEvent) *eventRecord {
	attributes := make(map[string]string, len(event.Attributes))
	for key, value := range event.Attributes {
		attributes[key] = value
	}
	return &eventRecord{
		ID:             event.ID,
		Source:         strings.TrimSpace(event.Source),
		SourceRepo:     strings.TrimSpace(event.SourceRepo),
		EventType:      strings.TrimSpace(event.EventType),
		Action:         strings.TrimSpace(event.Action),
		DeliveryID:     event.DeliveryID,
		RawPayload:     append([]byte(nil), event.RawPayload...),
		ReceivedAt:     event.ReceivedAt.UTC(),
		SignatureValid: event.SignatureValid,
		Status:         string(event.Status),
		PipelineName:   strings.TrimSpace(event.PipelineName),
		RejectReason:   strings.TrimSpace(event.RejectReason),
		Attempts:       event.Attempts,
		NextAttemptAt:  cloneTime(event.NextAttemptAt),
		Attributes:     attributes,
	}
}

func recordToEvent(record *eventRecord) core.WebhookEvent {
	if record == nil {
		return core.WebhookEvent{}
	}
	attributes := make(map[string]string, len(record.Attributes))
	for key, value := range record.Attributes {
		attributes[key] = value
	}
	return core.WebhookEvent{
		ID:             record.ID,
		Source:         record.Source,
		SourceRepo:     record.SourceRepo,
		EventType:      record.EventType,
		Action:         record.Action,
		DeliveryID:     record.DeliveryID,
		RawPayload:     append([]byte(nil), record.RawPayload...),
		ReceivedAt:     record.ReceivedAt.UTC(),
		SignatureValid: record.SignatureValid,
		Status:         core.EventStatus(record.Status),
		PipelineName:   record.PipelineName,
		RejectReason:   record.RejectReason,
		Attempts:       record.Attempts,
		NextAttemptAt:  cloneTime(record.NextAttemptAt),
		Attributes:     attributes,
		UpdatedAt:      record.UpdatedAt.UTC(),
	}
}

func recordsToEvents(records []*eventRecord) []core.WebhookEvent {
	out := make([]core.WebhookEvent, 0, len(records))
	for _, record := range records {
		out = append(out, recordToEvent(record))
	}
	return out
}

func cloneTime(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

var _ core.EventStore = (*EventStore)(nil)
