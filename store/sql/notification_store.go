package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// NotificationStore is the durable idempotency ledger for completion
// notifications. A key can be claimed once.
type NotificationStore struct {
	db   *bun.DB
	repo repository.Repository[*notificationRecord]
}

func NewNotificationStore(db *bun.DB) (*NotificationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*notificationRecord](db, notificationHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid notification repository wiring: %w", err)
		}
	}
	return &NotificationStore{db: db, repo: repo}, nil
}

func (s *NotificationStore) Claim(ctx context.Context, input core.NotificationDispatch) (bool, error) {
	if s == nil || s.repo == nil {
		return false, fmt.Errorf("sqlstore: notification store is not configured")
	}
	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		return false, core.BadInput("sqlstore: idempotency key is required")
	}
	if strings.TrimSpace(input.Channel) == "" {
		return false, core.BadInput("sqlstore: notification channel is required")
	}
	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = core.NotificationStatusClaimed
	}
	now := time.Now().UTC()
	record := &notificationRecord{
		ID:          uuid.NewString(),
		Idempotency: key,
		RunRef:      strings.TrimSpace(input.RunRef),
		Channel:     strings.TrimSpace(input.Channel),
		Status:      status,
		Error:       strings.TrimSpace(input.Error),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *NotificationStore) Finish(ctx context.Context, idempotencyKey string, status string, cause error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: notification store is not configured")
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	_, err := s.db.NewUpdate().
		Model((*notificationRecord)(nil)).
		Set("status = ?", strings.TrimSpace(status)).
		Set("error = ?", message).
		Set("updated_at = ?", time.Now().UTC()).
		Where("idempotency_key = ?", strings.TrimSpace(idempotencyKey)).
		Exec(ctx)
	return err
}

// List returns the ledger entries recorded for a run reference.
func (s *NotificationStore) List(ctx context.Context, runRef string) ([]core.NotificationDispatch, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: notification store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("run_ref", "=", strings.TrimSpace(runRef)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.NotificationDispatch, 0, len(records))
	for _, record := range records {
		out = append(out, core.NotificationDispatch{
			IdempotencyKey: record.Idempotency,
			RunRef:         record.RunRef,
			Channel:        record.Channel,
			Status:         record.Status,
			Error:          record.Error,
			CreatedAt:      record.CreatedAt.UTC(),
		})
	}
	return out, nil
}

var _ core.NotificationLedger = (*NotificationStore)(nil)
