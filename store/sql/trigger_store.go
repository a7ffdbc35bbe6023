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

type TriggerStore struct {
	db   *bun.DB
	repo repository.Repository[*triggerRecord]
}

func NewTriggerStore(db *bun.DB) (*TriggerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*triggerRecord](db, triggerHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid trigger repository wiring: %w", err)
		}
	}
	return &TriggerStore{db: db, repo: repo}, nil
}

func (s *TriggerStore) Create(ctx context.Context, input core.TriggerRecord) (core.TriggerRecord, error) {
	if s == nil || s.repo == nil {
		return core.TriggerRecord{}, fmt.Errorf("sqlstore: trigger store is not configured")
	}
	if strings.TrimSpace(input.EventID) == "" {
		return core.TriggerRecord{}, core.BadInput("sqlstore: event id is required")
	}
	if strings.TrimSpace(input.RunRef) == "" {
		return core.TriggerRecord{}, core.BadInput("sqlstore: pipeline run ref is required")
	}
	if strings.TrimSpace(input.ID) == "" {
		input.ID = uuid.NewString()
	}
	if input.Outcome == "" {
		input.Outcome = core.RunOutcomePending
	}
	if input.TriggeredAt.IsZero() {
		input.TriggeredAt = time.Now().UTC()
	}

	record := &triggerRecord{
		ID:           input.ID,
		EventID:      strings.TrimSpace(input.EventID),
		PipelineName: strings.TrimSpace(input.PipelineName),
		RunRef:       strings.TrimSpace(input.RunRef),
		LeaseOwner:   strings.TrimSpace(input.LeaseOwner),
		TriggeredAt:  input.TriggeredAt.UTC(),
		Outcome:      string(input.Outcome),
		CompletedAt:  cloneTime(input.CompletedAt),
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.FindByEventID(ctx, record.EventID)
			if getErr == nil {
				return existing, nil
			}
		}
		return core.TriggerRecord{}, err
	}
	return triggerFromRecord(record), nil
}

func (s *TriggerStore) FindByRunRef(ctx context.Context, runRef string) (core.TriggerRecord, error) {
	record, err := s.findOne(ctx, "pipeline_run_ref", runRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.TriggerRecord{}, core.UnknownRunReference(runRef)
		}
		return core.TriggerRecord{}, err
	}
	return triggerFromRecord(record), nil
}

func (s *TriggerStore) FindByEventID(ctx context.Context, eventID string) (core.TriggerRecord, error) {
	record, err := s.findOne(ctx, "event_id", eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.TriggerRecord{}, core.NotFound(fmt.Sprintf("sqlstore: no trigger for event %q", eventID))
		}
		return core.TriggerRecord{}, err
	}
	return triggerFromRecord(record), nil
}

// Complete moves a pending trigger to a terminal outcome. Later calls for the
// same run reference return the stored record and false.
func (s *TriggerStore) Complete(ctx context.Context, runRef string, outcome core.RunOutcome, completedAt time.Time) (core.TriggerRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.TriggerRecord{}, false, fmt.Errorf("sqlstore: trigger store is not configured")
	}
	runRef = strings.TrimSpace(runRef)
	if runRef == "" {
		return core.TriggerRecord{}, false, core.BadInput("sqlstore: pipeline run ref is required")
	}
	if outcome == "" || outcome == core.RunOutcomePending {
		return core.TriggerRecord{}, false, core.BadInput("sqlstore: a terminal outcome is required")
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	result, err := s.db.NewUpdate().
		Model((*triggerRecord)(nil)).
		Set("outcome = ?", string(outcome)).
		Set("completed_at = ?", completedAt.UTC()).
		Where("pipeline_run_ref = ?", runRef).
		Where("outcome = ?", string(core.RunOutcomePending)).
		Exec(ctx)
	if err != nil {
		return core.TriggerRecord{}, false, err
	}
	affected, _ := result.RowsAffected()

	record, err := s.FindByRunRef(ctx, runRef)
	if err != nil {
		return core.TriggerRecord{}, false, err
	}
	return record, affected > 0, nil
}

func (s *TriggerStore) findOne(ctx context.Context, column string, value string) (*triggerRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: trigger store is not configured")
	}
	record := &triggerRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), strings.TrimSpace(value)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func triggerFromRecord(record *triggerRecord) core.TriggerRecord {
	if record == nil {
		return core.TriggerRecord{}
	}
	return core.TriggerRecord{
		ID:           record.ID,
		EventID:      record.EventID,
		PipelineName: record.PipelineName,
		RunRef:       record.RunRef,
		LeaseOwner:   record.LeaseOwner,
		TriggeredAt:  record.TriggeredAt.UTC(),
		Outcome:      core.RunOutcome(record.Outcome),
		CompletedAt:  cloneTime(record.CompletedAt),
	}
}

var _ core.TriggerStore = (*TriggerStore)(nil)
