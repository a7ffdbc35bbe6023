package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/uptrace/bun"
)

// LeaseStore keeps one row per lease name and grants ownership through
// conditional writes, so several dispatcher processes can share it.
type LeaseStore struct {
	db *bun.DB
}

func NewLeaseStore(db *bun.DB) (*LeaseStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &LeaseStore{db: db}, nil
}

func (s *LeaseStore) TryAcquire(
	ctx context.Context,
	name string,
	owner string,
	now time.Time,
	ttl time.Duration,
) (core.Lease, bool, error) {
	if s == nil || s.db == nil {
		return core.Lease{}, false, fmt.Errorf("sqlstore: lease store is not configured")
	}
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" || owner == "" {
		return core.Lease{}, false, core.BadInput("sqlstore: lease name and owner are required")
	}
	now = now.UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		value := now.Add(ttl)
		expiresAt = &value
	}

	record := &leaseRecord{
		Name:       name,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  expiresAt,
	}
	result, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (name) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.Lease{}, false, err
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return leaseFromRecord(record), true, nil
	}

	// Row exists: take it over when it is ours already or has expired.
	result, err = s.db.NewUpdate().
		Model((*leaseRecord)(nil)).
		Set("owner = ?", owner).
		Set("acquired_at = ?", now).
		Set("expires_at = ?", expiresAt).
		Where("name = ?", name).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.
				Where("owner = ?", owner).
				WhereOr("(expires_at IS NOT NULL AND expires_at <= ?)", now)
		}).
		Exec(ctx)
	if err != nil {
		return core.Lease{}, false, err
	}
	affected, _ := result.RowsAffected()

	current, err := s.get(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) && affected == 0 {
			// Released between the insert and the update; let the caller retry.
			return core.Lease{}, false, nil
		}
		return core.Lease{}, false, err
	}
	return current, affected > 0 && current.Owner == owner, nil
}

func (s *LeaseStore) Release(ctx context.Context, name string, owner string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: lease store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*leaseRecord)(nil)).
		Where("name = ?", strings.TrimSpace(name)).
		Where("owner = ?", strings.TrimSpace(owner)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *LeaseStore) ReleaseOwner(ctx context.Context, owner string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: lease store is not configured")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return 0, nil
	}
	result, err := s.db.NewDelete().
		Model((*leaseRecord)(nil)).
		Where("owner = ?", owner).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *LeaseStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: lease store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*leaseRecord)(nil)).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *LeaseStore) List(ctx context.Context) ([]core.Lease, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: lease store is not configured")
	}
	var records []*leaseRecord
	if err := s.db.NewSelect().
		Model(&records).
		OrderExpr("?TableAlias.name ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Lease, 0, len(records))
	for _, record := range records {
		out = append(out, leaseFromRecord(record))
	}
	return out, nil
}

func (s *LeaseStore) get(ctx context.Context, name string) (core.Lease, error) {
	record := &leaseRecord{}
	if err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.name = ?", name).
		Limit(1).
		Scan(ctx); err != nil {
		return core.Lease{}, err
	}
	return leaseFromRecord(record), nil
}

func leaseFromRecord(record *leaseRecord) core.Lease {
	if record == nil {
		return core.Lease{}
	}
	return core.Lease{
		Name:       record.Name,
		Owner:      record.Owner,
		AcquiredAt: record.AcquiredAt.UTC(),
		ExpiresAt:  cloneTime(record.ExpiresAt),
	}
}

var _ core.LeaseStore = (*LeaseStore)(nil)
