package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const triggerCacheKeyPrefix = "go-dispatch::trigger::v1"

// CachedTriggerStore serves run-reference lookups from a read-through cache.
// Writes go to the base store and invalidate the cached entry.
type CachedTriggerStore struct {
	base  core.TriggerStore
	cache repositorycache.CacheService
}

func NewCachedTriggerStore(base core.TriggerStore, cacheService repositorycache.CacheService) (*CachedTriggerStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base trigger store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: trigger cache service is required")
	}
	return &CachedTriggerStore{base: base, cache: cacheService}, nil
}

// TriggerCacheKey returns go-dispatch::trigger::v1::<run_ref> with the run
// reference URL-path escaped.
func TriggerCacheKey(runRef string) (string, error) {
	runRef = strings.TrimSpace(runRef)
	if runRef == "" {
		return "", core.BadInput("sqlstore: pipeline run ref is required")
	}
	return triggerCacheKeyPrefix + "::" + url.PathEscape(runRef), nil
}

func (s *CachedTriggerStore) Create(ctx context.Context, record core.TriggerRecord) (core.TriggerRecord, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.TriggerRecord{}, fmt.Errorf("sqlstore: cached trigger store is not configured")
	}
	created, err := s.base.Create(ctx, record)
	if err != nil {
		return core.TriggerRecord{}, err
	}
	if err := s.invalidate(ctx, created.RunRef); err != nil {
		return core.TriggerRecord{}, err
	}
	return created, nil
}

func (s *CachedTriggerStore) FindByRunRef(ctx context.Context, runRef string) (core.TriggerRecord, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.TriggerRecord{}, fmt.Errorf("sqlstore: cached trigger store is not configured")
	}
	cacheKey, err := TriggerCacheKey(runRef)
	if err != nil {
		return core.TriggerRecord{}, err
	}
	record, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.TriggerRecord, error) {
		return s.base.FindByRunRef(ctx, runRef)
	})
	if err != nil {
		return core.TriggerRecord{}, err
	}
	return cloneTrigger(record), nil
}

func (s *CachedTriggerStore) FindByEventID(ctx context.Context, eventID string) (core.TriggerRecord, error) {
	if s == nil || s.base == nil {
		return core.TriggerRecord{}, fmt.Errorf("sqlstore: cached trigger store is not configured")
	}
	return s.base.FindByEventID(ctx, eventID)
}

func (s *CachedTriggerStore) Complete(
	ctx context.Context,
	runRef string,
	outcome core.RunOutcome,
	completedAt time.Time,
) (core.TriggerRecord, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.TriggerRecord{}, false, fmt.Errorf("sqlstore: cached trigger store is not configured")
	}
	record, transitioned, err := s.base.Complete(ctx, runRef, outcome, completedAt)
	if err != nil {
		return core.TriggerRecord{}, false, err
	}
	if transitioned {
		if err := s.invalidate(ctx, runRef); err != nil {
			return core.TriggerRecord{}, false, err
		}
	}
	return record, transitioned, nil
}

func (s *CachedTriggerStore) invalidate(ctx context.Context, runRef string) error {
	cacheKey, err := TriggerCacheKey(runRef)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneTrigger(record core.TriggerRecord) core.TriggerRecord {
	cloned := record
	cloned.CompletedAt = cloneTime(record.CompletedAt)
	return cloned
}

var _ core.TriggerStore = (*CachedTriggerStore)(nil)
