package lease

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

// MemoryStore is a single-process lease store.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]core.Lease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]core.Lease)}
}

func (s *MemoryStore) TryAcquire(
	_ context.Context,
	name string,
	owner string,
	now time.Time,
	ttl time.Duration,
) (core.Lease, bool, error) {
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" || owner == "" {
		return core.Lease{}, false, core.BadInput("lease name and owner are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, held := s.leases[name]
	if held && !current.Expired(now) && current.Owner != owner {
		return current, false, nil
	}

	next := core.Lease{Name: name, Owner: owner, AcquiredAt: now}
	if held && current.Owner == owner && !current.Expired(now) {
		next.AcquiredAt = current.AcquiredAt
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		next.ExpiresAt = &expiresAt
	}
	s.leases[name] = next
	return next, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name string, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.leases[name]
	if !ok || current.Owner != owner {
		return false, nil
	}
	delete(s.leases, name)
	return true, nil
}

func (s *MemoryStore) ReleaseOwner(_ context.Context, owner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for name, current := range s.leases {
		if current.Owner == owner {
			delete(s.leases, name)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for name, current := range s.leases {
		if current.Expired(now) {
			delete(s.leases, name)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) List(_ context.Context) ([]core.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Lease, 0, len(s.leases))
	for _, current := range s.leases {
		out = append(out, current)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ core.LeaseStore = (*MemoryStore)(nil)
