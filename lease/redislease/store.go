package redislease

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/redis/go-redis/v9"
)

// Lease values are stored as "<owner>|<acquired_unix_ms>" under
// {<prefix>}:lease:<name>; each owner keeps a set of its lease names under
// {<prefix>}:owner:<owner> so ReleaseOwner does not need a keyspace scan. The
// braces are a Redis Cluster hash tag: every key of a store maps to one slot,
// so the scripts that touch a lease key and an owner key run on a cluster.
const (
	leaseSegment = "lease"
	ownerSegment = "owner"
)

var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
  local owner = string.match(current, "^(.*)|")
  if owner ~= ARGV[1] then
    return current
  end
  ARGV[2] = string.match(current, "|(%d+)$") or ARGV[2]
end
local value = ARGV[1] .. "|" .. ARGV[2]
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], value, "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], value)
end
redis.call("SADD", KEYS[2], ARGV[4])
return value
`)

var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  redis.call("SREM", KEYS[2], ARGV[2])
  return 0
end
local owner = string.match(current, "^(.*)|")
if owner ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
return 1
`)

type Store struct {
	client redis.UniversalClient
	prefix string
}

func NewStore(client redis.UniversalClient, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redislease: client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":{}")
	if prefix == "" {
		prefix = "dispatch"
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) leaseKey(name string) string {
	return "{" + s.prefix + "}:" + leaseSegment + ":" + name
}

func (s *Store) ownerKey(owner string) string {
	return "{" + s.prefix + "}:" + ownerSegment + ":" + owner
}

// scanKeys walks every key matching pattern. A cluster client scans each
// master, since SCAN is not routed by key.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	scan := func(ctx context.Context, client redis.Cmdable) ([]string, error) {
		var keys []string
		iter := client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return keys, iter.Err()
	}
	cluster, ok := s.client.(*redis.ClusterClient)
	if !ok {
		return scan(ctx, s.client)
	}
	var mu sync.Mutex
	var keys []string
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, master *redis.Client) error {
		found, err := scan(ctx, master)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return nil
	})
	return keys, err
}

func (s *Store) TryAcquire(
	ctx context.Context,
	name string,
	owner string,
	now time.Time,
	ttl time.Duration,
) (core.Lease, bool, error) {
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" || owner == "" || strings.Contains(owner, "|") {
		return core.Lease{}, false, core.BadInput("lease name and owner are required and owner must not contain '|'")
	}
	raw, err := acquireScript.Run(ctx, s.client,
		[]string{s.leaseKey(name), s.ownerKey(owner)},
		owner,
		strconv.FormatInt(now.UTC().UnixMilli(), 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
		name,
	).Text()
	if err != nil {
		return core.Lease{}, false, fmt.Errorf("redislease: acquire %q: %w", name, err)
	}
	lease := decodeLease(name, raw)
	if lease.Owner != owner {
		return lease, false, nil
	}
	if ttl > 0 {
		expiresAt := now.UTC().Add(ttl)
		lease.ExpiresAt = &expiresAt
	}
	return lease, true, nil
}

func (s *Store) Release(ctx context.Context, name string, owner string) (bool, error) {
	released, err := releaseScript.Run(ctx, s.client,
		[]string{s.leaseKey(name), s.ownerKey(owner)},
		owner,
		name,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redislease: release %q: %w", name, err)
	}
	return released == 1, nil
}

func (s *Store) ReleaseOwner(ctx context.Context, owner string) (int, error) {
	names, err := s.client.SMembers(ctx, s.ownerKey(owner)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redislease: list owner leases: %w", err)
	}
	count := 0
	for _, name := range names {
		released, err := s.Release(ctx, name, owner)
		if err != nil {
			return count, err
		}
		if released {
			count++
		}
	}
	return count, nil
}

// DeleteExpired is a no-op: redis expires keys through PX. Owner sets that
// point at expired keys are pruned lazily by Release.
func (s *Store) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *Store) List(ctx context.Context) ([]core.Lease, error) {
	pattern := s.leaseKey("*")
	prefix := s.leaseKey("")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("redislease: scan: %w", err)
	}
	var leases []core.Lease
	for _, key := range keys {
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redislease: get %q: %w", key, err)
		}
		lease := decodeLease(strings.TrimPrefix(key, prefix), raw)
		if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
			expiresAt := time.Now().UTC().Add(ttl)
			lease.ExpiresAt = &expiresAt
		}
		leases = append(leases, lease)
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Name < leases[j].Name })
	return leases, nil
}

func decodeLease(name string, raw string) core.Lease {
	owner, acquired, _ := strings.Cut(raw, "|")
	lease := core.Lease{Name: name, Owner: owner}
	if millis, err := strconv.ParseInt(acquired, 10, 64); err == nil {
		lease.AcquiredAt = time.UnixMilli(millis).UTC()
	}
	return lease
}

var _ core.LeaseStore = (*Store)(nil)
