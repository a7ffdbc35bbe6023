package lease

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goliatone/go-dispatch/core"
)

const (
	DefaultMaxRetries     = 8
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultReleaseTimeout = 5 * time.Second
)

// AcquireOptions bounds a single acquisition. MaxRetries is the total number
// of attempts made before giving up.
type AcquireOptions struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TTL            time.Duration
}

func (o AcquireOptions) withDefaults(defaults AcquireOptions) AcquireOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaults.MaxRetries
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaults.InitialBackoff
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaults.MaxBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.TTL <= 0 {
		o.TTL = defaults.TTL
	}
	return o
}

type Manager struct {
	store          core.LeaseStore
	logger         core.Logger
	metrics        core.MetricsRecorder
	defaults       AcquireOptions
	releaseTimeout time.Duration
	now            func() time.Time
}

type Option func(*Manager)

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(m *Manager) {
		m.metrics = core.EnsureMetrics(recorder)
	}
}

func WithDefaults(defaults AcquireOptions) Option {
	return func(m *Manager) {
		m.defaults = defaults
	}
}

func WithReleaseTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.releaseTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(store core.LeaseStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("lease: store is required")
	}
	m := &Manager{
		store:   store,
		logger:  core.ResolveLogger("lease", nil, nil),
		metrics: core.NopMetricsRecorder{},
		defaults: AcquireOptions{
			MaxRetries:     DefaultMaxRetries,
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
		},
		releaseTimeout: DefaultReleaseTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Acquire takes the named lease for owner, retrying with exponential backoff
// while another owner holds it. Exhausting the attempts, or the context
// ending first, yields LeaseAcquireFailed.
func (m *Manager) Acquire(ctx context.Context, name string, owner string, opts AcquireOptions) error {
	if m == nil || m.store == nil {
		return fmt.Errorf("lease: manager is not configured")
	}
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" || owner == "" {
		return core.BadInput("lease name and owner are required")
	}
	opts = opts.withDefaults(m.defaults)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.InitialBackoff
	policy.MaxInterval = opts.MaxBackoff
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(opts.MaxRetries-1)), ctx)

	startedAt := time.Now()
	attempts := 0
	var lastHeld error
	err := backoff.Retry(func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		current, acquired, err := m.store.TryAcquire(ctx, name, owner, m.now(), opts.TTL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !acquired {
			lastHeld = core.LeaseHeld(name, current.Owner)
			return lastHeld
		}
		return nil
	}, bounded)

	tags := map[string]string{"lease": leaseFamily(name)}
	core.ObserveOperation(ctx, m.metrics, "lease.acquire", startedAt, err, tags)
	if err == nil {
		core.Log(ctx, m.logger, "debug", "lease acquired", map[string]any{
			"lease":    name,
			"owner":    owner,
			"attempts": attempts,
		})
		return nil
	}

	cause := err
	if lastHeld != nil && !core.IsLeaseHeld(err) {
		cause = fmt.Errorf("%w (last attempt: %v)", err, lastHeld)
	}
	core.Log(ctx, m.logger, "warn", "lease acquisition failed", map[string]any{
		"lease":    name,
		"owner":    owner,
		"attempts": attempts,
		"error":    err.Error(),
	})
	return core.LeaseAcquireFailed(name, attempts, cause)
}

// Release drops the lease when owner holds it; any other case is a no-op.
func (m *Manager) Release(ctx context.Context, name string, owner string) error {
	if m == nil || m.store == nil {
		return fmt.Errorf("lease: manager is not configured")
	}
	released, err := m.store.Release(ctx, strings.TrimSpace(name), strings.TrimSpace(owner))
	if err != nil {
		return err
	}
	if released {
		core.Log(ctx, m.logger, "debug", "lease released", map[string]any{"lease": name, "owner": owner})
	}
	return nil
}

// ReleaseOwner drops every lease held by owner.
func (m *Manager) ReleaseOwner(ctx context.Context, owner string) (int, error) {
	if m == nil || m.store == nil {
		return 0, fmt.Errorf("lease: manager is not configured")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return 0, nil
	}
	count, err := m.store.ReleaseOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		core.Log(ctx, m.logger, "info", "leases released for owner", map[string]any{"owner": owner, "count": count})
	}
	return count, nil
}

// AcquireAll takes every named lease for owner in sorted order. A failure
// releases whatever was already taken before returning.
func (m *Manager) AcquireAll(ctx context.Context, names []string, owner string, opts AcquireOptions) error {
	ordered := sortedUnique(names)
	acquired := make([]string, 0, len(ordered))
	for _, name := range ordered {
		if err := m.Acquire(ctx, name, owner, opts); err != nil {
			m.releaseDetached(ctx, acquired, owner)
			return err
		}
		acquired = append(acquired, name)
	}
	return nil
}

// WithLease runs fn while holding name. The lease is released on every exit
// path, including panics and context cancellation.
func (m *Manager) WithLease(
	ctx context.Context,
	name string,
	owner string,
	opts AcquireOptions,
	fn func(ctx context.Context) error,
) error {
	return m.WithLeases(ctx, []string{name}, owner, opts, fn)
}

func (m *Manager) WithLeases(
	ctx context.Context,
	names []string,
	owner string,
	opts AcquireOptions,
	fn func(ctx context.Context) error,
) error {
	if fn == nil {
		return fmt.Errorf("lease: callback is required")
	}
	if err := m.AcquireAll(ctx, names, owner, opts); err != nil {
		return err
	}
	defer m.releaseDetached(ctx, sortedUnique(names), owner)
	return fn(ctx)
}

func (m *Manager) List(ctx context.Context) ([]core.Lease, error) {
	if m == nil || m.store == nil {
		return nil, fmt.Errorf("lease: manager is not configured")
	}
	return m.store.List(ctx)
}

// Reap removes leases whose TTL has passed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	if m == nil || m.store == nil {
		return 0, fmt.Errorf("lease: manager is not configured")
	}
	count, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.metrics.IncCounter(ctx, "dispatch.lease.reaped", int64(count), nil)
		core.Log(ctx, m.logger, "info", "expired leases reaped", map[string]any{"count": count})
	}
	return count, nil
}

// RunReaper calls Reap every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Reap(ctx); err != nil && ctx.Err() == nil {
				core.Log(ctx, m.logger, "error", "lease reap failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (m *Manager) releaseDetached(ctx context.Context, names []string, owner string) {
	if len(names) == 0 {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout)
	defer cancel()
	for i := len(names) - 1; i >= 0; i-- {
		if err := m.Release(releaseCtx, names[i], owner); err != nil {
			core.Log(releaseCtx, m.logger, "error", "lease release failed", map[string]any{
				"lease": names[i],
				"owner": owner,
				"error": err.Error(),
			})
		}
	}
}

func sortedUnique(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// leaseFamily keeps metric cardinality bounded: "pr:acme/x#4" becomes "pr".
func leaseFamily(name string) string {
	if prefix, _, found := strings.Cut(name, ":"); found && prefix != "" {
		return prefix
	}
	return "other"
}
