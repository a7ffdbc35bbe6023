// Package dispatcher moves admitted events through capacity reservation,
// lease acquisition and the downstream trigger call, and settles them again
// when the run reports its outcome.
//
// Event lifecycle:
//
//	received -> admitted -> triggered -> completed | failed
//	admitted -> (capacity exceeded, requeued) -> admitted
//	admitted -> failed (lease, trigger or retry exhaustion)
//
// Every transition is a compare-and-swap on the stored status, and the
// trigger record is written before the triggered status. A pass that finds a
// trigger record for an admitted event repairs the status instead of calling
// the downstream engine again.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-dispatch/capacity"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/lease"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultWorkers          = 4
	DefaultQueueSize        = 256
	DefaultMaxAdmitAttempts = 20
	DefaultScanInterval     = 5 * time.Second
	DefaultScanBatch        = 100
	DefaultTriggerTimeout   = 10 * time.Second
	DefaultDedupeCacheSize  = 4096
	DefaultEarlyOutcomeTTL  = 5 * time.Minute
)

// Settings tune the worker pool and retry behavior.
type Settings struct {
	Workers          int
	QueueSize        int
	MaxAdmitAttempts int
	Retry            RetryPolicy
	ScanInterval     time.Duration
	ScanBatch        int
	TriggerTimeout   time.Duration
	Lease            lease.AcquireOptions
	DedupeCacheSize  int
	EarlyOutcomeTTL  time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Workers <= 0 {
		s.Workers = DefaultWorkers
	}
	if s.QueueSize <= 0 {
		s.QueueSize = DefaultQueueSize
	}
	if s.MaxAdmitAttempts <= 0 {
		s.MaxAdmitAttempts = DefaultMaxAdmitAttempts
	}
	if s.ScanInterval <= 0 {
		s.ScanInterval = DefaultScanInterval
	}
	if s.ScanBatch <= 0 {
		s.ScanBatch = DefaultScanBatch
	}
	if s.TriggerTimeout <= 0 {
		s.TriggerTimeout = DefaultTriggerTimeout
	}
	if s.DedupeCacheSize <= 0 {
		s.DedupeCacheSize = DefaultDedupeCacheSize
	}
	if s.EarlyOutcomeTTL <= 0 {
		s.EarlyOutcomeTTL = DefaultEarlyOutcomeTTL
	}
	if s.Retry == nil {
		s.Retry = ExponentialRetryPolicy{}
	}
	return s
}

// CompletionNotifier receives settled runs. A run can be offered more than
// once when its settlement is retried, so implementations deduplicate;
// notify.ExactlyOnce is the production implementation.
type CompletionNotifier interface {
	Notify(ctx context.Context, completion core.RunCompletion) error
}

type Dependencies struct {
	Rules    *core.RuleTable
	Events   core.EventStore
	Triggers core.TriggerStore
	Ledger   *capacity.Ledger
	Leases   *lease.Manager
	Client   core.TriggerClient
	Notifier CompletionNotifier
}

type Option func(*Dispatcher)

func WithLogger(logger core.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(d *Dispatcher) {
		d.metrics = core.EnsureMetrics(recorder)
	}
}

func WithSettings(settings Settings) Option {
	return func(d *Dispatcher) {
		d.settings = settings
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

type Dispatcher struct {
	rules    *core.RuleTable
	events   core.EventStore
	triggers core.TriggerStore
	ledger   *capacity.Ledger
	leases   *lease.Manager
	client   core.TriggerClient
	notifier CompletionNotifier

	settings Settings
	logger   core.Logger
	metrics  core.MetricsRecorder
	now      func() time.Time

	queue chan string

	mu         sync.Mutex
	processing map[string]struct{}

	settled *lru.Cache[string, struct{}]
	early   *expirable.LRU[string, core.RunOutcome]

	listener *Listener
}

func New(deps Dependencies, opts ...Option) (*Dispatcher, error) {
	switch {
	case deps.Rules == nil:
		return nil, fmt.Errorf("dispatcher: rule table is required")
	case deps.Events == nil:
		return nil, fmt.Errorf("dispatcher: event store is required")
	case deps.Triggers == nil:
		return nil, fmt.Errorf("dispatcher: trigger store is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("dispatcher: capacity ledger is required")
	case deps.Leases == nil:
		return nil, fmt.Errorf("dispatcher: lease manager is required")
	case deps.Client == nil:
		return nil, fmt.Errorf("dispatcher: trigger client is required")
	}
	d := &Dispatcher{
		rules:      deps.Rules,
		events:     deps.Events,
		triggers:   deps.Triggers,
		ledger:     deps.Ledger,
		leases:     deps.Leases,
		client:     deps.Client,
		notifier:   deps.Notifier,
		logger:     core.ResolveLogger("dispatch.dispatcher", nil, nil),
		metrics:    core.NopMetricsRecorder{},
		now:        func() time.Time { return time.Now().UTC() },
		processing: map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.settings = d.settings.withDefaults()
	d.queue = make(chan string, d.settings.QueueSize)

	settled, err := lru.New[string, struct{}](d.settings.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: settled run cache: %w", err)
	}
	d.settled = settled
	d.early = expirable.NewLRU[string, core.RunOutcome](d.settings.DedupeCacheSize, nil, d.settings.EarlyOutcomeTTL)
	d.listener = &Listener{d: d}
	return d, nil
}

// Listener returns the completion side of the dispatcher.
func (d *Dispatcher) Listener() *Listener {
	return d.listener
}

// Admit moves a received event to admitted and queues it for processing. It
// does not wait for capacity or the trigger call.
func (d *Dispatcher) Admit(ctx context.Context, event core.WebhookEvent) (core.WebhookEvent, error) {
	admitted, err := d.events.UpdateStatus(ctx, core.UpdateStatusInput{
		ID:   event.ID,
		From: []core.EventStatus{core.EventStatusReceived},
		To:   core.EventStatusAdmitted,
	})
	if err != nil {
		if core.IsStatusConflict(err) {
			return d.events.Get(ctx, event.ID)
		}
		return core.WebhookEvent{}, err
	}
	d.metrics.IncCounter(ctx, "dispatch.event.admitted", 1, map[string]string{"pipeline": admitted.PipelineName})
	d.enqueue(admitted.ID)
	return admitted, nil
}

// Rehydrate restores capacity reservations from durable state and queues
// admitted events. Runs whose outcome was recorded before a restart cut their
// settlement short are settled now, and rule-matched events left in received
// are admitted. It must run before Admit is first called.
func (d *Dispatcher) Rehydrate(ctx context.Context) error {
	pending, err := d.events.ListPending(ctx)
	if err != nil {
		return err
	}
	restored := d.ledger.Rehydrate(ctx, pending)
	queued, settled, admitted := 0, 0, 0
	for _, event := range pending {
		switch {
		case event.Status == core.EventStatusTriggered:
			record, findErr := d.triggers.FindByEventID(ctx, event.ID)
			if findErr != nil {
				if !core.IsNotFound(findErr) {
					return findErr
				}
				continue
			}
			if record.Outcome != core.RunOutcomePending {
				if err := d.listener.finish(ctx, record, false); err != nil {
					return err
				}
				settled++
			}
		case event.Status == core.EventStatusAdmitted:
			if d.enqueue(event.ID) {
				queued++
			}
		case event.AwaitingAdmission():
			if _, err := d.Admit(ctx, event); err != nil {
				return err
			}
			admitted++
		}
	}
	core.Log(ctx, d.logger, "info", "dispatcher rehydrated", map[string]any{
		"pending":  len(pending),
		"restored": restored,
		"queued":   queued,
		"settled":  settled,
		"admitted": admitted,
	})
	return nil
}

// Run starts the worker pool and the requeue loop and blocks until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.settings.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	d.requeueLoop(ctx)
	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.process(ctx, id)
		}
	}
}

// requeueLoop picks up admitted events that are due. A freed capacity slot
// wakes it early and lets it pull as many events forward from their backoff
// as there are free slots.
func (d *Dispatcher) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(d.settings.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx, d.now(), false)
		case <-d.ledger.Freed():
			d.scan(ctx, d.now().Add(d.retryHorizon()), true)
		}
	}
}

func (d *Dispatcher) scan(ctx context.Context, cutoff time.Time, onlyWithCapacity bool) {
	due, err := d.events.ListDue(ctx, cutoff, d.settings.ScanBatch)
	if err != nil {
		if ctx.Err() == nil {
			core.Log(ctx, d.logger, "error", "requeue scan failed", map[string]any{"error": err.Error()})
		}
		return
	}
	var free map[string]int
	if onlyWithCapacity {
		free = map[string]int{}
	}
	for _, event := range due {
		if event.AwaitingAdmission() {
			d.admitStranded(ctx, event)
			continue
		}
		if free == nil {
			d.enqueue(event.ID)
			continue
		}
		left, seen := free[event.PipelineName]
		if !seen {
			left = d.ledger.Available(event.PipelineName)
		}
		if left > 0 && d.enqueue(event.ID) {
			left--
		}
		free[event.PipelineName] = left
	}
}

// admitStranded takes in an event the gateway stored but could not admit.
func (d *Dispatcher) admitStranded(ctx context.Context, event core.WebhookEvent) {
	admitted, err := d.Admit(ctx, event)
	if err != nil {
		if ctx.Err() == nil {
			core.Log(ctx, d.logger, "error", "admit stranded event failed", map[string]any{
				"event_id": event.ID,
				"error":    err.Error(),
			})
		}
		return
	}
	core.Log(ctx, d.logger, "info", "stranded event admitted", map[string]any{
		"event_id":    admitted.ID,
		"delivery_id": admitted.DeliveryID,
		"pipeline":    admitted.PipelineName,
	})
}

// enqueue never blocks. A full queue leaves the event to the next scan.
func (d *Dispatcher) enqueue(id string) bool {
	d.mu.Lock()
	_, busy := d.processing[id]
	d.mu.Unlock()
	if busy {
		return false
	}
	select {
	case d.queue <- id:
		return true
	default:
		d.metrics.IncCounter(context.Background(), "dispatch.queue.full", 1, nil)
		return false
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.processing[id]; busy {
		return false
	}
	d.processing[id] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.processing, id)
}

// errSlotMissed marks a pass that found its pipeline full and left the event
// admitted.
var errSlotMissed = errors.New("dispatcher: pipeline full")

func (d *Dispatcher) process(ctx context.Context, id string) {
	if !d.claim(id) {
		return
	}
	pipeline, missed := d.processClaimed(ctx, id)
	d.unclaim(id)
	// A wake-up scan skips claimed events, so a slot freed while this event
	// held its claim is picked up here.
	if missed && d.ledger.HasCapacity(pipeline) {
		d.enqueue(id)
	}
}

func (d *Dispatcher) processClaimed(ctx context.Context, id string) (string, bool) {
	startedAt := time.Now()
	event, err := d.events.Get(ctx, id)
	if err != nil {
		core.Log(ctx, d.logger, "error", "load admitted event failed", map[string]any{"event_id": id, "error": err.Error()})
		return "", false
	}
	if event.Status != core.EventStatusAdmitted {
		return event.PipelineName, false
	}
	err = d.dispatch(ctx, event)
	missed := errors.Is(err, errSlotMissed)
	if missed {
		err = nil
	}
	core.ObserveOperation(ctx, d.metrics, "dispatch.process", startedAt, err, map[string]string{
		"pipeline": event.PipelineName,
	})
	return event.PipelineName, missed
}

func (d *Dispatcher) dispatch(ctx context.Context, event core.WebhookEvent) error {
	rule, err := d.rules.Match(event.SourceRepo, event.EventType, event.Action)
	if err != nil {
		// A slot restored by Rehydrate is held under the stored pipeline name.
		d.releaseAll(ctx, event.PipelineName, event.ID, event.ID)
		return d.fail(ctx, event, "no dispatch rule: "+err.Error())
	}

	record, findErr := d.triggers.FindByEventID(ctx, event.ID)
	switch {
	case findErr == nil:
		return d.resume(ctx, event, record)
	case !core.IsNotFound(findErr):
		return findErr
	}

	if ok, reserveErr := d.ledger.Reserve(rule.PipelineName, event.ID); !ok {
		if core.IsCapacityExceeded(reserveErr) {
			return d.requeue(ctx, event, reserveErr)
		}
		return d.fail(ctx, event, "capacity reservation failed: "+errorText(reserveErr))
	}

	owner := event.ID
	names, unfilled := rule.LeaseNames(event)
	if len(unfilled) > 0 {
		core.Log(ctx, d.logger, "warn", "lease templates skipped for missing event fields", map[string]any{
			"event_id":  event.ID,
			"pipeline":  rule.PipelineName,
			"templates": unfilled,
		})
		d.metrics.IncCounter(ctx, "dispatch.lease.unfilled", int64(len(unfilled)), map[string]string{"pipeline": rule.PipelineName})
	}
	if len(names) > 0 {
		if leaseErr := d.leases.AcquireAll(ctx, names, owner, d.settings.Lease); leaseErr != nil {
			d.ledger.Release(rule.PipelineName, event.ID)
			return d.fail(ctx, event, "lease acquisition failed: "+leaseErr.Error())
		}
	}

	triggerCtx, cancel := context.WithTimeout(ctx, rule.Timeout(d.settings.TriggerTimeout))
	runRef, triggerErr := d.client.Trigger(triggerCtx, rule, event)
	cancel()
	if triggerErr != nil {
		d.releaseAll(ctx, rule.PipelineName, event.ID, owner)
		return d.fail(ctx, event, triggerErr.Error())
	}

	triggeredAt := d.now()
	if _, err := d.triggers.Create(ctx, core.TriggerRecord{
		EventID:      event.ID,
		PipelineName: rule.PipelineName,
		RunRef:       runRef,
		LeaseOwner:   owner,
		TriggeredAt:  triggeredAt,
		Outcome:      core.RunOutcomePending,
	}); err != nil {
		d.releaseAll(ctx, rule.PipelineName, event.ID, owner)
		return d.fail(ctx, event, "record trigger failed: "+err.Error())
	}

	if _, err := d.events.UpdateStatus(ctx, core.UpdateStatusInput{
		ID:   event.ID,
		From: []core.EventStatus{core.EventStatusAdmitted},
		To:   core.EventStatusTriggered,
	}); err != nil {
		core.Log(ctx, d.logger, "error", "mark event triggered failed", map[string]any{
			"event_id": event.ID,
			"run_ref":  runRef,
			"error":    err.Error(),
		})
	}
	d.metrics.IncCounter(ctx, "dispatch.event.triggered", 1, map[string]string{"pipeline": rule.PipelineName})
	core.Log(ctx, d.logger, "info", "pipeline triggered", map[string]any{
		"event_id":    event.ID,
		"delivery_id": event.DeliveryID,
		"pipeline":    rule.PipelineName,
		"run_ref":     runRef,
	})

	if outcome, ok := d.early.Peek(runRef); ok && d.early.Remove(runRef) {
		if err := d.listener.settle(ctx, runRef, outcome); err != nil {
			core.Log(ctx, d.logger, "error", "apply early run outcome failed", map[string]any{
				"run_ref": runRef,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// resume finishes an event whose run was started by an earlier pass that
// could not record the triggered status.
func (d *Dispatcher) resume(ctx context.Context, event core.WebhookEvent, record core.TriggerRecord) error {
	if record.Outcome != core.RunOutcomePending {
		return d.listener.finish(ctx, record, false)
	}
	if _, err := d.events.UpdateStatus(ctx, core.UpdateStatusInput{
		ID:   event.ID,
		From: []core.EventStatus{core.EventStatusAdmitted},
		To:   core.EventStatusTriggered,
	}); err != nil {
		if core.IsStatusConflict(err) {
			return nil
		}
		return err
	}
	// The run is live downstream, so it holds a slot even over the limit.
	event.Status = core.EventStatusTriggered
	d.ledger.Rehydrate(ctx, []core.WebhookEvent{event})
	core.Log(ctx, d.logger, "warn", "triggered status repaired", map[string]any{
		"event_id": event.ID,
		"run_ref":  record.RunRef,
		"pipeline": record.PipelineName,
	})
	return nil
}

// requeue schedules another admission attempt after a full pipeline. An event
// pulled ahead of its schedule by a freed slot that another event took keeps
// its schedule and attempt count; only retries that come due are counted.
func (d *Dispatcher) requeue(ctx context.Context, event core.WebhookEvent, cause error) error {
	now := d.now()
	if event.NextAttemptAt != nil && event.NextAttemptAt.After(now) {
		core.Log(ctx, d.logger, "debug", "pulled-forward event found no free slot", map[string]any{
			"event_id": event.ID,
			"pipeline": event.PipelineName,
			"next_at":  *event.NextAttemptAt,
		})
		return errSlotMissed
	}
	attempts := event.Attempts + 1
	if attempts >= d.settings.MaxAdmitAttempts {
		return d.fail(ctx, event, fmt.Sprintf("capacity exceeded after %d attempts", attempts))
	}
	next := now.Add(d.settings.Retry.NextDelay(attempts))
	if err := d.events.ScheduleRetry(ctx, event.ID, attempts, next); err != nil {
		return err
	}
	d.metrics.IncCounter(ctx, "dispatch.event.requeued", 1, map[string]string{"pipeline": event.PipelineName})
	core.Log(ctx, d.logger, "debug", "event requeued", map[string]any{
		"event_id": event.ID,
		"pipeline": event.PipelineName,
		"attempts": attempts,
		"next_at":  next,
		"reason":   errorText(cause),
	})
	return errSlotMissed
}

func (d *Dispatcher) fail(ctx context.Context, event core.WebhookEvent, reason string) error {
	_, err := d.events.UpdateStatus(ctx, core.UpdateStatusInput{
		ID:     event.ID,
		From:   []core.EventStatus{core.EventStatusAdmitted},
		To:     core.EventStatusFailed,
		Reason: reason,
	})
	d.metrics.IncCounter(ctx, "dispatch.event.failed", 1, map[string]string{"pipeline": event.PipelineName})
	core.Log(ctx, d.logger, "warn", "event failed", map[string]any{
		"event_id":    event.ID,
		"delivery_id": event.DeliveryID,
		"pipeline":    event.PipelineName,
		"reason":      reason,
	})
	if err != nil {
		return err
	}
	return fmt.Errorf("dispatcher: %s", reason)
}

// releaseAll gives back the capacity slot and every lease held by owner. It
// runs on a context detached from cancellation so cleanup still happens when
// the caller's context has ended.
func (d *Dispatcher) releaseAll(ctx context.Context, pipeline string, eventID string, owners ...string) {
	d.ledger.Release(pipeline, eventID)
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lease.DefaultReleaseTimeout)
	defer cancel()
	for _, owner := range owners {
		if owner == "" {
			continue
		}
		if _, err := d.leases.ReleaseOwner(releaseCtx, owner); err != nil {
			core.Log(releaseCtx, d.logger, "error", "lease release failed", map[string]any{
				"owner": owner,
				"error": err.Error(),
			})
		}
	}
}

func (d *Dispatcher) retryHorizon() time.Duration {
	return d.settings.Retry.NextDelay(d.settings.MaxAdmitAttempts)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
