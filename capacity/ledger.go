package capacity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-dispatch/core"
)

type pipelineCounter struct {
	mu          sync.Mutex
	maxCapacity int
	reservedBy  map[string]struct{}
}

// Ledger tracks in-flight reservations per pipeline. Each pipeline has its
// own lock, so reservations on different pipelines never contend.
type Ledger struct {
	pipelines map[string]*pipelineCounter
	freed     chan struct{}
	logger    core.Logger
	metrics   core.MetricsRecorder
}

type Option func(*Ledger)

func WithLogger(logger core.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(l *Ledger) {
		l.metrics = core.EnsureMetrics(recorder)
	}
}

// NewLedger builds a ledger for the given max_capacity per pipeline. The
// pipeline set is fixed for the ledger's lifetime.
func NewLedger(capacities map[string]int, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		pipelines: make(map[string]*pipelineCounter, len(capacities)),
		freed:     make(chan struct{}, 1),
		logger:    core.ResolveLogger("capacity", nil, nil),
		metrics:   core.NopMetricsRecorder{},
	}
	for name, maxCapacity := range capacities {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("capacity: pipeline name is required")
		}
		if maxCapacity <= 0 {
			return nil, fmt.Errorf("capacity: pipeline %q max capacity must be greater than zero", name)
		}
		l.pipelines[name] = &pipelineCounter{
			maxCapacity: maxCapacity,
			reservedBy:  map[string]struct{}{},
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

func (l *Ledger) counter(pipeline string) (*pipelineCounter, error) {
	if l == nil {
		return nil, fmt.Errorf("capacity: ledger is not configured")
	}
	counter, ok := l.pipelines[strings.TrimSpace(pipeline)]
	if !ok {
		return nil, core.NotFound(fmt.Sprintf("capacity: unknown pipeline %q", pipeline))
	}
	return counter, nil
}

// Reserve claims a slot for eventID. Reserving an id that already holds a
// slot succeeds without counting it twice. A full pipeline returns false with
// a CapacityExceeded error.
func (l *Ledger) Reserve(pipeline string, eventID string) (bool, error) {
	counter, err := l.counter(pipeline)
	if err != nil {
		return false, err
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, core.BadInput("capacity: event id is required")
	}

	counter.mu.Lock()
	if _, held := counter.reservedBy[eventID]; held {
		counter.mu.Unlock()
		return true, nil
	}
	if len(counter.reservedBy) >= counter.maxCapacity {
		maxCapacity := counter.maxCapacity
		counter.mu.Unlock()
		l.metrics.IncCounter(context.Background(), "dispatch.capacity.exceeded", 1, map[string]string{"pipeline": pipeline})
		return false, core.CapacityExceeded(pipeline, maxCapacity)
	}
	counter.reservedBy[eventID] = struct{}{}
	inFlight := len(counter.reservedBy)
	counter.mu.Unlock()

	l.reportInFlight(pipeline, inFlight)
	return true, nil
}

// Release frees eventID's slot. Unknown ids are ignored.
func (l *Ledger) Release(pipeline string, eventID string) bool {
	counter, err := l.counter(pipeline)
	if err != nil {
		return false
	}
	eventID = strings.TrimSpace(eventID)

	counter.mu.Lock()
	if _, held := counter.reservedBy[eventID]; !held {
		counter.mu.Unlock()
		return false
	}
	delete(counter.reservedBy, eventID)
	inFlight := len(counter.reservedBy)
	counter.mu.Unlock()

	l.reportInFlight(pipeline, inFlight)
	select {
	case l.freed <- struct{}{}:
	default:
	}
	return true
}

// Freed signals after any Release that gave a slot back. Signals coalesce.
func (l *Ledger) Freed() <-chan struct{} {
	return l.freed
}

// Rehydrate rebuilds reservations from events left pending by a restart.
// Triggered events are running downstream and are always counted, even when a
// reduced max_capacity leaves a pipeline over its limit. Admitted events only
// take a slot that is still free; the rest stay queued. Callers pass events in
// receipt order.
func (l *Ledger) Rehydrate(ctx context.Context, pending []core.WebhookEvent) int {
	ordered := make([]core.WebhookEvent, 0, len(pending))
	for _, event := range pending {
		if event.Status == core.EventStatusTriggered {
			ordered = append(ordered, event)
		}
	}
	for _, event := range pending {
		if event.Status == core.EventStatusAdmitted {
			ordered = append(ordered, event)
		}
	}

	restored := 0
	for _, event := range ordered {
		counter, err := l.counter(event.PipelineName)
		if err != nil {
			core.Log(ctx, l.logger, "warn", "skipping pending event for unconfigured pipeline", map[string]any{
				"event_id": event.ID,
				"pipeline": event.PipelineName,
			})
			continue
		}
		counter.mu.Lock()
		_, held := counter.reservedBy[event.ID]
		running := event.Status == core.EventStatusTriggered
		if !held && (running || len(counter.reservedBy) < counter.maxCapacity) {
			counter.reservedBy[event.ID] = struct{}{}
			restored++
		}
		inFlight := len(counter.reservedBy)
		overLimit := inFlight > counter.maxCapacity
		counter.mu.Unlock()

		if overLimit {
			core.Log(ctx, l.logger, "warn", "pipeline over capacity after rehydration", map[string]any{
				"pipeline":  event.PipelineName,
				"in_flight": inFlight,
			})
		}
		l.reportInFlight(event.PipelineName, inFlight)
	}
	return restored
}

// HasCapacity reports whether pipeline has a free slot right now.
func (l *Ledger) HasCapacity(pipeline string) bool {
	return l.Available(pipeline) > 0
}

// Available reports how many slots pipeline has free right now. A pipeline
// left over its limit by Rehydrate reports zero.
func (l *Ledger) Available(pipeline string) int {
	counter, err := l.counter(pipeline)
	if err != nil {
		return 0
	}
	counter.mu.Lock()
	defer counter.mu.Unlock()
	return max(counter.maxCapacity-len(counter.reservedBy), 0)
}

func (l *Ledger) Snapshot() []core.CapacityCounter {
	if l == nil {
		return nil
	}
	out := make([]core.CapacityCounter, 0, len(l.pipelines))
	for name, counter := range l.pipelines {
		counter.mu.Lock()
		reserved := make([]string, 0, len(counter.reservedBy))
		for id := range counter.reservedBy {
			reserved = append(reserved, id)
		}
		maxCapacity := counter.maxCapacity
		counter.mu.Unlock()

		sort.Strings(reserved)
		out = append(out, core.CapacityCounter{
			PipelineName: name,
			InFlight:     len(reserved),
			MaxCapacity:  maxCapacity,
			ReservedBy:   reserved,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineName < out[j].PipelineName })
	return out
}

func (l *Ledger) InFlight(pipeline string) int {
	counter, err := l.counter(pipeline)
	if err != nil {
		return 0
	}
	counter.mu.Lock()
	defer counter.mu.Unlock()
	return len(counter.reservedBy)
}

func (l *Ledger) reportInFlight(pipeline string, inFlight int) {
	core.SetGauge(context.Background(), l.metrics, "dispatch.capacity.in_flight", float64(inFlight), map[string]string{
		"pipeline": pipeline,
	})
}
