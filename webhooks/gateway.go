package webhooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Decision is the gateway verdict for one inbound request. Rejections are
// reported here rather than as errors; the error return is for faults.
type Decision struct {
	Outcome Outcome
	Reason  string
	Event   core.WebhookEvent
}

// Admitter takes a stored, rule-matched event into dispatch.
type Admitter interface {
	Admit(ctx context.Context, event core.WebhookEvent) (core.WebhookEvent, error)
}

type GatewayOption func(*Gateway)

func WithLogger(logger core.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) GatewayOption {
	return func(g *Gateway) {
		g.metrics = core.EnsureMetrics(recorder)
	}
}

func WithTemplate(template SourceTemplate) GatewayOption {
	return func(g *Gateway) {
		source := strings.ToLower(strings.TrimSpace(template.Source))
		if source != "" {
			g.templates[source] = template
		}
	}
}

func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

type Gateway struct {
	templates map[string]SourceTemplate
	rules     *core.RuleTable
	events    core.EventStore
	admitter  Admitter
	logger    core.Logger
	metrics   core.MetricsRecorder
	now       func() time.Time
}

func NewGateway(rules *core.RuleTable, events core.EventStore, admitter Admitter, opts ...GatewayOption) (*Gateway, error) {
	if rules == nil {
		return nil, fmt.Errorf("webhooks: rule table is required")
	}
	if events == nil {
		return nil, fmt.Errorf("webhooks: event store is required")
	}
	if admitter == nil {
		return nil, fmt.Errorf("webhooks: admitter is required")
	}
	gateway := &Gateway{
		templates: map[string]SourceTemplate{},
		rules:     rules,
		events:    events,
		admitter:  admitter,
		logger:    core.ResolveLogger("dispatch.webhooks", nil, nil),
		metrics:   core.NopMetricsRecorder{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gateway)
		}
	}
	if len(gateway.templates) == 0 {
		return nil, fmt.Errorf("webhooks: at least one source template is required")
	}
	return gateway, nil
}

// Receive authenticates, records and routes one webhook delivery. Every
// request leaves a row in the event store, including rejected ones.
func (g *Gateway) Receive(ctx context.Context, req core.InboundRequest) (decision Decision, err error) {
	startedAt := time.Now()
	source := strings.ToLower(strings.TrimSpace(req.Source))
	defer func() {
		outcome := string(decision.Outcome)
		if err != nil {
			outcome = "error"
		}
		core.ObserveOperation(ctx, g.metrics, "webhook.receive", startedAt, err, map[string]string{
			"source":  source,
			"outcome": outcome,
		})
	}()

	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = g.now()
	}
	req.Source = source

	template, ok := g.templates[source]
	if !ok {
		return g.rejectUnverified(ctx, req, SourceTemplate{Source: source}, fmt.Sprintf("unknown source %q", source))
	}
	if template.Identity != nil {
		if verifyErr := template.Identity.Verify(ctx, req); verifyErr != nil {
			return g.rejectUnverified(ctx, req, template, verifyErr.Error())
		}
	}
	if template.Signature != nil {
		if verifyErr := template.Signature.Verify(ctx, req); verifyErr != nil {
			return g.rejectUnverified(ctx, req, template, verifyErr.Error())
		}
	}

	event := core.WebhookEvent{
		Source:         source,
		EventType:      strings.TrimSpace(headerValue(req.Headers, template.EventTypeHeader)),
		RawPayload:     append([]byte(nil), req.Body...),
		ReceivedAt:     req.ReceivedAt,
		SignatureValid: true,
		Attributes:     map[string]string{},
	}
	deliveryID, extractErr := g.extractDeliveryID(template, req)
	if extractErr != nil {
		event.DeliveryID = syntheticDeliveryID("missing-delivery")
		return g.reject(ctx, event, "delivery id header is missing")
	}
	event.DeliveryID = deliveryID

	parsed, parseErr := ParsePayload(event.EventType, req.Body)
	if parseErr != nil {
		return g.reject(ctx, event, parseErr.Error())
	}
	event.SourceRepo = parsed.Repo
	event.Action = parsed.Action
	event.Attributes = parsed.Attributes

	rule, matchErr := g.rules.Match(event.SourceRepo, event.EventType, event.Action)
	if matchErr != nil {
		return g.reject(ctx, event, matchErr.Error())
	}
	event.PipelineName = rule.PipelineName
	event.Status = core.EventStatusReceived

	stored, insertErr := g.events.Insert(ctx, event)
	if insertErr != nil {
		if core.IsDuplicateDelivery(insertErr) {
			return g.duplicate(ctx, stored)
		}
		return Decision{}, insertErr
	}

	admitted, admitErr := g.admitter.Admit(ctx, stored)
	if admitErr != nil {
		return Decision{}, admitErr
	}
	core.Log(ctx, g.logger, "info", "webhook admitted", map[string]any{
		"delivery_id": admitted.DeliveryID,
		"event_id":    admitted.ID,
		"repo":        admitted.SourceRepo,
		"event_type":  admitted.EventType,
		"action":      admitted.Action,
		"pipeline":    admitted.PipelineName,
	})
	return Decision{Outcome: OutcomeAccepted, Event: admitted}, nil
}

// duplicate answers a redelivery. A stored event still in received was never
// handed to dispatch, so the redelivery admits it.
func (g *Gateway) duplicate(ctx context.Context, stored core.WebhookEvent) (Decision, error) {
	if stored.Status == core.EventStatusReceived && stored.PipelineName != "" {
		admitted, err := g.admitter.Admit(ctx, stored)
		if err != nil {
			return Decision{}, err
		}
		core.Log(ctx, g.logger, "info", "stranded webhook admitted on redelivery", map[string]any{
			"delivery_id": admitted.DeliveryID,
			"event_id":    admitted.ID,
			"pipeline":    admitted.PipelineName,
		})
		stored = admitted
	}
	core.Log(ctx, g.logger, "debug", "duplicate webhook delivery ignored", map[string]any{
		"delivery_id": stored.DeliveryID,
		"event_id":    stored.ID,
		"status":      string(stored.Status),
	})
	return Decision{Outcome: OutcomeDuplicate, Reason: "duplicate delivery", Event: stored}, nil
}

// Reject records a request whose body could not be read. The signature cannot
// be checked without the full body, so it is stored like any unverified
// request.
func (g *Gateway) Reject(ctx context.Context, req core.InboundRequest, reason string) (Decision, error) {
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = g.now()
	}
	req.Source = strings.ToLower(strings.TrimSpace(req.Source))
	template, ok := g.templates[req.Source]
	if !ok {
		template = SourceTemplate{Source: req.Source}
	}
	return g.rejectUnverified(ctx, req, template, reason)
}

// rejectUnverified records a request whose sender could not be authenticated.
// The claimed delivery id is kept as an attribute only, so a forged request
// cannot occupy the id of a genuine delivery.
func (g *Gateway) rejectUnverified(ctx context.Context, req core.InboundRequest, template SourceTemplate, reason string) (Decision, error) {
	event := core.WebhookEvent{
		Source:         req.Source,
		EventType:      strings.TrimSpace(headerValue(req.Headers, template.EventTypeHeader)),
		DeliveryID:     syntheticDeliveryID("invalid-signature"),
		RawPayload:     append([]byte(nil), req.Body...),
		ReceivedAt:     req.ReceivedAt,
		SignatureValid: false,
		Attributes:     map[string]string{},
	}
	if claimed, err := g.extractDeliveryID(template, req); err == nil {
		event.Attributes[core.AttributeClaimedDeliveryID] = claimed
	}
	return g.reject(ctx, event, reason)
}

func (g *Gateway) reject(ctx context.Context, event core.WebhookEvent, reason string) (Decision, error) {
	event.Status = core.EventStatusRejected
	event.RejectReason = reason
	stored, err := g.events.Insert(ctx, event)
	if err != nil && !core.IsDuplicateDelivery(err) {
		return Decision{}, err
	}
	core.Log(ctx, g.logger, "warn", "webhook rejected", map[string]any{
		"delivery_id":     stored.DeliveryID,
		"event_id":        stored.ID,
		"source":          event.Source,
		"repo":            event.SourceRepo,
		"event_type":      event.EventType,
		"action":          event.Action,
		"signature_valid": event.SignatureValid,
		"reason":          reason,
	})
	return Decision{Outcome: OutcomeRejected, Reason: reason, Event: stored}, nil
}

func (g *Gateway) extractDeliveryID(template SourceTemplate, req core.InboundRequest) (string, error) {
	extractor := template.Extractor
	if extractor == nil {
		extractor = HeaderDeliveryIDExtractor(GitHubDeliveryHeader, "X-Delivery-Id")
	}
	return extractor(req)
}

func syntheticDeliveryID(prefix string) string {
	return prefix + ":" + uuid.NewString()
}
