// Package httpapi exposes the dispatcher over HTTP with gin: the webhook
// intake, the run completion callback and the status endpoints.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-dispatch/adapters/gocommand"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/webhooks"
)

const (
	DefaultMaxBodyBytes = 25 << 20
	DefaultPingTimeout  = 5 * time.Second
)

type WebhookReceiver interface {
	Receive(ctx context.Context, req core.InboundRequest) (webhooks.Decision, error)
	// Reject records a request that could not be read in full.
	Reject(ctx context.Context, req core.InboundRequest, reason string) (webhooks.Decision, error)
}

type CompletionSink interface {
	Submit(ctx context.Context, msg gocommand.RunOutcomeMessage) error
}

type EventReader interface {
	List(ctx context.Context, query core.EventQuery) (core.EventPage, error)
	Ping(ctx context.Context) error
}

type CapacityReporter interface {
	Snapshot() []core.CapacityCounter
}

type LeaseLister interface {
	List(ctx context.Context) ([]core.Lease, error)
}

type Dependencies struct {
	Webhooks    WebhookReceiver
	Completions CompletionSink
	Events      EventReader
	Capacity    CapacityReporter
	Leases      LeaseLister
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

type Option func(*router)

func WithLogger(logger core.Logger) Option {
	return func(r *router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(r *router) {
		r.metrics = core.EnsureMetrics(recorder)
	}
}

// WithCompletionToken requires "Authorization: Bearer <token>" on the
// completion callback. An empty token disables the check.
func WithCompletionToken(token string) Option {
	return func(r *router) {
		r.completionToken = strings.TrimSpace(token)
	}
}

func WithMaxBodyBytes(limit int64) Option {
	return func(r *router) {
		if limit > 0 {
			r.maxBodyBytes = limit
		}
	}
}

func WithPingTimeout(timeout time.Duration) Option {
	return func(r *router) {
		if timeout > 0 {
			r.pingTimeout = timeout
		}
	}
}

type router struct {
	deps            Dependencies
	logger          core.Logger
	metrics         core.MetricsRecorder
	completionToken string
	maxBodyBytes    int64
	pingTimeout     time.Duration
}

// NewRouter builds the gin engine. Callers set gin's mode before calling.
func NewRouter(deps Dependencies, opts ...Option) (*gin.Engine, error) {
	switch {
	case deps.Webhooks == nil:
		return nil, fmt.Errorf("httpapi: webhook receiver is required")
	case deps.Completions == nil:
		return nil, fmt.Errorf("httpapi: completion sink is required")
	case deps.Events == nil:
		return nil, fmt.Errorf("httpapi: event reader is required")
	}
	r := &router{
		deps:         deps,
		logger:       core.ResolveLogger("dispatch.http", nil, nil),
		metrics:      core.NopMetricsRecorder{},
		maxBodyBytes: DefaultMaxBodyBytes,
		pingTimeout:  DefaultPingTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLog(r.logger), requestMetrics(r.metrics))

	engine.POST("/webhooks/:source", r.receiveWebhook)
	engine.POST("/runs/complete", r.completeRun)

	status := engine.Group("/status")
	status.GET("/ping", r.ping)
	status.GET("/db", r.pingDB)
	status.GET("/events", r.listEvents)
	if deps.Capacity != nil {
		status.GET("/capacity", r.capacity)
	}
	if deps.Leases != nil {
		status.GET("/leases", r.leases)
	}
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	return engine, nil
}
