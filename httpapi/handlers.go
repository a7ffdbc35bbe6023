package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-dispatch/adapters/gocommand"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/webhooks"
	goerrors "github.com/goliatone/go-errors"
)

type webhookResponse struct {
	Status      string `json:"status"`
	EventID     string `json:"event_id,omitempty"`
	DeliveryID  string `json:"delivery_id,omitempty"`
	EventStatus string `json:"event_status,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (r *router) receiveWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	req := core.InboundRequest{
		Source:     c.Param("source"),
		Headers:    flattenHeaders(c.Request.Header),
		ReceivedAt: time.Now().UTC(),
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, r.maxBodyBytes))
	req.Body = body

	var decision webhooks.Decision
	if err != nil {
		reason := "unreadable request body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reason = "request body exceeds " + strconv.FormatInt(r.maxBodyBytes, 10) + " bytes"
		}
		decision, err = r.deps.Webhooks.Reject(ctx, req, reason)
	} else {
		decision, err = r.deps.Webhooks.Receive(ctx, req)
	}
	if err != nil {
		core.Log(ctx, r.logger, "error", "webhook intake failed", map[string]any{
			"source": c.Param("source"),
			"error":  err.Error(),
		})
		r.writeError(c, http.StatusInternalServerError, err)
		return
	}

	response := webhookResponse{
		Status:      string(decision.Outcome),
		EventID:     decision.Event.ID,
		DeliveryID:  decision.Event.DeliveryID,
		EventStatus: string(decision.Event.Status),
		Reason:      decision.Reason,
	}
	switch decision.Outcome {
	case webhooks.OutcomeAccepted:
		c.JSON(http.StatusAccepted, response)
	case webhooks.OutcomeDuplicate:
		if decision.Event.Status == core.EventStatusRejected {
			c.JSON(http.StatusOK, response)
			return
		}
		c.JSON(http.StatusAccepted, response)
	default:
		c.JSON(http.StatusOK, response)
	}
}

func (r *router) completeRun(c *gin.Context) {
	ctx := c.Request.Context()
	if !r.authorizedCompletion(c.GetHeader("Authorization")) {
		r.writeError(c, http.StatusUnauthorized, core.NewError("invalid completion token", goerrors.CategoryAuth, core.ErrorUnauthorized))
		return
	}

	var msg gocommand.RunOutcomeMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		r.writeError(c, http.StatusBadRequest, core.BadInput("invalid completion body: "+err.Error()))
		return
	}
	if err := r.deps.Completions.Submit(ctx, msg); err != nil {
		status := http.StatusInternalServerError
		if core.HasTextCode(err, core.ErrorBadInput) {
			status = http.StatusBadRequest
		}
		r.writeError(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pipeline_run_ref": strings.TrimSpace(msg.RunRef)})
}

func (r *router) authorizedCompletion(header string) bool {
	if r.completionToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(r.completionToken)) == 1
}

func (r *router) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *router) pingDB(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.pingTimeout)
	defer cancel()
	if err := r.deps.Events.Ping(ctx); err != nil {
		core.Log(ctx, r.logger, "warn", "storage ping failed", map[string]any{"error": err.Error()})
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type eventView struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	SourceRepo     string            `json:"source_repo"`
	EventType      string            `json:"event_type"`
	Action         string            `json:"action"`
	DeliveryID     string            `json:"delivery_id"`
	Status         string            `json:"status"`
	SignatureValid bool              `json:"signature_valid"`
	PipelineName   string            `json:"pipeline_name,omitempty"`
	RejectReason   string            `json:"reject_reason,omitempty"`
	Attempts       int               `json:"attempts"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (r *router) listEvents(c *gin.Context) {
	query := core.EventQuery{SourceRepo: strings.TrimSpace(c.Query("repo"))}
	var err error
	if query.Page, err = intQuery(c, "page"); err != nil {
		r.writeError(c, http.StatusBadRequest, err)
		return
	}
	if query.PerPage, err = intQuery(c, "per_page"); err != nil {
		r.writeError(c, http.StatusBadRequest, err)
		return
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, ok := core.ParseEventStatus(raw)
		if !ok {
			r.writeError(c, http.StatusBadRequest, core.BadInput("unknown status "+strconv.Quote(raw)))
			return
		}
		query.Status = status
	}

	page, err := r.deps.Events.List(c.Request.Context(), query)
	if err != nil {
		r.writeError(c, http.StatusInternalServerError, err)
		return
	}
	items := make([]eventView, 0, len(page.Items))
	for _, event := range page.Items {
		items = append(items, eventView{
			ID:             event.ID,
			Source:         event.Source,
			SourceRepo:     event.SourceRepo,
			EventType:      event.EventType,
			Action:         event.Action,
			DeliveryID:     event.DeliveryID,
			Status:         string(event.Status),
			SignatureValid: event.SignatureValid,
			PipelineName:   event.PipelineName,
			RejectReason:   event.RejectReason,
			Attempts:       event.Attempts,
			NextAttemptAt:  event.NextAttemptAt,
			Attributes:     event.Attributes,
			ReceivedAt:     event.ReceivedAt,
			UpdatedAt:      event.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"items":    items,
		"total":    page.Total,
		"page":     page.Page,
		"per_page": page.PerPage,
	})
}

func (r *router) capacity(c *gin.Context) {
	snapshot := r.deps.Capacity.Snapshot()
	pipelines := make([]gin.H, 0, len(snapshot))
	for _, counter := range snapshot {
		pipelines = append(pipelines, gin.H{
			"pipeline":     counter.PipelineName,
			"in_flight":    counter.InFlight,
			"max_capacity": counter.MaxCapacity,
			"reserved_by":  counter.ReservedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": pipelines})
}

func (r *router) leases(c *gin.Context) {
	held, err := r.deps.Leases.List(c.Request.Context())
	if err != nil {
		r.writeError(c, http.StatusInternalServerError, err)
		return
	}
	items := make([]gin.H, 0, len(held))
	for _, lease := range held {
		items = append(items, gin.H{
			"name":        lease.Name,
			"owner":       lease.Owner,
			"acquired_at": lease.AcquiredAt,
			"expires_at":  lease.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"leases": items})
}

func (r *router) writeError(c *gin.Context, status int, err error) {
	mapped := core.MapError(err)
	body := gin.H{
		"code":    mapped.TextCode,
		"message": mapped.Message,
	}
	if len(mapped.Metadata) > 0 {
		body["metadata"] = mapped.Metadata
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, core.BadInput(key + " must be a non-negative integer")
	}
	return value, nil
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}
