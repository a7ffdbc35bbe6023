package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goliatone/go-dispatch/core"
	"github.com/tidwall/gjson"
)

const UserAgent = "go-dispatch trigger client"

// runRefPaths are tried in order against the trigger response body.
var runRefPaths = []string{"pipeline_run_ref", "run_ref", "metadata.name", "id"}

type request struct {
	EventID    string            `json:"event_id"`
	DeliveryID string            `json:"delivery_id"`
	Repository string            `json:"repository"`
	EventType  string            `json:"event_type"`
	Action     string            `json:"action,omitempty"`
	Pipeline   string            `json:"pipeline"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithHeader(key string, value string) Option {
	return func(c *Client) {
		c.http.SetHeader(key, value)
	}
}

func WithRestyClient(client *resty.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// Client starts downstream pipeline runs by POSTing event metadata to the
// callback URL of the matched rule.
type Client struct {
	http    *resty.Client
	timeout time.Duration
}

func NewClient(opts ...Option) *Client {
	http := resty.New()
	http.SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", UserAgent)
	client := &Client{http: http, timeout: 10 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// Trigger returns the run reference reported by the downstream engine. A
// rule-level timeout takes precedence over the client default.
func (c *Client) Trigger(ctx context.Context, rule core.DispatchRule, event core.WebhookEvent) (string, error) {
	if c == nil || c.http == nil {
		return "", core.TriggerFailed(rule.PipelineName, fmt.Errorf("trigger client is not configured"))
	}
	callbackURL := strings.TrimSpace(rule.CallbackURL)
	if callbackURL == "" {
		return "", core.TriggerFailed(rule.PipelineName, fmt.Errorf("callback url is empty"))
	}
	ctx, cancel := context.WithTimeout(ctx, rule.Timeout(c.timeout))
	defer cancel()

	body := request{
		EventID:    event.ID,
		DeliveryID: event.DeliveryID,
		Repository: event.SourceRepo,
		EventType:  event.EventType,
		Action:     event.Action,
		Pipeline:   rule.PipelineName,
		Attributes: event.Attributes,
	}
	if json.Valid(event.RawPayload) {
		body.Payload = json.RawMessage(event.RawPayload)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(callbackURL)
	if err != nil {
		return "", core.TriggerFailed(rule.PipelineName, err)
	}
	if resp.IsError() {
		return "", core.TriggerFailed(rule.PipelineName, fmt.Errorf("callback returned status %d: %s",
			resp.StatusCode(), truncate(string(resp.Body()), 256)))
	}

	runRef := ExtractRunRef(resp.Body())
	if runRef == "" {
		return "", core.TriggerFailed(rule.PipelineName, fmt.Errorf("callback response carried no run reference"))
	}
	return runRef, nil
}

// ExtractRunRef reads the run reference from a trigger response body.
func ExtractRunRef(body []byte) string {
	for _, path := range runRefPaths {
		if value := strings.TrimSpace(gjson.GetBytes(body, path).String()); value != "" {
			return value
		}
	}
	return ""
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

var _ core.TriggerClient = (*Client)(nil)
