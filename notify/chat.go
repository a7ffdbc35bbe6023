package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goliatone/go-dispatch/core"
)

const ChannelChat = "chat"

// ChatNotifier posts a one-line run summary to a Slack-compatible incoming
// webhook.
type ChatNotifier struct {
	url  string
	http *resty.Client
}

func NewChatNotifier(webhookURL string, timeout time.Duration) *ChatNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	http := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &ChatNotifier{url: strings.TrimSpace(webhookURL), http: http}
}

func (n *ChatNotifier) Channel() string {
	return ChannelChat
}

func (n *ChatNotifier) Notify(ctx context.Context, completion core.RunCompletion) error {
	if n == nil || n.url == "" {
		return nil
	}
	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": FormatCompletion(completion)}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("notify: chat webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: chat webhook returned status %d", resp.StatusCode())
	}
	return nil
}

func FormatCompletion(completion core.RunCompletion) string {
	subject := completion.SourceRepo
	if completion.Action != "" {
		subject += " " + completion.EventType + "/" + completion.Action
	} else if completion.EventType != "" {
		subject += " " + completion.EventType
	}
	duration := ""
	if !completion.TriggeredAt.IsZero() && !completion.CompletedAt.IsZero() {
		duration = " in " + completion.CompletedAt.Sub(completion.TriggeredAt).Round(time.Second).String()
	}
	return fmt.Sprintf("pipeline %s run %s %s%s (%s)",
		completion.PipelineName, completion.RunRef, completion.Outcome, duration, strings.TrimSpace(subject))
}
