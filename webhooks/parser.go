package webhooks

import (
	"strconv"
	"strings"

	"github.com/goliatone/go-dispatch/core"
	"github.com/google/go-github/v68/github"
	"github.com/tidwall/gjson"
)

// ParsedEvent carries the routing fields read from a payload.
type ParsedEvent struct {
	Repo       string
	Action     string
	Attributes map[string]string
}

// ParsePayload reads repository, action and lease attributes from a GitHub
// payload. Known event types go through go-github; anything else is read
// with gjson paths shared by most GitHub payloads.
func ParsePayload(eventType string, body []byte) (ParsedEvent, error) {
	if !gjson.ValidBytes(body) {
		return ParsedEvent{}, core.BadInput("webhooks: payload is not valid JSON")
	}
	parsed := ParsedEvent{Attributes: map[string]string{}}

	event, err := github.ParseWebHook(strings.TrimSpace(eventType), body)
	if err == nil {
		switch typed := event.(type) {
		case *github.PullRequestEvent:
			parsed.Repo = typed.GetRepo().GetFullName()
			parsed.Action = typed.GetAction()
			parsed.set(core.AttributeOwner, typed.GetRepo().GetOwner().GetLogin())
			parsed.set(core.AttributeNumber, itoa(typed.GetNumber()))
			parsed.set(core.AttributeRef, typed.GetPullRequest().GetHead().GetRef())
			parsed.set(core.AttributeSender, typed.GetSender().GetLogin())
		case *github.PushEvent:
			parsed.Repo = typed.GetRepo().GetFullName()
			parsed.set(core.AttributeOwner, typed.GetRepo().GetOwner().GetLogin())
			parsed.set(core.AttributeRef, typed.GetRef())
			parsed.set(core.AttributeSender, typed.GetSender().GetLogin())
		case *github.IssueCommentEvent:
			parsed.Repo = typed.GetRepo().GetFullName()
			parsed.Action = typed.GetAction()
			parsed.set(core.AttributeOwner, typed.GetRepo().GetOwner().GetLogin())
			parsed.set(core.AttributeNumber, itoa(typed.GetIssue().GetNumber()))
			parsed.set(core.AttributeSender, typed.GetSender().GetLogin())
		case *github.ReleaseEvent:
			parsed.Repo = typed.GetRepo().GetFullName()
			parsed.Action = typed.GetAction()
			parsed.set(core.AttributeOwner, typed.GetRepo().GetOwner().GetLogin())
			parsed.set(core.AttributeRef, typed.GetRelease().GetTagName())
			parsed.set(core.AttributeSender, typed.GetSender().GetLogin())
		}
	}

	if parsed.Repo == "" {
		parsed.Repo = gjson.GetBytes(body, "repository.full_name").String()
	}
	if parsed.Action == "" {
		parsed.Action = gjson.GetBytes(body, "action").String()
	}
	parsed.setDefault(core.AttributeOwner, gjson.GetBytes(body, "repository.owner.login").String())
	parsed.setDefault(core.AttributeSender, gjson.GetBytes(body, "sender.login").String())
	parsed.setDefault(core.AttributeRef, gjson.GetBytes(body, "ref").String())
	for _, path := range []string{"number", "pull_request.number", "issue.number"} {
		if value := gjson.GetBytes(body, path); value.Exists() && value.Int() > 0 {
			parsed.setDefault(core.AttributeNumber, value.String())
			break
		}
	}

	parsed.Repo = strings.TrimSpace(parsed.Repo)
	parsed.Action = strings.TrimSpace(parsed.Action)
	if parsed.Repo == "" {
		return ParsedEvent{}, core.BadInput("webhooks: payload has no repository.full_name")
	}
	return parsed, nil
}

func (p *ParsedEvent) set(key string, value string) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return
	}
	p.Attributes[key] = value
}

func (p *ParsedEvent) setDefault(key string, value string) {
	if _, ok := p.Attributes[key]; ok {
		return
	}
	p.set(key, value)
}

func itoa(value int) string {
	if value <= 0 {
		return ""
	}
	return strconv.Itoa(value)
}
