package core

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const anyAction = "*"

type AcceptedEvent struct {
	EventType string
	Action    string
}

func (e AcceptedEvent) String() string {
	if e.Action == "" || e.Action == anyAction {
		return e.EventType
	}
	return e.EventType + "/" + e.Action
}

func (e AcceptedEvent) matches(eventType string, action string) bool {
	if !strings.EqualFold(e.EventType, eventType) {
		return false
	}
	return e.Action == anyAction || strings.EqualFold(e.Action, action)
}

func (e AcceptedEvent) overlaps(other AcceptedEvent) bool {
	if !strings.EqualFold(e.EventType, other.EventType) {
		return false
	}
	return e.Action == anyAction || other.Action == anyAction || strings.EqualFold(e.Action, other.Action)
}

// ParseAcceptedEvent reads "event_type/action". A bare event type, or an
// action of "*", accepts every action.
func ParseAcceptedEvent(value string) (AcceptedEvent, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return AcceptedEvent{}, fmt.Errorf("core: accepted event is empty")
	}
	eventType, action, found := strings.Cut(value, "/")
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	action = strings.ToLower(strings.TrimSpace(action))
	if eventType == "" {
		return AcceptedEvent{}, fmt.Errorf("core: accepted event %q has no event type", value)
	}
	if !found || action == "" {
		action = anyAction
	}
	return AcceptedEvent{EventType: eventType, Action: action}, nil
}

type DispatchRule struct {
	RepoFullName   string   `koanf:"repo_full_name" mapstructure:"repo_full_name" json:"repo_full_name"`
	AcceptedEvents []string `koanf:"accepted_events" mapstructure:"accepted_events" json:"accepted_events"`
	PipelineName   string   `koanf:"pipeline_name" mapstructure:"pipeline_name" json:"pipeline_name"`
	MaxCapacity    int      `koanf:"max_capacity" mapstructure:"max_capacity" json:"max_capacity"`
	CallbackURL    string   `koanf:"callback_url" mapstructure:"callback_url" json:"callback_url"`
	LeaseKeys      []string `koanf:"lease_keys" mapstructure:"lease_keys" json:"lease_keys,omitempty"`
	TriggerTimeout string   `koanf:"trigger_timeout" mapstructure:"trigger_timeout" json:"trigger_timeout,omitempty"`
}

func (r DispatchRule) Events() ([]AcceptedEvent, error) {
	events := make([]AcceptedEvent, 0, len(r.AcceptedEvents))
	for _, raw := range r.AcceptedEvents {
		event, err := ParseAcceptedEvent(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (r DispatchRule) Accepts(eventType string, action string) bool {
	events, err := r.Events()
	if err != nil {
		return false
	}
	for _, event := range events {
		if event.matches(eventType, action) {
			return true
		}
	}
	return false
}

func (r DispatchRule) Timeout(fallback time.Duration) time.Duration {
	return ParseDurationOr(r.TriggerTimeout, fallback)
}

// LeaseNames renders the rule's lease templates against an event. Templates
// with a placeholder the event cannot fill are skipped and returned in
// unfilled so callers can report the missing exclusion.
func (r DispatchRule) LeaseNames(event WebhookEvent) (names []string, unfilled []string) {
	if len(r.LeaseKeys) == 0 {
		return nil, nil
	}
	values := map[string]string{
		"repo":     event.SourceRepo,
		"event":    event.EventType,
		"action":   event.Action,
		"pipeline": r.PipelineName,
	}
	for key, value := range event.Attributes {
		values[key] = value
	}

	seen := map[string]struct{}{}
	names = make([]string, 0, len(r.LeaseKeys))
	for _, template := range r.LeaseKeys {
		name, ok := renderLeaseTemplate(template, values)
		if !ok {
			unfilled = append(unfilled, template)
			continue
		}
		if _, exists := seen[name]; exists {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, unfilled
}

func renderLeaseTemplate(template string, values map[string]string) (string, bool) {
	var out strings.Builder
	rest := strings.TrimSpace(template)
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", false
		}
		out.WriteString(rest[:start])
		key := strings.TrimSpace(rest[start+1 : start+end])
		value := strings.TrimSpace(values[key])
		if value == "" {
			return "", false
		}
		out.WriteString(value)
		rest = rest[start+end+1:]
	}
	name := strings.TrimSpace(out.String())
	return name, name != ""
}

// RuleTable is the immutable, validated set of dispatch rules.
type RuleTable struct {
	rules      []DispatchRule
	events     [][]AcceptedEvent
	byRepo     map[string][]int
	capacities map[string]int
}

func NewRuleTable(rules []DispatchRule) (*RuleTable, error) {
	table := &RuleTable{
		rules:      make([]DispatchRule, 0, len(rules)),
		events:     make([][]AcceptedEvent, 0, len(rules)),
		byRepo:     map[string][]int{},
		capacities: map[string]int{},
	}
	for i, rule := range rules {
		rule = normalizeRule(rule)
		if err := validateRule(i, rule); err != nil {
			return nil, err
		}
		events, err := rule.Events()
		if err != nil {
			return nil, ConfigInvalid(fmt.Sprintf("rule %d: %v", i, err))
		}
		if existing, ok := table.capacities[rule.PipelineName]; ok && existing != rule.MaxCapacity {
			return nil, ConfigInvalid(fmt.Sprintf(
				"rule %d: pipeline %q declared with max_capacity %d and %d",
				i, rule.PipelineName, existing, rule.MaxCapacity,
			))
		}

		repoKey := strings.ToLower(rule.RepoFullName)
		for _, other := range table.byRepo[repoKey] {
			for _, a := range events {
				for _, b := range table.events[other] {
					if a.overlaps(b) {
						return nil, ConfigInvalid(fmt.Sprintf(
							"rules %d and %d are ambiguous for %s on %s",
							other, i, a.String(), rule.RepoFullName,
						))
					}
				}
			}
		}

		table.rules = append(table.rules, rule)
		table.events = append(table.events, events)
		table.byRepo[repoKey] = append(table.byRepo[repoKey], len(table.rules)-1)
		table.capacities[rule.PipelineName] = rule.MaxCapacity
	}
	return table, nil
}

func (t *RuleTable) Match(repo string, eventType string, action string) (DispatchRule, error) {
	if t == nil {
		return DispatchRule{}, UnmatchedRule(repo, eventType, action)
	}
	for _, idx := range t.byRepo[strings.ToLower(strings.TrimSpace(repo))] {
		for _, event := range t.events[idx] {
			if event.matches(eventType, action) {
				return t.rules[idx], nil
			}
		}
	}
	return DispatchRule{}, UnmatchedRule(repo, eventType, action)
}

func (t *RuleTable) Rules() []DispatchRule {
	if t == nil {
		return nil
	}
	return append([]DispatchRule(nil), t.rules...)
}

// Capacities returns max_capacity keyed by pipeline name.
func (t *RuleTable) Capacities() map[string]int {
	out := map[string]int{}
	if t == nil {
		return out
	}
	for name, capacity := range t.capacities {
		out[name] = capacity
	}
	return out
}

func normalizeRule(rule DispatchRule) DispatchRule {
	rule.RepoFullName = strings.TrimSpace(rule.RepoFullName)
	rule.PipelineName = strings.TrimSpace(rule.PipelineName)
	rule.CallbackURL = strings.TrimSpace(rule.CallbackURL)
	rule.TriggerTimeout = strings.TrimSpace(rule.TriggerTimeout)
	rule.AcceptedEvents = trimAll(rule.AcceptedEvents)
	rule.LeaseKeys = trimAll(rule.LeaseKeys)
	return rule
}

func validateRule(index int, rule DispatchRule) error {
	switch {
	case rule.RepoFullName == "" || !strings.Contains(rule.RepoFullName, "/"):
		return ConfigInvalid(fmt.Sprintf("rule %d: repo_full_name must be owner/name", index))
	case rule.PipelineName == "":
		return ConfigInvalid(fmt.Sprintf("rule %d: pipeline_name is required", index))
	case rule.MaxCapacity <= 0:
		return ConfigInvalid(fmt.Sprintf("rule %d: max_capacity must be greater than zero", index))
	case len(rule.AcceptedEvents) == 0:
		return ConfigInvalid(fmt.Sprintf("rule %d: accepted_events is required", index))
	}
	parsed, err := url.Parse(rule.CallbackURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ConfigInvalid(fmt.Sprintf("rule %d: callback_url must be an absolute http(s) url", index))
	}
	if rule.TriggerTimeout != "" {
		if _, err := time.ParseDuration(rule.TriggerTimeout); err != nil {
			return ConfigInvalid(fmt.Sprintf("rule %d: trigger_timeout: %v", index, err))
		}
	}
	return nil
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
