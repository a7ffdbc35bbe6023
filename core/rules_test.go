package core

import (
	"reflect"
	"testing"
)

func testRule(repo string, pipeline string, events ...string) DispatchRule {
	return DispatchRule{
		RepoFullName:   repo,
		AcceptedEvents: events,
		PipelineName:   pipeline,
		MaxCapacity:    2,
		CallbackURL:    "https://ci.example.com/hooks/" + pipeline,
	}
}

func TestRuleTable_MatchesEventAndAction(t *testing.T) {
	table, err := NewRuleTable([]DispatchRule{
		testRule("acme/catalog", "certify", "pull_request/opened", "pull_request/synchronize"),
		testRule("acme/catalog", "release", "release/published"),
		testRule("acme/index", "index-build", "push"),
	})
	if err != nil {
		t.Fatalf("new rule table: %v", err)
	}

	rule, err := table.Match("acme/catalog", "pull_request", "synchronize")
	if err != nil {
		t.Fatalf("match pull_request: %v", err)
	}
	if rule.PipelineName != "certify" {
		t.Fatalf("expected certify, got %q", rule.PipelineName)
	}

	rule, err = table.Match("ACME/Index", "push", "")
	if err != nil {
		t.Fatalf("match push: %v", err)
	}
	if rule.PipelineName != "index-build" {
		t.Fatalf("expected index-build, got %q", rule.PipelineName)
	}

	if _, err := table.Match("acme/catalog", "pull_request", "closed"); !IsUnmatchedRule(err) {
		t.Fatalf("expected unmatched rule error, got %v", err)
	}
	if _, err := table.Match("other/repo", "push", ""); !IsUnmatchedRule(err) {
		t.Fatalf("expected unmatched rule for unknown repo, got %v", err)
	}
}

func TestRuleTable_RejectsAmbiguousRules(t *testing.T) {
	_, err := NewRuleTable([]DispatchRule{
		testRule("acme/catalog", "certify", "pull_request/opened"),
		testRule("acme/catalog", "lint", "pull_request"),
	})
	if err == nil {
		t.Fatalf("expected ambiguity error for wildcard overlap")
	}
	if !HasTextCode(err, ErrorConfigInvalid) {
		t.Fatalf("expected config invalid code, got %v", err)
	}

	_, err = NewRuleTable([]DispatchRule{
		testRule("acme/catalog", "certify", "pull_request/opened"),
		testRule("acme/catalog", "lint", "pull_request/closed"),
	})
	if err != nil {
		t.Fatalf("expected disjoint actions to be accepted, got %v", err)
	}
}

func TestRuleTable_RejectsConflictingCapacityForSharedPipeline(t *testing.T) {
	first := testRule("acme/a", "certify", "push")
	second := testRule("acme/b", "certify", "push")
	second.MaxCapacity = 5
	if _, err := NewRuleTable([]DispatchRule{first, second}); err == nil {
		t.Fatalf("expected capacity disagreement to fail")
	}
}

func TestRuleTable_ValidatesFields(t *testing.T) {
	cases := map[string]DispatchRule{
		"repo":     {AcceptedEvents: []string{"push"}, PipelineName: "p", MaxCapacity: 1, CallbackURL: "https://x.test"},
		"capacity": {RepoFullName: "a/b", AcceptedEvents: []string{"push"}, PipelineName: "p", CallbackURL: "https://x.test"},
		"url":      {RepoFullName: "a/b", AcceptedEvents: []string{"push"}, PipelineName: "p", MaxCapacity: 1, CallbackURL: "not a url"},
		"events":   {RepoFullName: "a/b", PipelineName: "p", MaxCapacity: 1, CallbackURL: "https://x.test"},
		"timeout":  {RepoFullName: "a/b", AcceptedEvents: []string{"push"}, PipelineName: "p", MaxCapacity: 1, CallbackURL: "https://x.test", TriggerTimeout: "soon"},
	}
	for name, rule := range cases {
		if _, err := NewRuleTable([]DispatchRule{rule}); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDispatchRule_LeaseNamesRenderTemplates(t *testing.T) {
	rule := testRule("acme/catalog", "certify", "pull_request")
	rule.LeaseKeys = []string{"pr:{repo}#{number}", "org:{owner}", "tag:{tag}", "org:{owner}"}

	names, unfilled := rule.LeaseNames(WebhookEvent{
		SourceRepo: "acme/catalog",
		EventType:  "pull_request",
		Attributes: map[string]string{
			AttributeNumber: "42",
			AttributeOwner:  "acme",
		},
	})
	want := []string{"org:acme", "pr:acme/catalog#42"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	if !reflect.DeepEqual(unfilled, []string{"tag:{tag}"}) {
		t.Fatalf("expected the unfillable template reported, got %v", unfilled)
	}
}

func TestParseAcceptedEvent(t *testing.T) {
	event, err := ParseAcceptedEvent(" Pull_Request / Opened ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.EventType != "pull_request" || event.Action != "opened" {
		t.Fatalf("unexpected parse result %#v", event)
	}
	event, err = ParseAcceptedEvent("push")
	if err != nil {
		t.Fatalf("parse push: %v", err)
	}
	if event.Action != "*" {
		t.Fatalf("expected wildcard action, got %q", event.Action)
	}
	if _, err := ParseAcceptedEvent("/opened"); err == nil {
		t.Fatalf("expected missing event type to fail")
	}
}
