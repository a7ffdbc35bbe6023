package core

import "testing"

func TestRedactFields_KeepsIdentifiersVisible(t *testing.T) {
	redacted := RedactFields(map[string]any{
		"delivery_id":     "d-1",
		"idempotency_key": "run-1:chat",
		"webhook_secret":  "s3cret",
		"raw_payload":     `{"action":"opened"}`,
		"nested":          map[string]any{"token": "abc", "event_id": "evt-1"},
		"list":            []any{map[string]any{"password": "pw"}},
	})

	if redacted["delivery_id"] != "d-1" || redacted["idempotency_key"] != "run-1:chat" {
		t.Fatalf("expected identifiers to remain visible: %+v", redacted)
	}
	if redacted["webhook_secret"] != RedactedValue || redacted["raw_payload"] != RedactedValue {
		t.Fatalf("expected secret and payload to be redacted: %+v", redacted)
	}
	nested := redacted["nested"].(map[string]any)
	if nested["token"] != RedactedValue || nested["event_id"] != "evt-1" {
		t.Fatalf("unexpected nested map: %+v", nested)
	}
	item := redacted["list"].([]any)[0].(map[string]any)
	if item["password"] != RedactedValue {
		t.Fatalf("expected list entry to be redacted: %+v", item)
	}
	if got := RedactFields(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty map for nil input, got %#v", got)
	}
}
