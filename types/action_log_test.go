package types

import (
	"fmt"
	"strings"
	"testing"
)

func TestSummarizePayloadRedactsSensitiveKeys(t *testing.T) {
	summary := SummarizePayload(map[string]any{
		"title":         "Budget update",
		"password":      "hunter2",
		"api_key":       "k-123",
		"Authorization": "Bearer abc",
		"nested": map[string]any{
			"client_secret": "s3cr3t",
			"amount":        250,
		},
	})

	for _, key := range []string{"password", "api_key", "Authorization"} {
		if got := summary[key]; got != "[REDACTED]" {
			t.Errorf("summary[%q] = %v, want [REDACTED]", key, got)
		}
	}
	if got := summary["title"]; got != "Budget update" {
		t.Errorf("title = %v", got)
	}

	nested, ok := summary["nested"].(JSONMap)
	if !ok {
		t.Fatalf("nested = %T", summary["nested"])
	}
	if got := nested["client_secret"]; got != "[REDACTED]" {
		t.Errorf("nested secret = %v, want [REDACTED]", got)
	}
	if got := nested["amount"]; got != 250 {
		t.Errorf("nested amount = %v", got)
	}
}

func TestSummarizePayloadTruncatesLongValues(t *testing.T) {
	long := strings.Repeat("x", 1000)
	summary := SummarizePayload(map[string]any{"description": long})

	got, ok := summary["description"].(string)
	if !ok {
		t.Fatalf("description = %T", summary["description"])
	}
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Errorf("long value not truncated: %d chars", len(got))
	}
	if len(got) > 300 {
		t.Errorf("truncated value still %d chars", len(got))
	}
}

func TestSummarizePayloadCapsKeyCount(t *testing.T) {
	payload := make(map[string]any, 40)
	for i := 0; i < 40; i++ {
		payload[fmt.Sprintf("field_%02d", i)] = i
	}
	summary := SummarizePayload(payload)

	if got := summary["_truncated_keys"]; got != 8 {
		t.Errorf("_truncated_keys = %v, want 8", got)
	}
	if len(summary) != 33 {
		t.Errorf("len(summary) = %d, want 32 keys + marker", len(summary))
	}
}

func TestSummarizePayloadElidesDeepNesting(t *testing.T) {
	summary := SummarizePayload(map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": map[string]any{"d": 1},
			},
		},
	})

	level1 := summary["a"].(JSONMap)
	level2 := level1["b"].(JSONMap)
	if got := level2["c"]; got != "[omitted]" {
		t.Errorf("depth 3 value = %v, want [omitted]", got)
	}
}

func TestSummarizePayloadNil(t *testing.T) {
	if got := SummarizePayload(nil); got != nil {
		t.Errorf("SummarizePayload(nil) = %v, want nil", got)
	}
}
