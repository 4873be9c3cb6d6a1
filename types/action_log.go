package types

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionType classifies the mutation an audit entry describes.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// IsValid returns true for a known action type.
func (t ActionType) IsValid() bool {
	switch t {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// ActionLog is one audit record of a state-changing operation attributed to
// an impersonation session. Rows are append-only and ordered by ExecutedAt,
// with the autoincrement id breaking ties in insertion order.
type ActionLog struct {
	ID             int64      `db:"id" json:"id"`
	SessionID      uuid.UUID  `db:"session_id" json:"session_id"`
	ExecutedAt     time.Time  `db:"executed_at" json:"executed_at"`
	ActionType     ActionType `db:"action_type" json:"action_type"`
	TableName      string     `db:"table_name" json:"table_name"`
	RecordID       string     `db:"record_id" json:"record_id"`
	PayloadSummary JSONMap    `db:"payload_summary" json:"payload_summary,omitempty"`
}

// Payload summary bounds.
const (
	maxSummaryKeys     = 32
	maxSummaryValueLen = 256
	maxSummaryDepth    = 3
)

// redactedValue replaces values under secret-bearing keys.
const redactedValue = "[REDACTED]"

var sensitiveKeyFragments = []string{
	"password", "secret", "token", "credential",
	"api_key", "apikey", "private_key", "authorization",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// SummarizePayload builds the bounded, redacted projection of a mutation
// payload that may be stored in an action log. Secret-bearing keys are
// redacted, long strings truncated, deep nesting elided and the key count
// capped, so raw credentials never reach the audit trail.
func SummarizePayload(payload map[string]any) JSONMap {
	if payload == nil {
		return nil
	}
	return summarizeMap(payload, 1)
}

func summarizeMap(payload map[string]any, depth int) JSONMap {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	summary := make(JSONMap, len(keys))
	for i, k := range keys {
		if i >= maxSummaryKeys {
			summary["_truncated_keys"] = len(keys) - maxSummaryKeys
			break
		}
		if isSensitiveKey(k) {
			summary[k] = redactedValue
			continue
		}
		summary[k] = summarizeValue(payload[k], depth)
	}
	return summary
}

func summarizeValue(v any, depth int) any {
	switch val := v.(type) {
	case string:
		if len(val) > maxSummaryValueLen {
			return val[:maxSummaryValueLen] + "...(truncated)"
		}
		return val
	case map[string]any:
		if depth >= maxSummaryDepth {
			return "[omitted]"
		}
		return summarizeMap(val, depth+1)
	case []any:
		if depth >= maxSummaryDepth {
			return "[omitted]"
		}
		if len(val) > maxSummaryKeys {
			val = val[:maxSummaryKeys]
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = summarizeValue(item, depth+1)
		}
		return out
	default:
		return val
	}
}
