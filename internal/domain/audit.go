package domain

import (
	"sort"
	"time"
)

// AuditRecord ties one sealed turn to exactly one git commit. Records are never updated.
type AuditRecord struct {
	ID           string                 `json:"id"`
	TurnID       TurnID                 `json:"turn_id"`
	SessionID    SessionID              `json:"session_id"`
	Deliverables []DeliverableID        `json:"deliverables,omitempty"` // empty for session-only turns
	CommitHash   string                 `json:"commit_hash"`
	Actor        ActorID                `json:"actor"`
	Paths        []string               `json:"paths"`
	Hashes       map[string]ContentHash `json:"hashes,omitempty"`
	Transitions  []HistoryEntry         `json:"transitions,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// DeliverableID returns the single deliverable the record touches, or "".
func (r AuditRecord) DeliverableID() DeliverableID {
	if len(r.Deliverables) == 1 {
		return r.Deliverables[0]
	}
	return ""
}

// SortedUnique returns the sorted distinct values of in.
func SortedUnique[T ~string](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
