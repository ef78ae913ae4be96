// Package store defines the persistence interface for deliverables, agent sessions and audit records.
package store

import (
	"github.com/sgttomas/chirality-runtime/internal/domain"
)

// DeliverableUpdate replaces a deliverable snapshot if its stored version is
// still ExpectedVersion. History entries of Next newer than ExpectedVersion are appended.
type DeliverableUpdate struct {
	Next            domain.Deliverable
	ExpectedVersion int64
}

// SessionUpdate is the session counterpart of DeliverableUpdate. The stored
// status must also still equal ExpectedStatus when it is set.
type SessionUpdate struct {
	Next            domain.AgentSession
	ExpectedVersion int64
	ExpectedStatus  domain.SessionState
}

// SealBatch is everything one sealed turn writes, applied in one transaction.
type SealBatch struct {
	Deliverables []DeliverableUpdate
	Session      SessionUpdate
	Record       domain.AuditRecord
}

// AuditFilter selects audit records; zero fields match everything.
type AuditFilter struct {
	SessionID     domain.SessionID
	DeliverableID domain.DeliverableID
	Limit         int
}

// NewEntries returns the history entries recorded after version.
func NewEntries(h []domain.HistoryEntry, after int64) []domain.HistoryEntry {
	var out []domain.HistoryEntry
	for _, e := range h {
		if e.Version > after {
			out = append(out, e)
		}
	}
	return out
}
