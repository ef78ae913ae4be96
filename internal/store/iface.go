package store

import (
	"context"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

// Store persists deliverables, sessions and audit records. Every state change
// is a compare-and-swap on the entity version; a lost race returns a
// domain ConcurrentModification error and changes nothing.
// Implementations: the SQLite store in this package and *postgres.Store.
type Store interface {
	// Deliverables
	CreateDeliverable(ctx context.Context, d domain.Deliverable) error
	GetDeliverable(ctx context.Context, id domain.DeliverableID) (domain.Deliverable, error)
	ListDeliverables(ctx context.Context) ([]domain.Deliverable, error)

	// Sessions
	CreateSession(ctx context.Context, s domain.AgentSession) error
	GetSession(ctx context.Context, id domain.SessionID) (domain.AgentSession, error)
	ListSessions(ctx context.Context, status domain.SessionState) ([]domain.AgentSession, error)
	UpdateSession(ctx context.Context, u SessionUpdate) error
	ListUnmergedSessions(ctx context.Context) ([]domain.AgentSession, error)
	MarkSessionMerged(ctx context.Context, id domain.SessionID, mergeCommit string) error

	// Turns
	Seal(ctx context.Context, b SealBatch) error
	ListAudit(ctx context.Context, f AuditFilter) ([]domain.AuditRecord, error)
	GetAuditByCommit(ctx context.Context, commitHash string) (domain.AuditRecord, error)

	Close() error
}
