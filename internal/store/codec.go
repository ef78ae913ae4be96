package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

// Row codecs shared by the SQLite and Postgres implementations. Times are
// stored as Unix milliseconds, structured fields as JSON text.

// Column lists in ScanDeliverable, ScanSession and ScanAudit order.
const (
	DeliverableColumns = `id, root, title, project_id, package_id, status, version, created_at, updated_at`
	SessionColumns     = `id, agent_type, agent, branch, base_ref, status, scope, actor, version, last_commit, merge_commit, created_at, updated_at`
	AuditColumnsSQL    = `a.id, a.turn_id, a.session_id, a.commit_hash, a.actor, a.paths, a.hashes, a.transitions, a.created_at`
)

func Millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func ParseActor(s string) domain.ActorID {
	a, err := domain.ParseActorID(s)
	if err != nil {
		return domain.ActorID{}
	}
	return a
}

func EncodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AuditColumns is the JSON-encoded form of an audit record's collections.
type AuditColumns struct {
	Paths       string
	Hashes      string
	Transitions string
}

func EncodeAudit(r domain.AuditRecord) (AuditColumns, error) {
	var c AuditColumns
	var err error
	paths := r.Paths
	if paths == nil {
		paths = []string{}
	}
	if c.Paths, err = EncodeJSON(paths); err != nil {
		return c, err
	}
	hashes := r.Hashes
	if hashes == nil {
		hashes = map[string]domain.ContentHash{}
	}
	if c.Hashes, err = EncodeJSON(hashes); err != nil {
		return c, err
	}
	transitions := r.Transitions
	if transitions == nil {
		transitions = []domain.HistoryEntry{}
	}
	c.Transitions, err = EncodeJSON(transitions)
	return c, err
}

func DecodeAudit(r *domain.AuditRecord, c AuditColumns) error {
	if err := json.Unmarshal([]byte(c.Paths), &r.Paths); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(c.Hashes), &r.Hashes); err != nil {
		return err
	}
	if len(r.Hashes) == 0 {
		r.Hashes = nil
	}
	if err := json.Unmarshal([]byte(c.Transitions), &r.Transitions); err != nil {
		return err
	}
	if len(r.Transitions) == 0 {
		r.Transitions = nil
	}
	return nil
}

// RowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

func ScanDeliverable(r RowScanner) (domain.Deliverable, error) {
	var d domain.Deliverable
	var id, project, pkg, status string
	var created, updated int64
	if err := r.Scan(&id, &d.Root, &d.Title, &project, &pkg, &status, &d.Version, &created, &updated); err != nil {
		return d, err
	}
	d.ID = domain.DeliverableID(id)
	d.ProjectID = domain.ProjectID(project)
	d.PackageID = domain.PackageID(pkg)
	d.Status = domain.DeliverableState(status)
	d.CreatedAt = FromMillis(created)
	d.UpdatedAt = FromMillis(updated)
	return d, nil
}

func ScanSession(r RowScanner) (domain.AgentSession, error) {
	var s domain.AgentSession
	var id, agentType, status, scope, actor string
	var created, updated int64
	if err := r.Scan(&id, &agentType, &s.Agent, &s.Branch, &s.BaseRef, &status, &scope, &actor, &s.Version, &s.LastCommit, &s.MergeCommit, &created, &updated); err != nil {
		return s, err
	}
	s.ID = domain.SessionID(id)
	s.AgentType = domain.AgentType(agentType)
	s.Status = domain.SessionState(status)
	if err := json.Unmarshal([]byte(scope), &s.Scope); err != nil {
		return s, fmt.Errorf("decode scope of %s: %w", id, err)
	}
	s.Actor = ParseActor(actor)
	s.CreatedAt = FromMillis(created)
	s.UpdatedAt = FromMillis(updated)
	return s, nil
}

func ScanAudit(r RowScanner) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var turn, session, actor string
	var cols AuditColumns
	var created int64
	if err := r.Scan(&rec.ID, &turn, &session, &rec.CommitHash, &actor, &cols.Paths, &cols.Hashes, &cols.Transitions, &created); err != nil {
		return rec, err
	}
	rec.TurnID = domain.TurnID(turn)
	rec.SessionID = domain.SessionID(session)
	rec.Actor = ParseActor(actor)
	rec.CreatedAt = FromMillis(created)
	if err := DecodeAudit(&rec, cols); err != nil {
		return rec, fmt.Errorf("decode audit record %s: %w", rec.ID, err)
	}
	return rec, nil
}
