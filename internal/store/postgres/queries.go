package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/store"
)

const uniqueViolation = "23505"

func isUnique(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == uniqueViolation
}

func scanHistory(rows pgx.Rows) ([]domain.HistoryEntry, error) {
	defer rows.Close()
	var out []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var session, actor string
		var at int64
		if err := rows.Scan(&e.Version, &e.From, &e.To, &session, &actor, &e.CommitHash, &at); err != nil {
			return nil, err
		}
		e.SessionID = domain.SessionID(session)
		e.Actor = store.ParseActor(actor)
		e.At = store.FromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateDeliverable(ctx context.Context, d domain.Deliverable) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO deliverables(`+store.DeliverableColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(d.ID), d.Root, d.Title, string(d.ProjectID), string(d.PackageID), string(d.Status), d.Version, store.Millis(d.CreatedAt), store.Millis(d.UpdatedAt))
	if isUnique(err) {
		return fmt.Errorf("deliverable %s or root %q already exists", d.ID, d.Root)
	}
	return err
}

func (s *Store) GetDeliverable(ctx context.Context, id domain.DeliverableID) (domain.Deliverable, error) {
	d, err := store.ScanDeliverable(s.Pool.QueryRow(ctx, `SELECT `+store.DeliverableColumns+` FROM deliverables WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return d, fmt.Errorf("deliverable %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return d, err
	}
	rows, err := s.Pool.Query(ctx, `SELECT version, from_state, to_state, session_id, actor, commit_hash, created_at FROM deliverable_history WHERE deliverable_id = $1 ORDER BY version`, string(id))
	if err != nil {
		return d, err
	}
	d.History, err = scanHistory(rows)
	return d, err
}

func (s *Store) ListDeliverables(ctx context.Context) ([]domain.Deliverable, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+store.DeliverableColumns+` FROM deliverables ORDER BY root`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Deliverable{}
	for rows.Next() {
		d, err := store.ScanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateSession(ctx context.Context, sess domain.AgentSession) error {
	scope, err := store.EncodeJSON(sess.Scope)
	if err != nil {
		return err
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO sessions(`+store.SessionColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(sess.ID), string(sess.AgentType), sess.Agent, sess.Branch, sess.BaseRef, string(sess.Status), scope,
		sess.Actor.String(), sess.Version, sess.LastCommit, sess.MergeCommit, store.Millis(sess.CreatedAt), store.Millis(sess.UpdatedAt)); err != nil {
		if isUnique(err) {
			return fmt.Errorf("session %s or branch %q already exists", sess.ID, sess.Branch)
		}
		return err
	}
	for _, d := range sess.Deliverables {
		if _, err := tx.Exec(ctx, `INSERT INTO session_deliverables(session_id, deliverable_id) VALUES($1, $2)`, string(sess.ID), string(d)); err != nil {
			return fmt.Errorf("link deliverable %s: %w", d, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (domain.AgentSession, error) {
	sess, err := store.ScanSession(s.Pool.QueryRow(ctx, `SELECT `+store.SessionColumns+` FROM sessions WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return sess, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return sess, err
	}
	return sess, s.loadSessionDetail(ctx, &sess)
}

func (s *Store) loadSessionDetail(ctx context.Context, sess *domain.AgentSession) error {
	rows, err := s.Pool.Query(ctx, `SELECT deliverable_id FROM session_deliverables WHERE session_id = $1 ORDER BY deliverable_id`, string(sess.ID))
	if err != nil {
		return err
	}
	sess.Deliverables = []domain.DeliverableID{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return err
		}
		sess.Deliverables = append(sess.Deliverables, domain.DeliverableID(d))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	hist, err := s.Pool.Query(ctx, `SELECT version, from_state, to_state, session_id, actor, commit_hash, created_at FROM session_history WHERE session_id = $1 ORDER BY version`, string(sess.ID))
	if err != nil {
		return err
	}
	sess.History, err = scanHistory(hist)
	return err
}

func (s *Store) ListSessions(ctx context.Context, status domain.SessionState) ([]domain.AgentSession, error) {
	if status == "" {
		return s.listSessions(ctx, `SELECT `+store.SessionColumns+` FROM sessions ORDER BY created_at, id`)
	}
	return s.listSessions(ctx, `SELECT `+store.SessionColumns+` FROM sessions WHERE status = $1 ORDER BY created_at, id`, string(status))
}

func (s *Store) ListUnmergedSessions(ctx context.Context) ([]domain.AgentSession, error) {
	return s.listSessions(ctx, `SELECT `+store.SessionColumns+` FROM sessions WHERE status = $1 AND merge_commit = '' AND last_commit <> '' ORDER BY updated_at, id`, string(domain.SessionCompleted))
}

func (s *Store) listSessions(ctx context.Context, q string, args ...any) ([]domain.AgentSession, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := []domain.AgentSession{}
	for rows.Next() {
		sess, err := store.ScanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadSessionDetail(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) MarkSessionMerged(ctx context.Context, id domain.SessionID, mergeCommit string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE sessions SET merge_commit = $1 WHERE id = $2 AND merge_commit = ''`, mergeCommit, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w or already merged", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, u store.SessionUpdate) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := updateSessionTx(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func updateSessionTx(ctx context.Context, tx pgx.Tx, u store.SessionUpdate) error {
	n := u.Next
	q := `UPDATE sessions SET status = $1, version = $2, last_commit = $3, updated_at = $4 WHERE id = $5 AND version = $6`
	args := []any{string(n.Status), n.Version, n.LastCommit, store.Millis(n.UpdatedAt), string(n.ID), u.ExpectedVersion}
	if u.ExpectedStatus != "" {
		q += ` AND status = $7`
		args = append(args, string(u.ExpectedStatus))
	}
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ConcurrentModification("session %s changed since version %d", n.ID, u.ExpectedVersion)
	}
	for _, e := range store.NewEntries(n.History, u.ExpectedVersion) {
		if _, err := tx.Exec(ctx, `INSERT INTO session_history(session_id, version, from_state, to_state, actor, commit_hash, created_at) VALUES($1, $2, $3, $4, $5, $6, $7)`,
			string(n.ID), e.Version, e.From, e.To, e.Actor.String(), e.CommitHash, store.Millis(e.At)); err != nil {
			return fmt.Errorf("append session history: %w", err)
		}
	}
	return nil
}

// Seal writes one turn in a single transaction. Row locks taken by the
// version-guarded UPDATEs make a concurrent seal of the same version affect zero rows.
func (s *Store) Seal(ctx context.Context, b store.SealBatch) error {
	cols, err := store.EncodeAudit(b.Record)
	if err != nil {
		return err
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, u := range b.Deliverables {
		n := u.Next
		tag, err := tx.Exec(ctx, `UPDATE deliverables SET status = $1, version = $2, updated_at = $3 WHERE id = $4 AND version = $5`,
			string(n.Status), n.Version, store.Millis(n.UpdatedAt), string(n.ID), u.ExpectedVersion)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ConcurrentModification("deliverable %s changed since version %d", n.ID, u.ExpectedVersion)
		}
		for _, e := range store.NewEntries(n.History, u.ExpectedVersion) {
			if _, err := tx.Exec(ctx, `INSERT INTO deliverable_history(deliverable_id, version, from_state, to_state, session_id, actor, commit_hash, created_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
				string(n.ID), e.Version, e.From, e.To, string(e.SessionID), e.Actor.String(), e.CommitHash, store.Millis(e.At)); err != nil {
				return fmt.Errorf("append deliverable history: %w", err)
			}
		}
	}
	if err := updateSessionTx(ctx, tx, b.Session); err != nil {
		return err
	}

	r := b.Record
	if _, err := tx.Exec(ctx, `INSERT INTO audit_records(id, turn_id, session_id, commit_hash, actor, paths, hashes, transitions, created_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, string(r.TurnID), string(r.SessionID), r.CommitHash, r.Actor.String(), cols.Paths, cols.Hashes, cols.Transitions, store.Millis(r.CreatedAt)); err != nil {
		if isUnique(err) {
			return domain.TurnSealFailure("commit %s already sealed", r.CommitHash)
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	for _, d := range r.Deliverables {
		if _, err := tx.Exec(ctx, `INSERT INTO audit_deliverables(audit_id, deliverable_id) VALUES($1, $2)`, r.ID, string(d)); err != nil {
			return fmt.Errorf("link audit record: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListAudit(ctx context.Context, f store.AuditFilter) ([]domain.AuditRecord, error) {
	q := `SELECT ` + store.AuditColumnsSQL + ` FROM audit_records a`
	var where []string
	var args []any
	if f.DeliverableID != "" {
		q += ` JOIN audit_deliverables ad ON ad.audit_id = a.id`
		args = append(args, string(f.DeliverableID))
		where = append(where, fmt.Sprintf(`ad.deliverable_id = $%d`, len(args)))
	}
	if f.SessionID != "" {
		args = append(args, string(f.SessionID))
		where = append(where, fmt.Sprintf(`a.session_id = $%d`, len(args)))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY a.created_at, a.id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := []domain.AuditRecord{}
	for rows.Next() {
		r, err := store.ScanAudit(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadAuditDeliverables(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) GetAuditByCommit(ctx context.Context, commitHash string) (domain.AuditRecord, error) {
	r, err := store.ScanAudit(s.Pool.QueryRow(ctx, `SELECT `+store.AuditColumnsSQL+` FROM audit_records a WHERE a.commit_hash = $1`, commitHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("audit record for %s: %w", commitHash, domain.ErrNotFound)
	}
	if err != nil {
		return r, err
	}
	return r, s.loadAuditDeliverables(ctx, &r)
}

func (s *Store) loadAuditDeliverables(ctx context.Context, r *domain.AuditRecord) error {
	rows, err := s.Pool.Query(ctx, `SELECT deliverable_id FROM audit_deliverables WHERE audit_id = $1 ORDER BY deliverable_id`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return err
		}
		r.Deliverables = append(r.Deliverables, domain.DeliverableID(d))
	}
	return rows.Err()
}
