package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

func scanHistory(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var session, actor string
		var at int64
		if err := rows.Scan(&e.Version, &e.From, &e.To, &session, &actor, &e.CommitHash, &at); err != nil {
			return nil, err
		}
		e.SessionID = domain.SessionID(session)
		e.Actor = ParseActor(actor)
		e.At = FromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateDeliverable(ctx context.Context, d domain.Deliverable) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO deliverables(`+DeliverableColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), d.Root, d.Title, string(d.ProjectID), string(d.PackageID), string(d.Status), d.Version, Millis(d.CreatedAt), Millis(d.UpdatedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("deliverable %s or root %q already exists", d.ID, d.Root)
	}
	return err
}

func (s *sqliteStore) GetDeliverable(ctx context.Context, id domain.DeliverableID) (domain.Deliverable, error) {
	d, err := ScanDeliverable(s.stmtGetDeliverable.QueryRowContext(ctx, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("deliverable %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return d, err
	}
	rows, err := s.stmtDeliverableHistory.QueryContext(ctx, string(id))
	if err != nil {
		return d, err
	}
	d.History, err = scanHistory(rows)
	return d, err
}

func (s *sqliteStore) ListDeliverables(ctx context.Context) ([]domain.Deliverable, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+DeliverableColumns+` FROM deliverables ORDER BY root`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []domain.Deliverable{}
	for rows.Next() {
		d, err := ScanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateSession(ctx context.Context, sess domain.AgentSession) error {
	scope, err := EncodeJSON(sess.Scope)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions(`+SessionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID), string(sess.AgentType), sess.Agent, sess.Branch, sess.BaseRef, string(sess.Status), scope,
		sess.Actor.String(), sess.Version, sess.LastCommit, sess.MergeCommit, Millis(sess.CreatedAt), Millis(sess.UpdatedAt)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("session %s or branch %q already exists", sess.ID, sess.Branch)
		}
		return err
	}
	for _, d := range sess.Deliverables {
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_deliverables(session_id, deliverable_id) VALUES(?, ?)`, string(sess.ID), string(d)); err != nil {
			return fmt.Errorf("link deliverable %s: %w", d, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetSession(ctx context.Context, id domain.SessionID) (domain.AgentSession, error) {
	sess, err := ScanSession(s.stmtGetSession.QueryRowContext(ctx, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return sess, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return sess, err
	}
	if err := s.loadSessionDetail(ctx, &sess); err != nil {
		return sess, err
	}
	return sess, nil
}

func (s *sqliteStore) loadSessionDetail(ctx context.Context, sess *domain.AgentSession) error {
	rows, err := s.stmtSessionDeliverables.QueryContext(ctx, string(sess.ID))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	sess.Deliverables = []domain.DeliverableID{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return err
		}
		sess.Deliverables = append(sess.Deliverables, domain.DeliverableID(d))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	hist, err := s.stmtSessionHistory.QueryContext(ctx, string(sess.ID))
	if err != nil {
		return err
	}
	sess.History, err = scanHistory(hist)
	return err
}

func (s *sqliteStore) ListSessions(ctx context.Context, status domain.SessionState) ([]domain.AgentSession, error) {
	q := `SELECT ` + SessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	return s.listSessions(ctx, q+` ORDER BY created_at, id`, args...)
}

func (s *sqliteStore) ListUnmergedSessions(ctx context.Context) ([]domain.AgentSession, error) {
	return s.listSessions(ctx, `SELECT `+SessionColumns+` FROM sessions WHERE status = ? AND merge_commit = '' AND last_commit != '' ORDER BY updated_at, id`, string(domain.SessionCompleted))
}

func (s *sqliteStore) listSessions(ctx context.Context, q string, args ...any) ([]domain.AgentSession, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := []domain.AgentSession{}
	for rows.Next() {
		sess, err := ScanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, sess)
	}
	_ = rows.Close()
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

func (s *sqliteStore) MarkSessionMerged(ctx context.Context, id domain.SessionID, mergeCommit string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET merge_commit = ? WHERE id = ? AND merge_commit = ''`, mergeCommit, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w or already merged", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateSession applies a session transition outside a turn (pause, resume, fail, cancel).
func (s *sqliteStore) UpdateSession(ctx context.Context, u SessionUpdate) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := updateSessionTx(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

func updateSessionTx(ctx context.Context, tx *sql.Tx, u SessionUpdate) error {
	n := u.Next
	q := `UPDATE sessions SET status = ?, version = ?, last_commit = ?, updated_at = ? WHERE id = ? AND version = ?`
	args := []any{string(n.Status), n.Version, n.LastCommit, Millis(n.UpdatedAt), string(n.ID), u.ExpectedVersion}
	if u.ExpectedStatus != "" {
		q += ` AND status = ?`
		args = append(args, string(u.ExpectedStatus))
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return domain.ConcurrentModification("session %s changed since version %d", n.ID, u.ExpectedVersion)
	}
	for _, e := range NewEntries(n.History, u.ExpectedVersion) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_history(session_id, version, from_state, to_state, actor, commit_hash, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			string(n.ID), e.Version, e.From, e.To, e.Actor.String(), e.CommitHash, Millis(e.At)); err != nil {
			return fmt.Errorf("append session history: %w", err)
		}
	}
	return nil
}

// Seal writes one turn atomically. Any version mismatch aborts the whole batch.
func (s *sqliteStore) Seal(ctx context.Context, b SealBatch) error {
	cols, err := EncodeAudit(b.Record)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_records WHERE commit_hash = ?`, b.Record.CommitHash).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return domain.TurnSealFailure("commit %s already sealed", b.Record.CommitHash)
	}

	for _, u := range b.Deliverables {
		n := u.Next
		res, err := tx.ExecContext(ctx, `UPDATE deliverables SET status = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
			string(n.Status), n.Version, Millis(n.UpdatedAt), string(n.ID), u.ExpectedVersion)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return domain.ConcurrentModification("deliverable %s changed since version %d", n.ID, u.ExpectedVersion)
		}
		for _, e := range NewEntries(n.History, u.ExpectedVersion) {
			if _, err := tx.ExecContext(ctx, `INSERT INTO deliverable_history(deliverable_id, version, from_state, to_state, session_id, actor, commit_hash, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
				string(n.ID), e.Version, e.From, e.To, string(e.SessionID), e.Actor.String(), e.CommitHash, Millis(e.At)); err != nil {
				return fmt.Errorf("append deliverable history: %w", err)
			}
		}
	}
	if err := updateSessionTx(ctx, tx, b.Session); err != nil {
		return err
	}

	r := b.Record
	if _, err := tx.ExecContext(ctx, `INSERT INTO audit_records(id, turn_id, session_id, commit_hash, actor, paths, hashes, transitions, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.TurnID), string(r.SessionID), r.CommitHash, r.Actor.String(), cols.Paths, cols.Hashes, cols.Transitions, Millis(r.CreatedAt)); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	for _, d := range r.Deliverables {
		if _, err := tx.ExecContext(ctx, `INSERT INTO audit_deliverables(audit_id, deliverable_id) VALUES(?, ?)`, r.ID, string(d)); err != nil {
			return fmt.Errorf("link audit record: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListAudit(ctx context.Context, f AuditFilter) ([]domain.AuditRecord, error) {
	q := `SELECT ` + AuditColumnsSQL + ` FROM audit_records a`
	var where []string
	var args []any
	if f.DeliverableID != "" {
		q += ` JOIN audit_deliverables ad ON ad.audit_id = a.id`
		where = append(where, `ad.deliverable_id = ?`)
		args = append(args, string(f.DeliverableID))
	}
	if f.SessionID != "" {
		where = append(where, `a.session_id = ?`)
		args = append(args, string(f.SessionID))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY a.created_at, a.rowid`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := []domain.AuditRecord{}
	for rows.Next() {
		r, err := ScanAudit(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	_ = rows.Close()
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

func (s *sqliteStore) GetAuditByCommit(ctx context.Context, commitHash string) (domain.AuditRecord, error) {
	r, err := ScanAudit(s.DB.QueryRowContext(ctx, `SELECT `+AuditColumnsSQL+` FROM audit_records a WHERE a.commit_hash = ?`, commitHash))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("audit record for %s: %w", commitHash, domain.ErrNotFound)
	}
	if err != nil {
		return r, err
	}
	return r, s.loadAuditDeliverables(ctx, &r)
}

func (s *sqliteStore) loadAuditDeliverables(ctx context.Context, r *domain.AuditRecord) error {
	rows, err := s.DB.QueryContext(ctx, `SELECT deliverable_id FROM audit_deliverables WHERE audit_id = ? ORDER BY deliverable_id`, r.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return err
		}
		r.Deliverables = append(r.Deliverables, domain.DeliverableID(d))
	}
	return rows.Err()
}
