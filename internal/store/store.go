package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore is the SQLite implementation of Store (internal to this package).
type sqliteStore struct {
	DB *sql.DB
	// Prepared statements for hot paths (prepared at open, closed in Close).
	stmtGetDeliverable      *sql.Stmt
	stmtDeliverableHistory  *sql.Stmt
	stmtGetSession          *sql.Stmt
	stmtSessionHistory      *sql.Stmt
	stmtSessionDeliverables *sql.Stmt
}

// OpenOptions configures how to open the store (driver and location).
type OpenOptions struct {
	Driver string // "sqlite" (default) or "postgres"
	Home   string // for sqlite: directory containing state/chirality.db
	DSN    string // sqlite file path or postgres connection string
}

// Open opens the default SQLite store at home/state/chirality.db.
func Open(home string) (Store, error) {
	return OpenWithOptions(OpenOptions{Driver: "sqlite", Home: home})
}

// OpenWithOptions opens a SQLite store. For driver "postgres" use postgres.Open
// from internal/store/postgres; this package cannot import it.
func OpenWithOptions(opts OpenOptions) (Store, error) {
	if opts.Driver == "postgres" {
		return nil, errors.New("for postgres use postgres.Open(dsn) from internal/store/postgres")
	}
	if opts.DSN != "" {
		return openSQLiteDSN(opts.DSN)
	}
	if opts.Home == "" {
		return nil, errors.New("sqlite store needs a home directory or DSN")
	}
	dbPath := filepath.Join(opts.Home, "state", "chirality.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	return openSQLiteDSN(dbPath)
}

// sqlitePragmas are applied to every pooled connection. Seal transactions
// take the write lock up front (_txlock=immediate) so version checks and
// updates cannot interleave with another writer.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"temp_store(MEMORY)",
}

func sqliteDSN(file string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + file + "?" + q.Encode()
}

func openSQLiteDSN(dsn string) (*sqliteStore, error) {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(10 * time.Minute)
	s := &sqliteStore{DB: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	pairs := []struct {
		dest **sql.Stmt
		q    string
	}{
		{&s.stmtGetDeliverable, `SELECT ` + DeliverableColumns + ` FROM deliverables WHERE id = ?`},
		{&s.stmtDeliverableHistory, `SELECT version, from_state, to_state, session_id, actor, commit_hash, created_at FROM deliverable_history WHERE deliverable_id = ? ORDER BY version`},
		{&s.stmtGetSession, `SELECT ` + SessionColumns + ` FROM sessions WHERE id = ?`},
		{&s.stmtSessionHistory, `SELECT version, from_state, to_state, session_id, actor, commit_hash, created_at FROM session_history WHERE session_id = ? ORDER BY version`},
		{&s.stmtSessionDeliverables, `SELECT deliverable_id FROM session_deliverables WHERE session_id = ? ORDER BY deliverable_id`},
	}
	for _, p := range pairs {
		st, err := s.DB.PrepareContext(ctx, p.q)
		if err != nil {
			return err
		}
		*p.dest = st
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	for _, st := range []*sql.Stmt{s.stmtGetDeliverable, s.stmtDeliverableHistory, s.stmtGetSession, s.stmtSessionHistory, s.stmtSessionDeliverables} {
		if st != nil {
			_ = st.Close()
		}
	}
	return s.DB.Close()
}

// Migrate applies pending embedded migrations, one transaction each.
func (s *sqliteStore) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store not initialized")
	}
	if _, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  checksum TEXT NOT NULL DEFAULT '',
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}
	applied, err := s.appliedChecksums(ctx)
	if err != nil {
		return err
	}
	migs, err := LoadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	pending, err := Pending(migs, applied)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func (s *sqliteStore) appliedChecksums(ctx context.Context) (map[int]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]string)
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		out[v] = sum
	}
	return out, rows.Err()
}

func (s *sqliteStore) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, name, checksum, applied_at) VALUES(?, ?, ?, ?)`,
		m.Version, m.Name, m.Checksum, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}
