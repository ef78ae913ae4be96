// Package postgres is the PostgreSQL implementation of store.Store, for
// deployments where several runtimes share one project ledger.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sgttomas/chirality-runtime/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockKey serializes schema upgrades between runtimes sharing a database.
const migrationLockKey int64 = 0x636869726c

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn (or DATABASE_URL when empty) and brings the schema up
// to date.
func Open(ctx context.Context, dsn string) (store.Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 16
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	if cfg.ConnConfig.RuntimeParams["application_name"] == "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = "chirality"
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Migrate applies pending migrations in a single transaction holding an
// advisory lock, so concurrent runtimes upgrade the schema once.
func (s *Store) Migrate(ctx context.Context) error {
	migs, err := store.LoadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return err
		}
		// Version 0 creates schema_migrations itself.
		if len(migs) > 0 && migs[0].Version == 0 {
			if _, err := tx.Exec(ctx, migs[0].SQL); err != nil {
				return err
			}
		}
		applied, err := appliedChecksums(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := store.Pending(migs, applied)
		if err != nil {
			return err
		}
		for _, m := range pending {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %s failed: %w", m.Name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations(version, name, checksum, applied_at) VALUES($1, $2, $3, $4)`,
				m.Version, m.Name, m.Checksum, time.Now().Unix()); err != nil {
				return err
			}
		}
		return nil
	})
}

func appliedChecksums(ctx context.Context, tx pgx.Tx) (map[int]string, error) {
	rows, err := tx.Query(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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
