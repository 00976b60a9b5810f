package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema mirrors sqliteSchema with TIMESTAMP for DATETIME.
const postgresSchema = `CREATE TABLE IF NOT EXISTS "releases" (
	"release" VARCHAR(32) NOT NULL,
	"commit"  CHAR(40)    NOT NULL,
	"branch"  VARCHAR(32) NOT NULL,
	"when"    TIMESTAMP   NOT NULL,
	"added"   TIMESTAMP   NOT NULL,
	"state"   VARCHAR(16) NOT NULL,
	"built"   TIMESTAMP   DEFAULT NULL,
	PRIMARY KEY ("release", "branch")
)`

// Postgres error codes that mean a concurrent writer won the race.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

// PostgresStore implements Store on a shared Postgres database, for
// installations where several repositories feed one release table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to the database named by dsn and verifies the
// connection.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	o := buildOptions(opts)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	// A hook run is sequential; a couple of connections is plenty.
	poolConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool, now: o.now}, nil
}

// EnsureSchema creates the releases table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Upsert inserts, skips or replaces the release row for (version, branch).
func (s *PostgresStore) Upsert(ctx context.Context, version, branch, commit string, when time.Time) (Result, error) {
	return retry(func() (Result, error) {
		return s.upsertOnce(ctx, version, branch, commit, when)
	}, isPostgresConflict)
}

func (s *PostgresStore) upsertOnce(ctx context.Context, version, branch, commit string, when time.Time) (Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin upsert %s/%s: %w", branch, version, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var existing string
	err = tx.QueryRow(ctx,
		`SELECT "commit" FROM "releases" WHERE "release" = $1 AND "branch" = $2 FOR UPDATE`,
		version, branch).Scan(&existing)

	result := Inserted
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("store: look up %s/%s: %w", branch, version, err)
	case existing == commit:
		return SkippedIdentical, nil
	default:
		if _, err := tx.Exec(ctx,
			`DELETE FROM "releases" WHERE "release" = $1 AND "branch" = $2`,
			version, branch); err != nil {
			return 0, fmt.Errorf("store: delete stale %s/%s: %w", branch, version, err)
		}
		result = Replaced
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO "releases" ("release", "branch", "commit", "when", "added", "state") VALUES ($1, $2, $3, $4, $5, $6)`,
		version, branch, commit, truncateUTC(when), truncateUTC(s.now()), string(StateNew)); err != nil {
		return 0, fmt.Errorf("store: insert %s/%s: %w", branch, version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit upsert %s/%s: %w", branch, version, err)
	}
	return result, nil
}

func isPostgresConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation || pgErr.Code == pgSerializationFailure
}

// Pending returns NEW releases, oldest first.
func (s *PostgresStore) Pending(ctx context.Context) ([]Release, error) {
	return s.query(ctx,
		`SELECT `+releaseColumns+` FROM "releases" WHERE "state" = $1 ORDER BY "added", "branch", "release"`,
		string(StateNew))
}

// List returns every release.
func (s *PostgresStore) List(ctx context.Context) ([]Release, error) {
	return s.query(ctx, `SELECT `+releaseColumns+` FROM "releases" ORDER BY "branch", "added", "release"`)
}

// RecordOutcome sets the build state of a pending release.
func (s *PostgresStore) RecordOutcome(ctx context.Context, version, branch string, outcome State) error {
	return s.recordOutcome(ctx, version, branch, "", outcome)
}

// RecordBuild sets the build state of rel, provided the row still points at
// rel.Commit and is pending.
func (s *PostgresStore) RecordBuild(ctx context.Context, rel Release, outcome State) error {
	return s.recordOutcome(ctx, rel.Version, rel.Branch, rel.Commit, outcome)
}

func (s *PostgresStore) recordOutcome(ctx context.Context, version, branch, commit string, outcome State) error {
	if !outcome.Terminal() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	q := `UPDATE "releases" SET "state" = $1 WHERE "release" = $2 AND "branch" = $3 AND "state" = $4`
	args := []any{string(outcome), version, branch, string(StateNew)}
	if commit != "" {
		q += ` AND "commit" = $5`
		args = append(args, commit)
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: record outcome %s/%s: %w", branch, version, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var state, current string
	err = s.pool.QueryRow(ctx,
		`SELECT "state", "commit" FROM "releases" WHERE "release" = $1 AND "branch" = $2`,
		version, branch).Scan(&state, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, branch, version)
	}
	if err != nil {
		return fmt.Errorf("store: record outcome %s/%s: %w", branch, version, err)
	}
	return transitionError(version, branch, commit, state, current)
}

// Close releases every pooled connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Release, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query releases: %w", err)
	}
	defer rows.Close()

	var result []Release
	for rows.Next() {
		var (
			r     Release
			state string
			built *time.Time
		)
		if err := rows.Scan(&r.Version, &r.Branch, &r.Commit, &r.When, &r.Added, &state, &built); err != nil {
			return nil, fmt.Errorf("store: scan release: %w", err)
		}
		r.State = State(state)
		r.When = r.When.UTC()
		r.Added = r.Added.UTC()
		if built != nil {
			t := built.UTC()
			r.Built = &t
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate releases: %w", err)
	}
	return result, nil
}

// truncateUTC drops sub-second precision so Postgres holds the same values
// the SQLite backend would.
func truncateUTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
