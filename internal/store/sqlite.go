package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteSchema is the releases table exactly as other SQLite clients
// expect to find it.
const sqliteSchema = `CREATE TABLE IF NOT EXISTS "releases" ( ` +
	`  "release" VARCHAR(32) NOT NULL, ` +
	`  "commit" CHAR(40) NOT NULL, ` +
	`  "branch" VARCHAR(32) NOT NULL, ` +
	`  "when" DATETIME NOT NULL, ` +
	`  "added" DATETIME NOT NULL, ` +
	`  "state" VARCHAR(16) NOT NULL, ` +
	`  "built" DATETIME DEFAULT NULL, ` +
	`  PRIMARY KEY ("release", "branch") ` +
	`)`

const releaseColumns = `"release", "branch", "commit", "when", "added", "state", "built"`

// SQLiteStore implements Store on a local SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path. Write transactions
// take the database lock up front so that two hook runs serialize instead
// of deadlocking on a lock upgrade.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)

	dsn := path + "?_txlock=immediate&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// SQLite allows a single writer; one connection keeps the pragmas and
	// the transaction on the same handle.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}

	return &SQLiteStore{db: db, now: o.now}, nil
}

// EnsureSchema creates the releases table if it does not exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Upsert inserts, skips or replaces the release row for (version, branch).
// A constraint violation or lock timeout means another process got there
// first; the whole transaction is re-run so that it reconciles against what
// that process wrote.
func (s *SQLiteStore) Upsert(ctx context.Context, version, branch, commit string, when time.Time) (Result, error) {
	return retry(func() (Result, error) {
		return s.upsertOnce(ctx, version, branch, commit, when)
	}, isSQLiteConflict)
}

func (s *SQLiteStore) upsertOnce(ctx context.Context, version, branch, commit string, when time.Time) (Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin upsert %s/%s: %w", branch, version, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT "commit" FROM "releases" WHERE "release" = ? AND "branch" = ?`,
		version, branch).Scan(&existing)

	result := Inserted
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("store: look up %s/%s: %w", branch, version, err)
	case existing == commit:
		return SkippedIdentical, nil
	default:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM "releases" WHERE "release" = ? AND "branch" = ?`,
			version, branch); err != nil {
			return 0, fmt.Errorf("store: delete stale %s/%s: %w", branch, version, err)
		}
		result = Replaced
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO "releases" ("release", "branch", "commit", "when", "added", "state") VALUES (?, ?, ?, ?, ?, ?)`,
		version, branch, commit, formatTime(when), formatTime(s.now()), string(StateNew)); err != nil {
		return 0, fmt.Errorf("store: insert %s/%s: %w", branch, version, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit upsert %s/%s: %w", branch, version, err)
	}
	return result, nil
}

// isSQLiteConflict reports whether err is a primary-key clash or a lock
// timeout caused by a concurrent writer.
func isSQLiteConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_BUSY
}

// Pending returns NEW releases in insertion order.
func (s *SQLiteStore) Pending(ctx context.Context) ([]Release, error) {
	return s.query(ctx,
		`SELECT `+releaseColumns+` FROM "releases" WHERE "state" = ? ORDER BY rowid`,
		string(StateNew))
}

// List returns every release.
func (s *SQLiteStore) List(ctx context.Context) ([]Release, error) {
	return s.query(ctx, `SELECT `+releaseColumns+` FROM "releases" ORDER BY "branch", rowid`)
}

// RecordOutcome sets the build state of a pending release.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, version, branch string, outcome State) error {
	return s.recordOutcome(ctx, version, branch, "", outcome)
}

// RecordBuild sets the build state of rel, provided the row still points at
// rel.Commit and is pending.
func (s *SQLiteStore) RecordBuild(ctx context.Context, rel Release, outcome State) error {
	return s.recordOutcome(ctx, rel.Version, rel.Branch, rel.Commit, outcome)
}

// recordOutcome moves the NEW row for (version, branch) to outcome. A
// non-empty commit must also match.
func (s *SQLiteStore) recordOutcome(ctx context.Context, version, branch, commit string, outcome State) error {
	if !outcome.Terminal() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	q := `UPDATE "releases" SET "state" = ? WHERE "release" = ? AND "branch" = ? AND "state" = ?`
	args := []any{string(outcome), version, branch, string(StateNew)}
	if commit != "" {
		q += ` AND "commit" = ?`
		args = append(args, commit)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: record outcome %s/%s: %w", branch, version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: record outcome rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var state, current string
	err = s.db.QueryRowContext(ctx,
		`SELECT "state", "commit" FROM "releases" WHERE "release" = ? AND "branch" = ?`,
		version, branch).Scan(&state, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, branch, version)
	}
	if err != nil {
		return fmt.Errorf("store: record outcome %s/%s: %w", branch, version, err)
	}
	return transitionError(version, branch, commit, state, current)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Release, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query releases: %w", err)
	}
	defer rows.Close()

	var result []Release
	for rows.Next() {
		var (
			r           Release
			state       string
			when, added string
			built       sql.NullString
		)
		if err := rows.Scan(&r.Version, &r.Branch, &r.Commit, &when, &added, &state, &built); err != nil {
			return nil, fmt.Errorf("store: scan release: %w", err)
		}
		r.State = State(state)
		if r.When, err = parseTimestamp(when); err != nil {
			return nil, fmt.Errorf("store: parse when of %s/%s: %w", r.Branch, r.Version, err)
		}
		if r.Added, err = parseTimestamp(added); err != nil {
			return nil, fmt.Errorf("store: parse added of %s/%s: %w", r.Branch, r.Version, err)
		}
		if built.Valid {
			t, err := parseTimestamp(built.String)
			if err != nil {
				return nil, fmt.Errorf("store: parse built of %s/%s: %w", r.Branch, r.Version, err)
			}
			r.Built = &t
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate releases: %w", err)
	}
	return result, nil
}
