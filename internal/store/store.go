// Package store persists release records. A release is identified by its
// (version, branch) pair; the store guarantees at most one row per pair and
// replaces, rather than edits, a row whose commit changed.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when no release exists for a (version, branch).
var ErrNotFound = errors.New("store: release not found")

// ErrInvalidTransition is returned by RecordOutcome when the release has
// already left the NEW state.
var ErrInvalidTransition = errors.New("store: release is not pending")

// ErrInvalidOutcome is returned by RecordOutcome for anything other than a
// SUCCESS or FAILED state.
var ErrInvalidOutcome = errors.New("store: outcome must be SUCCESS or FAILED")

// maxUpsertAttempts bounds how often an upsert is re-run after losing a race
// with a concurrent writer.
const maxUpsertAttempts = 3

// State is the build state of a release.
type State string

// Build states. Failed states carry an exit code and are built with Failed.
const (
	StateNew     State = "NEW"
	StateSuccess State = "SUCCESS"
)

const failedPrefix = "FAILED ("

// Failed returns the terminal failure state for a build exit code.
func Failed(code int) State {
	return State(failedPrefix + strconv.Itoa(code) + ")")
}

// FailureCode returns the exit code of a failed state.
func (s State) FailureCode() (int, bool) {
	str := string(s)
	if !strings.HasPrefix(str, failedPrefix) || !strings.HasSuffix(str, ")") {
		return 0, false
	}
	code, err := strconv.Atoi(str[len(failedPrefix) : len(str)-1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// Terminal reports whether s is SUCCESS or a FAILED state.
func (s State) Terminal() bool {
	if s == StateSuccess {
		return true
	}
	_, ok := s.FailureCode()
	return ok
}

// Release is one row of the releases table.
type Release struct {
	Version string
	Branch  string
	Commit  string
	When    time.Time
	Added   time.Time
	State   State
	Built   *time.Time
}

// Result describes what an Upsert did.
type Result int

const (
	Inserted         Result = iota + 1 // no row existed for the pair
	SkippedIdentical                   // the row already pointed at the commit
	Replaced                           // the row pointed elsewhere and was recreated
)

// String returns the name used in logs and telemetry.
func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case SkippedIdentical:
		return "skipped"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Store is the persistence contract shared by the SQLite and Postgres
// backends.
type Store interface {
	// EnsureSchema creates the releases table if it does not exist.
	EnsureSchema(ctx context.Context) error
	// Upsert records that version on branch points at commit. Lookup, any
	// delete of a stale row, and the insert happen in one transaction.
	Upsert(ctx context.Context, version, branch, commit string, when time.Time) (Result, error)
	// Pending returns releases still in the NEW state, in store order.
	Pending(ctx context.Context) ([]Release, error)
	// RecordOutcome moves a NEW release to SUCCESS or FAILED.
	RecordOutcome(ctx context.Context, version, branch string, outcome State) error
	// RecordBuild is RecordOutcome for a release read from Pending. It fails
	// with ErrInvalidTransition if the row was replaced by another commit
	// in the meantime.
	RecordBuild(ctx context.Context, rel Release, outcome State) error
	// List returns every release, ordered by branch then insertion.
	List(ctx context.Context) ([]Release, error)
	Close() error
}

// transitionError explains why a pending row for (version, branch) could not
// be moved.
func transitionError(version, branch, commit, state, current string) error {
	if commit != "" && strings.TrimSpace(current) != commit {
		return fmt.Errorf("%w: %s/%s now points at %s", ErrInvalidTransition, branch, version, current)
	}
	return fmt.Errorf("%w: %s/%s is %s", ErrInvalidTransition, branch, version, state)
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Option configures a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used for the added column.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open connects to the backend named by driver. For sqlite, source is a
// file path; for postgres it is a connection string.
func Open(ctx context.Context, driver, source string, opts ...Option) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, source, opts...)
	case DriverPostgres:
		return OpenPostgres(ctx, source, opts...)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

// formatTime renders t the way the releases table stores timestamps.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.DateTime)
}

// timestampFormats lists the formats a DATETIME column may come back in.
// modernc.org/sqlite hands parsed columns to database/sql, which renders them
// as RFC 3339; rows written by other clients keep the space-separated form.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.DateTime,
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// retry runs fn until it succeeds, fails with an error retryable rejects, or
// maxUpsertAttempts is reached.
func retry[T any](fn func() (T, error), retryable func(error) bool) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		v, err = fn()
		if err == nil || !retryable(err) {
			return v, err
		}
	}
	return v, err
}
