// Package dispatch runs the build hook for every release that has not been
// built yet and records each outcome in the release store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/papapumpkin/track-release/internal/logger"
	"github.com/papapumpkin/track-release/internal/store"
	"github.com/papapumpkin/track-release/internal/telemetry"
)

// Store is the part of the release store the dispatcher needs.
type Store interface {
	Pending(ctx context.Context) ([]store.Release, error)
	RecordBuild(ctx context.Context, rel store.Release, outcome store.State) error
}

// Outcome is the result of one hook invocation.
type Outcome struct {
	Release store.Release
	State   store.State
	// Err is set when the hook could not be launched.
	Err error
}

// Summary reports what one DispatchPending call did.
type Summary struct {
	Hook string
	// HookAvailable is false when the hook is missing or not executable,
	// in which case nothing was dispatched.
	HookAvailable bool
	Outcomes      []Outcome
}

// Counts returns the number of successful and failed builds.
func (s Summary) Counts() (succeeded, failed int) {
	for _, o := range s.Outcomes {
		if o.State == store.StateSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Dispatcher invokes a build hook for pending releases, one at a time.
type Dispatcher struct {
	store  Store
	hook   string
	runner Runner
	log    *slog.Logger
	events *telemetry.Emitter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(d *Dispatcher) { d.runner = r }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithEmitter sets the telemetry emitter.
func WithEmitter(e *telemetry.Emitter) Option {
	return func(d *Dispatcher) { d.events = e }
}

// New creates a Dispatcher that runs hook for the pending releases of st.
func New(st Store, hook string, opts ...Option) *Dispatcher {
	d := &Dispatcher{store: st, hook: hook, runner: ExecRunner{}, log: logger.Discard()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HookAvailable reports whether the hook exists as an executable file.
func (d *Dispatcher) HookAvailable() bool {
	return Executable(d.hook)
}

// Executable reports whether path names a regular file with an execute bit
// set. Symbolic links are followed.
func Executable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// DispatchPending runs the hook as `hook commit branch version` for each
// release in the NEW state, in store order, and records SUCCESS or
// FAILED (code) for every one of them. Hook failures never abort the sweep.
// The returned error is non-nil only when the store fails or ctx is
// cancelled between builds; releases not yet attempted then stay NEW.
func (d *Dispatcher) DispatchPending(ctx context.Context) (Summary, error) {
	sum := Summary{Hook: d.hook}
	if !d.HookAvailable() {
		d.log.Debug("build hook not available, skipping builds", "hook", d.hook)
		return sum, nil
	}
	sum.HookAvailable = true

	pending, err := d.store.Pending(ctx)
	if err != nil {
		return sum, fmt.Errorf("dispatch: list pending releases: %w", err)
	}

	for _, rel := range pending {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("dispatch: %w", err)
		}
		out, err := d.build(ctx, rel)
		sum.Outcomes = append(sum.Outcomes, out)
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (d *Dispatcher) build(ctx context.Context, rel store.Release) (Outcome, error) {
	d.log.Info("will build", "commit", rel.Commit, "branch", rel.Branch, "version", rel.Version)

	out := Outcome{Release: rel}
	code, err := d.runner.Run(ctx, d.hook, []string{rel.Commit, rel.Branch, rel.Version})
	switch {
	case err != nil:
		out.Err = err
		out.State = store.Failed(LaunchFailure)
		d.log.Error("build hook could not be launched", "hook", d.hook, "error", err)
	case code == 0:
		out.State = store.StateSuccess
	default:
		out.State = store.Failed(code)
	}

	// The outcome is recorded even if the run is being cancelled: a release
	// whose hook was started must not stay NEW.
	recordCtx := context.WithoutCancel(ctx)
	if err := d.store.RecordBuild(recordCtx, rel, out.State); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			return out, fmt.Errorf("dispatch: record outcome of %s on %s: %w", rel.Version, rel.Branch, err)
		}
		// A concurrent run either recorded this release first or replaced
		// it with another commit, which stays NEW for the next run.
		d.log.Warn("release changed under the build", "version", rel.Version, "branch", rel.Branch, "error", err)
	}
	d.log.Info("build status", "status", string(out.State), "version", rel.Version, "branch", rel.Branch)

	data := map[string]string{"commit": rel.Commit, "state": string(out.State)}
	if code, ok := out.State.FailureCode(); ok {
		data["exit_code"] = strconv.Itoa(code)
	}
	if evErr := d.events.Emit(telemetry.Event{
		Kind:    telemetry.KindBuildDone,
		Branch:  rel.Branch,
		Version: rel.Version,
		Data:    data,
	}); evErr != nil {
		d.log.Warn("telemetry write failed", "error", evErr)
	}
	return out, nil
}
