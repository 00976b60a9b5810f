package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/papapumpkin/track-release/internal/config"
	"github.com/papapumpkin/track-release/internal/dispatch"
	"github.com/papapumpkin/track-release/internal/git"
	"github.com/papapumpkin/track-release/internal/logger"
	"github.com/papapumpkin/track-release/internal/runstate"
	"github.com/papapumpkin/track-release/internal/store"
	"github.com/papapumpkin/track-release/internal/telemetry"
	"github.com/papapumpkin/track-release/internal/tracker"
	"github.com/papapumpkin/track-release/internal/ui"
)

// bindFlag ties a command-line flag to a viper key.
func bindFlag(f *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", f.Name, err))
	}
}

// setupSignalContext returns a context cancelled on SIGINT or SIGTERM.
func setupSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// logColor reports whether text logs written to w are colored: always when
// log.color is set, otherwise only on a terminal.
func logColor(cfg config.Config, w io.Writer) bool {
	return cfg.Log.Color || isTerminal(w)
}

// session holds everything a tracking run needs. Opening one performs all
// fatal setup: the repository, the store and its schema.
type session struct {
	cfg    config.Config
	repo   *git.Repo
	store  store.Store
	log    *slog.Logger
	events *telemetry.Emitter
	out    io.Writer
	errOut io.Writer
}

func openSession(ctx context.Context, cfg config.Config, repoPath string, out, errOut io.Writer) (*session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.New(errOut, cfg.Log.Level, cfg.Log.Format, logColor(cfg, errOut))

	repo, err := git.Open(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open repository: %w", err)
	}
	cfg.Resolve(repo.GitDir())

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Source())
	if err != nil {
		return nil, fmt.Errorf("cannot open release store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("cannot create release schema: %w", err)
	}

	var events *telemetry.Emitter
	if cfg.Telemetry.Path != "" {
		events, err = telemetry.NewEmitter(cfg.Telemetry.Path)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	log.Debug("session opened", "git_dir", repo.GitDir(), "driver", cfg.Store.Driver, "hook", cfg.Hook)
	return &session{
		cfg:    cfg,
		repo:   repo,
		store:  st,
		log:    log,
		events: events,
		out:    out,
		errOut: errOut,
	}, nil
}

// Close releases the store and the telemetry file.
func (s *session) Close() error {
	if err := s.events.Close(); err != nil {
		s.log.Warn("closing telemetry failed", "error", err)
	}
	return s.store.Close()
}

// run tracks every branch, dispatches pending builds unless disabled, and
// records the run in the state file. Only store failures and cancellation
// are returned; problems with single branches or builds are reported and
// recorded.
func (s *session) run(ctx context.Context) (*runstate.State, error) {
	state := runstate.New()
	state.RunID = s.events.StartRun()
	if state.RunID == "" {
		state.RunID = telemetry.NewRunID()
	}
	state.StartedAt = time.Now().UTC()
	s.emit(telemetry.Event{Kind: telemetry.KindRunStart, Data: map[string]string{"git_dir": s.repo.GitDir()}})

	// References are captured before tracking so that anything pushed during
	// the run is seen as a change by the next watch cycle.
	refs, err := s.repo.Refs(ctx)
	if err != nil {
		s.log.Warn("reading references failed", "error", err)
	} else {
		state.Refs = refs
	}

	tr := tracker.New(s.repo, s.store, tracker.WithLogger(s.log), tracker.WithEmitter(s.events))
	sum, err := tr.TrackAll(ctx)
	recordBranches(state, sum)
	if err != nil {
		return state, err
	}

	var builds *dispatch.Summary
	if !s.cfg.NoBuild {
		d := dispatch.New(s.store, s.cfg.Hook,
			dispatch.WithLogger(s.log),
			dispatch.WithEmitter(s.events),
			dispatch.WithRunner(dispatch.ExecRunner{Stdout: s.out, Stderr: s.errOut}),
		)
		bs, err := d.DispatchPending(ctx)
		builds = &bs
		state.Counters.Built, state.Counters.BuildFailures = bs.Counts()
		if err != nil {
			return state, err
		}
	}

	state.FinishedAt = time.Now().UTC()
	if err := runstate.Save(s.cfg.StateFile, state); err != nil {
		s.log.Warn("saving run state failed", "path", s.cfg.StateFile, "error", err)
	}
	s.emit(telemetry.Event{Kind: telemetry.KindRunDone, Data: counterData(state.Counters)})

	ui.New(s.errOut).RunSummary(sum, builds)
	return state, nil
}

func (s *session) emit(evt telemetry.Event) {
	if err := s.events.Emit(evt); err != nil {
		s.log.Warn("telemetry write failed", "error", err)
	}
}

func recordBranches(state *runstate.State, sum tracker.RunSummary) {
	inserted, replaced, unchanged, failed := sum.Totals()
	state.Counters.Inserted = inserted
	state.Counters.Replaced = replaced
	state.Counters.Unchanged = unchanged
	state.Counters.BranchFailures = failed
	for _, b := range sum.Branches {
		bs := runstate.BranchState{Tip: b.Tip, Mode: b.Mode.String(), Reason: b.Reason}
		if b.Err != nil {
			bs.Error = b.Err.Error()
		}
		state.Branches[b.Branch] = bs
	}
}

func counterData(c runstate.Counters) map[string]string {
	return map[string]string{
		"inserted":        strconv.Itoa(c.Inserted),
		"replaced":        strconv.Itoa(c.Replaced),
		"unchanged":       strconv.Itoa(c.Unchanged),
		"branch_failures": strconv.Itoa(c.BranchFailures),
		"built":           strconv.Itoa(c.Built),
		"build_failures":  strconv.Itoa(c.BuildFailures),
	}
}
