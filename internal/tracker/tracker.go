// Package tracker discovers releases on a repository's branches and records
// them in the release store. Each branch is tracked according to its
// release-branch.<name>.track setting: "tip" turns the branch head into a
// release, "tag" turns every release-tagged commit in its history into one.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/papapumpkin/track-release/internal/git"
	"github.com/papapumpkin/track-release/internal/logger"
	"github.com/papapumpkin/track-release/internal/store"
	"github.com/papapumpkin/track-release/internal/telemetry"
	"github.com/papapumpkin/track-release/internal/version"
)

// ErrStore marks failures of the release store. They abort a run, unlike
// problems with an individual branch.
var ErrStore = errors.New("tracker: release store failed")

// shortLen is how much of a commit id appears in log lines.
const shortLen = 8

// Repository is the view of the VCS the tracker works against. *git.Repo
// satisfies it.
type Repository interface {
	Branches(ctx context.Context) iter.Seq2[git.Branch, error]
	Tags(ctx context.Context) ([]git.Tag, error)
	Commit(ctx context.Context, oid string) (git.Commit, error)
	Walk(ctx context.Context, tip string) iter.Seq2[git.Commit, error]
	ConfigGet(ctx context.Context, key string) (string, bool, error)
}

// Summary reports what tracking did to one branch.
type Summary struct {
	Branch    string
	Tip       string
	Mode      Mode
	Inserted  int
	Replaced  int
	Unchanged int
	// Skipped is set when the branch was not tracked; Reason says why.
	Skipped bool
	Reason  string
	// Err is the per-branch failure, if any.
	Err error
}

// RunSummary collects the branch summaries of one TrackAll call.
type RunSummary struct {
	Branches []Summary
}

// Totals adds up the per-branch counters.
func (r RunSummary) Totals() (inserted, replaced, unchanged, failed int) {
	for _, b := range r.Branches {
		inserted += b.Inserted
		replaced += b.Replaced
		unchanged += b.Unchanged
		if b.Err != nil {
			failed++
		}
	}
	return inserted, replaced, unchanged, failed
}

// Tracker records releases for the branches of one repository.
type Tracker struct {
	repo   Repository
	store  store.Store
	log    *slog.Logger
	events *telemetry.Emitter
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger; the default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithEmitter sets the telemetry emitter; nil disables telemetry.
func WithEmitter(e *telemetry.Emitter) Option {
	return func(t *Tracker) { t.events = e }
}

// New creates a Tracker over repo that writes to st.
func New(repo Repository, st store.Store, opts ...Option) *Tracker {
	t := &Tracker{repo: repo, store: st, log: logger.Discard()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// run carries the state shared by the branches of one pass: the tag index
// is built on first use and reused afterwards.
type run struct {
	*Tracker
	scanner *Scanner
}

func (r *run) scannerFor(ctx context.Context) (*Scanner, error) {
	if r.scanner == nil {
		sc, err := NewScanner(ctx, r.repo)
		if err != nil {
			return nil, err
		}
		r.scanner = sc
	}
	return r.scanner, nil
}

// TrackAll tracks every local branch. Problems with a single branch are
// logged and recorded in its Summary; only enumeration and store failures
// are returned.
func (t *Tracker) TrackAll(ctx context.Context) (RunSummary, error) {
	r := &run{Tracker: t}
	var summary RunSummary
	for b, err := range t.repo.Branches(ctx) {
		if err != nil {
			return summary, fmt.Errorf("tracker: %w", err)
		}
		s, err := r.track(ctx, b)
		summary.Branches = append(summary.Branches, s)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// Track records the releases of a single branch. The returned error is
// non-nil only for store failures; branch-level problems are reported in
// Summary.Err.
func (t *Tracker) Track(ctx context.Context, b git.Branch) (Summary, error) {
	return (&run{Tracker: t}).track(ctx, b)
}

func (r *run) track(ctx context.Context, b git.Branch) (Summary, error) {
	s := Summary{Branch: b.Name, Tip: b.Tip, Mode: ModeNone{}}

	if !version.ValidBranch(b.Name) {
		r.log.Warn("ignoring branch because its name is not valid for release-tracking", "branch", b.Name)
		r.skip(&s, "invalid branch name")
		return s, nil
	}

	value, set, err := r.repo.ConfigGet(ctx, configKey(b.Name))
	if err != nil {
		r.fail(&s, err)
		return s, nil
	}
	s.Mode = ParseMode(value, set)

	switch m := s.Mode.(type) {
	case ModeNone:
		s.Skipped = true
		s.Reason = "not tracked"
		return s, nil
	case ModeUnsupported:
		r.log.Warn("tracking mode is not supported", "mode", m.Value, "branch", b.Name)
		r.skip(&s, fmt.Sprintf("tracking mode %q is not supported", m.Value))
		return s, nil
	case ModeTip:
		return s, r.trackTip(ctx, b, &s)
	case ModeTag:
		return s, r.trackTags(ctx, b, &s)
	default:
		panic(fmt.Sprintf("tracker: unhandled mode %T", m))
	}
}

func (r *run) trackTip(ctx context.Context, b git.Branch, s *Summary) error {
	c, err := r.repo.Commit(ctx, b.Tip)
	if err != nil {
		r.fail(s, fmt.Errorf("locate tip commit %s: %w", b.Tip, err))
		return nil
	}
	v := version.TipVersion(c.Committer.When, c.OID)
	return r.upsert(ctx, s, v, c)
}

func (r *run) trackTags(ctx context.Context, b git.Branch, s *Summary) error {
	sc, err := r.scannerFor(ctx)
	if err != nil {
		r.fail(s, err)
		return nil
	}
	// A version tagged on several commits is recorded once, for the newest.
	var cands []Candidate
	seen := make(map[string]int)
	for cand, err := range sc.Scan(ctx, b.Tip) {
		if err != nil {
			r.fail(s, err)
			return nil
		}
		if i, ok := seen[cand.Version]; ok {
			cands[i] = cand
			continue
		}
		seen[cand.Version] = len(cands)
		cands = append(cands, cand)
	}
	for _, cand := range cands {
		if err := r.upsert(ctx, s, cand.Version, cand.Commit); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) upsert(ctx context.Context, s *Summary, v string, c git.Commit) error {
	res, err := r.store.Upsert(ctx, v, s.Branch, c.OID, c.Committer.When)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	short := c.OID
	if len(short) > shortLen {
		short = short[:shortLen]
	}
	switch res {
	case store.Inserted:
		s.Inserted++
		r.log.Info("added release", "commit", short, "version", v, "branch", s.Branch)
	case store.Replaced:
		s.Replaced++
		r.log.Info("replaced release", "commit", short, "version", v, "branch", s.Branch)
	case store.SkippedIdentical:
		s.Unchanged++
		r.log.Debug("release already recorded", "commit", short, "version", v, "branch", s.Branch)
		return nil
	}
	r.emit(telemetry.Event{
		Kind:    telemetry.KindReleaseUpserted,
		Branch:  s.Branch,
		Version: v,
		Data:    map[string]string{"commit": c.OID, "result": res.String()},
	})
	return nil
}

func (r *run) skip(s *Summary, reason string) {
	s.Skipped = true
	s.Reason = reason
	r.emit(telemetry.Event{
		Kind:   telemetry.KindBranchSkipped,
		Branch: s.Branch,
		Data:   map[string]string{"reason": reason},
	})
}

func (r *run) fail(s *Summary, err error) {
	s.Err = err
	r.log.Error("failed to track branch", "branch", s.Branch, "error", err)
	r.emit(telemetry.Event{
		Kind:   telemetry.KindBranchFailed,
		Branch: s.Branch,
		Data:   map[string]string{"error": err.Error()},
	})
}

func (r *run) emit(evt telemetry.Event) {
	if err := r.events.Emit(evt); err != nil {
		r.log.Warn("telemetry write failed", "error", err)
	}
}
