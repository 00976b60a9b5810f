package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	commitA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	commitB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// fakeClock hands out increasing times one second apart.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// opener creates a fresh, empty store with its schema in place.
type opener func(t *testing.T, opts ...Option) Store

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, open opener) {
	ctx := context.Background()
	when := time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC)

	t.Run("insert then skip identical", func(t *testing.T) {
		s := open(t)
		res, err := s.Upsert(ctx, "1.0", "stable", commitA, when)
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if res != Inserted {
			t.Errorf("first Upsert = %v, want inserted", res)
		}
		res, err = s.Upsert(ctx, "1.0", "stable", commitA, when)
		if err != nil {
			t.Fatalf("second Upsert: %v", err)
		}
		if res != SkippedIdentical {
			t.Errorf("second Upsert = %v, want skipped", res)
		}

		all, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("List returned %d rows, want 1", len(all))
		}
		got := all[0]
		if got.Version != "1.0" || got.Branch != "stable" || got.Commit != commitA {
			t.Errorf("row = %+v", got)
		}
		if got.State != StateNew {
			t.Errorf("state = %q, want NEW", got.State)
		}
		if !got.When.Equal(when) {
			t.Errorf("when = %v, want %v", got.When, when)
		}
		if got.Built != nil {
			t.Errorf("built = %v, want nil", got.Built)
		}
	})

	t.Run("replace on different commit", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, WithClock(clock.Now))
		if _, err := s.Upsert(ctx, "2.0.0", "stable", commitA, when); err != nil {
			t.Fatalf("Upsert A: %v", err)
		}
		before, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}

		res, err := s.Upsert(ctx, "2.0.0", "stable", commitB, when.Add(time.Hour))
		if err != nil {
			t.Fatalf("Upsert B: %v", err)
		}
		if res != Replaced {
			t.Errorf("Upsert B = %v, want replaced", res)
		}

		after, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(after) != 1 {
			t.Fatalf("List returned %d rows, want 1", len(after))
		}
		if after[0].Commit != commitB {
			t.Errorf("commit = %q, want %q", after[0].Commit, commitB)
		}
		if !after[0].Added.After(before[0].Added) {
			t.Errorf("added = %v, want later than %v", after[0].Added, before[0].Added)
		}
	})

	t.Run("replace resets build state", func(t *testing.T) {
		s := open(t)
		if _, err := s.Upsert(ctx, "3.0", "live", commitA, when); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if err := s.RecordOutcome(ctx, "3.0", "live", StateSuccess); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
		if _, err := s.Upsert(ctx, "3.0", "live", commitB, when); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		pending, err := s.Pending(ctx)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(pending) != 1 || pending[0].Commit != commitB {
			t.Errorf("Pending = %+v, want the replaced row", pending)
		}
	})

	t.Run("same version on two branches", func(t *testing.T) {
		s := open(t)
		for _, branch := range []string{"testing", "live"} {
			res, err := s.Upsert(ctx, "1.0", branch, commitA, when)
			if err != nil {
				t.Fatalf("Upsert %s: %v", branch, err)
			}
			if res != Inserted {
				t.Errorf("Upsert %s = %v, want inserted", branch, res)
			}
		}
		all, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("List returned %d rows, want 2", len(all))
		}
	})

	t.Run("primary key holds over any sequence", func(t *testing.T) {
		s := open(t)
		commits := []string{commitA, commitB, commitA, commitA, commitB}
		for i, c := range commits {
			for _, v := range []string{"1.0", "1.1"} {
				if _, err := s.Upsert(ctx, v, "master", c, when.Add(time.Duration(i)*time.Minute)); err != nil {
					t.Fatalf("Upsert: %v", err)
				}
			}
		}
		all, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		seen := map[string]bool{}
		for _, r := range all {
			key := r.Version + "/" + r.Branch
			if seen[key] {
				t.Errorf("duplicate row for %s", key)
			}
			seen[key] = true
			if r.Commit != commitB {
				t.Errorf("%s commit = %q, want last upserted %q", key, r.Commit, commitB)
			}
		}
		if len(all) != 2 {
			t.Errorf("List returned %d rows, want 2", len(all))
		}
	})

	t.Run("pending and outcomes", func(t *testing.T) {
		s := open(t)
		for i, v := range []string{"1.0", "1.1", "1.2"} {
			if _, err := s.Upsert(ctx, v, "stable", commitA, when.Add(time.Duration(i)*time.Hour)); err != nil {
				t.Fatalf("Upsert %s: %v", v, err)
			}
		}
		pending, err := s.Pending(ctx)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(pending) != 3 {
			t.Fatalf("Pending returned %d, want 3", len(pending))
		}

		if err := s.RecordOutcome(ctx, "1.0", "stable", StateSuccess); err != nil {
			t.Fatalf("RecordOutcome success: %v", err)
		}
		if err := s.RecordOutcome(ctx, "1.1", "stable", Failed(2)); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}

		pending, err = s.Pending(ctx)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(pending) != 1 || pending[0].Version != "1.2" {
			t.Errorf("Pending = %+v, want only 1.2", pending)
		}

		all, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		states := map[string]State{}
		for _, r := range all {
			states[r.Version] = r.State
		}
		if states["1.0"] != StateSuccess {
			t.Errorf("1.0 state = %q, want SUCCESS", states["1.0"])
		}
		if states["1.1"] != "FAILED (2)" {
			t.Errorf("1.1 state = %q, want FAILED (2)", states["1.1"])
		}
	})

	t.Run("outcome is terminal", func(t *testing.T) {
		s := open(t)
		if _, err := s.Upsert(ctx, "1.0", "stable", commitA, when); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if err := s.RecordOutcome(ctx, "1.0", "stable", StateSuccess); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
		err := s.RecordOutcome(ctx, "1.0", "stable", Failed(1))
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second RecordOutcome error = %v, want ErrInvalidTransition", err)
		}
		err = s.RecordOutcome(ctx, "1.0", "stable", StateNew)
		if !errors.Is(err, ErrInvalidOutcome) {
			t.Errorf("RecordOutcome(NEW) error = %v, want ErrInvalidOutcome", err)
		}
		err = s.RecordOutcome(ctx, "9.9", "stable", StateSuccess)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("RecordOutcome(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("build of a replaced commit is not recorded", func(t *testing.T) {
		s := open(t)
		if _, err := s.Upsert(ctx, "1.0", "stable", commitA, when); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		pending, err := s.Pending(ctx)
		if err != nil || len(pending) != 1 {
			t.Fatalf("Pending = %+v, %v; want one release", pending, err)
		}
		if _, err := s.Upsert(ctx, "1.0", "stable", commitB, when.Add(time.Hour)); err != nil {
			t.Fatalf("Upsert replacement: %v", err)
		}

		err = s.RecordBuild(ctx, pending[0], StateSuccess)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("RecordBuild(stale) error = %v, want ErrInvalidTransition", err)
		}
		pending, err = s.Pending(ctx)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(pending) != 1 || pending[0].Commit != commitB {
			t.Fatalf("Pending = %+v, want 1.0 at %s", pending, commitB)
		}
		if err := s.RecordBuild(ctx, pending[0], Failed(4)); err != nil {
			t.Errorf("RecordBuild(current): %v", err)
		}
	})

	t.Run("ensure schema is idempotent", func(t *testing.T) {
		s := open(t)
		if _, err := s.Upsert(ctx, "1.0", "stable", commitA, when); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			t.Fatalf("EnsureSchema: %v", err)
		}
		all, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("List returned %d rows after EnsureSchema, want 1", len(all))
		}
	})
}
