package tracker

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/papapumpkin/track-release/internal/git"
)

// fakeRepo is an in-memory Repository. Commits are listed per tip in walk
// order.
type fakeRepo struct {
	branches []git.Branch
	tags     []git.Tag
	commits  map[string]git.Commit
	history  map[string][]string // tip -> ancestry, oldest first
	config   map[string]string
	walkErr  map[string]error // tip -> error raised after the first commit
	tagsErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		commits: map[string]git.Commit{},
		history: map[string][]string{},
		config:  map[string]string{},
		walkErr: map[string]error{},
	}
}

// addCommit registers a commit whose id is oid repeated to 40 chars.
func (f *fakeRepo) addCommit(oid string, when time.Time) string {
	full := oid
	for len(full) < 40 {
		full += oid
	}
	full = full[:40]
	f.commits[full] = git.Commit{OID: full, Committer: git.Signature{Name: "test", When: when}}
	return full
}

func (f *fakeRepo) Branches(context.Context) iter.Seq2[git.Branch, error] {
	return func(yield func(git.Branch, error) bool) {
		for _, b := range f.branches {
			if !yield(b, nil) {
				return
			}
		}
	}
}

func (f *fakeRepo) Tags(context.Context) ([]git.Tag, error) {
	return f.tags, f.tagsErr
}

func (f *fakeRepo) Commit(_ context.Context, oid string) (git.Commit, error) {
	c, ok := f.commits[oid]
	if !ok {
		return git.Commit{}, git.ErrUnknownRevision
	}
	return c, nil
}

func (f *fakeRepo) Walk(_ context.Context, tip string) iter.Seq2[git.Commit, error] {
	return func(yield func(git.Commit, error) bool) {
		for i, oid := range f.history[tip] {
			if i == 1 {
				if err := f.walkErr[tip]; err != nil {
					yield(git.Commit{}, err)
					return
				}
			}
			if !yield(f.commits[oid], nil) {
				return
			}
		}
	}
}

func (f *fakeRepo) ConfigGet(_ context.Context, key string) (string, bool, error) {
	if key == configKey("config-broken") {
		return "", false, errors.New("config unreadable")
	}
	v, ok := f.config[key]
	return v, ok, nil
}

// tagPairs lists (reference name, target commit) pairs.
type tagPairs [][2]string

func (p tagPairs) toTags() []git.Tag {
	tags := make([]git.Tag, 0, len(p))
	for _, pair := range p {
		tags = append(tags, git.Tag{Name: pair[0], Target: pair[1]})
	}
	return tags
}
