package tracker

import (
	"context"
	"fmt"
	"iter"

	"github.com/papapumpkin/track-release/internal/git"
	"github.com/papapumpkin/track-release/internal/version"
)

// Candidate is a release found in a branch's history: a commit and the
// version carried by one of its tags.
type Candidate struct {
	Version string
	Tag     string
	Commit  git.Commit
}

// Scanner finds release tags in a branch's ancestry. It snapshots the tag
// list when created, so one Scanner serves every branch of a single run.
type Scanner struct {
	repo Repository
	tags map[string][]string // commit id -> tag reference names
}

// NewScanner indexes the repository's tags by the commit they point at.
func NewScanner(ctx context.Context, repo Repository) (*Scanner, error) {
	tags, err := repo.Tags(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracker: index tags: %w", err)
	}
	index := make(map[string][]string, len(tags))
	for _, tag := range tags {
		index[tag.Target] = append(index[tag.Target], tag.Name)
	}
	return &Scanner{repo: repo, tags: index}, nil
}

// Scan walks the full ancestry of tip, oldest commit first, and yields a
// Candidate for every tag on a visited commit that names a release. A walk
// failure is yielded once and ends the sequence.
func (s *Scanner) Scan(ctx context.Context, tip string) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		for commit, err := range s.repo.Walk(ctx, tip) {
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			for _, tag := range s.tags[commit.OID] {
				v, ok := version.MatchTag(tag)
				if !ok {
					continue
				}
				if !yield(Candidate{Version: v, Tag: tag, Commit: commit}, nil) {
					return
				}
			}
		}
	}
}
