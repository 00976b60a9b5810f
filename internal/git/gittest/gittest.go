// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// Repo is a temporary non-bare repository on branch master.
type Repo struct {
	t   testing.TB
	Dir string
}

// New initializes an empty repository in a fresh temp directory. Tests are
// skipped when git is not installed.
func New(t testing.TB) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	r := &Repo{t: t, Dir: t.TempDir()}
	r.Git("init", "-q", "-b", "master")
	r.Git("config", "user.email", "test@test.com")
	r.Git("config", "user.name", "test")
	r.Git("config", "commit.gpgsign", "false")
	r.Git("config", "tag.gpgsign", "false")
	return r
}

// GitDir returns the path of the repository's .git directory.
func (r *Repo) GitDir() string {
	return r.Dir + "/.git"
}

// Git runs git in the repository and returns trimmed stdout.
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	return r.gitEnv(nil, args...)
}

func (r *Repo) gitEnv(extra []string, args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", append([]string{"-C", r.Dir}, args...)...)
	env := make([]string, 0, len(os.Environ())+8)
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "GIT_DIR=") || strings.HasPrefix(e, "GIT_WORK_TREE=") {
			continue
		}
		env = append(env, e)
	}
	cmd.Env = append(env,
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL="+os.DevNull,
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	cmd.Env = append(cmd.Env, extra...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// Commit records an empty commit on the current branch with both author and
// committer dates set to when, and returns its full id.
func (r *Repo) Commit(msg string, when time.Time) string {
	r.t.Helper()
	date := fmt.Sprintf("%d %s", when.Unix(), when.Format("-0700"))
	r.gitEnv([]string{"GIT_AUTHOR_DATE=" + date, "GIT_COMMITTER_DATE=" + date},
		"commit", "-q", "--allow-empty", "-m", msg)
	return r.Git("rev-parse", "HEAD")
}

// Tag creates a lightweight tag, replacing any existing tag of that name.
func (r *Repo) Tag(name, oid string) {
	r.t.Helper()
	r.Git("tag", "-f", name, oid)
}

// AnnotatedTag creates an annotated tag, replacing any existing one.
func (r *Repo) AnnotatedTag(name, oid, msg string) {
	r.t.Helper()
	r.Git("tag", "-f", "-a", "-m", msg, name, oid)
}

// DeleteTag removes a tag.
func (r *Repo) DeleteTag(name string) {
	r.t.Helper()
	r.Git("tag", "-d", name)
}

// Branch creates or moves a branch to oid without checking it out.
func (r *Repo) Branch(name, oid string) {
	r.t.Helper()
	r.Git("branch", "-f", name, oid)
}

// Checkout switches the work tree to an existing branch.
func (r *Repo) Checkout(name string) {
	r.t.Helper()
	r.Git("checkout", "-q", name)
}

// Config sets a repository-local configuration value.
func (r *Repo) Config(key, value string) {
	r.t.Helper()
	r.Git("config", key, value)
}
