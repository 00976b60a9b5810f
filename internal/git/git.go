// Package git exposes the parts of a git repository that release tracking
// needs: branches, tags, commit metadata, ancestry walks and configuration
// lookups. Everything goes through the git CLI so that hooks see exactly what
// git itself sees.
package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotRepository is returned by Open when no repository can be found.
var ErrNotRepository = errors.New("git: not a git repository")

// ErrUnknownRevision is returned when a commit id cannot be resolved.
var ErrUnknownRevision = errors.New("git: unknown revision")

// fieldSep separates fields in --format output. Commit subjects never
// contain it.
const fieldSep = "\x1f"

// commitFormat is shared by Commit and Walk so both parse the same record.
const commitFormat = "%H%x1f%cI%x1f%cn%x1f%ce%x1f%s"

// Branch is a local branch and the commit at its tip.
type Branch struct {
	Name string
	Tip  string
}

// Tag is a tag reference and the commit it ultimately points at. Annotated
// tags are peeled to their target.
type Tag struct {
	Name   string // full reference name, e.g. refs/tags/v1.0
	Target string
}

// Signature identifies who made a commit and when, in their local offset.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is the metadata of a single commit.
type Commit struct {
	OID       string
	Committer Signature
	Subject   string
}

// Repo is a handle on a git repository located by its git directory.
type Repo struct {
	gitDir  string
	gitPath string
}

// Open locates the repository at path. An empty path falls back to $GIT_DIR
// and then to discovery from the working directory, the same order git uses
// for hooks.
func Open(ctx context.Context, path string) (*Repo, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git: locate executable: %w", err)
	}
	if path == "" {
		path = os.Getenv("GIT_DIR")
	}
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("git: resolve %s: %w", path, err)
	}

	cmd := exec.CommandContext(ctx, gitPath, "-C", abs, "rev-parse", "--absolute-git-dir")
	cmd.Env = cleanEnv(os.Environ())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrNotRepository, abs, strings.TrimSpace(stderr.String()))
	}
	return &Repo{gitDir: strings.TrimSpace(stdout.String()), gitPath: gitPath}, nil
}

// GitDir returns the absolute path of the repository's git directory. For a
// bare repository this is the repository root.
func (r *Repo) GitDir() string { return r.gitDir }

// cleanEnv drops variables that would redirect git away from the directory
// passed with --git-dir.
func cleanEnv(base []string) []string {
	env := make([]string, 0, len(base))
	for _, e := range base {
		if strings.HasPrefix(e, "GIT_DIR=") || strings.HasPrefix(e, "GIT_WORK_TREE=") {
			continue
		}
		env = append(env, e)
	}
	return env
}

func (r *Repo) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.gitPath, append([]string{"--git-dir=" + r.gitDir}, args...)...)
	cmd.Env = cleanEnv(os.Environ())
	return cmd
}

// run executes a git command and returns its stdout with the trailing
// newline removed.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := r.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &commandError{args: args, stderr: strings.TrimSpace(stderr.String()), err: err}
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// commandError keeps the exit status of a failed git invocation reachable
// through errors.As.
type commandError struct {
	args   []string
	stderr string
	err    error
}

func (e *commandError) Error() string {
	return fmt.Sprintf("git %s: %s: %v", strings.Join(e.args, " "), e.stderr, e.err)
}

func (e *commandError) Unwrap() error { return e.err }

// exitCode returns the exit status carried by err, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Branches yields every local branch in reference-name order.
func (r *Repo) Branches(ctx context.Context) iter.Seq2[Branch, error] {
	return func(yield func(Branch, error) bool) {
		out, err := r.run(ctx, "for-each-ref", "--format=%(refname) %(objectname)", "refs/heads/")
		if err != nil {
			yield(Branch{}, fmt.Errorf("git: list branches: %w", err))
			return
		}
		for _, line := range splitLines(out) {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			b := Branch{Name: strings.TrimPrefix(fields[0], "refs/heads/"), Tip: fields[1]}
			if !yield(b, nil) {
				return
			}
		}
	}
}

// Tags returns every tag together with the commit it points at, in
// reference-name order.
func (r *Repo) Tags(ctx context.Context) ([]Tag, error) {
	out, err := r.run(ctx, "for-each-ref", "--format=%(refname) %(objectname) %(*objectname)", "refs/tags/")
	if err != nil {
		return nil, fmt.Errorf("git: list tags: %w", err)
	}
	var tags []Tag
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		switch len(fields) {
		case 2:
			tags = append(tags, Tag{Name: fields[0], Target: fields[1]})
		case 3:
			tags = append(tags, Tag{Name: fields[0], Target: fields[2]})
		}
	}
	return tags, nil
}

// Refs returns every reference name mapped to the object it points at.
func (r *Repo) Refs(ctx context.Context) (map[string]string, error) {
	out, err := r.run(ctx, "for-each-ref", "--format=%(refname) %(objectname)")
	if err != nil {
		return nil, fmt.Errorf("git: list refs: %w", err)
	}
	refs := make(map[string]string)
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			refs[fields[0]] = fields[1]
		}
	}
	return refs, nil
}

// Commit looks up a single commit by id.
func (r *Repo) Commit(ctx context.Context, oid string) (Commit, error) {
	out, err := r.run(ctx, "log", "-1", "--no-walk", "--format="+commitFormat, oid+"^{commit}", "--")
	if err != nil {
		if exitCode(err) == 128 {
			return Commit{}, fmt.Errorf("%w %s: %v", ErrUnknownRevision, oid, err)
		}
		return Commit{}, fmt.Errorf("git: lookup commit %s: %w", oid, err)
	}
	return parseCommit(out)
}

// Walk yields the full ancestry of tip, each commit exactly once, oldest
// first: every commit appears after all of its parents. The git process is
// stopped if the caller ends the iteration early.
func (r *Repo) Walk(ctx context.Context, tip string) iter.Seq2[Commit, error] {
	return func(yield func(Commit, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := r.command(ctx, "log", "--topo-order", "--reverse", "--format="+commitFormat, tip, "--")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(Commit{}, fmt.Errorf("git: walk %s: %w", tip, err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(Commit{}, fmt.Errorf("git: walk %s: %w", tip, err))
			return
		}
		waited := false
		defer func() {
			if !waited {
				cancel()
				_ = cmd.Wait()
			}
		}()

		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			c, err := parseCommit(sc.Text())
			if err != nil {
				yield(Commit{}, fmt.Errorf("git: walk %s: %w", tip, err))
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(Commit{}, fmt.Errorf("git: walk %s: read: %w", tip, err))
			return
		}
		waited = true
		if err := cmd.Wait(); err != nil {
			if exitCode(err) == 128 {
				err = fmt.Errorf("%w %s: %s", ErrUnknownRevision, tip, strings.TrimSpace(stderr.String()))
			}
			yield(Commit{}, fmt.Errorf("git: walk %s: %w", tip, err))
		}
	}
}

// ConfigGet returns the value of a configuration key. The boolean is false
// when the key is not set.
func (r *Repo) ConfigGet(ctx context.Context, key string) (string, bool, error) {
	out, err := r.run(ctx, "config", "--get", key)
	if err != nil {
		// git config exits 1 when the key is unset.
		if exitCode(err) == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("git: config %s: %w", key, err)
	}
	return out, true, nil
}

func parseCommit(line string) (Commit, error) {
	fields := strings.SplitN(line, fieldSep, 5)
	if len(fields) != 5 {
		return Commit{}, fmt.Errorf("malformed commit record %q", line)
	}
	when, err := time.Parse(time.RFC3339, fields[1])
	if err != nil {
		return Commit{}, fmt.Errorf("parse committer time %q: %w", fields[1], err)
	}
	return Commit{
		OID: fields[0],
		Committer: Signature{
			Name:  fields[2],
			Email: fields[3],
			When:  when,
		},
		Subject: fields[4],
	}, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
