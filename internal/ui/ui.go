// Package ui prints human-readable command output: run summaries, setup
// checks and release tables. Colors are only used when the writer is a
// terminal.
package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/papapumpkin/track-release/internal/dispatch"
	"github.com/papapumpkin/track-release/internal/store"
	"github.com/papapumpkin/track-release/internal/tracker"
)

// Semantic color palette.
var (
	colorPrimary = lipgloss.Color("#00BFFF") // headers
	colorAccent  = lipgloss.Color("#FFD700") // pending
	colorSuccess = lipgloss.Color("#00E676") // built
	colorDanger  = lipgloss.Color("#FF5252") // failures
	colorMuted   = lipgloss.Color("#636363") // de-emphasized
)

// Status icons.
const (
	iconDone    = "✓"
	iconFailed  = "✗"
	iconWarning = "⚠"
	iconSkipped = "–"
)

// shortLen is how much of a commit id the release table shows.
const shortLen = 12

// Printer writes styled output to one writer.
type Printer struct {
	w       io.Writer
	success lipgloss.Style
	danger  lipgloss.Style
	accent  lipgloss.Style
	muted   lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
}

// New creates a Printer for w. The color profile is detected from w.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:       w,
		success: r.NewStyle().Foreground(colorSuccess),
		danger:  r.NewStyle().Foreground(colorDanger).Bold(true),
		accent:  r.NewStyle().Foreground(colorAccent),
		muted:   r.NewStyle().Foreground(colorMuted),
		header:  r.NewStyle().Foreground(colorPrimary).Bold(true).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
	}
}

// Check prints the outcome of one setup check.
func (p *Printer) Check(name string, err error) {
	if err != nil {
		fmt.Fprintf(p.w, "%s %s: %v\n", p.danger.Render(iconFailed), name, err)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.success.Render(iconDone), name)
}

// Warn prints a non-fatal setup finding.
func (p *Printer) Warn(name, msg string) {
	fmt.Fprintf(p.w, "%s %s: %s\n", p.accent.Render(iconWarning), name, msg)
}

// RunSummary prints one line per tracked branch followed by totals.
// builds is nil when dispatch was disabled.
func (p *Printer) RunSummary(sum tracker.RunSummary, builds *dispatch.Summary) {
	for _, b := range sum.Branches {
		switch {
		case b.Err != nil:
			fmt.Fprintf(p.w, "%s %s: %v\n", p.danger.Render(iconFailed), b.Branch, b.Err)
		case b.Skipped:
			fmt.Fprintln(p.w, p.muted.Render(iconSkipped+" "+b.Branch+" ("+b.Reason+")"))
		default:
			fmt.Fprintf(p.w, "%s %s [%s]: %d added, %d replaced, %d unchanged\n",
				p.success.Render(iconDone), b.Branch, b.Mode, b.Inserted, b.Replaced, b.Unchanged)
		}
	}
	inserted, replaced, unchanged, failed := sum.Totals()
	fmt.Fprintf(p.w, "releases: %d added, %d replaced, %d unchanged, %d branch failures\n",
		inserted, replaced, unchanged, failed)

	if builds == nil {
		return
	}
	if !builds.HookAvailable {
		fmt.Fprintln(p.w, p.muted.Render("builds: no executable hook at "+builds.Hook))
		return
	}
	ok, bad := builds.Counts()
	fmt.Fprintf(p.w, "builds: %d succeeded, %d failed\n", ok, bad)
}

// Releases renders releases as a table.
func (p *Printer) Releases(releases []store.Release) {
	if len(releases) == 0 {
		fmt.Fprintln(p.w, p.muted.Render("no releases recorded"))
		return
	}
	rows := make([][]string, 0, len(releases))
	for _, r := range releases {
		commit := r.Commit
		if len(commit) > shortLen {
			commit = commit[:shortLen]
		}
		rows = append(rows, []string{
			r.Branch,
			r.Version,
			commit,
			r.When.UTC().Format("2006-01-02 15:04:05"),
			r.Added.UTC().Format("2006-01-02 15:04:05"),
			string(r.State),
		})
	}

	const stateCol = 5
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(p.muted).
		Headers("BRANCH", "VERSION", "COMMIT", "WHEN", "ADDED", "STATE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			if col != stateCol || row < 0 || row >= len(releases) {
				return p.cell
			}
			return p.stateStyle(releases[row].State)
		})
	fmt.Fprintln(p.w, t.String())
}

func (p *Printer) stateStyle(s store.State) lipgloss.Style {
	switch {
	case s == store.StateSuccess:
		return p.success.Padding(0, 1)
	case s == store.StateNew:
		return p.accent.Padding(0, 1)
	default:
		if _, ok := s.FailureCode(); ok {
			return p.danger.Padding(0, 1)
		}
		return p.cell
	}
}
