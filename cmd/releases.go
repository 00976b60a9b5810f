package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/track-release/internal/config"
	"github.com/papapumpkin/track-release/internal/git"
	"github.com/papapumpkin/track-release/internal/store"
	"github.com/papapumpkin/track-release/internal/ui"
)

var releasesCmd = &cobra.Command{
	Use:   "releases [PATH-TO-REPO]",
	Short: "Show the recorded releases",
	Long: `Prints the releases table of the release store, grouped by branch.

--state filters by build state: NEW, SUCCESS or FAILED (any exit code).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReleases,
}

func init() {
	releasesCmd.Flags().String("format", "table", "output format: table, json or toml")
	releasesCmd.Flags().String("state", "", "only show releases in this state (NEW, SUCCESS, FAILED)")
	rootCmd.AddCommand(releasesCmd)
}

// releaseRecord is the exported form of a release.
type releaseRecord struct {
	Version string     `json:"version" toml:"version"`
	Branch  string     `json:"branch" toml:"branch"`
	Commit  string     `json:"commit" toml:"commit"`
	When    time.Time  `json:"when" toml:"when"`
	Added   time.Time  `json:"added" toml:"added"`
	State   string     `json:"state" toml:"state"`
	Built   *time.Time `json:"built,omitempty" toml:"built,omitempty"`
}

func runReleases(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	stateFilter, _ := cmd.Flags().GetString("state")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	all, err := storedReleases(cmd.Context(), cfg, repoArg(args))
	if err != nil {
		return err
	}
	return writeReleases(cmd.OutOrStdout(), filterReleases(all, stateFilter), format)
}

// storedReleases reads every release without creating the database, the
// schema or the telemetry log. A SQLite database that does not exist yet
// holds no releases.
func storedReleases(ctx context.Context, cfg config.Config, repoPath string) ([]store.Release, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	repo, err := git.Open(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open repository: %w", err)
	}
	cfg.Resolve(repo.GitDir())

	if cfg.Store.Driver != store.DriverPostgres {
		if _, err := os.Stat(cfg.Store.Path); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Source())
	if err != nil {
		return nil, fmt.Errorf("cannot open release store: %w", err)
	}
	defer st.Close()
	return st.List(ctx)
}

// filterReleases keeps releases whose state matches filter. "FAILED"
// matches every failure code; an empty filter keeps everything.
func filterReleases(all []store.Release, filter string) []store.Release {
	if filter == "" {
		return all
	}
	filter = strings.ToUpper(filter)
	var out []store.Release
	for _, r := range all {
		_, failed := r.State.FailureCode()
		if string(r.State) == filter || (filter == "FAILED" && failed) {
			out = append(out, r)
		}
	}
	return out
}

func writeReleases(w io.Writer, releases []store.Release, format string) error {
	records := make([]releaseRecord, 0, len(releases))
	for _, r := range releases {
		records = append(records, releaseRecord{
			Version: r.Version,
			Branch:  r.Branch,
			Commit:  r.Commit,
			When:    r.When,
			Added:   r.Added,
			State:   string(r.State),
			Built:   r.Built,
		})
	}

	switch format {
	case "table":
		ui.New(w).Releases(releases)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "toml":
		data, err := toml.Marshal(struct {
			Releases []releaseRecord `toml:"releases"`
		}{records})
		if err != nil {
			return fmt.Errorf("marshaling releases: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unknown format %q (want table, json or toml)", format)
	}
}
