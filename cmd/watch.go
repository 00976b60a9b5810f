package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/track-release/internal/config"
	"github.com/papapumpkin/track-release/internal/runstate"
	"github.com/papapumpkin/track-release/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [PATH-TO-REPO]",
	Short: "Track releases whenever the repository's references change",
	Long: `Runs a tracking pass, then keeps running one each time a branch or tag
is updated or the repository configuration changes. Bursts of updates are
collected for watch.debounce before a pass starts. A pass is skipped when no
reference moved since the last recorded run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Duration("debounce", 0, "quiet period before a pass starts (default 500ms)")
	watchCmd.Flags().Bool("no-build", false, "record releases without running the build hook")
	bindFlag(watchCmd.Flags().Lookup("debounce"), "watch.debounce")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if noBuild, _ := cmd.Flags().GetBool("no-build"); noBuild {
		cfg.NoBuild = true
	}

	ctx, cancel := setupSignalContext(cmd.Context())
	defer cancel()

	s, err := openSession(ctx, cfg, repoArg(args), cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	w, err := watch.New(s.repo.GitDir(), s.cfg.Watch.Debounce, watch.WithLogger(s.log))
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Stop()

	return s.watchLoop(ctx, w.Changes)
}

// watchLoop runs a pass now and then one per change until ctx is done.
func (s *session) watchLoop(ctx context.Context, changes <-chan watch.Change) error {
	if _, err := s.run(ctx); err != nil {
		return err
	}
	s.log.Info("watching for reference changes", "git_dir", s.repo.GitDir())

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			run, err := s.needsRun(ctx, change)
			if err != nil {
				s.log.Warn("comparing references failed", "error", err)
			}
			if !run {
				s.log.Debug("references unchanged, skipping pass", "paths", change.Paths)
				continue
			}
			s.log.Info("repository changed", "paths", change.Paths)
			if _, err := s.run(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// needsRun reports whether change warrants a pass. Configuration changes
// always do; reference changes only when some reference now points
// elsewhere than at the last recorded run. On error a pass is run anyway.
func (s *session) needsRun(ctx context.Context, change watch.Change) (bool, error) {
	if change.ConfigChanged() {
		return true, nil
	}
	last, err := runstate.Load(s.cfg.StateFile)
	if err != nil {
		return true, err
	}
	refs, err := s.repo.Refs(ctx)
	if err != nil {
		return true, err
	}
	return last.RefsChanged(refs), nil
}
