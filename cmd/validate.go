package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/track-release/internal/config"
	"github.com/papapumpkin/track-release/internal/dispatch"
	"github.com/papapumpkin/track-release/internal/git"
	"github.com/papapumpkin/track-release/internal/store"
	"github.com/papapumpkin/track-release/internal/ui"
)

// errValidation is returned when a required check fails.
var errValidation = errors.New("validation failed")

var validateCmd = &cobra.Command{
	Use:   "validate [PATH-TO-REPO]",
	Short: "Check that the repository, release store and build hook are usable",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return validateSetup(cmd.Context(), cfg, repoArg(args), cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// validateSetup runs every check, printing one line each. A missing hook is
// only a warning since builds are optional.
func validateSetup(ctx context.Context, cfg config.Config, repoPath string, w io.Writer) error {
	p := ui.New(w)
	ok := true
	check := func(name string, err error) bool {
		p.Check(name, err)
		if err != nil {
			ok = false
		}
		return err == nil
	}

	_, err := exec.LookPath("git")
	check("git CLI found", err)
	check("configuration valid", cfg.Validate())

	repo, err := git.Open(ctx, repoPath)
	if !check("repository opens", err) {
		return errValidation
	}
	cfg.Resolve(repo.GitDir())

	if st, err := store.Open(ctx, cfg.Store.Driver, cfg.Source()); check(cfg.Store.Driver+" release store opens", err) {
		check("release schema present", st.EnsureSchema(ctx))
		st.Close()
	}

	if dispatch.Executable(cfg.Hook) {
		p.Check("build hook "+cfg.Hook+" is executable", nil)
	} else {
		p.Warn("build hook", cfg.Hook+" is missing or not executable, builds will be skipped")
	}

	if !ok {
		return errValidation
	}
	return nil
}
