package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papapumpkin/track-release/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "track-release [PATH-TO-REPO]",
	Short: "Record releases of a git repository's branches and build them",
	Long: `track-release discovers releases on the branches of a git repository and
records them in a release database, then runs the build hook for every
release that has not been built yet.

A branch is tracked according to its release-branch.<name>.track setting:
"tip" makes the branch head a release, "tag" makes every commit in its
history that carries a release tag (v1.2, r1.2, debian/1.2-1)
a release.

The repository defaults to $GIT_DIR and then to the one containing the
working directory, so the command can run unchanged as a post-receive hook.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runTrack,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default .track-release.yaml)")
	pf.String("store-driver", "", "release store driver: sqlite or postgres")
	pf.String("store-path", "", "SQLite database (default <GIT_DIR>/releases.sqlite3)")
	pf.String("store-dsn", "", "Postgres connection string")
	pf.String("hook", "", "build hook (default <GIT_DIR>/hooks/release)")
	pf.String("state-file", "", "run state file (default <GIT_DIR>/releases.state.toml)")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("telemetry", "", "append JSONL audit events to this file")
	rootCmd.Flags().Bool("no-build", false, "record releases without running the build hook")

	bindFlag(pf.Lookup("store-driver"), "store.driver")
	bindFlag(pf.Lookup("store-path"), "store.path")
	bindFlag(pf.Lookup("store-dsn"), "store.dsn")
	bindFlag(pf.Lookup("hook"), "hook")
	bindFlag(pf.Lookup("state-file"), "state_file")
	bindFlag(pf.Lookup("log-level"), "log.level")
	bindFlag(pf.Lookup("log-format"), "log.format")
	bindFlag(pf.Lookup("telemetry"), "telemetry.path")
	bindFlag(rootCmd.Flags().Lookup("no-build"), "no_build")
}

func initConfig() {
	if cfgFile, _ := rootCmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".track-release")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
	}

	config.SetupEnv()

	// It's fine if no config file is found; we use defaults.
	_ = viper.ReadInConfig()
}

func runTrack(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := setupSignalContext(cmd.Context())
	defer cancel()

	s, err := openSession(ctx, cfg, repoArg(args), cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	_, err = s.run(ctx)
	return err
}

func repoArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
