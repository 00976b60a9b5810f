// Package config loads the tool's own settings. Per-branch tracking modes are
// not settings of the tool: they live in the repository's git config and are
// read by the tracker.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/papapumpkin/track-release/internal/logger"
	"github.com/papapumpkin/track-release/internal/store"
)

// EnvPrefix is the prefix of environment variables that override settings,
// e.g. TRACK_RELEASE_STORE_DRIVER for store.driver.
const EnvPrefix = "TRACK_RELEASE"

// Default file names, relative to the repository's git directory.
const (
	DefaultDatabase  = "releases.sqlite3"
	DefaultHook      = "hooks/release"
	DefaultStateFile = "releases.state.toml"
)

// ErrInvalid is wrapped by every error Validate returns.
var ErrInvalid = errors.New("config: invalid setting")

// StoreConfig selects and locates the release store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
}

// TelemetryConfig controls the JSONL audit trail.
type TelemetryConfig struct {
	Path string `mapstructure:"path"`
}

// WatchConfig controls the watch command.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// Config holds all runtime configuration for a run.
// Values are populated from .track-release.yaml, TRACK_RELEASE_* env vars,
// and CLI flags.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Hook      string          `mapstructure:"hook"`
	StateFile string          `mapstructure:"state_file"`
	NoBuild   bool            `mapstructure:"no_build"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Watch     WatchConfig     `mapstructure:"watch"`
}

// SetupEnv makes viper consult TRACK_RELEASE_* variables, mapping dots in
// keys to underscores.
func SetupEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags. Paths left empty are
// filled in later by Resolve, once the git directory is known.
func Load() (Config, error) {
	viper.SetDefault("store.driver", store.DriverSQLite)
	viper.SetDefault("store.path", "")
	viper.SetDefault("store.dsn", "")
	viper.SetDefault("hook", "")
	viper.SetDefault("state_file", "")
	viper.SetDefault("no_build", false)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", logger.FormatText)
	viper.SetDefault("log.color", false)
	viper.SetDefault("telemetry.path", "")
	viper.SetDefault("watch.debounce", 500*time.Millisecond)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Resolve fills in the repository-relative defaults: the SQLite database,
// hook and state file live in gitDir unless configured otherwise. Relative
// configured paths are taken relative to gitDir as well.
func (c *Config) Resolve(gitDir string) {
	c.Store.Path = inGitDir(gitDir, c.Store.Path, DefaultDatabase)
	c.Hook = inGitDir(gitDir, c.Hook, DefaultHook)
	c.StateFile = inGitDir(gitDir, c.StateFile, DefaultStateFile)
}

func inGitDir(gitDir, path, def string) string {
	if path == "" {
		path = def
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(gitDir, filepath.FromSlash(path))
}

// Source returns the data source for store.Open: the DSN for Postgres, the
// database file otherwise.
func (c Config) Source() string {
	if c.Store.Driver == store.DriverPostgres {
		return c.Store.DSN
	}
	return c.Store.Path
}

// Validate checks settings that would otherwise fail late in a run.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case store.DriverSQLite:
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("%w: store.dsn is required for driver %q", ErrInvalid, c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown store.driver %q", ErrInvalid, c.Store.Driver))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown log.level %q", ErrInvalid, c.Log.Level))
	}
	switch c.Log.Format {
	case logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown log.format %q", ErrInvalid, c.Log.Format))
	}
	if c.Watch.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("%w: watch.debounce must be positive, got %s", ErrInvalid, c.Watch.Debounce))
	}
	return errors.Join(errs...)
}
