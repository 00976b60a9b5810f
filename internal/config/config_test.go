package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// resetViper clears all viper state between tests to avoid cross-contamination.
func resetViper() {
	viper.Reset()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Store.Driver", cfg.Store.Driver, "sqlite"},
		{"Store.Path", cfg.Store.Path, ""},
		{"Hook", cfg.Hook, ""},
		{"NoBuild", cfg.NoBuild, false},
		{"Log.Level", cfg.Log.Level, "info"},
		{"Log.Format", cfg.Log.Format, "text"},
		{"Telemetry.Path", cfg.Telemetry.Path, ""},
		{"Watch.Debounce", cfg.Watch.Debounce, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		envKey string
		envVal string
		field  func(Config) any
		want   any
	}{
		{
			name:   "store.driver",
			envKey: "TRACK_RELEASE_STORE_DRIVER",
			envVal: "postgres",
			field:  func(c Config) any { return c.Store.Driver },
			want:   "postgres",
		},
		{
			name:   "store.dsn",
			envKey: "TRACK_RELEASE_STORE_DSN",
			envVal: "postgres://localhost/releases",
			field:  func(c Config) any { return c.Store.DSN },
			want:   "postgres://localhost/releases",
		},
		{
			name:   "hook",
			envKey: "TRACK_RELEASE_HOOK",
			envVal: "/usr/local/bin/build-release",
			field:  func(c Config) any { return c.Hook },
			want:   "/usr/local/bin/build-release",
		},
		{
			name:   "log.level",
			envKey: "TRACK_RELEASE_LOG_LEVEL",
			envVal: "debug",
			field:  func(c Config) any { return c.Log.Level },
			want:   "debug",
		},
		{
			name:   "no_build",
			envKey: "TRACK_RELEASE_NO_BUILD",
			envVal: "true",
			field:  func(c Config) any { return c.NoBuild },
			want:   true,
		},
		{
			name:   "watch.debounce",
			envKey: "TRACK_RELEASE_WATCH_DEBOUNCE",
			envVal: "2s",
			field:  func(c Config) any { return c.Watch.Debounce },
			want:   2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			SetupEnv()
			t.Setenv(tt.envKey, tt.envVal)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() returned unexpected error: %v", err)
			}
			got := tt.field(cfg)
			if got != tt.want {
				t.Errorf("%s: got %v (%T), want %v (%T)", tt.name, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	resetViper()

	path := filepath.Join(t.TempDir(), ".track-release.yaml")
	data := "store:\n  driver: postgres\n  dsn: postgres://db/releases\nlog:\n  format: json\nwatch:\n  debounce: 250ms\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://db/releases" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
	if cfg.Watch.Debounce != 250*time.Millisecond {
		t.Errorf("Watch.Debounce = %v, want 250ms", cfg.Watch.Debounce)
	}
	if got := cfg.Source(); got != "postgres://db/releases" {
		t.Errorf("Source() = %q, want the DSN", got)
	}
}

func TestResolve(t *testing.T) {
	gitDir := filepath.Join(t.TempDir(), "repo.git")
	abs := filepath.Join(t.TempDir(), "hook")

	cfg := Config{Hook: abs, StateFile: "state/run.toml"}
	cfg.Resolve(gitDir)

	if want := filepath.Join(gitDir, "releases.sqlite3"); cfg.Store.Path != want {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, want)
	}
	if cfg.Hook != abs {
		t.Errorf("Hook = %q, want %q", cfg.Hook, abs)
	}
	if want := filepath.Join(gitDir, "state", "run.toml"); cfg.StateFile != want {
		t.Errorf("StateFile = %q, want %q", cfg.StateFile, want)
	}
	if got := cfg.Source(); got != cfg.Store.Path {
		t.Errorf("Source() = %q, want the database path", got)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Store: StoreConfig{Driver: "sqlite"},
		Log:   LogConfig{Level: "info", Format: "text"},
		Watch: WatchConfig{Debounce: time.Second},
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"postgres with dsn", func(c *Config) { c.Store = StoreConfig{Driver: "postgres", DSN: "x"} }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, false},
		{"unknown level", func(c *Config) { c.Log.Level = "trace" }, false},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }, false},
		{"zero debounce", func(c *Config) { c.Watch.Debounce = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}
