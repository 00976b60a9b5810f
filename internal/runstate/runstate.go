// Package runstate keeps a small TOML record of the last tracking run next to
// the release database: when it ran, what the repository's references looked
// like and what the run did. The watch command uses it to skip runs when no
// reference moved.
package runstate

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// currentVersion is written to every saved state file.
const currentVersion = 1

// Counters sums up one run.
type Counters struct {
	Inserted       int `toml:"inserted"`
	Replaced       int `toml:"replaced"`
	Unchanged      int `toml:"unchanged"`
	BranchFailures int `toml:"branch_failures"`
	Built          int `toml:"built"`
	BuildFailures  int `toml:"build_failures"`
}

// BranchState records how one branch was handled.
type BranchState struct {
	Tip    string `toml:"tip"`
	Mode   string `toml:"mode"`
	Reason string `toml:"reason,omitempty"`
	Error  string `toml:"error,omitempty"`
}

// State is the content of the state file.
type State struct {
	Version    int                    `toml:"version"`
	RunID      string                 `toml:"run_id"`
	StartedAt  time.Time              `toml:"started_at"`
	FinishedAt time.Time              `toml:"finished_at"`
	Counters   Counters               `toml:"counters"`
	Refs       map[string]string      `toml:"refs"`
	Branches   map[string]BranchState `toml:"branches"`
}

// New returns an empty state.
func New() *State {
	return &State{
		Version:  currentVersion,
		Refs:     make(map[string]string),
		Branches: make(map[string]BranchState),
	}
}

// Load reads the state file at path.
// Returns an empty state if the file does not exist.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("runstate: reading state file: %w", err)
	}

	var state State
	if err := toml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("runstate: parsing state file %s: %w", path, err)
	}
	if state.Refs == nil {
		state.Refs = make(map[string]string)
	}
	if state.Branches == nil {
		state.Branches = make(map[string]BranchState)
	}
	return &state, nil
}

// Save writes the state file atomically (write temp + rename).
func Save(path string, state *State) error {
	state.Version = currentVersion
	data, err := toml.Marshal(state)
	if err != nil {
		return fmt.Errorf("runstate: marshaling state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runstate: creating state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runstate: writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("runstate: renaming state file: %w", err)
	}
	return nil
}

// RefsChanged reports whether refs differs from the references recorded by
// the last run. A state that never recorded a run always counts as changed.
func (s *State) RefsChanged(refs map[string]string) bool {
	if s.RunID == "" {
		return true
	}
	return !maps.Equal(s.Refs, refs)
}
