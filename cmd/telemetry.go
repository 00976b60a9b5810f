package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/track-release/internal/config"
	"github.com/papapumpkin/track-release/internal/telemetry"
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "View the JSONL audit trail of tracking runs",
	Long: `Reads and formats the telemetry file written when telemetry.path is set.

With --run, only events of that run are shown.
With --follow (-f), watches the file for new events (like tail -f).`,
	Args: cobra.NoArgs,
	RunE: runTelemetry,
}

func init() {
	telemetryCmd.Flags().String("run", "", "only show events of this run id")
	telemetryCmd.Flags().BoolP("follow", "f", false, "follow the file for new events")
	rootCmd.AddCommand(telemetryCmd)
}

func runTelemetry(cmd *cobra.Command, _ []string) error {
	runID, _ := cmd.Flags().GetString("run")
	follow, _ := cmd.Flags().GetBool("follow")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Telemetry.Path == "" {
		return fmt.Errorf("telemetry: no telemetry.path configured")
	}

	f, err := os.Open(cfg.Telemetry.Path)
	if err != nil {
		return fmt.Errorf("telemetry: open %s: %w", cfg.Telemetry.Path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	if err := printEvents(cmd.OutOrStdout(), reader, runID); err != nil {
		return fmt.Errorf("telemetry: read %s: %w", cfg.Telemetry.Path, err)
	}
	if !follow {
		return nil
	}

	ctx, cancel := setupSignalContext(cmd.Context())
	defer cancel()
	return tailFollow(ctx, cmd.OutOrStdout(), reader, cfg.Telemetry.Path, runID)
}

// printEvents prints every complete line available from r.
func printEvents(w io.Writer, r *bufio.Reader, runID string) error {
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			printEvent(w, line, runID)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// tailFollow watches the file for new data using fsnotify and prints new events.
func tailFollow(ctx context.Context, w io.Writer, r *bufio.Reader, path, runID string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("telemetry: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("telemetry: watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			if err := printEvents(w, r, runID); err != nil {
				return fmt.Errorf("telemetry: read %s: %w", path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("telemetry: watch %s: %w", path, err)
		}
	}
}

// printEvent decodes a JSONL line and prints a human-readable representation.
func printEvent(w io.Writer, line, runID string) {
	var evt telemetry.Event
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		fmt.Fprintf(w, "??? %s\n", line)
		return
	}
	if runID != "" && evt.RunID != runID {
		return
	}

	parts := []string{
		fmt.Sprintf("[%s]", evt.Timestamp.Local().Format(time.DateTime)),
		evt.Kind,
	}
	if evt.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", evt.Branch))
	}
	if evt.Version != "" {
		parts = append(parts, fmt.Sprintf("version=%s", evt.Version))
	}
	if evt.Data != nil {
		if m, ok := evt.Data.(map[string]any); ok {
			parts = append(parts, formatDataMap(m))
		} else {
			data, _ := json.Marshal(evt.Data)
			parts = append(parts, string(data))
		}
	}

	fmt.Fprintln(w, strings.Join(parts, " "))
}

// formatDataMap formats a data map as key=value pairs sorted by key.
func formatDataMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, m[k])
	}
	return b.String()
}
