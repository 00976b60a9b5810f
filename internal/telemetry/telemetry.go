// Package telemetry writes a JSONL audit trail of release tracking: every
// run, every insert or replacement of a release row, every skipped branch and
// every build outcome becomes one JSON line, so the history of the releases
// table can be reconstructed after the fact.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds identify the type of telemetry event.
const (
	KindRunStart        = "run_start"
	KindRunDone         = "run_done"
	KindReleaseUpserted = "release_upserted"
	KindBranchSkipped   = "branch_skipped"
	KindBranchFailed    = "branch_failed"
	KindBuildDone       = "build_done"
)

// Event is a single telemetry record. Every event carries a timestamp, a
// kind tag and the id of the run that produced it, plus optional branch and
// version identifiers and free-form data.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	RunID     string    `json:"run"`
	Branch    string    `json:"branch,omitempty"`
	Version   string    `json:"version,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewRunID returns a fresh identifier for one tracking run.
func NewRunID() string {
	return uuid.NewString()
}

// Emitter writes telemetry events to a JSONL file. It is safe for concurrent
// use. A nil *Emitter is a valid no-op emitter.
type Emitter struct {
	file  *os.File
	enc   *json.Encoder
	mu    sync.Mutex
	runID string
	now   func() time.Time
}

// NewEmitter creates an Emitter appending to the file at path. The file is
// created if it does not exist.
func NewEmitter(path string) (*Emitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	return &Emitter{
		file:  f,
		enc:   json.NewEncoder(f),
		runID: NewRunID(),
		now:   time.Now,
	}, nil
}

// RunID returns the id stamped on events that do not carry their own.
func (e *Emitter) RunID() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// StartRun assigns a new run id to subsequent events and returns it.
func (e *Emitter) StartRun() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runID = NewRunID()
	return e.runID
}

// Emit writes a single event. Missing timestamps and run ids are filled in.
// Calling Emit on a nil Emitter is a no-op.
func (e *Emitter) Emit(evt Event) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now().UTC()
	}
	if evt.RunID == "" {
		evt.RunID = e.runID
	}
	if err := e.enc.Encode(evt); err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	return nil
}

// Close closes the underlying file. Calling Close on a nil Emitter is a
// no-op.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("telemetry: close: %w", err)
	}
	return nil
}
