// Package track records process start/stop events for long-running agent
// sessions in an append-only ndjson log and reconciles the log against OS
// liveness. A "started" event allocates a run id that its matching
// "stopped" event references.
package track

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/drover-dev/drover/internal/fsio"
	"github.com/drover-dev/drover/internal/proc"
)

type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
)

type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	PID       int       `json:"pid"`

	// PIDStartTicks pins the pid to one process incarnation, so a reused
	// pid is not mistaken for the original during sweeps.
	PIDStartTicks uint64 `json:"pid_start_ticks,omitempty"`

	// RecoveredDead marks a stopped event synthesized by Sweep for a
	// process that died without reporting.
	RecoveredDead bool `json:"recovered_dead,omitempty"`

	TS time.Time `json:"ts"`
}

// Tracker appends to and reads one event log file. The mutex serializes
// writers within this process; cross-process appends rely on O_APPEND.
type Tracker struct {
	Path string

	mu sync.Mutex
}

func NewTracker(path string) *Tracker {
	return &Tracker{Path: path}
}

// RecordStarted appends a started event and returns the allocated run id.
func (t *Tracker) RecordStarted(sessionID, kind string, pid int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := Event{
		Type:      EventStarted,
		RunID:     ulid.Make().String(),
		SessionID: sessionID,
		Kind:      kind,
		PID:       pid,
		TS:        time.Now().UTC(),
	}
	if ticks, ok := proc.StartTicks(pid); ok {
		ev.PIDStartTicks = ticks
	}
	if err := fsio.AppendJSONLine(t.Path, ev); err != nil {
		return "", err
	}
	return ev.RunID, nil
}

// RecordStopped appends the stopped event matching a started run id.
func (t *Tracker) RecordStopped(runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, stopped, err := t.index()
	if err != nil {
		return err
	}
	start, ok := started[runID]
	if !ok {
		return fmt.Errorf("no started event for run %q", runID)
	}
	if _, done := stopped[runID]; done {
		return nil
	}
	return fsio.AppendJSONLine(t.Path, Event{
		Type:      EventStopped,
		RunID:     runID,
		SessionID: start.SessionID,
		Kind:      start.Kind,
		PID:       start.PID,
		TS:        time.Now().UTC(),
	})
}

// Sweep synthesizes stopped events (marked recovered-dead) for every started
// run whose pid is no longer the recorded process, returning the number
// reconciled.
func (t *Tracker) Sweep() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, stopped, err := t.index()
	if err != nil {
		return 0, err
	}
	swept := 0
	for runID, ev := range started {
		if _, done := stopped[runID]; done {
			continue
		}
		if proc.SameProcess(ev.PID, ev.PIDStartTicks) {
			continue
		}
		err := fsio.AppendJSONLine(t.Path, Event{
			Type:          EventStopped,
			RunID:         runID,
			SessionID:     ev.SessionID,
			Kind:          ev.Kind,
			PID:           ev.PID,
			RecoveredDead: true,
			TS:            time.Now().UTC(),
		})
		if err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// ListActive returns the started events without a matching stopped event
// whose pid is currently alive, in log order.
func (t *Tracker) ListActive() ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	events, err := t.load()
	if err != nil {
		return nil, err
	}
	stopped := map[string]bool{}
	for _, ev := range events {
		if ev.Type == EventStopped {
			stopped[ev.RunID] = true
		}
	}
	var out []Event
	for _, ev := range events {
		if ev.Type != EventStarted || stopped[ev.RunID] {
			continue
		}
		if proc.SameProcess(ev.PID, ev.PIDStartTicks) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (t *Tracker) index() (started map[string]Event, stopped map[string]Event, err error) {
	events, err := t.load()
	if err != nil {
		return nil, nil, err
	}
	started = map[string]Event{}
	stopped = map[string]Event{}
	for _, ev := range events {
		switch ev.Type {
		case EventStarted:
			started[ev.RunID] = ev
		case EventStopped:
			stopped[ev.RunID] = ev
		}
	}
	return started, stopped, nil
}

// load reads every event line. A torn final line (a crash mid-append) is
// skipped; any other malformed line is an error, since the log is otherwise
// append-only and well-formed.
func (t *Tracker) load() ([]Event, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var out []Event
	for i, line := range lines {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			if i == len(lines)-1 {
				continue
			}
			return nil, fmt.Errorf("decode %s line %d: %w", t.Path, i+1, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
