package track

import (
	"fmt"
	"strings"
	"time"

	"github.com/drover-dev/drover/internal/proc"
)

type RunState string

const (
	StateUnknown RunState = "unknown"
	StateRunning RunState = "running"
	StateStopped RunState = "stopped"
	// StateDead is a started run whose process is gone but which has not
	// yet been reconciled by Sweep.
	StateDead RunState = "dead"
)

// Snapshot is a compact liveness view of one session's most recent run.
type Snapshot struct {
	SessionID   string
	RunID       string
	PID         int
	PIDAlive    bool
	State       RunState
	Recovered   bool
	LastEventAt time.Time
}

// Snapshot derives the run state of a session from its event history. State
// is unknown when the session has no events at all.
func (t *Tracker) Snapshot(sessionID string) (*Snapshot, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	t.mu.Lock()
	events, err := t.load()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := &Snapshot{SessionID: sessionID, State: StateUnknown}
	var lastStart *Event
	stopped := map[string]*Event{}
	for i := range events {
		ev := &events[i]
		if ev.SessionID != sessionID {
			continue
		}
		s.LastEventAt = ev.TS
		switch ev.Type {
		case EventStarted:
			lastStart = ev
		case EventStopped:
			stopped[ev.RunID] = ev
		}
	}
	if lastStart == nil {
		return s, nil
	}

	s.RunID = lastStart.RunID
	s.PID = lastStart.PID
	if stop, done := stopped[lastStart.RunID]; done {
		s.State = StateStopped
		s.Recovered = stop.RecoveredDead
		return s, nil
	}
	s.PIDAlive = proc.SameProcess(lastStart.PID, lastStart.PIDStartTicks)
	if s.PIDAlive {
		s.State = StateRunning
	} else {
		s.State = StateDead
	}
	return s, nil
}
