// Package recovery gives multi-step lifecycle operations crash safety via
// durable step-cursor markers: a minimal write-ahead log. A marker records
// the operation, target entity, ordered step names, and the index of the
// last completed step; each completed step advances the cursor durably, and
// normal completion deletes the marker. Recover resumes or rolls back
// whatever a dead process left behind.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/drover-dev/drover/internal/fsio"
	"github.com/drover-dev/drover/internal/lifecycle/entity"
)

// RecoveryError reports a marker that cannot be resolved: unreadable,
// referencing an unregistered operation, or whose rollback failed.
type RecoveryError struct {
	Path string
	Err  error
}

func (e *RecoveryError) Error() string { return fmt.Sprintf("recovery %s: %v", e.Path, e.Err) }
func (e *RecoveryError) Unwrap() error { return e.Err }

// Marker is the durable record of an in-flight operation. Cursor is the
// index of the last completed step; -1 means none.
type Marker struct {
	OperationID string    `json:"operation_id"`
	Op          string    `json:"op"`
	EntityID    string    `json:"entity_id"`
	Kind        string    `json:"kind"`
	Steps       []string  `json:"steps"`
	Cursor      int       `json:"cursor"`
	CreatedAt   time.Time `json:"created_at"`

	// ContentHash is the blake3 hash of the target entity file at marker
	// creation. Recovery refuses to replay steps when the content has
	// diverged and rolls back instead.
	ContentHash string `json:"content_hash,omitempty"`
}

// Step is one unit of a registered operation. Run must be idempotent when
// Resumable is set: recovery may execute it again after a crash that
// happened between the step finishing and the cursor advancing.
type Step struct {
	Name      string
	Resumable bool
	Run       func(ctx context.Context, tx *Tx) error
	// Rollback undoes the step's effect; nil means nothing to undo.
	Rollback func(ctx context.Context, tx *Tx) error
}

// Operation is a named multi-step lifecycle operation.
type Operation struct {
	Name  string
	Steps []Step

	// Verify, when set, reports whether the marker's recorded world still
	// holds (e.g. the entity content hash matches). A false return forces
	// rollback instead of resumption.
	Verify func(m Marker) bool
}

// Manager owns the marker directory and the operation registry.
type Manager struct {
	Dir    string
	Notice func(msg string)

	ops map[string]Operation
}

func NewManager(dir string) *Manager {
	return &Manager{Dir: dir, ops: map[string]Operation{}}
}

func (m *Manager) notice(format string, args ...any) {
	if m.Notice != nil {
		m.Notice(fmt.Sprintf(format, args...))
	}
}

// Register adds an operation definition. Registration must happen before
// Begin or Recover references the name.
func (m *Manager) Register(op Operation) {
	m.ops[op.Name] = op
}

// Tx is a running (or resumed) transaction over one marker.
type Tx struct {
	Marker Marker

	m    *Manager
	op   Operation
	path string
}

// Begin writes the marker for a new operation run and returns the
// transaction. contentHash may be empty when the operation does not guard
// on entity content.
func (m *Manager) Begin(opName, entityID string, kind entity.Kind, contentHash string) (*Tx, error) {
	op, ok := m.ops[opName]
	if !ok {
		return nil, fmt.Errorf("unregistered operation: %q", opName)
	}
	steps := make([]string, len(op.Steps))
	for i, s := range op.Steps {
		steps[i] = s.Name
	}
	marker := Marker{
		OperationID: ulid.Make().String(),
		Op:          opName,
		EntityID:    entityID,
		Kind:        string(kind),
		Steps:       steps,
		Cursor:      -1,
		CreatedAt:   time.Now().UTC(),
		ContentHash: contentHash,
	}
	tx := &Tx{Marker: marker, m: m, op: op, path: m.markerPath(marker.OperationID)}
	if err := fsio.WriteJSONAtomic(tx.path, tx.Marker); err != nil {
		return nil, err
	}
	return tx, nil
}

func (m *Manager) markerPath(operationID string) string {
	return filepath.Join(m.Dir, operationID+".json")
}

// Run executes the remaining steps, advancing the cursor durably after each,
// and deletes the marker on completion.
func (tx *Tx) Run(ctx context.Context) error {
	for i := tx.Marker.Cursor + 1; i < len(tx.op.Steps); i++ {
		step := tx.op.Steps[i]
		if err := step.Run(ctx, tx); err != nil {
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
		tx.Marker.Cursor = i
		if err := fsio.WriteJSONAtomic(tx.path, tx.Marker); err != nil {
			return err
		}
	}
	return tx.complete()
}

func (tx *Tx) complete() error {
	err := os.Remove(tx.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// rollback undoes completed steps in reverse order, then removes the marker.
func (tx *Tx) rollback(ctx context.Context) error {
	for i := tx.Marker.Cursor; i >= 0; i-- {
		step := tx.op.Steps[i]
		if step.Rollback == nil {
			continue
		}
		if err := step.Rollback(ctx, tx); err != nil {
			return fmt.Errorf("rollback %s: %w", step.Name, err)
		}
	}
	return tx.complete()
}

// Pending lists the markers currently on disk, sorted by operation id,
// without resolving them.
func (m *Manager) Pending() ([]Marker, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	markers := make([]Marker, 0, len(names))
	for _, name := range names {
		path := filepath.Join(m.Dir, name)
		var marker Marker
		if err := fsio.ReadJSON(path, &marker); err != nil {
			return markers, &RecoveryError{Path: path, Err: err}
		}
		markers = append(markers, marker)
	}
	return markers, nil
}

// Recover enumerates pending markers and resolves each: when the next step
// is declared resumable (and Verify, if any, still holds) the remaining
// steps are replayed; otherwise completed steps are rolled back to the last
// stable directory state. Running it twice yields the same filesystem state
// as running it once; with no pending markers it is a no-op. The count of
// resolved markers is returned.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)

	resolved := 0
	for _, name := range names {
		path := filepath.Join(m.Dir, name)
		var marker Marker
		if err := fsio.ReadJSON(path, &marker); err != nil {
			return resolved, &RecoveryError{Path: path, Err: err}
		}
		op, ok := m.ops[marker.Op]
		if !ok {
			return resolved, &RecoveryError{Path: path, Err: fmt.Errorf("unregistered operation %q", marker.Op)}
		}
		tx := &Tx{Marker: marker, m: m, op: op, path: path}

		if err := m.resolve(ctx, tx); err != nil {
			return resolved, &RecoveryError{Path: path, Err: err}
		}
		resolved++
	}
	return resolved, nil
}

func (m *Manager) resolve(ctx context.Context, tx *Tx) error {
	next := tx.Marker.Cursor + 1
	if next >= len(tx.op.Steps) {
		// All steps completed; only the marker cleanup was lost.
		m.notice("operation %s (%s): completed, removing stale marker", tx.Marker.OperationID, tx.Marker.Op)
		return tx.complete()
	}
	resume := tx.op.Steps[next].Resumable
	if resume && tx.op.Verify != nil && !tx.op.Verify(tx.Marker) {
		resume = false
	}
	if resume {
		m.notice("operation %s (%s): resuming at step %s", tx.Marker.OperationID, tx.Marker.Op, tx.op.Steps[next].Name)
		return tx.Run(ctx)
	}
	m.notice("operation %s (%s): rolling back %d completed step(s)", tx.Marker.OperationID, tx.Marker.Op, tx.Marker.Cursor+1)
	return tx.rollback(ctx)
}

// HashFile returns the blake3 hash of a file's contents, for use as a marker
// ContentHash.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
