package entity

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/drover-dev/drover/internal/fsio"
)

// ErrNotFound is returned by Get when the id exists in no known state
// directory for its kind.
var ErrNotFound = errors.New("entity not found")

// PersistenceError reports a file that exists but cannot be loaded, typically
// a legacy/pre-frontmatter record. The repository never migrates such files;
// Hint tells the caller how to.
type PersistenceError struct {
	Path string
	Hint string
	Err  error
}

func (e *PersistenceError) Error() string {
	msg := fmt.Sprintf("load %s: %v", e.Path, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *PersistenceError) Unwrap() error { return e.Err }

const entityExt = ".md"

// Repository maps entity ids to files under <root>/<kind-plural>/<state>/ and
// performs all physical relocations. The state directory scan order is fixed,
// so lookups are deterministic even if a crashed move briefly left a stale
// observation behind.
type Repository struct {
	root   string
	states map[Kind][]string
}

// DefaultStates is the fixed per-kind state directory scan order.
func DefaultStates() map[Kind][]string {
	return map[Kind][]string{
		KindTask:    {"todo", "wip", "review", "done", "archived"},
		KindQA:      {"pending", "approved", "rejected"},
		KindSession: {"active", "closing", "validating", "validated", "recovery"},
	}
}

func NewRepository(root string) *Repository {
	return &Repository{root: root, states: DefaultStates()}
}

// SetStates overrides the state directory order for a kind. The resolver
// calls this after a layered spec merge introduces states beyond the
// defaults.
func (r *Repository) SetStates(kind Kind, states []string) {
	r.states[kind] = append([]string{}, states...)
}

func (r *Repository) Root() string { return r.root }

// States returns the scan order for the kind.
func (r *Repository) States(kind Kind) []string {
	return append([]string{}, r.states[kind]...)
}

// KnownState reports whether state is a declared state directory for kind.
func (r *Repository) KnownState(kind Kind, state string) bool {
	for _, s := range r.states[kind] {
		if s == state {
			return true
		}
	}
	return false
}

// Dir returns the directory for a (kind, state) pair.
func (r *Repository) Dir(kind Kind, state string) string {
	return filepath.Join(r.root, kind.Plural(), state)
}

// Path returns the file path for an entity in a given state.
func (r *Repository) Path(kind Kind, state, id string) string {
	return filepath.Join(r.Dir(kind, state), id+entityExt)
}

// StateOf scans the known state directories in fixed order and returns the
// state of the first file named <id>.md. The containing directory name is the
// only authority for state.
func (r *Repository) StateOf(id string, kind Kind) (string, error) {
	for _, state := range r.states[kind] {
		if _, err := os.Stat(r.Path(kind, state, id)); err == nil {
			return state, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
}

// Get loads an entity by id. The first match in scan order wins. Files
// lacking the frontmatter header yield a PersistenceError with a migration
// hint, never a silently translated entity.
func (r *Repository) Get(id string, kind Kind) (*Entity, error) {
	state, err := r.StateOf(id, kind)
	if err != nil {
		return nil, err
	}
	path := r.Path(kind, state, id)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	e, err := Decode(b)
	if err != nil {
		return nil, &PersistenceError{
			Path: path,
			Hint: "legacy entity file; run an explicit migration before loading",
			Err:  err,
		}
	}
	e.State = state
	return e, nil
}

// Save persists the entity into the directory matching e.State, bumping
// UpdatedAt. When the target differs from the entity's current physical
// directory the file is relocated, never duplicated. This is the only
// mutation path the engine uses.
func (r *Repository) Save(e *Entity) error {
	if e == nil {
		return fmt.Errorf("entity is nil")
	}
	if !r.KnownState(e.Kind, e.State) {
		return fmt.Errorf("unknown state %q for kind %s", e.State, e.Kind)
	}
	now := time.Now().UTC()
	if e.Meta.CreatedAt.IsZero() {
		e.Meta.CreatedAt = now
	}
	e.Meta.UpdatedAt = now

	b, err := Encode(e)
	if err != nil {
		return err
	}

	current, err := r.StateOf(e.ID, e.Kind)
	switch {
	case errors.Is(err, ErrNotFound):
		// New entity: single atomic write into the target state directory.
		return fsio.WriteFileAtomic(r.Path(e.Kind, e.State, e.ID), b)
	case err != nil:
		return err
	}

	// Rewrite in place first so the content update is atomic, then relocate
	// if the declared state moved.
	if err := fsio.WriteFileAtomic(r.Path(e.Kind, current, e.ID), b); err != nil {
		return err
	}
	if current == e.State {
		return nil
	}
	return r.MoveState(e.ID, e.Kind, current, e.State)
}

// MoveState relocates <id>.md from one state directory to another. Same
// filesystem moves are a single rename; cross-device moves stage into a
// temporary name inside the destination, rename into place, then remove the
// source. The destination directory is created if missing.
func (r *Repository) MoveState(id string, kind Kind, fromState, toState string) error {
	src := r.Path(kind, fromState, id)
	dst := r.Path(kind, toState, id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("move %s/%s %s->%s: %w", kind, id, fromState, toState, err)
	}
	return r.moveAcrossDevices(src, dst)
}

func (r *Repository) moveAcrossDevices(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".stage-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Remove(src)
}

// Create writes a brand-new entity in the given initial state. It fails if
// the id already exists in any state directory for the kind: ids are unique
// within a kind.
func (r *Repository) Create(e *Entity, initialState string) error {
	if e == nil {
		return fmt.Errorf("entity is nil")
	}
	if _, err := r.StateOf(e.ID, e.Kind); err == nil {
		return fmt.Errorf("entity %s/%s already exists", e.Kind, e.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	e.State = initialState
	return r.Save(e)
}
