package entity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTask(id string) *Entity {
	return &Entity{
		ID:    id,
		Kind:  KindTask,
		State: "todo",
		Title: "Title for " + id,
		Meta:  Meta{CreatedBy: "tester"},
		Body:  "Some body text.\n",
	}
}

func TestSaveThenGet_RoundTripsHeaderAndRelationships(t *testing.T) {
	r := NewRepository(t.TempDir())
	e := newTask("T1")
	e.Relate(RelParent, "T0")
	e.Relate(RelDependsOn, "T2")
	e.Relate(RelDependsOn, "T2") // duplicate edge is dropped
	e.Relate(RelBlocks, "T3")
	if err := r.Save(e); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := r.Get("T1", KindTask)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "todo" {
		t.Fatalf("state: got %q want %q", got.State, "todo")
	}
	if got.Title != e.Title || got.Body != e.Body || got.Meta.CreatedBy != "tester" {
		t.Fatalf("content mismatch: %+v", got)
	}
	if got.ParentID() != "T0" {
		t.Fatalf("parent: got %q want T0", got.ParentID())
	}
	if deps := got.DependsOn(); len(deps) != 1 || deps[0] != "T2" {
		t.Fatalf("depends_on: got %v want [T2]", deps)
	}
	if blocks := got.Blocks(); len(blocks) != 1 || blocks[0] != "T3" {
		t.Fatalf("blocks: got %v want [T3]", blocks)
	}
	if got.Meta.UpdatedAt.IsZero() || got.Meta.CreatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got.Meta)
	}
}

func TestGet_NotFound(t *testing.T) {
	r := NewRepository(t.TempDir())
	_, err := r.Get("missing", KindTask)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestGet_LegacyFileIsRejectedWithHint(t *testing.T) {
	r := NewRepository(t.TempDir())
	path := r.Path(KindTask, "todo", "L1")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("just a plain note, no header\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := r.Get("L1", KindTask)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v want PersistenceError", err)
	}
	if !strings.Contains(pe.Hint, "migration") {
		t.Fatalf("expected migration hint, got %q", pe.Hint)
	}
}

func TestSave_RelocatesInsteadOfDuplicating(t *testing.T) {
	r := NewRepository(t.TempDir())
	e := newTask("T1")
	if err := r.Save(e); err != nil {
		t.Fatalf("save: %v", err)
	}

	e.State = "wip"
	if err := r.Save(e); err != nil {
		t.Fatalf("save to wip: %v", err)
	}

	if _, err := os.Stat(r.Path(KindTask, "todo", "T1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("old location still exists: %v", err)
	}
	got, err := r.Get("T1", KindTask)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "wip" {
		t.Fatalf("state: got %q want wip", got.State)
	}
}

func TestMoveState_CreatesDestinationDir(t *testing.T) {
	r := NewRepository(t.TempDir())
	e := newTask("T1")
	if err := r.Save(e); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := r.MoveState("T1", KindTask, "todo", "review"); err != nil {
		t.Fatalf("move: %v", err)
	}
	state, err := r.StateOf("T1", KindTask)
	if err != nil {
		t.Fatalf("state of: %v", err)
	}
	if state != "review" {
		t.Fatalf("got %q want review", state)
	}
}

func TestCreate_RejectsDuplicateID(t *testing.T) {
	r := NewRepository(t.TempDir())
	if err := r.Create(newTask("T1"), "todo"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Same id in a different state is still a duplicate within the kind.
	err := r.Create(newTask("T1"), "wip")
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("got %v want duplicate-id error", err)
	}
}

func TestSave_UnknownStateRejected(t *testing.T) {
	r := NewRepository(t.TempDir())
	e := newTask("T1")
	e.State = "limbo"
	if err := r.Save(e); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestDecode_PreservesBodyExactly(t *testing.T) {
	e := newTask("T9")
	e.Body = "# Notes\n\n- item one\n- item two\n"
	e.Meta.CreatedAt = time.Now().UTC()
	e.Meta.UpdatedAt = e.Meta.CreatedAt
	b, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Body != e.Body {
		t.Fatalf("body: got %q want %q", got.Body, e.Body)
	}
}
