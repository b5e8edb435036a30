package spec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/drover-dev/drover/internal/lifecycle/entity"
)

func writeDoc(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolve_BuiltinTaskMachine(t *testing.T) {
	r := NewResolver()
	m, err := r.Resolve("task")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.Initial != "todo" {
		t.Fatalf("initial: got %q want todo", m.Initial)
	}
	if !m.IsTerminal("done") || m.IsTerminal("wip") {
		t.Fatalf("terminal flags wrong: %+v", m.States)
	}
	if _, ok := m.FindTransition("todo", "wip"); !ok {
		t.Fatalf("missing builtin transition todo->wip")
	}
}

func TestResolve_UnknownDomainFails(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve("widget")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("got %v want LoadError", err)
	}
}

func TestResolve_LayerOverridesByName(t *testing.T) {
	packRoot := t.TempDir()
	projectRoot := t.TempDir()
	writeDoc(t, packRoot, "statemachines/task.yaml", `
domain: task
states:
  - name: todo
  - name: wip
  - name: review
  - name: done
    terminal: true
  - name: archived
    terminal: true
transitions:
  - from: todo
    to: wip
    guards: [has_parent]
`)
	writeDoc(t, projectRoot, "statemachines/task.yaml", `
domain: task
states:
  - name: blocked
transitions:
  - from: todo
    to: wip
    guards: [always_allow]
  - from: wip
    to: blocked
    guards: [always_allow]
`)

	r := NewResolver(Layer{Name: "pack", Root: packRoot}, Layer{Name: "project", Root: projectRoot})
	m, err := r.Resolve("task")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	tr, ok := m.FindTransition("todo", "wip")
	if !ok {
		t.Fatalf("missing todo->wip")
	}
	// Project layer wins over pack layer.
	if len(tr.Guards) != 1 || tr.Guards[0] != "always_allow" {
		t.Fatalf("guards: got %v want [always_allow]", tr.Guards)
	}
	if !m.HasState("blocked") {
		t.Fatalf("project-added state missing")
	}
	if _, ok := m.FindTransition("wip", "blocked"); !ok {
		t.Fatalf("project-added transition missing")
	}
}

func TestResolve_TerminalStateCannotBeExited(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "statemachines/task.yaml", `
domain: task
states:
  - name: todo
  - name: wip
  - name: review
  - name: done
    terminal: true
  - name: archived
    terminal: true
transitions:
  - from: done
    to: wip
    guards: [always_allow]
`)
	r := NewResolver(Layer{Name: "project", Root: root})
	_, err := r.Resolve("task")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("got %v want LoadError for exit from terminal state", err)
	}
	if !strings.Contains(err.Error(), "terminal") {
		t.Fatalf("error does not name the terminal violation: %v", err)
	}
}

func TestResolve_MissingHandlerImplementationFails(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "statemachines/task.yaml", `
domain: task
states:
  - name: todo
  - name: wip
transitions:
  - from: todo
    to: wip
    guards: [summoned_from_nowhere]
`)
	r := NewResolver(Layer{Name: "project", Root: root})
	_, err := r.Resolve("task")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("got %v want LoadError for missing guard", err)
	}
	// The error lists the registered names so a typo is easy to spot.
	if !strings.Contains(err.Error(), "always_allow") {
		t.Fatalf("error does not list registered guards: %v", err)
	}
}

func TestResolve_SchemaRejectsMalformedDoc(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "statemachines/bad.yml", `
domain: task
states:
  - terminal: true
transitions: []
`)
	r := NewResolver(Layer{Name: "project", Root: root})
	_, err := r.Resolve("task")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("got %v want LoadError for schema violation", err)
	}
}

func TestResolve_UndeclaredTransitionEndpointFails(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "statemachines/task.yaml", `
domain: task
states:
  - name: todo
transitions:
  - from: todo
    to: nowhere
`)
	r := NewResolver(Layer{Name: "project", Root: root})
	_, err := r.Resolve("task")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("got %v want LoadError for undeclared state", err)
	}
}

func TestResolve_CachesUntilInvalidated(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(Layer{Name: "project", Root: root})
	m1, err := r.Resolve("task")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// New layer content is invisible until invalidation.
	writeDoc(t, root, "statemachines/task.yaml", `
domain: task
states:
  - name: todo
  - name: wip
  - name: parked
  - name: review
  - name: done
    terminal: true
  - name: archived
    terminal: true
transitions:
  - from: todo
    to: parked
    guards: [always_allow]
`)
	m2, err := r.Resolve("task")
	if err != nil {
		t.Fatalf("resolve cached: %v", err)
	}
	if m2 != m1 {
		t.Fatalf("expected cached machine pointer")
	}

	r.Invalidate("task")
	m3, err := r.Resolve("task")
	if err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if !m3.HasState("parked") {
		t.Fatalf("expected reloaded machine to include new state")
	}
}

func TestBuiltinGuardsAndConditions(t *testing.T) {
	r := NewResolver()
	e := &entity.Entity{ID: "T1", Kind: entity.KindTask, Title: "t", State: "todo"}
	e.Relate(entity.RelParent, "T0")
	args := &Args{Entity: e, From: "todo", To: "wip"}

	guard, ok := r.Guard("has_parent")
	if !ok {
		t.Fatalf("has_parent not registered")
	}
	if !guard(args) {
		t.Fatalf("has_parent: got false want true")
	}

	cond, ok := r.Condition("no_open_dependencies")
	if !ok {
		t.Fatalf("no_open_dependencies not registered")
	}
	if !cond(args) {
		t.Fatalf("no deps: got false want true")
	}
	e.Relate(entity.RelDependsOn, "T9")
	if cond(args) {
		t.Fatalf("open dep without Peek: got true want false")
	}
}
