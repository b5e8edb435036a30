package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drover-dev/drover/internal/lifecycle/entity"
	"github.com/drover-dev/drover/internal/lifecycle/machine"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "drover.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_DefaultsUnderRoot(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "version: 1\nroot: state\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	wantRoot := filepath.Join(dir, "state")
	if cfg.Root != wantRoot {
		t.Errorf("root: got %q want %q", cfg.Root, wantRoot)
	}
	internal := filepath.Join(wantRoot, ".drover")
	if cfg.Locks.Dir != filepath.Join(internal, "locks") {
		t.Errorf("locks dir: %q", cfg.Locks.Dir)
	}
	if cfg.Recovery.Dir != filepath.Join(internal, "recovery") {
		t.Errorf("recovery dir: %q", cfg.Recovery.Dir)
	}
	if cfg.Track.EventLog != filepath.Join(internal, "process.ndjson") {
		t.Errorf("event log: %q", cfg.Track.EventLog)
	}
	if cfg.Locks.PollIntervalMS != 250 {
		t.Errorf("poll interval: %d", cfg.Locks.PollIntervalMS)
	}
}

func TestLoadConfig_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "version: 1\nroot: state\nrot: typo\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestLoadConfig_RequiresRoot(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "version: 1\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected missing-root error")
	}
}

func TestLoadConfig_RejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "version: 2\nroot: state\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestOpen_WiresWorkingSystem(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	sys, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	e := &entity.Entity{ID: "T1", Kind: entity.KindTask, Title: "first"}
	if err := sys.Repo.Create(e, "todo"); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := sys.Engine.Apply(context.Background(), "T1", entity.KindTask, "wip", nil, false)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.State != "wip" {
		t.Fatalf("state: got %q want wip", got.State)
	}

	st, err := sys.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.ActiveRuns) != 0 || len(st.Locks) != 0 || len(st.PendingMarkers) != 0 {
		t.Fatalf("fresh system status not empty: %+v", st)
	}
}

func TestStartup_SweepsAndRecovers(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	sys, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// A run whose pid cannot exist on this host.
	if _, err := sys.Tracker.RecordStarted("S1", "session", 1<<22); err != nil {
		t.Fatal(err)
	}

	swept, resolved, err := sys.Startup(context.Background())
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if swept != 1 || resolved != 0 {
		t.Fatalf("got (swept=%d, resolved=%d) want (1, 0)", swept, resolved)
	}
}

func TestApplyWait_UsesConfiguredPollInterval(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Locks.PollIntervalMS = 5
	sys, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e := &entity.Entity{ID: "T1", Kind: entity.KindTask, Title: "first"}
	if err := sys.Repo.Create(e, "todo"); err != nil {
		t.Fatal(err)
	}

	h, err := sys.Locks.Acquire(machine.LockName(entity.KindTask, "T1"), "busy elsewhere")
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = h.Release()
	}()

	got, err := sys.Engine.ApplyWait(context.Background(), "T1", entity.KindTask, "wip", nil, false, cfg.LockPollInterval())
	if err != nil {
		t.Fatalf("apply wait: %v", err)
	}
	if got.State != "wip" {
		t.Fatalf("state: got %q want wip", got.State)
	}
}

func TestOpen_LayeredSpecExtendsRepositoryStates(t *testing.T) {
	layerRoot := t.TempDir()
	doc := `domain: task
states:
  - name: todo
  - name: wip
  - name: review
  - name: done
  - name: archived
  - name: blocked
transitions:
  - from: wip
    to: blocked
  - from: blocked
    to: wip
`
	dir := filepath.Join(layerRoot, "statemachines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "task.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig(t.TempDir())
	cfg.Layers = []LayerConfig{{Name: "project", Path: layerRoot}}
	sys, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !sys.Repo.KnownState(entity.KindTask, "blocked") {
		t.Fatalf("layered state not visible to repository: %v", sys.Repo.States(entity.KindTask))
	}
}
