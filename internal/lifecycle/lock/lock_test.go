package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drover-dev/drover/internal/proc"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager(t.TempDir())
	h, err := m.Acquire("task:T1", "transition")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Record.PID != os.Getpid() {
		t.Fatalf("recorded pid %d want %d", h.Record.PID, os.Getpid())
	}

	rec, err := ReadLockFile(h.Path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if rec.Purpose != "transition" || rec.Nonce == "" {
		t.Fatalf("record: %+v", rec)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Idempotent.
	if err := h.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := os.Stat(h.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file still present: %v", err)
	}
}

func TestAcquire_BusyWhileHolderAlive(t *testing.T) {
	m := NewManager(t.TempDir())
	h, err := m.Acquire("task:T1", "first")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer h.Release()

	_, err = m.Acquire("task:T1", "second")
	if !errors.Is(err, ErrLockBusy) {
		t.Fatalf("got %v want ErrLockBusy", err)
	}
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("got %T want *BusyError", err)
	}
	if busy.Holder.PID != os.Getpid() || busy.Holder.Purpose != "first" {
		t.Fatalf("holder: %+v", busy.Holder)
	}
}

func TestAcquire_ReclaimsDeadPID(t *testing.T) {
	m := NewManager(t.TempDir())
	var notices []string
	m.Notice = func(msg string) { notices = append(notices, msg) }

	// Forge a lock held by a pid that cannot be running.
	deadPID := 1 << 22
	rec := Record{PID: deadPID, Purpose: "stale", AcquiredAt: time.Now().UTC(), Nonce: "deadbeef"}
	body, err := lockFileBody(rec)
	if err != nil {
		t.Fatal(err)
	}
	path := m.LockPath("task:T1")
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := m.Acquire("task:T1", "reclaim")
	if err != nil {
		t.Fatalf("acquire over dead holder: %v", err)
	}
	defer h.Release()
	if h.Record.PID != os.Getpid() {
		t.Fatalf("new holder pid %d want %d", h.Record.PID, os.Getpid())
	}
	if len(notices) != 1 || !strings.Contains(notices[0], "reclaiming") {
		t.Fatalf("expected one reclamation notice, got %v", notices)
	}
}

func TestAcquire_ConcurrentReclaimersSingleWinner(t *testing.T) {
	m := NewManager(t.TempDir())

	deadPID := 1 << 22
	rec := Record{PID: deadPID, Purpose: "stale", AcquiredAt: time.Now().UTC(), Nonce: "deadbeef"}
	body, err := lockFileBody(rec)
	if err != nil {
		t.Fatal(err)
	}
	path := m.LockPath("task:T1")
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	type result struct {
		h   *Handle
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := m.Acquire("task:T1", "reclaim race")
			results <- result{h: h, err: err}
		}()
	}

	var wins, busy int
	for i := 0; i < 2; i++ {
		r := <-results
		switch {
		case r.err == nil:
			wins++
			defer r.h.Release()
		case errors.Is(r.err, ErrLockBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", r.err)
		}
	}
	if wins != 1 || busy != 1 {
		t.Fatalf("got %d winner(s) and %d busy, want exactly one of each", wins, busy)
	}

	final, err := ReadLockFile(path)
	if err != nil {
		t.Fatalf("read final lock: %v", err)
	}
	if final.PID != os.Getpid() || final.Nonce == "deadbeef" {
		t.Fatalf("stale record survived the reclaim: %+v", final)
	}
}

func TestAcquire_PIDReuseDetectedViaStartTicks(t *testing.T) {
	if !proc.ProcFSAvailable() {
		t.Skip("start-ticks comparison needs procfs")
	}
	m := NewManager(t.TempDir())
	// Our own pid is alive, but a start-ticks value from a previous boot
	// cycle means the lock belonged to a different incarnation.
	rec := Record{
		PID:           os.Getpid(),
		Purpose:       "previous incarnation",
		AcquiredAt:    time.Now().UTC(),
		Nonce:         "cafebabe",
		PIDStartTicks: 1,
	}
	body, err := lockFileBody(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.LockPath("task:T1"), body, 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := m.Acquire("task:T1", "current")
	if err != nil {
		t.Fatalf("expected reclamation of reused pid, got %v", err)
	}
	defer h.Release()
}

func TestReadLockFile_Corrupt(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty":        "",
		"no-prefix":    "openedby=12\n{}\n",
		"bad-pid":      "pid=zero\n{}\n",
		"no-record":    "pid=12\n",
		"bad-json":     "pid=12\n{not json}\n",
		"pid-mismatch": "pid=12\n{\"pid\":13}\n",
	}
	i := 0
	for name, content := range cases {
		path := filepath.Join(dir, fmt.Sprintf("c%d.lock", i))
		i++
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := ReadLockFile(path)
		var corrupt *CorruptError
		if !errors.As(err, &corrupt) {
			t.Fatalf("%s: got %v want CorruptError", name, err)
		}
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	m := NewManager(t.TempDir())
	wantErr := errors.New("boom")
	if err := m.WithLock("task:T1", "op", func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("got %v want boom", err)
	}
	// Lock must be free again.
	h, err := m.Acquire("task:T1", "after")
	if err != nil {
		t.Fatalf("reacquire after error: %v", err)
	}
	_ = h.Release()
}

func TestAcquireWait_GetsLockAfterRelease(t *testing.T) {
	m := NewManager(t.TempDir())
	h, err := m.Acquire("task:T1", "holder")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h2, err := m.AcquireWait(ctx, "task:T1", "waiter", 20*time.Millisecond)
		if err == nil {
			_ = h2.Release()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := h.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("waiter: %v", err)
	}
}

func TestAcquireWait_ContextCancel(t *testing.T) {
	m := NewManager(t.TempDir())
	h, err := m.Acquire("task:T1", "holder")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.AcquireWait(ctx, "task:T1", "waiter", 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v want deadline exceeded", err)
	}
}
