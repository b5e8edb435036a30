package proc

import (
	"os"
	"testing"
)

func TestAlive_Self(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatalf("expected own pid %d to be alive", os.Getpid())
	}
}

func TestAlive_InvalidPIDs(t *testing.T) {
	for _, pid := range []int{0, -1, -42} {
		if Alive(pid) {
			t.Fatalf("pid %d: got alive, want dead", pid)
		}
	}
}

func TestStartTicks_Self(t *testing.T) {
	if !ProcFSAvailable() {
		t.Skip("procfs not available")
	}
	ticks, ok := StartTicks(os.Getpid())
	if !ok {
		t.Fatalf("expected start ticks for own pid")
	}
	if ticks == 0 {
		t.Fatalf("got zero start ticks for own pid")
	}
}

func TestSameProcess(t *testing.T) {
	pid := os.Getpid()
	ticks, ok := StartTicks(pid)
	if !ok {
		t.Skip("procfs not available")
	}
	if !SameProcess(pid, ticks) {
		t.Fatalf("own pid with matching ticks: got false, want true")
	}
	if SameProcess(pid, ticks+1) {
		t.Fatalf("own pid with mismatched ticks: got true, want false")
	}
	// Zero ticks disables the reuse check.
	if !SameProcess(pid, 0) {
		t.Fatalf("own pid with zero ticks: got false, want true")
	}
}
