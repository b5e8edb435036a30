// Package proc provides OS-process liveness checks used by the lock manager
// and process tracker. On Linux it reads procfs for zombie detection and for
// process start ticks, which let callers distinguish a live PID from a reused
// one.
package proc

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcFSAvailable reports whether procfs is available for process introspection.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// Alive reports whether a process exists and is not a zombie.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if Zombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Zombie checks whether a PID is in a zombie/dead state.
func Zombie(pid int) bool {
	if !ProcFSAvailable() {
		return zombieFromPS(pid)
	}
	line, ok := readStat(pid)
	if !ok {
		return false
	}
	state, ok := statFieldAfterComm(line, 0)
	if !ok || state == "" {
		return false
	}
	return state[0] == 'Z' || state[0] == 'X'
}

// StartTicks returns the process start time in clock ticks since boot
// (field 22 of /proc/<pid>/stat). The second return is false when procfs is
// unavailable or the PID cannot be read; callers should then skip start-time
// comparison rather than treat the process as dead.
func StartTicks(pid int) (uint64, bool) {
	if pid <= 0 || !ProcFSAvailable() {
		return 0, false
	}
	line, ok := readStat(pid)
	if !ok {
		return 0, false
	}
	// starttime is field 22 overall; the comm field can contain spaces, so
	// count from the closing paren: state is the first post-comm field (3),
	// starttime the 19th after it.
	raw, ok := statFieldAfterComm(line, 19)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SameProcess reports whether pid refers to a live process whose recorded
// start ticks still match. A zero startTicks disables the reuse check and
// degrades to a plain liveness test.
func SameProcess(pid int, startTicks uint64) bool {
	if !Alive(pid) {
		return false
	}
	if startTicks == 0 {
		return true
	}
	now, ok := StartTicks(pid)
	if !ok {
		return true
	}
	return now == startTicks
}

func readStat(pid int) (string, bool) {
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// statFieldAfterComm returns the nth whitespace-separated field following the
// parenthesized comm field (n=0 is the process state).
func statFieldAfterComm(line string, n int) (string, bool) {
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return "", false
	}
	fields := strings.Fields(line[closeIdx+2:])
	if n >= len(fields) {
		return "", false
	}
	return fields[n], true
}

func zombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}
