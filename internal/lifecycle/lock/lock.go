// Package lock implements advisory, PID-tagged file locks with stale-lock
// reclamation. A lock guarantees mutual exclusion only if every mutating code
// path acquires it before touching shared state; nothing stops an unguarded
// write at the OS level.
package lock

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/drover-dev/drover/internal/proc"
)

// ErrLockBusy is matched (via errors.Is) by BusyError when the recorded
// holder is still alive.
var ErrLockBusy = errors.New("lock busy")

// BusyError reports a lock held by a live process.
type BusyError struct {
	Name   string
	Holder Record
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lock %q busy: held by pid %d (%s) since %s",
		e.Name, e.Holder.PID, e.Holder.Purpose, e.Holder.AcquiredAt.Format(time.RFC3339))
}

func (e *BusyError) Is(target error) bool { return target == ErrLockBusy }

// CorruptError reports a lock file whose contents cannot be parsed. Corrupt
// locks are never silently reclaimed; the caller must inspect and remove.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string { return fmt.Sprintf("corrupt lock %s: %v", e.Path, e.Err) }
func (e *CorruptError) Unwrap() error { return e.Err }

// Record is the structured second line of a lock file. PIDStartTicks guards
// against PID reuse: a process with the right pid but a different start time
// is not the holder.
type Record struct {
	PID           int       `json:"pid"`
	Purpose       string    `json:"purpose"`
	AcquiredAt    time.Time `json:"acquired_at"`
	Nonce         string    `json:"nonce"`
	PIDStartTicks uint64    `json:"pid_start_ticks,omitempty"`
}

// Handle represents a held lock. Release is idempotent.
type Handle struct {
	Name   string
	Path   string
	Record Record

	released bool
}

// Manager creates and reclaims lock files under Dir. Notice, when set,
// receives human-readable reclamation notices.
type Manager struct {
	Dir    string
	Notice func(msg string)
}

func NewManager(dir string) *Manager {
	return &Manager{Dir: dir}
}

func (m *Manager) notice(format string, args ...any) {
	if m.Notice != nil {
		m.Notice(fmt.Sprintf(format, args...))
	}
}

// LockPath returns the lock file path for a name. Path separators in names
// (e.g. "task:T1" is fine, "a/b" is not) are flattened so every lock lives
// directly in Dir.
func (m *Manager) LockPath(name string) string {
	safe := strings.NewReplacer("/", "__", string(filepath.Separator), "__").Replace(name)
	return filepath.Join(m.Dir, safe+".lock")
}

// Acquire takes the named lock for this process. It fails with a BusyError
// if the recorded holder is still alive, reclaims the lock (with a notice)
// if the holder is dead, and returns a CorruptError for unparseable files.
// Reclamation removes the stale file and re-enters the exclusive create, so
// concurrent reclaimers race for O_EXCL and exactly one wins; the stale
// record's nonce is re-checked before removal so a freshly written lock is
// never deleted.
func (m *Manager) Acquire(name, purpose string) (*Handle, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return nil, err
	}
	path := m.LockPath(name)
	rec, err := m.newRecord(purpose)
	if err != nil {
		return nil, err
	}
	body, err := lockFileBody(rec)
	if err != nil {
		return nil, err
	}

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(body)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				if werr != nil {
					return nil, werr
				}
				return nil, cerr
			}
			return &Handle{Name: name, Path: path, Record: rec}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		holder, rerr := ReadLockFile(path)
		if rerr != nil {
			if errors.Is(rerr, os.ErrNotExist) {
				// Holder released between our create attempt and read.
				continue
			}
			return nil, rerr
		}
		if proc.SameProcess(holder.PID, holder.PIDStartTicks) {
			return nil, &BusyError{Name: name, Holder: holder}
		}

		// Dead holder. Re-read and confirm the file still carries the record
		// we judged dead; a different nonce means another reclaimer already
		// won and the next iteration will see its live record.
		again, rerr := ReadLockFile(path)
		if rerr != nil {
			if errors.Is(rerr, os.ErrNotExist) {
				continue
			}
			return nil, rerr
		}
		if again.Nonce != holder.Nonce {
			continue
		}
		m.notice("reclaiming lock %q from dead pid %d (%s)", name, holder.PID, holder.Purpose)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
}

// Release deletes the lock file. Releasing an already-absent lock is a no-op.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	err := os.Remove(h.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WithLock runs fn while holding the named lock, releasing it on every exit
// path including panics.
func (m *Manager) WithLock(name, purpose string, fn func() error) error {
	h, err := m.Acquire(name, purpose)
	if err != nil {
		return err
	}
	defer func() { _ = h.Release() }()
	return fn()
}

// List returns the records of all lock files currently present, in file name
// order. Unparseable files are reported as CorruptError.
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".lock") {
			continue
		}
		rec, err := ReadLockFile(filepath.Join(m.Dir, ent.Name()))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Manager) newRecord(purpose string) (Record, error) {
	pid := os.Getpid()
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Record{}, err
	}
	rec := Record{
		PID:        pid,
		Purpose:    purpose,
		AcquiredAt: time.Now().UTC(),
		Nonce:      hex.EncodeToString(nonce[:]),
	}
	if ticks, ok := proc.StartTicks(pid); ok {
		rec.PIDStartTicks = ticks
	}
	return rec, nil
}

// lockFileBody renders the on-disk format: line 1 "pid=<int>", line 2 the
// JSON record.
func lockFileBody(rec Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("pid=%d\n%s\n", rec.PID, b)), nil
}

// ReadLockFile parses a lock file, returning a CorruptError when either the
// pid line or the record line is malformed or they disagree.
func ReadLockFile(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return Record{}, &CorruptError{Path: path, Err: fmt.Errorf("empty lock file")}
	}
	first := strings.TrimSpace(sc.Text())
	pidStr, ok := strings.CutPrefix(first, "pid=")
	if !ok {
		return Record{}, &CorruptError{Path: path, Err: fmt.Errorf("first line %q is not pid=<int>", first)}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil || pid <= 0 {
		return Record{}, &CorruptError{Path: path, Err: fmt.Errorf("invalid pid %q", pidStr)}
	}
	if !sc.Scan() {
		return Record{}, &CorruptError{Path: path, Err: fmt.Errorf("missing record line")}
	}
	var rec Record
	if err := json.Unmarshal([]byte(sc.Text()), &rec); err != nil {
		return Record{}, &CorruptError{Path: path, Err: fmt.Errorf("decode record: %w", err)}
	}
	if rec.PID != pid {
		return Record{}, &CorruptError{Path: path, Err: fmt.Errorf("pid line %d disagrees with record pid %d", pid, rec.PID)}
	}
	return rec, nil
}
