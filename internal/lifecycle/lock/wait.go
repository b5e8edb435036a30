package lock

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultPollInterval = 250 * time.Millisecond

// AcquireWait retries Acquire until it succeeds, the context ends, or a
// non-busy error occurs. While the lock is busy it blocks on filesystem
// remove/rename events for the lock directory, falling back to interval
// polling when no watcher can be established. This is the bounded-retry
// opt-in; plain Acquire surfaces LockBusy immediately.
func (m *Manager) AcquireWait(ctx context.Context, name, purpose string, pollInterval time.Duration) (*Handle, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	h, err := m.Acquire(name, purpose)
	if err == nil || !errors.Is(err, ErrLockBusy) {
		return h, err
	}

	var events chan struct{}
	if w, werr := fsnotify.NewWatcher(); werr == nil {
		if werr = w.Add(m.Dir); werr == nil {
			events = make(chan struct{}, 1)
			go forwardRemovals(w, m.LockPath(name), events)
			defer func() { _ = w.Close() }()
		} else {
			_ = w.Close()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case <-events:
		}
		h, err := m.Acquire(name, purpose)
		if err == nil || !errors.Is(err, ErrLockBusy) {
			return h, err
		}
	}
}

func forwardRemovals(w *fsnotify.Watcher, lockPath string, out chan<- struct{}) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != lockPath {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}
