package lifecycle

import (
	"context"

	"github.com/drover-dev/drover/internal/lifecycle/entity"
	"github.com/drover-dev/drover/internal/lifecycle/lock"
	"github.com/drover-dev/drover/internal/lifecycle/machine"
	"github.com/drover-dev/drover/internal/lifecycle/recovery"
	"github.com/drover-dev/drover/internal/lifecycle/session"
	"github.com/drover-dev/drover/internal/lifecycle/spec"
	"github.com/drover-dev/drover/internal/lifecycle/track"
)

// System is the wired coordination core. Every component shares the same
// state root and the filesystem is the only channel between them.
type System struct {
	Config   *Config
	Repo     *entity.Repository
	Locks    *lock.Manager
	Specs    *spec.Resolver
	Engine   *machine.Engine
	Recovery *recovery.Manager
	Tracker  *track.Tracker
	Sessions *session.Service
}

// Open wires a System from a validated config. Notice carries human-facing
// reclamation and recovery messages; nil silences them.
func Open(cfg *Config, notice func(msg string)) (*System, error) {
	layers := make([]spec.Layer, 0, len(cfg.Layers))
	for _, l := range cfg.Layers {
		layers = append(layers, spec.Layer{Name: l.Name, Root: l.Path})
	}
	specs := spec.NewResolver(layers...)

	repo := entity.NewRepository(cfg.Root)
	// Layered specs may declare states beyond the defaults; the repository
	// scan order must cover every declared state directory.
	for _, kind := range []entity.Kind{entity.KindTask, entity.KindQA, entity.KindSession} {
		m, err := specs.Resolve(string(kind))
		if err != nil {
			return nil, err
		}
		repo.SetStates(kind, m.StateNames())
	}

	locks := lock.NewManager(cfg.Locks.Dir)
	locks.Notice = notice
	eng := machine.NewEngine(specs, repo, locks)
	rec := recovery.NewManager(cfg.Recovery.Dir)
	rec.Notice = notice
	tr := track.NewTracker(cfg.Track.EventLog)
	sessions := session.NewService(repo, eng, rec, tr, cfg.Git.Repo, cfg.Git.WorktreeRoot)
	sessions.GitTimeout = cfg.GitTimeout()

	return &System{
		Config:   cfg,
		Repo:     repo,
		Locks:    locks,
		Specs:    specs,
		Engine:   eng,
		Recovery: rec,
		Tracker:  tr,
		Sessions: sessions,
	}, nil
}

// Status is a point-in-time snapshot of the coordination state.
type Status struct {
	ActiveRuns     []track.Event
	Locks          []lock.Record
	PendingMarkers []recovery.Marker
}

// Status reads the tracker log, lock directory, and marker directory. It
// takes no locks; the snapshot may be stale by the time it is returned.
func (s *System) Status() (*Status, error) {
	active, err := s.Tracker.ListActive()
	if err != nil {
		return nil, err
	}
	locks, err := s.Locks.List()
	if err != nil {
		return nil, err
	}
	markers, err := s.Recovery.Pending()
	if err != nil {
		return nil, err
	}
	return &Status{ActiveRuns: active, Locks: locks, PendingMarkers: markers}, nil
}

// Startup performs the standard process entry sequence: reconcile dead runs
// in the tracker, then resolve any pending recovery markers. It returns the
// counts of swept runs and resolved markers.
func (s *System) Startup(ctx context.Context) (swept, resolved int, err error) {
	swept, err = s.Tracker.Sweep()
	if err != nil {
		return swept, 0, err
	}
	resolved, err = s.Recovery.Recover(ctx)
	return swept, resolved, err
}
