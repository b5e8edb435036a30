// Package machine executes guarded state transitions. The engine evaluates
// guards and conditions in declared order, runs actions, and delegates the
// physical move to the entity repository while holding the entity's named
// lock. It never infers state from file content.
package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/drover-dev/drover/internal/lifecycle/entity"
	"github.com/drover-dev/drover/internal/lifecycle/lock"
	"github.com/drover-dev/drover/internal/lifecycle/spec"
)

// TransitionUndefinedError reports an edge not declared in the domain spec.
// Force never permits an undeclared edge.
type TransitionUndefinedError struct {
	Domain string
	From   string
	To     string
}

func (e *TransitionUndefinedError) Error() string {
	return fmt.Sprintf("transition undefined for %s: %s -> %s", e.Domain, e.From, e.To)
}

// GuardRejectedError names the first guard that blocked the transition.
type GuardRejectedError struct{ Name string }

func (e *GuardRejectedError) Error() string { return fmt.Sprintf("guard rejected: %s", e.Name) }

// ConditionFailedError names the first condition that blocked the transition.
type ConditionFailedError struct{ Name string }

func (e *ConditionFailedError) Error() string { return fmt.Sprintf("condition failed: %s", e.Name) }

// ActionFailedError reports the offending action and cause. The entity is
// left at its pre-transition location.
type ActionFailedError struct {
	Name string
	Err  error
}

func (e *ActionFailedError) Error() string { return fmt.Sprintf("action %s failed: %v", e.Name, e.Err) }
func (e *ActionFailedError) Unwrap() error { return e.Err }

// Decision is the structured outcome of a permission check. Rejection by a
// guard or condition is an expected result, not an exception.
type Decision struct {
	Allowed bool
	// Blocked is the name of the first failing guard or condition in
	// declared order; BlockedBy says which list it came from.
	Blocked   string
	BlockedBy string // "guard" or "condition"
}

// Engine drives transitions for all entity domains. Every mutation goes
// through Apply, which serializes on the per-entity lock and persists via
// the repository.
type Engine struct {
	Specs *spec.Resolver
	Repo  *entity.Repository
	Locks *lock.Manager
}

func NewEngine(specs *spec.Resolver, repo *entity.Repository, locks *lock.Manager) *Engine {
	return &Engine{Specs: specs, Repo: repo, Locks: locks}
}

// LockName returns the canonical lock name for an entity, keyed by kind+id.
func LockName(kind entity.Kind, id string) string {
	return string(kind) + ":" + id
}

func (eng *Engine) args(e *entity.Entity, from, to string, values map[string]any) *spec.Args {
	a := &spec.Args{Entity: e, From: from, To: to, Values: values}
	if eng.Repo != nil {
		a.Peek = eng.Repo.Get
	}
	return a
}

// CanTransition evaluates whether the declared (from, to) edge is currently
// permitted. Guards run first, then conditions, each short-circuiting on the
// first failure. The error return covers spec problems (undefined edge,
// unresolvable spec); a blocked transition is a Decision, not an error.
func (eng *Engine) CanTransition(e *entity.Entity, target string, values map[string]any) (Decision, error) {
	m, err := eng.Specs.Resolve(string(e.Kind))
	if err != nil {
		return Decision{}, err
	}
	tr, ok := m.FindTransition(e.State, target)
	if !ok {
		return Decision{}, &TransitionUndefinedError{Domain: m.Domain, From: e.State, To: target}
	}
	a := eng.args(e, tr.From, tr.To, values)
	for _, name := range tr.Guards {
		guard, ok := eng.Specs.Guard(name)
		if !ok {
			return Decision{}, &spec.LoadError{Domain: m.Domain, Err: fmt.Errorf("guard %q has no implementation", name)}
		}
		if !guard(a) {
			return Decision{Blocked: name, BlockedBy: "guard"}, nil
		}
	}
	for _, name := range tr.Conditions {
		cond, ok := eng.Specs.Condition(name)
		if !ok {
			return Decision{}, &spec.LoadError{Domain: m.Domain, Err: fmt.Errorf("condition %q has no implementation", name)}
		}
		if !cond(a) {
			return Decision{Blocked: name, BlockedBy: "condition"}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Apply executes the transition end to end: re-reads the entity under its
// lock (the directory is the only authority for the current state), checks
// guards and conditions unless forced, runs actions in order, then persists
// the move through the repository. An action error aborts before any
// physical move; completed actions are not rolled back.
func (eng *Engine) Apply(ctx context.Context, id string, kind entity.Kind, target string, values map[string]any, force bool) (*entity.Entity, error) {
	var out *entity.Entity
	err := eng.Locks.WithLock(LockName(kind, id), "transition to "+target, func() error {
		var err error
		out, err = eng.applyLocked(ctx, id, kind, target, values, force)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyWait is the bounded-retry variant of Apply: while the entity's lock
// is held elsewhere it blocks until the lock frees or ctx ends, instead of
// surfacing LockBusy immediately.
func (eng *Engine) ApplyWait(ctx context.Context, id string, kind entity.Kind, target string, values map[string]any, force bool, pollInterval time.Duration) (*entity.Entity, error) {
	h, err := eng.Locks.AcquireWait(ctx, LockName(kind, id), "transition to "+target, pollInterval)
	if err != nil {
		return nil, err
	}
	defer func() { _ = h.Release() }()
	return eng.applyLocked(ctx, id, kind, target, values, force)
}

// applyLocked runs the transition body. The caller holds the entity's lock.
func (eng *Engine) applyLocked(ctx context.Context, id string, kind entity.Kind, target string, values map[string]any, force bool) (*entity.Entity, error) {
	e, err := eng.Repo.Get(id, kind)
	if err != nil {
		return nil, err
	}
	m, err := eng.Specs.Resolve(string(kind))
	if err != nil {
		return nil, err
	}
	tr, ok := m.FindTransition(e.State, target)
	if !ok {
		return nil, &TransitionUndefinedError{Domain: m.Domain, From: e.State, To: target}
	}
	if !force {
		dec, err := eng.CanTransition(e, target, values)
		if err != nil {
			return nil, err
		}
		if !dec.Allowed {
			if dec.BlockedBy == "condition" {
				return nil, &ConditionFailedError{Name: dec.Blocked}
			}
			return nil, &GuardRejectedError{Name: dec.Blocked}
		}
	}

	a := eng.args(e, tr.From, tr.To, values)
	for _, name := range tr.Actions {
		action, ok := eng.Specs.Action(name)
		if !ok {
			return nil, &spec.LoadError{Domain: m.Domain, Err: fmt.Errorf("action %q has no implementation", name)}
		}
		if err := action(ctx, a); err != nil {
			return nil, &ActionFailedError{Name: name, Err: err}
		}
	}

	e.State = target
	if err := eng.Repo.Save(e); err != nil {
		return nil, err
	}
	return e, nil
}
