// Package spec resolves per-domain state machine specs and the guard,
// condition, and action registries they reference. Specs are merged across
// ordered layers (builtin < bundled-pack < project-pack < project-local);
// later layers override same-named entries. Resolution fails fast when any
// referenced handler has no implementation, so an incomplete spec can never
// admit an illegal edge.
package spec

import (
	"context"
	"fmt"

	"github.com/drover-dev/drover/internal/lifecycle/entity"
)

// State declares one lifecycle state; terminal states are never exited.
type State struct {
	Name     string `yaml:"name" json:"name"`
	Terminal bool   `yaml:"terminal,omitempty" json:"terminal,omitempty"`
}

// Transition declares one legal edge. Guards, conditions, and actions are
// evaluated/executed in list order.
type Transition struct {
	From       string   `yaml:"from" json:"from"`
	To         string   `yaml:"to" json:"to"`
	Guards     []string `yaml:"guards,omitempty" json:"guards,omitempty"`
	Conditions []string `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions    []string `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// Machine is the merged state machine spec for one domain.
type Machine struct {
	Domain      string       `yaml:"domain" json:"domain"`
	Initial     string       `yaml:"initial,omitempty" json:"initial,omitempty"`
	States      []State      `yaml:"states" json:"states"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`
}

// StateNames returns the declared state names in declaration order.
func (m *Machine) StateNames() []string {
	out := make([]string, 0, len(m.States))
	for _, s := range m.States {
		out = append(out, s.Name)
	}
	return out
}

func (m *Machine) HasState(name string) bool {
	for _, s := range m.States {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (m *Machine) IsTerminal(name string) bool {
	for _, s := range m.States {
		if s.Name == name {
			return s.Terminal
		}
	}
	return false
}

// FindTransition returns the first spec-order transition matching (from, to).
func (m *Machine) FindTransition(from, to string) (Transition, bool) {
	for _, t := range m.Transitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// Args is the evaluation context handed to guards, conditions, and actions.
type Args struct {
	Entity *entity.Entity
	From   string
	To     string

	// Values carries caller-supplied advisory data for the transition.
	Values map[string]any

	// Peek loads another entity without taking its lock. Unlocked reads may
	// race an in-flight move; callers tolerate transient not-found. Nil when
	// no repository is wired (handler unit tests).
	Peek func(id string, kind entity.Kind) (*entity.Entity, error)
}

// Value returns a caller-supplied value, or "" when absent.
func (a *Args) Value(key string) string {
	if a == nil || a.Values == nil {
		return ""
	}
	if v, ok := a.Values[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// Predicate is the shared contract for guards and conditions. Guards express
// structural permission and conditions advisory/external checks; the two are
// kept as separately configurable ordered lists without any further
// behavioral distinction.
type Predicate func(a *Args) bool

// Action is a side-effecting step run while applying a transition, before
// the physical move. Actions must be idempotent or compensating: a later
// action's failure does not roll back earlier ones.
type Action func(ctx context.Context, a *Args) error
