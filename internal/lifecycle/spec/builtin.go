package spec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drover-dev/drover/internal/lifecycle/entity"
)

// builtinMachine returns the lowest-layer machine for a domain, or nil when
// the domain has no builtin and must come entirely from pack layers.
func builtinMachine(domain string) *Machine {
	switch domain {
	case string(entity.KindTask):
		return &Machine{
			Domain:  domain,
			Initial: "todo",
			States: []State{
				{Name: "todo"},
				{Name: "wip"},
				{Name: "review"},
				{Name: "done", Terminal: true},
				{Name: "archived", Terminal: true},
			},
			Transitions: []Transition{
				{From: "todo", To: "wip", Guards: []string{"always_allow"}, Conditions: []string{"no_open_dependencies"}, Actions: []string{"append_history"}},
				{From: "wip", To: "review", Guards: []string{"always_allow"}, Conditions: []string{"has_title"}, Actions: []string{"append_history"}},
				{From: "wip", To: "todo", Guards: []string{"always_allow"}, Actions: []string{"append_history"}},
				{From: "review", To: "wip", Guards: []string{"always_allow"}, Actions: []string{"append_history"}},
				{From: "review", To: "done", Guards: []string{"all_children_done"}, Actions: []string{"append_history"}},
				{From: "todo", To: "archived", Guards: []string{"always_allow"}, Actions: []string{"append_history"}},
			},
		}
	case string(entity.KindQA):
		return &Machine{
			Domain:  domain,
			Initial: "pending",
			States: []State{
				{Name: "pending"},
				{Name: "approved", Terminal: true},
				{Name: "rejected", Terminal: true},
			},
			Transitions: []Transition{
				{From: "pending", To: "approved", Guards: []string{"always_allow"}, Conditions: []string{"has_verdict"}, Actions: []string{"append_history"}},
				{From: "pending", To: "rejected", Guards: []string{"always_allow"}, Conditions: []string{"has_verdict"}, Actions: []string{"append_history"}},
			},
		}
	case string(entity.KindSession):
		return &Machine{
			Domain:  domain,
			Initial: "active",
			States: []State{
				{Name: "active"},
				{Name: "closing"},
				{Name: "validating"},
				{Name: "validated", Terminal: true},
				// Crash-only holding state: entered by parking an interrupted
				// close, exited only by recovery.
				{Name: "recovery"},
			},
			Transitions: []Transition{
				{From: "active", To: "closing", Guards: []string{"always_allow"}, Actions: []string{"append_history"}},
				{From: "closing", To: "validating", Guards: []string{"always_allow"}, Actions: []string{"append_history"}},
				{From: "validating", To: "validated", Guards: []string{"always_allow"}, Conditions: []string{"has_title"}, Actions: []string{"append_history"}},
				{From: "recovery", To: "closing", Guards: []string{"always_allow"}},
				{From: "recovery", To: "active", Guards: []string{"always_allow"}},
			},
		}
	default:
		return nil
	}
}

// BuiltinDomains lists the domains with a builtin machine, matching entity
// kinds one to one.
func BuiltinDomains() []string {
	return []string{string(entity.KindTask), string(entity.KindQA), string(entity.KindSession)}
}

func registerBuiltinHandlers(r *Resolver) {
	// Guards: structural permission.
	r.RegisterGuard("always_allow", func(a *Args) bool { return true })
	r.RegisterGuard("deny_all", func(a *Args) bool { return false })
	r.RegisterGuard("has_parent", func(a *Args) bool {
		return a.Entity != nil && a.Entity.ParentID() != ""
	})
	r.RegisterGuard("all_children_done", func(a *Args) bool {
		if a.Entity == nil {
			return false
		}
		if a.Peek == nil {
			return len(a.Entity.ChildIDs()) == 0
		}
		for _, id := range a.Entity.ChildIDs() {
			child, err := a.Peek(id, a.Entity.Kind)
			if err != nil {
				return false
			}
			if child.State != "done" && child.State != "archived" {
				return false
			}
		}
		return true
	})

	// Conditions: advisory/external checks.
	r.RegisterCondition("has_title", func(a *Args) bool {
		return a.Entity != nil && strings.TrimSpace(a.Entity.Title) != ""
	})
	r.RegisterCondition("has_verdict", func(a *Args) bool {
		return a.Value("verdict") != ""
	})
	r.RegisterCondition("no_open_dependencies", func(a *Args) bool {
		if a.Entity == nil {
			return false
		}
		if a.Peek == nil {
			return len(a.Entity.DependsOn()) == 0
		}
		for _, id := range a.Entity.DependsOn() {
			dep, err := a.Peek(id, a.Entity.Kind)
			if err != nil {
				// Tolerate a dependency caught mid-move; treat as open.
				return false
			}
			if dep.State != "done" && dep.State != "archived" {
				return false
			}
		}
		return true
	})

	// Actions: run before the physical move.
	r.RegisterAction("append_history", func(ctx context.Context, a *Args) error {
		if a.Entity == nil {
			return fmt.Errorf("append_history: no entity")
		}
		line := fmt.Sprintf("> %s -> %s at %s", a.From, a.To, time.Now().UTC().Format(time.RFC3339))
		if by := a.Value("actor"); by != "" {
			line += " by " + by
		}
		body := a.Entity.Body
		if body != "" && !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		a.Entity.Body = body + line + "\n"
		return nil
	})
	r.RegisterAction("clear_worktree", func(ctx context.Context, a *Args) error {
		if a.Entity == nil {
			return fmt.Errorf("clear_worktree: no entity")
		}
		a.Entity.Worktree = ""
		return nil
	})
}
