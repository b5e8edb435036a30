package spec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// LoadError is fatal for the invoking command: an incomplete or malformed
// spec must never be executed against.
type LoadError struct {
	Domain string
	Path   string
	Err    error
}

func (e *LoadError) Error() string {
	msg := "spec load"
	if e.Domain != "" {
		msg += " (domain " + e.Domain + ")"
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Layer is one precedence tier. Roots are scanned for
// statemachines/**/*.yaml documents; the builtin tier is implicit and always
// lowest.
type Layer struct {
	Name string
	Root string
}

const machineDocPattern = "statemachines/**/*.{yaml,yml}"

// machineDocSchema validates a state machine document before it is merged.
const machineDocSchema = `{
  "type": "object",
  "required": ["domain", "states", "transitions"],
  "additionalProperties": false,
  "properties": {
    "domain": {"type": "string", "minLength": 1},
    "initial": {"type": "string"},
    "states": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "terminal": {"type": "boolean"}
        }
      }
    },
    "transitions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "additionalProperties": false,
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "guards": {"type": "array", "items": {"type": "string"}},
          "conditions": {"type": "array", "items": {"type": "string"}},
          "actions": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var compileDocSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("machine.schema.json", strings.NewReader(machineDocSchema)); err != nil {
		return nil, err
	}
	return c.Compile("machine.schema.json")
})

// Resolver produces one merged Machine per domain plus the three handler
// registries. Results are cached per domain; the cache key is implicitly the
// resolver's layer list, so a resolver is scoped to one project root.
type Resolver struct {
	layers []Layer

	guards     *Registry[Predicate]
	conditions *Registry[Predicate]
	actions    *Registry[Action]

	mu    sync.Mutex
	cache map[string]*Machine
}

// NewResolver builds a resolver over the given layer roots, ordered lowest to
// highest precedence. Builtin machines and handlers are registered first.
func NewResolver(layers ...Layer) *Resolver {
	r := &Resolver{
		layers:     layers,
		guards:     NewRegistry[Predicate](),
		conditions: NewRegistry[Predicate](),
		actions:    NewRegistry[Action](),
		cache:      map[string]*Machine{},
	}
	registerBuiltinHandlers(r)
	return r
}

// RegisterGuard overrides or adds a guard implementation. Callers register in
// layer order, so a later registration shadows an earlier one by name.
func (r *Resolver) RegisterGuard(name string, p Predicate)     { r.guards.Register(name, p) }
func (r *Resolver) RegisterCondition(name string, p Predicate) { r.conditions.Register(name, p) }
func (r *Resolver) RegisterAction(name string, a Action)       { r.actions.Register(name, a) }

func (r *Resolver) Guard(name string) (Predicate, bool)     { return r.guards.Lookup(name) }
func (r *Resolver) Condition(name string) (Predicate, bool) { return r.conditions.Lookup(name) }
func (r *Resolver) Action(name string) (Action, bool)       { return r.actions.Lookup(name) }

// Resolve returns the merged machine for a domain, verifying every
// referenced guard/condition/action resolves to an implementation and every
// transition endpoint is a declared state.
func (r *Resolver) Resolve(domain string) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.cache[domain]; ok {
		return m, nil
	}

	merged := builtinMachine(domain)
	for _, layer := range r.layers {
		docs, err := loadLayerDocs(layer, domain)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			merged = mergeMachine(merged, doc)
		}
	}
	if merged == nil {
		return nil, &LoadError{Domain: domain, Err: fmt.Errorf("no state machine spec in any layer")}
	}
	if err := r.verify(merged); err != nil {
		return nil, err
	}
	r.cache[domain] = merged
	return merged, nil
}

// Invalidate drops the cached machine for a domain. Cache invalidation is
// driven externally (e.g. after a pack sync).
func (r *Resolver) Invalidate(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, domain)
}

func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = map[string]*Machine{}
}

func (r *Resolver) verify(m *Machine) error {
	for _, t := range m.Transitions {
		if !m.HasState(t.From) {
			return &LoadError{Domain: m.Domain, Err: fmt.Errorf("transition %s->%s: undeclared state %q", t.From, t.To, t.From)}
		}
		if !m.HasState(t.To) {
			return &LoadError{Domain: m.Domain, Err: fmt.Errorf("transition %s->%s: undeclared state %q", t.From, t.To, t.To)}
		}
		// Terminal states are never exited; a spec that declares an exit
		// edge must fail here, not at apply time.
		if m.IsTerminal(t.From) {
			return &LoadError{Domain: m.Domain, Err: fmt.Errorf("transition %s->%s: %q is terminal and cannot be exited", t.From, t.To, t.From)}
		}
		for _, g := range t.Guards {
			if !r.guards.Has(g) {
				return &LoadError{Domain: m.Domain, Err: fmt.Errorf("transition %s->%s: guard %q has no implementation in any layer (registered: %s)", t.From, t.To, g, strings.Join(r.guards.Names(), ", "))}
			}
		}
		for _, c := range t.Conditions {
			if !r.conditions.Has(c) {
				return &LoadError{Domain: m.Domain, Err: fmt.Errorf("transition %s->%s: condition %q has no implementation in any layer (registered: %s)", t.From, t.To, c, strings.Join(r.conditions.Names(), ", "))}
			}
		}
		for _, a := range t.Actions {
			if !r.actions.Has(a) {
				return &LoadError{Domain: m.Domain, Err: fmt.Errorf("transition %s->%s: action %q has no implementation in any layer (registered: %s)", t.From, t.To, a, strings.Join(r.actions.Names(), ", "))}
			}
		}
	}
	if m.Initial != "" && !m.HasState(m.Initial) {
		return &LoadError{Domain: m.Domain, Err: fmt.Errorf("initial state %q is not declared", m.Initial)}
	}
	return nil
}

// loadLayerDocs returns the layer's machine documents for a domain in sorted
// path order. A missing layer root contributes nothing; a malformed document
// is a LoadError regardless of domain, so a broken pack is caught early.
func loadLayerDocs(layer Layer, domain string) ([]*Machine, error) {
	if layer.Root == "" {
		return nil, nil
	}
	if _, err := os.Stat(layer.Root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(layer.Root), machineDocPattern)
	if err != nil {
		return nil, &LoadError{Domain: domain, Path: layer.Root, Err: err}
	}
	sort.Strings(matches)

	var out []*Machine
	for _, rel := range matches {
		path := filepath.Join(layer.Root, rel)
		doc, err := LoadMachineDoc(path)
		if err != nil {
			return nil, err
		}
		if doc.Domain == domain {
			out = append(out, doc)
		}
	}
	return out, nil
}

// LoadMachineDoc reads one YAML state machine document, validating it
// against the embedded JSON schema before decoding.
func LoadMachineDoc(path string) (*Machine, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	// Normalize YAML scalars through JSON so the schema validator sees the
	// value types it expects.
	jb, err := json.Marshal(raw)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var doc any
	if err := json.Unmarshal(jb, &doc); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	schema, err := compileDocSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var m Machine
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return &m, nil
}

// mergeMachine overlays doc onto base: states override by name, transitions
// by (from, to), initial when set; new entries append in declaration order.
func mergeMachine(base, doc *Machine) *Machine {
	if base == nil {
		cp := *doc
		cp.States = append([]State{}, doc.States...)
		cp.Transitions = append([]Transition{}, doc.Transitions...)
		return &cp
	}
	out := &Machine{
		Domain:      base.Domain,
		Initial:     base.Initial,
		States:      append([]State{}, base.States...),
		Transitions: append([]Transition{}, base.Transitions...),
	}
	if doc.Initial != "" {
		out.Initial = doc.Initial
	}
	for _, s := range doc.States {
		replaced := false
		for i := range out.States {
			if out.States[i].Name == s.Name {
				out.States[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			out.States = append(out.States, s)
		}
	}
	for _, t := range doc.Transitions {
		replaced := false
		for i := range out.Transitions {
			if out.Transitions[i].From == t.From && out.Transitions[i].To == t.To {
				out.Transitions[i] = t
				replaced = true
				break
			}
		}
		if !replaced {
			out.Transitions = append(out.Transitions, t)
		}
	}
	return out
}
