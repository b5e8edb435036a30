// Package entity implements the filesystem-backed entity repository. An
// entity (task, QA review, session) is one markdown file with a YAML
// frontmatter header; its lifecycle state is encoded solely by the name of
// the directory containing it. This package is the single owner of that
// rule: no other component derives state from file content.
package entity

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindTask    Kind = "task"
	KindQA      Kind = "qa"
	KindSession Kind = "session"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindQA, KindSession:
		return true
	default:
		return false
	}
}

// Plural returns the on-disk directory segment for the kind.
func (k Kind) Plural() string {
	switch k {
	case KindTask:
		return "tasks"
	case KindQA:
		return "qa"
	case KindSession:
		return "sessions"
	default:
		return string(k)
	}
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("invalid entity kind: %q", s)
	}
	return k, nil
}

// RelType is the type of a relationship edge between entities.
type RelType string

const (
	RelParent     RelType = "parent"
	RelChild      RelType = "child"
	RelDependsOn  RelType = "depends_on"
	RelBlocks     RelType = "blocks"
	RelRelated    RelType = "related"
	RelBundleRoot RelType = "bundle_root"
)

type Relationship struct {
	Type   RelType `yaml:"type" json:"type"`
	Target string  `yaml:"target" json:"target"`
}

type Meta struct {
	CreatedBy string    `yaml:"created_by,omitempty" json:"created_by,omitempty"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// Entity is one lifecycle record. State is derived from the containing
// directory at load time and is never persisted in the header.
type Entity struct {
	ID    string
	Kind  Kind
	State string

	Title         string
	Relationships []Relationship
	Meta          Meta

	// Worktree is the path of the working copy provisioned for a session,
	// empty for other kinds.
	Worktree string

	Body string
}

// Relate appends a relationship edge, skipping exact duplicates.
func (e *Entity) Relate(t RelType, target string) {
	for _, r := range e.Relationships {
		if r.Type == t && r.Target == target {
			return
		}
	}
	e.Relationships = append(e.Relationships, Relationship{Type: t, Target: target})
}

func (e *Entity) relTargets(t RelType) []string {
	var out []string
	for _, r := range e.Relationships {
		if r.Type == t {
			out = append(out, r.Target)
		}
	}
	return out
}

// ParentID returns the first parent edge target, or "". Accessors below are
// computed views over Relationships and are never persisted separately.
func (e *Entity) ParentID() string {
	if ps := e.relTargets(RelParent); len(ps) > 0 {
		return ps[0]
	}
	return ""
}

func (e *Entity) ChildIDs() []string  { return e.relTargets(RelChild) }
func (e *Entity) DependsOn() []string { return e.relTargets(RelDependsOn) }
func (e *Entity) Blocks() []string    { return e.relTargets(RelBlocks) }
func (e *Entity) Related() []string   { return e.relTargets(RelRelated) }

func (e *Entity) BundleRoot() string {
	if bs := e.relTargets(RelBundleRoot); len(bs) > 0 {
		return bs[0]
	}
	return ""
}

const frontmatterFence = "---"

// header is the persisted frontmatter shape. State is deliberately absent.
type header struct {
	ID            string         `yaml:"id"`
	Kind          Kind           `yaml:"kind"`
	Title         string         `yaml:"title,omitempty"`
	CreatedBy     string         `yaml:"created_by,omitempty"`
	CreatedAt     time.Time      `yaml:"created_at"`
	UpdatedAt     time.Time      `yaml:"updated_at"`
	Worktree      string         `yaml:"worktree,omitempty"`
	Relationships []Relationship `yaml:"relationships,omitempty"`
}

// Encode renders the entity as a frontmatter header plus free-form body.
func Encode(e *Entity) ([]byte, error) {
	if strings.TrimSpace(e.ID) == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("invalid entity kind: %q", e.Kind)
	}
	h := header{
		ID:            e.ID,
		Kind:          e.Kind,
		Title:         e.Title,
		CreatedBy:     e.Meta.CreatedBy,
		CreatedAt:     e.Meta.CreatedAt.UTC(),
		UpdatedAt:     e.Meta.UpdatedAt.UTC(),
		Worktree:      e.Worktree,
		Relationships: e.Relationships,
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatterFence + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&h); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString(frontmatterFence + "\n")
	if e.Body != "" {
		buf.WriteString("\n")
		buf.WriteString(e.Body)
		if !strings.HasSuffix(e.Body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a frontmatter entity file. Files without the header fence are
// rejected; the caller wraps this into a PersistenceError with a migration
// hint rather than attempting a silent translation.
func Decode(b []byte) (*Entity, error) {
	s := string(b)
	if !strings.HasPrefix(s, frontmatterFence+"\n") {
		return nil, fmt.Errorf("missing frontmatter header")
	}
	rest := s[len(frontmatterFence)+1:]
	end := strings.Index(rest, "\n"+frontmatterFence)
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter header")
	}
	headerText := rest[:end+1]
	body := rest[end+1+len(frontmatterFence):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	var h header
	if err := yaml.Unmarshal([]byte(headerText), &h); err != nil {
		return nil, fmt.Errorf("decode frontmatter: %w", err)
	}
	if strings.TrimSpace(h.ID) == "" {
		return nil, fmt.Errorf("frontmatter missing id")
	}
	if !h.Kind.Valid() {
		return nil, fmt.Errorf("frontmatter has invalid kind: %q", h.Kind)
	}
	return &Entity{
		ID:            h.ID,
		Kind:          h.Kind,
		Title:         h.Title,
		Relationships: h.Relationships,
		Meta: Meta{
			CreatedBy: h.CreatedBy,
			CreatedAt: h.CreatedAt,
			UpdatedAt: h.UpdatedAt,
		},
		Worktree: h.Worktree,
		Body:     body,
	}, nil
}
