// Package registry holds the static catalog of tools and specialists.
// The catalog is built once at startup and never mutated; dynamic
// capability discovery feeds a separate snapshot (snapshot.go) that the
// catalog consumes read-only.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RiskLevel classifies how consequential a tool invocation is.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a config string to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return RiskLow, fmt.Errorf("unknown risk level %q (valid: low, medium, high, critical)", s)
	}
}

// Handler executes a tool invocation and returns text for the model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// ToolDescriptor describes a callable tool.
type ToolDescriptor struct {
	Name        string
	Domain      string
	Description string
	Risk        RiskLevel
	// DangerousOps holds "domain.action" strings that escalate an
	// otherwise routine invocation of this tool. An empty set means
	// the nominal Risk applies to every invocation.
	DangerousOps map[string]bool
	// CostHint is a relative cost indicator (0=free, higher=pricier),
	// used by routing to order tool subsets.
	CostHint int
	// Parameters is the JSON-schema parameter block sent to the model.
	Parameters map[string]any
	Handler    Handler
}

// SpecialistDescriptor describes a bounded capability domain.
type SpecialistDescriptor struct {
	ID           string
	DisplayName  string
	AllowedTools []string
	// ModelTier is the tier this specialist runs on by default
	// ("fast", "balanced", "top").
	ModelTier    string
	SystemPrompt string
	// MaxIterations bounds the specialist's tool loop; zero means the
	// runner default.
	MaxIterations int
	// MaxDuration bounds a sub-turn's wall clock; zero means the
	// runner default.
	MaxDuration time.Duration
}

// Registry is the read-only catalog plus the mutable capability
// snapshot. Catalog access needs no locking; only the snapshot is
// guarded (see snapshot.go).
type Registry struct {
	tools       map[string]*ToolDescriptor
	specialists map[string]*SpecialistDescriptor
	toolOrder   []string
	specOrder   []string

	snap snapshotHolder
}

// New builds a registry. It fails fast if a specialist references a
// tool that was never declared — configuration errors surface at
// startup, not at call time.
func New(tools []*ToolDescriptor, specialists []*SpecialistDescriptor, opts ...Option) (*Registry, error) {
	r := &Registry{
		tools:       make(map[string]*ToolDescriptor, len(tools)),
		specialists: make(map[string]*SpecialistDescriptor, len(specialists)),
	}
	r.snap.ttl = DefaultSnapshotTTL

	for _, o := range opts {
		o(r)
	}

	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("registry: tool with empty name")
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate tool %q", t.Name)
		}
		r.tools[t.Name] = t
		r.toolOrder = append(r.toolOrder, t.Name)
	}

	for _, s := range specialists {
		if s.ID == "" {
			return nil, fmt.Errorf("registry: specialist with empty id")
		}
		if _, dup := r.specialists[s.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate specialist %q", s.ID)
		}
		for _, name := range s.AllowedTools {
			if _, ok := r.tools[name]; !ok {
				return nil, fmt.Errorf("registry: specialist %q references undeclared tool %q", s.ID, name)
			}
		}
		r.specialists[s.ID] = s
		r.specOrder = append(r.specOrder, s.ID)
	}

	return r, nil
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithSnapshotTTL overrides the capability snapshot TTL.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.snap.ttl = ttl }
}

// ErrToolNotFound reports a lookup for a tool the catalog does not
// contain.
type ErrToolNotFound struct {
	Name string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

// Describe returns the descriptor for a tool name.
func (r *Registry) Describe(name string) (*ToolDescriptor, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrToolNotFound{Name: name}
	}
	return t, nil
}

// Specialist returns the descriptor for a specialist id.
func (r *Registry) Specialist(id string) (*SpecialistDescriptor, error) {
	s, ok := r.specialists[id]
	if !ok {
		return nil, fmt.Errorf("specialist %q is not registered", id)
	}
	return s, nil
}

// Specialists returns all specialists in declaration order.
func (r *Registry) Specialists() []*SpecialistDescriptor {
	out := make([]*SpecialistDescriptor, 0, len(r.specOrder))
	for _, id := range r.specOrder {
		out = append(out, r.specialists[id])
	}
	return out
}

// ForSpecialist returns the tool descriptors a specialist may use.
func (r *Registry) ForSpecialist(id string) ([]*ToolDescriptor, error) {
	s, err := r.Specialist(id)
	if err != nil {
		return nil, err
	}
	out := make([]*ToolDescriptor, 0, len(s.AllowedTools))
	for _, name := range s.AllowedTools {
		out = append(out, r.tools[name])
	}
	return out, nil
}

// Resolve maps tool names to descriptors, partitioning unknown names
// into missing rather than failing outright. Callers decide whether a
// partial resolution is acceptable.
func (r *Registry) Resolve(names []string) (found []*ToolDescriptor, missing []string) {
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			found = append(found, t)
		} else {
			missing = append(missing, name)
		}
	}
	return found, missing
}

// ToolNames returns all declared tool names in declaration order.
func (r *Registry) ToolNames() []string {
	out := make([]string, len(r.toolOrder))
	copy(out, r.toolOrder)
	return out
}

// AllowedUnion returns the deduplicated union of the allowed tool sets
// for the given specialists, sorted for stable output.
func (r *Registry) AllowedUnion(specialistIDs []string) []string {
	set := make(map[string]bool)
	for _, id := range specialistIDs {
		s, ok := r.specialists[id]
		if !ok {
			continue
		}
		for _, name := range s.AllowedTools {
			set[name] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ToolDefs renders descriptors into the wire shape the model expects.
func ToolDefs(tools []*ToolDescriptor) []map[string]any {
	defs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return defs
}
