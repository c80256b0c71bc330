// Package routing turns a complexity score into an execution plan:
// which model tier to use, which tools to grant, and which
// orchestration pattern drives the turn.
package routing

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oakhurst/concierge/internal/classifier"
	"github.com/oakhurst/concierge/internal/registry"
)

// Pattern is the orchestration shape for a turn.
type Pattern string

const (
	// PatternDirect runs one model loop with tools.
	PatternDirect Pattern = "direct"

	// PatternHandoff delegates the whole turn to a single specialist.
	PatternHandoff Pattern = "handoff"

	// PatternManager exposes specialists as tools to a coordinating
	// model that synthesizes their answers.
	PatternManager Pattern = "manager"
)

// Tiers maps the three capability levels to concrete model names.
type Tiers struct {
	Fast     string
	Balanced string
	Top      string
}

// Overrides are caller-supplied routing constraints. A non-empty
// ModelTier or Tools wins outright and bypasses the classifier.
type Overrides struct {
	ModelTier  string
	Tools      []string
	Synthesize bool
}

// Decision is the routing outcome for one turn. It is produced once
// and read-only downstream.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	Tier       classifier.Tier `json:"tier"`
	Weighted   float64         `json:"weighted"`
	Intent     string          `json:"intent"`
	Overridden bool            `json:"overridden,omitempty"`

	ModelTier   string   `json:"model_tier"`
	Tools       []string `json:"tools"`
	Pattern     Pattern  `json:"pattern"`
	Specialists []string `json:"specialists"`

	// Warnings carries unresolved or disallowed tool names. Nothing is
	// dropped silently.
	Warnings  []string `json:"warnings,omitempty"`
	Reasoning string   `json:"reasoning"`
}

// Stats tracks routing behavior over the process lifetime.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	TierCounts    map[string]int64 `json:"tier_counts"`
	PatternCounts map[string]int64 `json:"pattern_counts"`
	OverrideCount int64            `json:"override_count"`
}

// Config holds policy configuration.
type Config struct {
	Tiers Tiers

	// DefaultTools is the balanced-tier tool set. Empty means every
	// registered tool.
	DefaultTools []string

	// MaxAuditLog bounds the in-memory decision ring.
	MaxAuditLog int
}

// Policy selects tiers, tools, and patterns for turns.
type Policy struct {
	logger *slog.Logger
	reg    *registry.Registry
	cfg    Config

	mu    sync.RWMutex
	audit []Decision
	stats Stats
}

// NewPolicy creates a routing policy over the given registry.
func NewPolicy(logger *slog.Logger, reg *registry.Registry, cfg Config) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAuditLog <= 0 {
		cfg.MaxAuditLog = 1000
	}
	return &Policy{
		logger: logger,
		reg:    reg,
		cfg:    cfg,
		audit:  make([]Decision, 0, cfg.MaxAuditLog),
		stats: Stats{
			TierCounts:    make(map[string]int64),
			PatternCounts: make(map[string]int64),
		},
	}
}

// Intent keyword tables. First match wins, checked in order: home
// control phrasing is the most specific, general knowledge the least.
var intentTable = []struct {
	intent     string
	specialist string
	keywords   []string
}{
	{
		intent:     "home_control",
		specialist: "home",
		keywords: []string{
			"turn on", "turn off", "switch on", "switch off", "dim",
			"light", "lights", "lock", "unlock", "thermostat",
			"temperature", "garage", "door", "scene", "blinds", "cover",
		},
	},
	{
		intent:     "memory",
		specialist: "memory",
		keywords: []string{
			"remember", "recall", "forget", "remind me what", "you told me",
		},
	},
	{
		intent:     "code",
		specialist: "code",
		keywords: []string{
			"run ", "execute", "script", "command", "shell",
		},
	},
	{
		intent:     "informational",
		specialist: "research",
		keywords: []string{
			"what is", "what's", "who is", "search", "look up", "news",
			"weather", "latest", "find out", "when did", "where is",
		},
	},
}

// Minimal tool subsets per intent for simple queries.
var intentTools = map[string][]string{
	"home_control":  {"home_control"},
	"memory":        {"recall", "remember"},
	"code":          {"run_shell"},
	"informational": {"web_search"},
}

// simpleFallbackTools is granted to simple queries with no recognized
// intent.
var simpleFallbackTools = []string{"home_control", "web_search"}

const generalSpecialist = "general"

// Route produces the decision for one turn. Overrides, when present,
// win outright.
func (p *Policy) Route(score classifier.Score, query string, ov *Overrides) Decision {
	d := Decision{
		RequestID: uuid.Must(uuid.NewV7()).String(),
		Timestamp: time.Now().UTC(),
		Tier:      score.Tier,
		Weighted:  score.Weighted,
		Intent:    detectIntent(query),
	}

	if ov != nil && (ov.ModelTier != "" || len(ov.Tools) > 0) {
		p.routeOverride(&d, ov)
	} else {
		p.routeByTier(&d, ov)
	}

	// A tool is only granted when some selected specialist is allowed
	// to hold it. Anything outside that union becomes a warning.
	d.Tools = p.restrictToSpecialists(&d)

	p.record(d)

	p.logger.Info("turn routed",
		"request_id", d.RequestID,
		"tier", d.Tier.String(),
		"model_tier", d.ModelTier,
		"pattern", string(d.Pattern),
		"tools", len(d.Tools),
		"warnings", len(d.Warnings),
	)

	return d
}

func (p *Policy) routeOverride(d *Decision, ov *Overrides) {
	d.Overridden = true
	d.Pattern = PatternDirect
	d.Specialists = []string{generalSpecialist}

	d.ModelTier = ov.ModelTier
	if d.ModelTier == "" {
		d.ModelTier = p.tierModel(d.Tier)
	}

	if len(ov.Tools) > 0 {
		d.Tools = p.resolveTools(d, ov.Tools)
	} else {
		d.Tools = p.defaultTools()
	}

	var r strings.Builder
	r.WriteString("caller override")
	if ov.ModelTier != "" {
		r.WriteString(", model tier " + ov.ModelTier)
	}
	if len(ov.Tools) > 0 {
		r.WriteString(", explicit tool set")
	}
	d.Reasoning = r.String()
}

func (p *Policy) routeByTier(d *Decision, ov *Overrides) {
	switch d.Tier {
	case classifier.TierSimple:
		d.ModelTier = p.cfg.Tiers.Fast
		d.Pattern = PatternDirect
		d.Specialists = []string{p.registeredSpecialist(d, specialistFor(d.Intent))}
		if tools, ok := intentTools[d.Intent]; ok {
			d.Tools = p.resolveTools(d, tools)
			d.Reasoning = "simple " + d.Intent + " query, minimal tool set"
		} else {
			d.Tools = p.resolveTools(d, simpleFallbackTools)
			d.Reasoning = "simple query without clear intent, small default set"
		}

	case classifier.TierModerate:
		d.ModelTier = p.cfg.Tiers.Balanced
		d.Pattern = PatternDirect
		d.Specialists = []string{generalSpecialist}
		d.Tools = p.defaultTools()
		d.Reasoning = "moderate query, default tool set"

	default: // TierComplex
		d.ModelTier = p.cfg.Tiers.Top
		if ov != nil && ov.Synthesize {
			d.Pattern = PatternManager
			d.Specialists = p.allSpecialists()
			d.Reasoning = "complex query, cross-specialist synthesis requested"
		} else {
			d.Pattern = PatternHandoff
			d.Specialists = []string{p.registeredSpecialist(d, specialistFor(d.Intent))}
			d.Reasoning = "complex query, delegating to " + d.Specialists[0] + " specialist"
		}
		d.Tools = p.resolveTools(d, p.reg.AllowedUnion(d.Specialists))
	}
}

// registeredSpecialist returns id when the registry knows it. A catalog
// built with missing backends may lack an intent's specialist; in that
// case the turn falls back to the general specialist with a warning.
func (p *Policy) registeredSpecialist(d *Decision, id string) string {
	if _, err := p.reg.Specialist(id); err == nil {
		return id
	}
	d.Warnings = append(d.Warnings, "specialist not registered: "+id+", falling back to "+generalSpecialist)
	return generalSpecialist
}

// resolveTools checks names against the registry, recording the missing
// ones as warnings.
func (p *Policy) resolveTools(d *Decision, names []string) []string {
	found, missing := p.reg.Resolve(names)
	for _, m := range missing {
		d.Warnings = append(d.Warnings, "unresolved tool: "+m)
	}
	out := make([]string, 0, len(found))
	for _, t := range found {
		out = append(out, t.Name)
	}
	return out
}

// restrictToSpecialists enforces that every granted tool is allowed by
// at least one selected specialist.
func (p *Policy) restrictToSpecialists(d *Decision) []string {
	allowed := make(map[string]bool)
	for _, name := range p.reg.AllowedUnion(d.Specialists) {
		allowed[name] = true
	}

	out := make([]string, 0, len(d.Tools))
	for _, name := range d.Tools {
		if allowed[name] {
			out = append(out, name)
			continue
		}
		d.Warnings = append(d.Warnings, "tool not allowed for selected specialists: "+name)
	}
	return out
}

func (p *Policy) defaultTools() []string {
	if len(p.cfg.DefaultTools) > 0 {
		out := make([]string, len(p.cfg.DefaultTools))
		copy(out, p.cfg.DefaultTools)
		return out
	}
	return p.reg.ToolNames()
}

func (p *Policy) allSpecialists() []string {
	specs := p.reg.Specialists()
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.ID)
	}
	return out
}

// ModelFor maps a tier label ("fast", "balanced", "top") to its
// configured model name, or "" for an unknown label.
func (p *Policy) ModelFor(label string) string {
	switch label {
	case "fast":
		return p.cfg.Tiers.Fast
	case "balanced":
		return p.cfg.Tiers.Balanced
	case "top":
		return p.cfg.Tiers.Top
	}
	return ""
}

func (p *Policy) tierModel(t classifier.Tier) string {
	switch t {
	case classifier.TierSimple:
		return p.cfg.Tiers.Fast
	case classifier.TierModerate:
		return p.cfg.Tiers.Balanced
	default:
		return p.cfg.Tiers.Top
	}
}

func detectIntent(query string) string {
	q := strings.ToLower(query)
	for _, entry := range intentTable {
		for _, kw := range entry.keywords {
			if strings.Contains(q, kw) {
				return entry.intent
			}
		}
	}
	return "general"
}

func specialistFor(intent string) string {
	for _, entry := range intentTable {
		if entry.intent == intent {
			return entry.specialist
		}
	}
	return generalSpecialist
}

// record appends to the audit ring and updates stats.
func (p *Policy) record(d Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.audit) >= p.cfg.MaxAuditLog {
		p.audit = p.audit[1:]
	}
	p.audit = append(p.audit, d)

	p.stats.TotalRequests++
	p.stats.TierCounts[d.Tier.String()]++
	p.stats.PatternCounts[string(d.Pattern)]++
	if d.Overridden {
		p.stats.OverrideCount++
	}
}

// AuditLog returns the most recent decisions, newest last.
func (p *Policy) AuditLog(limit int) []Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if limit <= 0 || limit > len(p.audit) {
		limit = len(p.audit)
	}
	start := len(p.audit) - limit
	out := make([]Decision, limit)
	copy(out, p.audit[start:])
	return out
}

// Stats returns a copy of the routing counters.
func (p *Policy) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := Stats{
		TotalRequests: p.stats.TotalRequests,
		OverrideCount: p.stats.OverrideCount,
		TierCounts:    make(map[string]int64, len(p.stats.TierCounts)),
		PatternCounts: make(map[string]int64, len(p.stats.PatternCounts)),
	}
	for k, v := range p.stats.TierCounts {
		out.TierCounts[k] = v
	}
	for k, v := range p.stats.PatternCounts {
		out.PatternCounts[k] = v
	}
	return out
}

// Explain returns the recorded decision for a request id, or nil.
func (p *Policy) Explain(requestID string) *Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i := len(p.audit) - 1; i >= 0; i-- {
		if p.audit[i].RequestID == requestID {
			d := p.audit[i]
			return &d
		}
	}
	return nil
}
