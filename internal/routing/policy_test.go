package routing

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/oakhurst/concierge/internal/classifier"
	"github.com/oakhurst/concierge/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	tools := []*registry.ToolDescriptor{
		{Name: "home_control", Domain: "home"},
		{Name: "web_search", Domain: "web"},
		{Name: "fetch_page", Domain: "web"},
		{Name: "remember", Domain: "memory"},
		{Name: "recall", Domain: "memory"},
		{Name: "run_shell", Domain: "system", Risk: registry.RiskHigh},
	}
	specialists := []*registry.SpecialistDescriptor{
		{ID: "home", AllowedTools: []string{"home_control"}},
		{ID: "memory", AllowedTools: []string{"remember", "recall"}},
		{ID: "research", AllowedTools: []string{"web_search", "fetch_page"}},
		{ID: "code", AllowedTools: []string{"run_shell"}},
		{ID: "general", AllowedTools: []string{"home_control", "web_search", "fetch_page", "remember", "recall"}},
	}

	reg, err := registry.New(tools, specialists)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	return NewPolicy(slog.Default(), testRegistry(t), Config{
		Tiers: Tiers{Fast: "qwen3:4b", Balanced: "qwen3:14b", Top: "claude-sonnet"},
	})
}

func score(tier classifier.Tier) classifier.Score {
	return classifier.Score{Tier: tier}
}

func TestRouteSimpleHomeQuery(t *testing.T) {
	p := testPolicy(t)

	d := p.Route(score(classifier.TierSimple), "turn off the living room light", nil)

	if d.ModelTier != "qwen3:4b" {
		t.Errorf("model tier = %q, want fast", d.ModelTier)
	}
	if d.Pattern != PatternDirect {
		t.Errorf("pattern = %q, want direct", d.Pattern)
	}
	if len(d.Tools) != 1 || d.Tools[0] != "home_control" {
		t.Errorf("tools = %v, want [home_control]", d.Tools)
	}
	if len(d.Specialists) != 1 || d.Specialists[0] != "home" {
		t.Errorf("specialists = %v, want [home]", d.Specialists)
	}
	if len(d.Warnings) != 0 {
		t.Errorf("warnings = %v", d.Warnings)
	}
}

func TestRouteSimpleInformational(t *testing.T) {
	p := testPolicy(t)

	d := p.Route(score(classifier.TierSimple), "what is the capital of peru", nil)

	if len(d.Tools) != 1 || d.Tools[0] != "web_search" {
		t.Errorf("tools = %v, want [web_search]", d.Tools)
	}
	if d.Specialists[0] != "research" {
		t.Errorf("specialists = %v, want [research]", d.Specialists)
	}
}

func TestRouteSimpleNoIntentFallback(t *testing.T) {
	p := testPolicy(t)

	d := p.Route(score(classifier.TierSimple), "hello there friend", nil)

	if d.Intent != "general" {
		t.Errorf("intent = %q, want general", d.Intent)
	}
	if len(d.Tools) != 2 {
		t.Errorf("tools = %v, want small default set", d.Tools)
	}
}

func TestRouteModerate(t *testing.T) {
	p := testPolicy(t)

	d := p.Route(score(classifier.TierModerate), "summarize my open tasks and check the weather", nil)

	if d.ModelTier != "qwen3:14b" {
		t.Errorf("model tier = %q, want balanced", d.ModelTier)
	}
	if d.Pattern != PatternDirect {
		t.Errorf("pattern = %q", d.Pattern)
	}
	// Default set is every tool the general specialist may hold;
	// run_shell is excluded from general and must surface as a warning,
	// not vanish.
	for _, tool := range d.Tools {
		if tool == "run_shell" {
			t.Error("run_shell granted to general specialist")
		}
	}
	found := false
	for _, w := range d.Warnings {
		if strings.Contains(w, "run_shell") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want run_shell restriction noted", d.Warnings)
	}
}

func TestRouteComplexHandoff(t *testing.T) {
	p := testPolicy(t)

	d := p.Route(score(classifier.TierComplex), "analyze why the upstairs lights keep flickering at night", nil)

	if d.ModelTier != "claude-sonnet" {
		t.Errorf("model tier = %q, want top", d.ModelTier)
	}
	if d.Pattern != PatternHandoff {
		t.Errorf("pattern = %q, want handoff", d.Pattern)
	}
	if len(d.Specialists) != 1 || d.Specialists[0] != "home" {
		t.Errorf("specialists = %v, want [home]", d.Specialists)
	}
	// Handoff tools are scoped to the target specialist.
	if len(d.Tools) != 1 || d.Tools[0] != "home_control" {
		t.Errorf("tools = %v, want [home_control]", d.Tools)
	}
}

func TestRouteComplexManager(t *testing.T) {
	p := testPolicy(t)

	d := p.Route(score(classifier.TierComplex), "compare my home energy usage with local weather trends", &Overrides{Synthesize: true})

	if d.Pattern != PatternManager {
		t.Errorf("pattern = %q, want manager", d.Pattern)
	}
	if len(d.Specialists) != 5 {
		t.Errorf("specialists = %v, want all five", d.Specialists)
	}
	if len(d.Tools) == 0 {
		t.Error("manager pattern granted no tools")
	}
}

func TestRouteOverrideWins(t *testing.T) {
	p := testPolicy(t)

	d := p.Route(score(classifier.TierComplex), "analyze everything", &Overrides{
		ModelTier: "qwen3:4b",
		Tools:     []string{"web_search"},
	})

	if !d.Overridden {
		t.Error("Overridden = false")
	}
	if d.ModelTier != "qwen3:4b" {
		t.Errorf("model tier = %q, want override", d.ModelTier)
	}
	if len(d.Tools) != 1 || d.Tools[0] != "web_search" {
		t.Errorf("tools = %v, want [web_search]", d.Tools)
	}
	if d.Pattern != PatternDirect {
		t.Errorf("pattern = %q, want direct", d.Pattern)
	}
}

func TestRouteUnresolvedToolWarns(t *testing.T) {
	p := testPolicy(t)

	d := p.Route(score(classifier.TierSimple), "hello", &Overrides{
		Tools: []string{"web_search", "teleport"},
	})

	if len(d.Tools) != 1 || d.Tools[0] != "web_search" {
		t.Errorf("tools = %v", d.Tools)
	}
	found := false
	for _, w := range d.Warnings {
		if strings.Contains(w, "teleport") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want unresolved teleport", d.Warnings)
	}
}

func TestDetectIntent(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"turn on the porch light", "home_control"},
		{"lock the front door", "home_control"},
		{"remember that I parked on level 3", "memory"},
		{"what is the latest news", "informational"},
		{"run the backup script", "code"},
		{"tell me a story", "general"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := detectIntent(tt.query); got != tt.want {
				t.Errorf("detectIntent(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestAuditLogAndExplain(t *testing.T) {
	p := testPolicy(t)

	d1 := p.Route(score(classifier.TierSimple), "turn on the light", nil)
	d2 := p.Route(score(classifier.TierModerate), "how are the plants doing", nil)

	log := p.AuditLog(0)
	if len(log) != 2 {
		t.Fatalf("audit log len = %d, want 2", len(log))
	}
	if log[0].RequestID != d1.RequestID || log[1].RequestID != d2.RequestID {
		t.Error("audit log order wrong")
	}

	got := p.Explain(d2.RequestID)
	if got == nil || got.RequestID != d2.RequestID {
		t.Fatalf("Explain returned %+v", got)
	}
	if p.Explain("no-such-id") != nil {
		t.Error("Explain for unknown id should be nil")
	}
}

func TestAuditRingBounded(t *testing.T) {
	p := NewPolicy(slog.Default(), testRegistry(t), Config{
		Tiers:       Tiers{Fast: "f", Balanced: "b", Top: "t"},
		MaxAuditLog: 3,
	})

	for range 5 {
		p.Route(score(classifier.TierSimple), "hello", nil)
	}

	if got := len(p.AuditLog(0)); got != 3 {
		t.Errorf("audit log len = %d, want 3", got)
	}
	if p.Stats().TotalRequests != 5 {
		t.Errorf("total = %d, want 5", p.Stats().TotalRequests)
	}
}

func TestStats(t *testing.T) {
	p := testPolicy(t)

	p.Route(score(classifier.TierSimple), "turn on the light", nil)
	p.Route(score(classifier.TierSimple), "turn off the light", nil)
	p.Route(score(classifier.TierComplex), "analyze energy usage", nil)
	p.Route(score(classifier.TierSimple), "hello", &Overrides{ModelTier: "t"})

	s := p.Stats()
	if s.TotalRequests != 4 {
		t.Errorf("total = %d", s.TotalRequests)
	}
	if s.TierCounts["simple"] != 3 {
		t.Errorf("simple count = %d", s.TierCounts["simple"])
	}
	if s.PatternCounts["handoff"] != 1 {
		t.Errorf("handoff count = %d", s.PatternCounts["handoff"])
	}
	if s.OverrideCount != 1 {
		t.Errorf("override count = %d", s.OverrideCount)
	}
}

// minimalRegistry mirrors a catalog built with every backend but web
// search missing: one tool, one specialist.
func minimalRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg, err := registry.New(
		[]*registry.ToolDescriptor{{Name: "web_search", Domain: "web"}},
		[]*registry.SpecialistDescriptor{{ID: "general", AllowedTools: []string{"web_search"}}},
	)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestRouteFallsBackToRegisteredSpecialist(t *testing.T) {
	p := NewPolicy(slog.Default(), minimalRegistry(t), Config{
		Tiers: Tiers{Fast: "f", Balanced: "b", Top: "t"},
	})

	t.Run("simple", func(t *testing.T) {
		d := p.Route(score(classifier.TierSimple), "turn off the kitchen light", nil)

		if len(d.Specialists) != 1 || d.Specialists[0] != "general" {
			t.Fatalf("specialists = %v, want [general]", d.Specialists)
		}
		if d.Pattern != PatternDirect {
			t.Errorf("pattern = %q, want direct", d.Pattern)
		}
		found := false
		for _, w := range d.Warnings {
			if strings.Contains(w, "specialist not registered") {
				found = true
			}
		}
		if !found {
			t.Errorf("warnings = %v, want a specialist fallback warning", d.Warnings)
		}
	})

	t.Run("handoff", func(t *testing.T) {
		d := p.Route(score(classifier.TierComplex), "run a full diagnostic script on the server", nil)

		if len(d.Specialists) != 1 || d.Specialists[0] != "general" {
			t.Fatalf("specialists = %v, want [general]", d.Specialists)
		}
		if d.Pattern != PatternHandoff {
			t.Errorf("pattern = %q, want handoff", d.Pattern)
		}
	})
}
