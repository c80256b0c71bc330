package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/oakhurst/concierge/internal/config"
	"github.com/oakhurst/concierge/internal/fetch"
	"github.com/oakhurst/concierge/internal/memory"
	"github.com/oakhurst/concierge/internal/registry"
	"github.com/oakhurst/concierge/internal/search"
)

type fakeHome struct {
	domain  string
	service string
	data    map[string]any
	err     error
}

func (f *fakeHome) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	f.domain = domain
	f.service = service
	f.data = data
	return f.err
}

type fakeSearcher struct {
	query   string
	results []search.Result
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	f.query = query
	return f.results, f.err
}

type fakeFetcher struct {
	url    string
	result *fetch.Result
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*fetch.Result, error) {
	f.url = rawURL
	return f.result, nil
}

type fakeFacts struct {
	facts []memory.Fact
}

func (f *fakeFacts) Remember(ctx context.Context, subject, content, source string) (*memory.Fact, error) {
	if content == "" {
		return nil, fmt.Errorf("empty content")
	}
	if subject == "" {
		subject = "general"
	}
	fact := memory.Fact{ID: fmt.Sprintf("f%d", len(f.facts)+1), Subject: subject, Content: content, Source: source}
	f.facts = append(f.facts, fact)
	return &fact, nil
}

func (f *fakeFacts) Recall(ctx context.Context, query string, limit int) ([]memory.Fact, error) {
	return f.facts, nil
}

func shellConfig(enabled bool) config.ShellExecConfig {
	return config.ShellExecConfig{Enabled: enabled, DefaultTimeoutSec: 10}
}

func fullDeps() (Deps, *fakeHome, *fakeSearcher, *fakeFacts) {
	home := &fakeHome{}
	searcher := &fakeSearcher{}
	facts := &fakeFacts{}
	snap := &registry.Snapshot{
		Entities: []registry.Entity{
			{EntityID: "light.kitchen", State: "on", FriendlyName: "Kitchen Light"},
			{EntityID: "lock.front_door", State: "locked"},
		},
		TakenAt: time.Now(),
		Source:  "test",
	}
	deps := Deps{
		Home:  home,
		Searc: searcher,
		Fetch: &fakeFetcher{result: &fetch.Result{Title: "Page", Content: "body text"}},
		Facts: facts,
		Shell: NewShellExec(shellConfig(true)),
		Snapshots: func() (*registry.Snapshot, bool) {
			return snap, true
		},
		SpecialistTiers: map[string]string{"home": "fast", "general": "balanced"},
	}
	return deps, home, searcher, facts
}

func findTool(t *testing.T, tools []*registry.ToolDescriptor, name string) *registry.ToolDescriptor {
	t.Helper()
	for _, tool := range tools {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %q not in catalog", name)
	return nil
}

func TestCatalog_BuildsValidRegistry(t *testing.T) {
	deps, _, _, _ := fullDeps()
	tools, specs := Catalog(deps)

	reg, err := registry.New(tools, specs)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	for _, name := range []string{"home_control", "list_entities", "web_search", "fetch_page", "remember", "recall", "run_shell"} {
		if _, err := reg.Describe(name); err != nil {
			t.Errorf("Describe(%q): %v", name, err)
		}
	}
	for _, id := range []string{"home", "memory", "research", "code", "general"} {
		if _, err := reg.Specialist(id); err != nil {
			t.Errorf("Specialist(%q): %v", id, err)
		}
	}

	home, _ := reg.Specialist("home")
	if home.ModelTier != "fast" {
		t.Errorf("home tier = %q, want fast", home.ModelTier)
	}
}

func TestCatalog_NilBackendsShrinkSpecialists(t *testing.T) {
	tools, specs := Catalog(Deps{Facts: &fakeFacts{}})

	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if _, err := registry.New(tools, specs); err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	for _, s := range specs {
		switch s.ID {
		case "memory":
			if len(s.AllowedTools) != 2 {
				t.Errorf("memory tools = %v", s.AllowedTools)
			}
		case "home", "research", "code":
			if len(s.AllowedTools) != 0 {
				t.Errorf("%s tools = %v, want none", s.ID, s.AllowedTools)
			}
		}
	}
}

func TestHomeControl_BuildsServiceCall(t *testing.T) {
	deps, home, _, _ := fullDeps()
	tools, _ := Catalog(deps)
	tool := findTool(t, tools, "home_control")

	out, err := tool.Handler(context.Background(), map[string]any{
		"domain":    "light",
		"action":    "turn_on",
		"entity_id": "light.kitchen",
		"data":      map[string]any{"brightness": float64(128)},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if home.domain != "light" || home.service != "turn_on" {
		t.Errorf("called %s.%s", home.domain, home.service)
	}
	if home.data["entity_id"] != "light.kitchen" {
		t.Errorf("data entity_id = %v", home.data["entity_id"])
	}
	if home.data["brightness"] != float64(128) {
		t.Errorf("data brightness = %v", home.data["brightness"])
	}
	if !strings.Contains(out, "light.turn_on") {
		t.Errorf("output = %q", out)
	}
}

func TestHomeControl_RequiresDomainAndAction(t *testing.T) {
	deps, home, _, _ := fullDeps()
	tools, _ := Catalog(deps)
	tool := findTool(t, tools, "home_control")

	if _, err := tool.Handler(context.Background(), map[string]any{"domain": "light"}); err == nil {
		t.Fatal("expected error for missing action")
	}
	if home.domain != "" {
		t.Error("service should not have been called")
	}
}

func TestListEntities_FiltersByDomain(t *testing.T) {
	deps, _, _, _ := fullDeps()
	tools, _ := Catalog(deps)
	tool := findTool(t, tools, "list_entities")

	out, err := tool.Handler(context.Background(), map[string]any{"domain": "light"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.Contains(out, "Kitchen Light") {
		t.Errorf("output missing friendly name: %q", out)
	}
	if strings.Contains(out, "lock.front_door") {
		t.Errorf("filter leaked other domains: %q", out)
	}

	out, err = tool.Handler(context.Background(), map[string]any{"domain": "camera"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.Contains(out, "No matching entities") {
		t.Errorf("output = %q", out)
	}
}

func TestListEntities_NoSnapshot(t *testing.T) {
	deps, _, _, _ := fullDeps()
	deps.Snapshots = func() (*registry.Snapshot, bool) { return nil, false }
	tools, _ := Catalog(deps)
	tool := findTool(t, tools, "list_entities")

	if _, err := tool.Handler(context.Background(), nil); err == nil {
		t.Fatal("expected error without a snapshot")
	}
}

func TestWebSearch_FormatsResults(t *testing.T) {
	deps, _, searcher, _ := fullDeps()
	searcher.results = []search.Result{
		{Title: "Go", URL: "https://go.dev", Snippet: "the language"},
	}
	tools, _ := Catalog(deps)
	tool := findTool(t, tools, "web_search")

	out, err := tool.Handler(context.Background(), map[string]any{"query": "golang"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if searcher.query != "golang" {
		t.Errorf("query = %q", searcher.query)
	}
	for _, want := range []string{"1. Go", "https://go.dev", "the language"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestRememberAndRecall(t *testing.T) {
	deps, _, _, facts := fullDeps()
	tools, _ := Catalog(deps)

	out, err := findTool(t, tools, "remember").Handler(context.Background(), map[string]any{
		"subject": "garage",
		"content": "the spare key is in the toolbox",
	})
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if !strings.Contains(out, "garage") {
		t.Errorf("remember output = %q", out)
	}
	if len(facts.facts) != 1 || facts.facts[0].Source != "chat" {
		t.Fatalf("stored facts = %+v", facts.facts)
	}

	out, err = findTool(t, tools, "recall").Handler(context.Background(), map[string]any{"query": "garage"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !strings.Contains(out, "spare key") {
		t.Errorf("recall output = %q", out)
	}
}

func TestRunShell_ReportsJSON(t *testing.T) {
	deps, _, _, _ := fullDeps()
	tools, _ := Catalog(deps)
	tool := findTool(t, tools, "run_shell")

	if tool.Risk != registry.RiskHigh {
		t.Errorf("run_shell risk = %v, want high", tool.Risk)
	}

	out, err := tool.Handler(context.Background(), map[string]any{"command": "echo catalog"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.Contains(out, `"stdout":"catalog\n"`) {
		t.Errorf("output = %q", out)
	}
}

func TestArgCoercion(t *testing.T) {
	if got := argInt(map[string]any{"n": float64(7)}, "n"); got != 7 {
		t.Errorf("float64 coercion = %d", got)
	}
	if got := argInt(map[string]any{"n": 3}, "n"); got != 3 {
		t.Errorf("int passthrough = %d", got)
	}
	if got := argInt(map[string]any{}, "n"); got != 0 {
		t.Errorf("missing = %d", got)
	}
	if got := argString(map[string]any{"s": "  hi  "}, "s"); got != "hi" {
		t.Errorf("trim = %q", got)
	}
}
