// Package tools builds the concrete tool and specialist catalog wired
// to the capability backends (Home Assistant, web search, page fetch,
// the facts store, and shell execution).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oakhurst/concierge/internal/fetch"
	"github.com/oakhurst/concierge/internal/memory"
	"github.com/oakhurst/concierge/internal/registry"
	"github.com/oakhurst/concierge/internal/search"
)

// HomeController is the slice of the Home Assistant client the home
// tools need.
type HomeController interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// PageFetcher downloads and extracts web pages.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, maxChars int) (*fetch.Result, error)
}

// FactStore is the slice of the memory store the memory tools need.
type FactStore interface {
	Remember(ctx context.Context, subject, content, source string) (*memory.Fact, error)
	Recall(ctx context.Context, query string, limit int) ([]memory.Fact, error)
}

// Deps are the capability backends behind the catalog. A nil backend
// disables its tools; the affected specialists shrink accordingly.
type Deps struct {
	Home  HomeController
	Searc Searcher
	Fetch PageFetcher
	Facts FactStore
	Shell *ShellExec

	// Snapshots reads the current capability snapshot. Wired to the
	// registry after construction; may be nil.
	Snapshots func() (*registry.Snapshot, bool)

	// SpecialistTiers pins specialists to tier labels, from config.
	SpecialistTiers map[string]string
}

// Catalog builds the tool descriptors and specialist descriptors the
// registry is constructed from.
func Catalog(deps Deps) ([]*registry.ToolDescriptor, []*registry.SpecialistDescriptor) {
	var tools []*registry.ToolDescriptor
	available := make(map[string]bool)

	add := func(t *registry.ToolDescriptor) {
		tools = append(tools, t)
		available[t.Name] = true
	}

	if deps.Home != nil {
		add(homeControlTool(deps.Home))
	}
	if deps.Snapshots != nil {
		add(listEntitiesTool(deps.Snapshots))
	}
	if deps.Searc != nil {
		add(webSearchTool(deps.Searc))
	}
	if deps.Fetch != nil {
		add(fetchPageTool(deps.Fetch))
	}
	if deps.Facts != nil {
		add(rememberTool(deps.Facts))
		add(recallTool(deps.Facts))
	}
	if deps.Shell != nil && deps.Shell.Enabled() {
		add(runShellTool(deps.Shell))
	}

	return tools, specialists(available, deps.SpecialistTiers)
}

func homeControlTool(home HomeController) *registry.ToolDescriptor {
	return &registry.ToolDescriptor{
		Name:        "home_control",
		Domain:      "home",
		Description: "Control a home device by calling a Home Assistant service, e.g. domain \"light\", action \"turn_off\", entity_id \"light.kitchen\".",
		Risk:        registry.RiskMedium,
		// Routine service calls run immediately; arming the alarm needs
		// a second look. Unlocks and disarms escalate via the approval
		// engine's critical list without being declared here.
		DangerousOps: map[string]bool{
			"alarm_control_panel.arm_away": true,
		},
		Parameters: objectSchema(map[string]any{
			"domain":    stringParam("Home Assistant domain, e.g. light, switch, lock, cover, climate."),
			"action":    stringParam("Service to call, e.g. turn_on, turn_off, lock, unlock."),
			"entity_id": stringParam("Target entity id, e.g. light.kitchen."),
			"data":      map[string]any{"type": "object", "description": "Additional service data, e.g. brightness or temperature."},
		}, "domain", "action"),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			domain := argString(args, "domain")
			action := argString(args, "action")
			if domain == "" || action == "" {
				return "", fmt.Errorf("home_control: domain and action are required")
			}

			data := map[string]any{}
			if extra, ok := args["data"].(map[string]any); ok {
				for k, v := range extra {
					data[k] = v
				}
			}
			if entityID := argString(args, "entity_id"); entityID != "" {
				data["entity_id"] = entityID
			}

			if err := home.CallService(ctx, domain, action, data); err != nil {
				return "", fmt.Errorf("home_control: %w", err)
			}
			target := argString(args, "entity_id")
			if target == "" {
				target = domain
			}
			return fmt.Sprintf("Called %s.%s on %s.", domain, action, target), nil
		},
	}
}

func listEntitiesTool(snapshots func() (*registry.Snapshot, bool)) *registry.ToolDescriptor {
	return &registry.ToolDescriptor{
		Name:        "list_entities",
		Domain:      "home",
		Description: "List discovered home entities and their current states, optionally filtered by a domain prefix such as \"light\" or \"lock\".",
		Risk:        registry.RiskLow,
		Parameters: objectSchema(map[string]any{
			"domain": stringParam("Optional domain filter, e.g. light."),
		}),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			snap, ok := snapshots()
			if !ok {
				return "", fmt.Errorf("list_entities: no capability snapshot available yet")
			}

			domain := argString(args, "domain")
			var b strings.Builder
			count := 0
			for _, e := range snap.Entities {
				if domain != "" && !strings.HasPrefix(e.EntityID, domain+".") {
					continue
				}
				name := e.FriendlyName
				if name == "" {
					name = e.EntityID
				}
				fmt.Fprintf(&b, "%s (%s): %s\n", name, e.EntityID, e.State)
				count++
			}
			if count == 0 {
				return "No matching entities.", nil
			}
			return b.String(), nil
		},
	}
}

func webSearchTool(s Searcher) *registry.ToolDescriptor {
	return &registry.ToolDescriptor{
		Name:        "web_search",
		Domain:      "web",
		Description: "Search the web and return titles, URLs, and snippets.",
		Risk:        registry.RiskLow,
		CostHint:    1,
		Parameters: objectSchema(map[string]any{
			"query": stringParam("The search query."),
			"count": map[string]any{"type": "integer", "description": "Maximum results to return (default 5)."},
		}, "query"),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := argString(args, "query")
			if query == "" {
				return "", fmt.Errorf("web_search: query is required")
			}

			results, err := s.Search(ctx, query, search.Options{Count: argInt(args, "count")})
			if err != nil {
				return "", fmt.Errorf("web_search: %w", err)
			}
			if len(results) == 0 {
				return "No results.", nil
			}

			var b strings.Builder
			for i, r := range results {
				fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
				if r.Snippet != "" {
					fmt.Fprintf(&b, "   %s\n", r.Snippet)
				}
			}
			return b.String(), nil
		},
	}
}

func fetchPageTool(f PageFetcher) *registry.ToolDescriptor {
	return &registry.ToolDescriptor{
		Name:        "fetch_page",
		Domain:      "web",
		Description: "Download a web page and return its readable text.",
		Risk:        registry.RiskLow,
		CostHint:    1,
		Parameters: objectSchema(map[string]any{
			"url":       stringParam("The page URL."),
			"max_chars": map[string]any{"type": "integer", "description": "Limit on extracted text length."},
		}, "url"),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res, err := f.Fetch(ctx, argString(args, "url"), argInt(args, "max_chars"))
			if err != nil {
				return "", err
			}
			if res.Title != "" {
				return res.Title + "\n\n" + res.Content, nil
			}
			return res.Content, nil
		},
	}
}

func rememberTool(facts FactStore) *registry.ToolDescriptor {
	return &registry.ToolDescriptor{
		Name:        "remember",
		Domain:      "memory",
		Description: "Store a fact for later recall.",
		Risk:        registry.RiskLow,
		Parameters: objectSchema(map[string]any{
			"subject": stringParam("Short topic label, e.g. \"garage\" or \"plants\"."),
			"content": stringParam("The fact to remember."),
		}, "content"),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			fact, err := facts.Remember(ctx, argString(args, "subject"), argString(args, "content"), "chat")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Remembered under %q (id %s).", fact.Subject, fact.ID), nil
		},
	}
}

func recallTool(facts FactStore) *registry.ToolDescriptor {
	return &registry.ToolDescriptor{
		Name:        "recall",
		Domain:      "memory",
		Description: "Recall stored facts matching a query.",
		Risk:        registry.RiskLow,
		Parameters: objectSchema(map[string]any{
			"query": stringParam("Words to match against stored facts. Empty returns the most recent."),
			"limit": map[string]any{"type": "integer", "description": "Maximum facts to return (default 10)."},
		}),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			found, err := facts.Recall(ctx, argString(args, "query"), argInt(args, "limit"))
			if err != nil {
				return "", err
			}
			if len(found) == 0 {
				return "Nothing remembered about that.", nil
			}

			var b strings.Builder
			for _, f := range found {
				fmt.Fprintf(&b, "[%s] %s\n", f.Subject, f.Content)
			}
			return b.String(), nil
		},
	}
}

func runShellTool(shell *ShellExec) *registry.ToolDescriptor {
	return &registry.ToolDescriptor{
		Name:        "run_shell",
		Domain:      "code",
		Description: "Run a shell command and return its output. Commands require approval.",
		Risk:        registry.RiskHigh,
		Parameters: objectSchema(map[string]any{
			"command": stringParam("The shell command to run."),
			"timeout": map[string]any{"type": "integer", "description": "Timeout in seconds."},
		}, "command"),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command := argString(args, "command")
			if command == "" {
				return "", fmt.Errorf("run_shell: command is required")
			}

			res, err := shell.Exec(ctx, command, argInt(args, "timeout"))
			if err != nil {
				return "", err
			}
			payload, err := json.Marshal(res)
			if err != nil {
				return "", fmt.Errorf("run_shell: marshal result: %w", err)
			}
			return string(payload), nil
		},
	}
}

// specialists builds the specialist descriptors, restricted to the
// tools that are actually available.
func specialists(available map[string]bool, tiers map[string]string) []*registry.SpecialistDescriptor {
	pick := func(names ...string) []string {
		var out []string
		for _, n := range names {
			if available[n] {
				out = append(out, n)
			}
		}
		return out
	}
	tier := func(id string) string { return tiers[id] }

	all := []*registry.SpecialistDescriptor{
		{
			ID:           "home",
			DisplayName:  "Home Control",
			AllowedTools: pick("home_control", "list_entities"),
			ModelTier:    tier("home"),
			SystemPrompt: "You are the home control specialist. Inspect entity states with list_entities before acting when the target is ambiguous, then call home_control with the correct domain, action, and entity_id. Report exactly what you changed.",
		},
		{
			ID:           "memory",
			DisplayName:  "Household Memory",
			AllowedTools: pick("remember", "recall"),
			ModelTier:    tier("memory"),
			SystemPrompt: "You are the household memory specialist. Use recall to look up stored facts and remember to store new ones. Quote recalled facts verbatim; never invent memories.",
		},
		{
			ID:           "research",
			DisplayName:  "Research",
			AllowedTools: pick("web_search", "fetch_page"),
			ModelTier:    tier("research"),
			SystemPrompt: "You are the research specialist. Search the web, fetch the most promising pages, and answer from what you actually read. Cite source URLs.",
		},
		{
			ID:            "code",
			DisplayName:   "Code Runner",
			AllowedTools:  pick("run_shell"),
			ModelTier:     tier("code"),
			SystemPrompt:  "You are the code execution specialist. Run small, safe shell commands to answer questions. Explain what each command does before interpreting its output.",
			MaxIterations: 4,
		},
		{
			ID:          "general",
			DisplayName: "General Assistant",
			AllowedTools: pick("home_control", "list_entities", "web_search",
				"fetch_page", "remember", "recall"),
			ModelTier: tier("general"),
		},
	}
	return all
}

// --- Parameter schema helpers ---

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
