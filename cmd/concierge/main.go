// Concierge is a household AI assistant that routes each query to the
// cheapest model tier that can handle it, delegates to specialists, and
// gates risky device operations behind explicit approval.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	concierge serve              Start the API server
//	concierge ask <question>     Ask a single question (for testing)
//	concierge hash-token <tok>   Print the bcrypt hash for an API token
//	concierge version            Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/oakhurst/concierge/internal/approval"
	"github.com/oakhurst/concierge/internal/buildinfo"
	"github.com/oakhurst/concierge/internal/config"
	"github.com/oakhurst/concierge/internal/fetch"
	"github.com/oakhurst/concierge/internal/homeassistant"
	"github.com/oakhurst/concierge/internal/llm"
	"github.com/oakhurst/concierge/internal/memory"
	"github.com/oakhurst/concierge/internal/mqtt"
	"github.com/oakhurst/concierge/internal/progress"
	"github.com/oakhurst/concierge/internal/registry"
	"github.com/oakhurst/concierge/internal/routing"
	"github.com/oakhurst/concierge/internal/runner"
	"github.com/oakhurst/concierge/internal/search"
	"github.com/oakhurst/concierge/internal/tools"
	"github.com/oakhurst/concierge/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: concierge ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "hash-token":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: concierge hash-token <token>")
		}
		return runHashToken(stdout, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Concierge - Household AI Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: concierge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  ask            Ask a single question (for testing)")
	fmt.Fprintln(w, "  hash-token     Print the bcrypt hash for an API token")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runHashToken prints the bcrypt hash of a token for auth.token_hash.
func runHashToken(w io.Writer, token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Fprintln(w, string(hash))
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// createLLMClient builds the multi-provider client. Ollama is the
// fallback; models with a claude prefix route to Anthropic when an API
// key is configured.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL)
	if cfg.Anthropic.APIKey == "" {
		return ollama
	}

	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
	for _, model := range []string{cfg.Models.Fast, cfg.Models.Balanced, cfg.Models.Top} {
		if strings.HasPrefix(model, "claude") {
			multi.AddModel(model, "anthropic")
		}
	}
	return multi
}

// components is the assembled application, shared by serve and ask.
type components struct {
	cfg     *config.Config
	logger  *slog.Logger
	reg     *registry.Registry
	engine  *approval.Engine
	runner  *runner.Runner
	bus     *progress.Bus
	ha      *homeassistant.Client
	facts   *memory.Store
	auditDB *sql.DB
}

func (c *components) close() {
	if c.engine != nil {
		c.engine.Close()
	}
	if c.facts != nil {
		c.facts.Close()
	}
	if c.auditDB != nil {
		c.auditDB.Close()
	}
}

// build wires the capability backends, registry, approval engine, and
// runner from config.
func build(cfg *config.Config, logger *slog.Logger, bus *progress.Bus) (*components, error) {
	c := &components{cfg: cfg, logger: logger, bus: bus}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	factsPath := cfg.DataDir + "/facts.db"
	facts, err := memory.NewStore(factsPath)
	if err != nil {
		return nil, fmt.Errorf("open facts database %s: %w", factsPath, err)
	}
	c.facts = facts
	logger.Info("facts database opened", "path", factsPath)

	if cfg.HomeAssistant.URL != "" {
		c.ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		logger.Debug("Home Assistant configured", "url", cfg.HomeAssistant.URL)
	} else {
		logger.Warn("Home Assistant not configured, home tools unavailable")
	}

	var searcher *search.Manager
	if cfg.Search.APIKey != "" {
		searcher = search.NewManager(cfg.Search.Provider)
		searcher.Register(search.NewBrave(cfg.Search.APIKey))
	} else {
		logger.Warn("search not configured, research tools limited")
	}

	deps := tools.Deps{
		Fetch:           fetch.New(),
		Facts:           facts,
		Shell:           tools.NewShellExec(cfg.ShellExec),
		SpecialistTiers: cfg.Models.SpecialistTiers,
		Snapshots: func() (*registry.Snapshot, bool) {
			if c.reg == nil {
				return nil, false
			}
			return c.reg.CapabilitySnapshot()
		},
	}
	if c.ha != nil {
		deps.Home = c.ha
	}
	if searcher != nil {
		deps.Searc = searcher
	}

	toolDescs, specialists := tools.Catalog(deps)
	reg, err := registry.New(toolDescs, specialists)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	c.reg = reg
	logger.Info("registry built", "tools", len(reg.ToolNames()), "specialists", len(reg.Specialists()))

	// Approval audit shares the data directory but keeps its own file
	// so facts compaction never touches the audit trail.
	auditPath := cfg.DataDir + "/approvals.db?_journal_mode=WAL&_busy_timeout=5000"
	auditDB, err := sql.Open("sqlite3", auditPath)
	if err != nil {
		return nil, fmt.Errorf("open approvals database: %w", err)
	}
	c.auditDB = auditDB
	auditStore, err := approval.NewStore(auditDB)
	if err != nil {
		return nil, err
	}

	overrides, err := config.ParseRiskOverrides(cfg.Approvals.RiskOverrides)
	if err != nil {
		return nil, err
	}

	c.engine = approval.NewEngine(logger, reg,
		approval.WithTTL(cfg.ApprovalTTL()),
		approval.WithStore(auditStore),
		approval.WithRiskOverrides(overrides),
	)

	policy := routing.NewPolicy(logger, reg, routing.Config{
		Tiers: routing.Tiers{
			Fast:     cfg.Models.Fast,
			Balanced: cfg.Models.Balanced,
			Top:      cfg.Models.Top,
		},
	})

	c.runner, err = runner.New(logger, runner.Config{
		LLM:            createLLMClient(cfg, logger),
		Registry:       reg,
		Policy:         policy,
		Approvals:      c.engine,
		Notify:         notifyApproval(logger, bus),
		MaxInputChars:  cfg.Runner.MaxInputChars,
		MinOutputChars: cfg.Runner.MinOutputChars,
		MaxOutputChars: cfg.Runner.MaxOutputChars,
		MaxIterations:  cfg.Runner.MaxIterations,
		Fanout:         cfg.Runner.Fanout,
		SubTurnTimeout: cfg.SubTurnTimeout(),
		Debug:          cfg.Runner.Debug,
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// notifyApproval surfaces pending approval requests on the event bus
// so dashboards can prompt the user, and logs them for headless
// deployments.
func notifyApproval(logger *slog.Logger, bus *progress.Bus) func(approval.Request) {
	return func(req approval.Request) {
		logger.Warn("approval required",
			"approval_id", req.ID,
			"tool", req.Invocation.Tool,
			"risk", req.RiskName,
			"reason", req.Reason,
			"expires_at", req.ExpiresAt,
		)
		bus.Publish(progress.Event{
			Type:      progress.TypeProgress,
			Timestamp: time.Now(),
			Data: map[string]any{
				"stage":        "approval_required",
				"approval_id":  req.ID,
				"tool":         req.Invocation.Tool,
				"risk":         req.RiskName,
				"reason":       req.Reason,
				"requester_id": req.RequesterID,
				"expires_at":   req.ExpiresAt,
			},
		})
	}
}

// runAsk boots a minimal stack and processes a single question,
// printing the answer to stdout. Approvals expire unanswered, so risky
// operations are effectively denied in this mode.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	c, err := build(cfg, logger, progress.NewBus())
	if err != nil {
		return err
	}
	defer c.close()

	em := progress.NewEmitter(nil, c.bus)
	res, err := c.runner.Run(ctx, runner.Turn{
		Query:       question,
		RequesterID: "cli",
		ThreadID:    "cli",
	}, em)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, res.Content)
	return nil
}

// runServe is the primary operating mode: loads config, wires the
// stack, starts discovery and the API server, and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting concierge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"fast", cfg.Models.Fast,
		"balanced", cfg.Models.Balanced,
		"top", cfg.Models.Top,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := progress.NewBus()
	c, err := build(cfg, logger, bus)
	if err != nil {
		return err
	}
	defer c.close()

	// Capability discovery. The poller seeds and refreshes the
	// snapshot over REST; the MQTT statestream keeps it fresher when a
	// broker is configured.
	if c.ha != nil {
		poller := homeassistant.NewPoller(logger, c.ha, c.reg,
			time.Duration(cfg.HomeAssistant.PollIntervalSec)*time.Second)
		go poller.Run(ctx)
	}
	if cfg.MQTT.BrokerURL != "" {
		sub := mqtt.NewSubscriber(cfg.MQTT, c.reg, logger)
		go func() {
			if err := sub.Start(ctx); err != nil {
				logger.Error("mqtt subscriber failed", "error", err)
			}
		}()
	}

	server := web.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger,
		c.runner, c.engine, c.reg, bus, cfg.Auth.TokenHash)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("concierge stopped")
	return nil
}
