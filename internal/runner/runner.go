// Package runner drives one conversation turn through validation,
// routing, execution, and finalization, emitting the ordered progress
// stream along the way.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oakhurst/concierge/internal/approval"
	"github.com/oakhurst/concierge/internal/classifier"
	"github.com/oakhurst/concierge/internal/guardrails"
	"github.com/oakhurst/concierge/internal/llm"
	"github.com/oakhurst/concierge/internal/progress"
	"github.com/oakhurst/concierge/internal/registry"
	"github.com/oakhurst/concierge/internal/routing"
)

// Defaults for loop and sub-turn budgets.
const (
	DefaultMaxIterations  = 6
	DefaultFanout         = 5
	DefaultSubTurnTimeout = 2 * time.Minute
	defaultMinOutputChars = 1
	defaultMaxOutputChars = 50000
)

const generalSystemPrompt = `You are Concierge, a household assistant. Answer directly and concisely. Use the provided tools when they help; otherwise answer from your own knowledge.`

// Turn is one unit of work: a user query plus its context.
type Turn struct {
	Query       string
	History     []llm.Message
	RequesterID string
	ThreadID    string
	Overrides   *routing.Overrides
}

// Result summarizes a completed turn.
type Result struct {
	Content      string
	Model        string
	Pattern      routing.Pattern
	Tier         classifier.Tier
	ToolsUsed    []string
	Iterations   int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Warnings     []string
}

// Config wires the runner's collaborators.
type Config struct {
	LLM       llm.Client
	Registry  *registry.Registry
	Policy    *routing.Policy
	Approvals *approval.Engine

	// Notify surfaces approval requests to the external UI. May be nil
	// when no interactive approver exists (requests then expire).
	Notify func(approval.Request)

	MaxInputChars  int
	MinOutputChars int
	MaxOutputChars int
	MaxIterations  int
	Fanout         int
	SubTurnTimeout time.Duration

	// Debug includes failure detail in terminal error events. Never set
	// in production.
	Debug bool
}

// Runner executes turns. One instance serves all turns; per-turn state
// lives on the stack.
type Runner struct {
	logger *slog.Logger
	cfg    Config
	input  *guardrails.Pipeline
	output *guardrails.Pipeline
}

// New creates a runner. LLM, Registry, Policy, and Approvals are
// required.
func New(logger *slog.Logger, cfg Config) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("runner: LLM client is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("runner: registry is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("runner: routing policy is required")
	}
	if cfg.Approvals == nil {
		return nil, fmt.Errorf("runner: approval engine is required")
	}

	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = guardrails.DefaultMaxInputChars
	}
	if cfg.MinOutputChars <= 0 {
		cfg.MinOutputChars = defaultMinOutputChars
	}
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = defaultMaxOutputChars
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.SubTurnTimeout <= 0 {
		cfg.SubTurnTimeout = DefaultSubTurnTimeout
	}

	return &Runner{
		logger: logger,
		cfg:    cfg,
		input:  guardrails.InputPipeline(cfg.MaxInputChars),
		output: guardrails.HomeOutputPipeline(cfg.MinOutputChars, cfg.MaxOutputChars),
	}, nil
}

// Run drives one turn to completion. Exactly one terminal event (done
// or error) is emitted per turn, except on context cancellation, where
// nothing further is emitted at all.
func (r *Runner) Run(ctx context.Context, turn Turn, em *progress.Emitter) (*Result, error) {
	start := time.Now()

	// Validating.
	em.Progress("validating", "")
	if _, rej := r.input.Run(turn.Query); rej != nil {
		r.logger.Warn("input rejected",
			"validator", rej.Validator,
			"requester", turn.RequesterID,
		)
		return r.fail(ctx, em, rej)
	}

	// Routing.
	em.Progress("routing", "")
	score := classifier.Classify(turn.Query, len(turn.History))
	decision := r.cfg.Policy.Route(score, turn.Query, turn.Overrides)

	if len(decision.Tools) == 0 && len(decision.Warnings) > 0 {
		// A direct turn can still answer from the model alone; the
		// delegation patterns exist to use tools, so they cannot.
		if decision.Pattern != routing.PatternDirect {
			return r.fail(ctx, em, ErrNoUsableTools)
		}
		r.logger.Warn("proceeding without tools",
			"request_id", decision.RequestID,
			"warnings", decision.Warnings,
		)
	}

	em.Metadata(map[string]any{
		"request_id":  decision.RequestID,
		"tier":        decision.Tier.String(),
		"model":       decision.ModelTier,
		"pattern":     string(decision.Pattern),
		"tools":       decision.Tools,
		"specialists": decision.Specialists,
		"warnings":    decision.Warnings,
	})

	// Executing.
	var (
		content string
		state   loopState
		err     error
	)

	switch decision.Pattern {
	case routing.PatternHandoff:
		content, state, err = r.runHandoff(ctx, turn, decision, em)
	case routing.PatternManager:
		content, state, err = r.runManager(ctx, turn, decision, em)
	default:
		spec := r.specialist(decision)
		content, state, err = r.runDirect(ctx, turn, decision.ModelTier, spec, decision.Tools, em, true)
	}
	if err != nil {
		return r.fail(ctx, em, err)
	}

	// Finalizing.
	em.Progress("finalizing", "")
	if strings.TrimSpace(content) == "" {
		return r.fail(ctx, em, ErrEmptyOutput)
	}
	if _, rej := r.output.Run(content); rej != nil {
		r.logger.Warn("output rejected", "validator", rej.Validator)
		return r.fail(ctx, em, rej)
	}

	res := &Result{
		Content:      content,
		Model:        decision.ModelTier,
		Pattern:      decision.Pattern,
		Tier:         decision.Tier,
		ToolsUsed:    state.toolsUsed,
		Iterations:   state.iterations,
		InputTokens:  state.inputTokens,
		OutputTokens: state.outputTokens,
		Duration:     time.Since(start),
		Warnings:     decision.Warnings,
	}

	em.Done(content, res.Duration, decision.ModelTier, string(decision.Pattern), state.toolsUsed)

	r.logger.Info("turn complete",
		"request_id", decision.RequestID,
		"pattern", string(decision.Pattern),
		"iterations", state.iterations,
		"tools_used", len(state.toolsUsed),
		"elapsed", res.Duration.Round(time.Millisecond),
	)

	return res, nil
}

// fail converts err into the single terminal error event. A cancelled
// context emits nothing further.
func (r *Runner) fail(ctx context.Context, em *progress.Emitter, err error) (*Result, error) {
	te := classifyFailure(err)
	if ctx.Err() != nil {
		return nil, te
	}

	var detail map[string]any
	if r.cfg.Debug {
		detail = map[string]any{"kind": te.Kind}
		if te.Err != nil {
			detail["cause"] = te.Err.Error()
		}
	}
	em.Error(te.Message, r.cfg.Debug, detail)
	return nil, te
}

// specialist returns the descriptor for the decision's single target,
// or nil when the general loop should run without one.
func (r *Runner) specialist(d routing.Decision) *registry.SpecialistDescriptor {
	if len(d.Specialists) != 1 {
		return nil
	}
	spec, err := r.cfg.Registry.Specialist(d.Specialists[0])
	if err != nil {
		return nil
	}
	return spec
}

// runHandoff transfers the turn to a single specialist, then proceeds
// as direct scoped to its tools.
func (r *Runner) runHandoff(ctx context.Context, turn Turn, d routing.Decision, em *progress.Emitter) (string, loopState, error) {
	spec := r.specialist(d)
	if spec == nil {
		return r.runDirect(ctx, turn, d.ModelTier, nil, d.Tools, em, true)
	}

	em.Handoff("concierge", spec.ID, d.Reasoning)
	r.logger.Info("handing off turn",
		"request_id", d.RequestID,
		"specialist", spec.ID,
	)

	return r.runDirect(ctx, turn, d.ModelTier, spec, d.Tools, em, true)
}

// loopState accumulates per-turn metrics across the model loop.
type loopState struct {
	iterations   int
	inputTokens  int
	outputTokens int
	toolsUsed    []string
}

func (s *loopState) absorb(other loopState) {
	s.iterations += other.iterations
	s.inputTokens += other.inputTokens
	s.outputTokens += other.outputTokens
	s.toolsUsed = append(s.toolsUsed, other.toolsUsed...)
}

// runDirect is the core model loop: call the model, execute any
// requested tools sequentially through the approval engine, feed
// results back, repeat until the model answers in text or the
// iteration budget runs out.
func (r *Runner) runDirect(ctx context.Context, turn Turn, model string, spec *registry.SpecialistDescriptor, toolNames []string, em *progress.Emitter, stream bool) (string, loopState, error) {
	var state loopState

	systemPrompt := generalSystemPrompt
	specID := "general"
	maxIter := r.cfg.MaxIterations
	if spec != nil {
		specID = spec.ID
		if spec.SystemPrompt != "" {
			systemPrompt = spec.SystemPrompt
		}
		if spec.MaxIterations > 0 {
			maxIter = spec.MaxIterations
		}
	}

	descs, _ := r.cfg.Registry.Resolve(toolNames)
	toolDefs := registry.ToolDefs(descs)

	messages := make([]llm.Message, 0, len(turn.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, turn.History...)
	messages = append(messages, llm.Message{Role: "user", Content: turn.Query})

	var deltaCB llm.StreamCallback
	if stream {
		deltaCB = func(token string) { em.Delta(token) }
	}

	singleTool := len(toolNames) == 1

	for i := range maxIter {
		if err := ctx.Err(); err != nil {
			return "", state, err
		}

		resp, err := r.cfg.LLM.ChatStream(ctx, model, messages, toolDefs, deltaCB)
		if err != nil {
			return "", state, fmt.Errorf("model call failed (iter %d): %w", i, err)
		}
		state.iterations++
		state.inputTokens += resp.InputTokens
		state.outputTokens += resp.OutputTokens

		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, state, nil
		}

		messages = append(messages, resp.Message)

		for _, tc := range resp.Message.ToolCalls {
			result, execErr := r.executeTool(ctx, turn, specID, tc, em)
			if execErr != nil {
				if ctx.Err() != nil {
					return "", state, ctx.Err()
				}
				// With a single granted tool the specialist has no
				// other path forward; an approval failure ends the
				// turn. Otherwise the failure is structured data for
				// the model to work around.
				if singleTool && isApprovalFailure(execErr) {
					return "", state, execErr
				}
				result = "Error: " + execErr.Error()
			}
			state.toolsUsed = append(state.toolsUsed, tc.Function.Name)
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	// Budget exhausted. One last call without tools forces text output.
	r.logger.Warn("iteration budget exhausted, forcing text response",
		"specialist", specID,
		"max_iter", maxIter,
	)
	resp, err := r.cfg.LLM.ChatStream(ctx, model, messages, nil, deltaCB)
	if err != nil {
		return "", state, fmt.Errorf("final model call failed: %w", err)
	}
	state.iterations++
	state.inputTokens += resp.InputTokens
	state.outputTokens += resp.OutputTokens
	return resp.Message.Content, state, nil
}

// executeTool runs one tool call through the approval engine, emitting
// tool_start and tool_end around it.
func (r *Runner) executeTool(ctx context.Context, turn Turn, specID string, tc llm.ToolCall, em *progress.Emitter) (string, error) {
	name := tc.Function.Name
	args := tc.Function.Arguments

	desc, err := r.cfg.Registry.Describe(name)
	if err != nil {
		em.ToolStart(name, "", args)
		em.ToolEnd(name, false, 0, "")
		return "", err
	}

	em.ToolStart(name, desc.Description, args)
	start := time.Now()

	inv := approval.Invocation{Tool: name, Arguments: args, Specialist: specID}
	result, execErr := r.cfg.Approvals.ExecuteWithApproval(ctx, inv, turn.RequesterID, turn.ThreadID, r.cfg.Notify, func(c context.Context) (string, error) {
		if desc.Handler == nil {
			return "", fmt.Errorf("tool %q has no handler", name)
		}
		return desc.Handler(c, args)
	})

	em.ToolEnd(name, execErr == nil, time.Since(start), result)

	if execErr != nil {
		r.logger.Error("tool execution failed",
			"tool", name,
			"specialist", specID,
			"error", execErr,
		)
		return "", execErr
	}
	return result, nil
}

func isApprovalFailure(err error) bool {
	te := classifyFailure(err)
	return te.Kind == KindApprovalDenied || te.Kind == KindApprovalExpired
}
