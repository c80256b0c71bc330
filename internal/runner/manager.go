package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oakhurst/concierge/internal/llm"
	"github.com/oakhurst/concierge/internal/progress"
	"github.com/oakhurst/concierge/internal/registry"
	"github.com/oakhurst/concierge/internal/routing"
)

const consultPrefix = "consult_"

const managerSystemPrompt = `You are Concierge's coordinator. You may consult specialists by calling their consult tools, each with a focused task description. Dispatch only the specialists whose domain is relevant, then synthesize their analyses into one final answer. If a specialist reports an error, work with the results you have.`

// subResult is the structured outcome of one specialist sub-turn,
// returned to the synthesis step as JSON. A failed sub-turn populates
// Error instead of aborting the turn.
type subResult struct {
	Specialist string `json:"specialist"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// runManager keeps the orchestrating model in control and exposes the
// selected specialists as callable tools. Specialist sub-turns run
// concurrently, bounded by the fan-out limit; the synthesis step joins
// on all of them.
func (r *Runner) runManager(ctx context.Context, turn Turn, d routing.Decision, em *progress.Emitter) (string, loopState, error) {
	var state loopState

	consultDefs, byName := r.consultTools(d.Specialists)

	messages := make([]llm.Message, 0, len(turn.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: managerSystemPrompt})
	messages = append(messages, turn.History...)
	messages = append(messages, llm.Message{Role: "user", Content: turn.Query})

	for i := range r.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return "", state, err
		}

		resp, err := r.cfg.LLM.Chat(ctx, d.ModelTier, messages, consultDefs)
		if err != nil {
			return "", state, fmt.Errorf("manager model call failed (round %d): %w", i, err)
		}
		state.iterations++
		state.inputTokens += resp.InputTokens
		state.outputTokens += resp.OutputTokens

		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, state, nil
		}

		messages = append(messages, resp.Message)

		results, subState := r.dispatchConsults(ctx, turn, d, resp.Message.ToolCalls, byName, em)
		if err := ctx.Err(); err != nil {
			return "", state, err
		}
		state.absorb(subState)

		for _, msg := range results {
			messages = append(messages, msg)
		}
	}

	// Rounds exhausted. Force synthesis from what we have.
	r.logger.Warn("manager rounds exhausted, forcing synthesis",
		"max_rounds", r.cfg.MaxIterations,
	)
	resp, err := r.cfg.LLM.Chat(ctx, d.ModelTier, messages, nil)
	if err != nil {
		return "", state, fmt.Errorf("synthesis call failed: %w", err)
	}
	state.iterations++
	state.inputTokens += resp.InputTokens
	state.outputTokens += resp.OutputTokens
	return resp.Message.Content, state, nil
}

// consultTools builds one consult tool definition per specialist.
func (r *Runner) consultTools(ids []string) ([]map[string]any, map[string]*registry.SpecialistDescriptor) {
	byName := make(map[string]*registry.SpecialistDescriptor, len(ids))
	defs := make([]map[string]any, 0, len(ids))

	for _, id := range ids {
		spec, err := r.cfg.Registry.Specialist(id)
		if err != nil {
			continue
		}
		name := consultPrefix + id
		byName[name] = spec

		display := spec.DisplayName
		if display == "" {
			display = id
		}
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        name,
				"description": "Consult the " + display + " specialist with a focused task.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"task": map[string]any{
							"type":        "string",
							"description": "What the specialist should figure out or do.",
						},
					},
					"required": []string{"task"},
				},
			},
		})
	}
	return defs, byName
}

// dispatchConsults runs the requested specialist sub-turns with at most
// Fanout in flight, joining on all of them before returning. Sub-turn
// failures come back as structured error results, never as a panic or
// turn abort.
func (r *Runner) dispatchConsults(ctx context.Context, turn Turn, d routing.Decision, calls []llm.ToolCall, byName map[string]*registry.SpecialistDescriptor, em *progress.Emitter) ([]llm.Message, loopState) {
	type slot struct {
		msg   llm.Message
		state loopState
	}
	slots := make([]slot, len(calls))

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.cfg.Fanout)

	for idx, tc := range calls {
		wg.Add(1)
		go func(idx int, tc llm.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			msg, st := r.runConsult(ctx, turn, d, tc, byName, em)
			slots[idx] = slot{msg: msg, state: st}
		}(idx, tc)
	}
	wg.Wait()

	var state loopState
	out := make([]llm.Message, 0, len(calls))
	for _, s := range slots {
		out = append(out, s.msg)
		state.absorb(s.state)
	}
	return out, state
}

// runConsult executes one specialist sub-turn and packages the outcome
// for the synthesis step.
func (r *Runner) runConsult(ctx context.Context, turn Turn, d routing.Decision, tc llm.ToolCall, byName map[string]*registry.SpecialistDescriptor, em *progress.Emitter) (llm.Message, loopState) {
	name := tc.Function.Name
	start := time.Now()

	spec, ok := byName[name]
	if !ok {
		em.ToolStart(name, "", tc.Function.Arguments)
		em.ToolEnd(name, false, 0, "")
		return toolMessage(tc, subResult{
			Specialist: strings.TrimPrefix(name, consultPrefix),
			Error:      "unknown specialist",
		}), loopState{}
	}

	task, _ := tc.Function.Arguments["task"].(string)
	if task == "" {
		task = turn.Query
	}

	em.ToolStart(name, "specialist sub-turn", tc.Function.Arguments)

	timeout := r.cfg.SubTurnTimeout
	if spec.MaxDuration > 0 {
		timeout = spec.MaxDuration
	}
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	subTurn := Turn{
		Query:       task,
		RequesterID: turn.RequesterID,
		ThreadID:    turn.ThreadID,
	}
	model := r.subTurnModel(d, spec)
	toolNames := r.cfg.Registry.AllowedUnion([]string{spec.ID})

	content, st, err := r.runDirect(subCtx, subTurn, model, spec, toolNames, em, false)

	res := subResult{
		Specialist: spec.ID,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		r.logger.Warn("specialist sub-turn failed",
			"specialist", spec.ID,
			"error", err,
		)
	} else {
		res.Content = content
	}

	em.ToolEnd(name, err == nil, time.Since(start), content)
	return toolMessage(tc, res), st
}

// subTurnModel picks the model for a specialist sub-turn: its own tier
// default when declared, else the turn model.
func (r *Runner) subTurnModel(d routing.Decision, spec *registry.SpecialistDescriptor) string {
	if spec.ModelTier != "" {
		if m := r.cfg.Policy.ModelFor(spec.ModelTier); m != "" {
			return m
		}
	}
	return d.ModelTier
}

func toolMessage(tc llm.ToolCall, res subResult) llm.Message {
	payload, err := json.Marshal(res)
	if err != nil {
		payload = []byte(`{"error":"internal: result marshal failed"}`)
	}
	return llm.Message{
		Role:       "tool",
		Content:    string(payload),
		ToolCallID: tc.ID,
	}
}
