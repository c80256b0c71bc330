// Package approval implements the risk-scored approval state machine.
// Each ApprovalRequest moves pending → approved | denied | expired,
// exactly once; terminal requests leave the pending map and cannot be
// resolved again. The Engine is an owned service — construct it, pass
// it by reference, Close it on shutdown — never ambient global state.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oakhurst/concierge/internal/registry"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Decision is a caller-supplied resolution.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// DefaultTTL is how long a request stays pending before expiring.
const DefaultTTL = 60 * time.Second

// terminalMemory bounds how many resolved request ids are remembered
// for AlreadyResolved detection.
const terminalMemory = 512

// Request is one approval request. Copies handed to callers are
// snapshots; the engine owns the canonical state.
type Request struct {
	ID          string             `json:"id"`
	Invocation  Invocation         `json:"invocation"`
	Risk        registry.RiskLevel `json:"-"`
	RiskName    string             `json:"risk_level"`
	Reason      string             `json:"risk_reason"`
	RequestedAt time.Time          `json:"requested_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Status      Status             `json:"status"`
	RequesterID string             `json:"requester_id"`
	ThreadID    string             `json:"thread_id,omitempty"`
}

// Resolution is delivered on the per-request channel when the request
// reaches a terminal status.
type Resolution struct {
	Status     Status
	ResolvedBy string
}

// Sentinel errors for resolution failures.
var (
	ErrNotFound        = errors.New("approval request not found")
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrEngineClosed    = errors.New("approval engine is closed")
)

// ErrRequesterMismatch rejects a resolution attempt by a party other
// than the original requester. This is an authorization failure, not a
// logging nicety.
type ErrRequesterMismatch struct {
	ID string
}

func (e *ErrRequesterMismatch) Error() string {
	return fmt.Sprintf("approval %s: requester mismatch", e.ID)
}

// ErrDenied reports that the approval for a tool call was denied.
type ErrDenied struct {
	ID   string
	Tool string
}

func (e *ErrDenied) Error() string {
	return fmt.Sprintf("approval %s for tool %q was denied", e.ID, e.Tool)
}

// ErrExpired reports that the approval lapsed before a decision. For
// the engine expiry is a normal terminal state; callers treat it as a
// denial-equivalent failure for that one tool call.
type ErrExpired struct {
	ID   string
	Tool string
}

func (e *ErrExpired) Error() string {
	return fmt.Sprintf("approval %s for tool %q expired before resolution", e.ID, e.Tool)
}

type pendingRequest struct {
	req   *Request
	timer *time.Timer
	done  chan Resolution
}

// Engine owns the pending-request map and drives expiry timers. All
// mutation goes through its methods.
type Engine struct {
	logger        *slog.Logger
	reg           *registry.Registry
	ttl           time.Duration
	store         *Store
	riskOverrides map[string]registry.RiskLevel

	mu            sync.Mutex
	pending       map[string]*pendingRequest
	terminal      map[string]Status
	terminalOrder []string
	closed        bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL overrides the pending-request lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithStore enables audit persistence of terminal requests.
func WithStore(s *Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithRiskOverrides applies per-tool risk overrides from config.
func WithRiskOverrides(overrides map[string]registry.RiskLevel) Option {
	return func(e *Engine) { e.riskOverrides = overrides }
}

// NewEngine creates an approval engine. Call Close on shutdown to
// release outstanding timers.
func NewEngine(logger *slog.Logger, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		logger:        logger,
		reg:           reg,
		ttl:           DefaultTTL,
		riskOverrides: map[string]registry.RiskLevel{},
		pending:       make(map[string]*pendingRequest),
		terminal:      make(map[string]Status),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Close cancels every pending request without recording a terminal
// status and stops all timers. Waiters receive an expired resolution
// so they unblock.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, p := range e.pending {
		p.timer.Stop()
		select {
		case p.done <- Resolution{Status: StatusExpired}:
		default:
		}
		delete(e.pending, id)
	}
}

// Create allocates a pending approval request and schedules its
// expiry. The returned channel delivers exactly one Resolution when
// the request reaches a terminal status.
func (e *Engine) Create(inv Invocation, requesterID, threadID string) (*Request, <-chan Resolution, error) {
	level, reason := e.Assess(inv)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("allocate approval id: %w", err)
	}

	now := time.Now()
	req := &Request{
		ID:          id.String(),
		Invocation:  inv,
		Risk:        level,
		RiskName:    level.String(),
		Reason:      reason,
		RequestedAt: now,
		ExpiresAt:   now.Add(e.ttl),
		Status:      StatusPending,
		RequesterID: requesterID,
		ThreadID:    threadID,
	}

	p := &pendingRequest{
		req:  req,
		done: make(chan Resolution, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, ErrEngineClosed
	}
	e.pending[req.ID] = p
	p.timer = time.AfterFunc(e.ttl, func() { e.expire(req.ID) })
	e.mu.Unlock()

	e.logger.Info("approval requested",
		"approval_id", req.ID,
		"tool", inv.Tool,
		"risk", level.String(),
		"reason", reason,
		"requester", requesterID,
		"expires_at", req.ExpiresAt,
	)

	snapshot := *req
	return &snapshot, p.done, nil
}

// Resolve transitions a pending request to approved or denied. Only
// the original requester may resolve. Terminal requests return
// ErrAlreadyResolved; unknown ids return ErrNotFound.
func (e *Engine) Resolve(id string, decision Decision, requesterID string) (*Request, error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if !ok {
		_, wasTerminal := e.terminal[id]
		e.mu.Unlock()
		if wasTerminal {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrNotFound
	}
	if p.req.RequesterID != requesterID {
		e.mu.Unlock()
		return nil, &ErrRequesterMismatch{ID: id}
	}

	p.timer.Stop()
	delete(e.pending, id)

	status := StatusDenied
	if decision == DecisionApproved {
		status = StatusApproved
	}
	p.req.Status = status
	e.rememberTerminal(id, status)
	e.mu.Unlock()

	p.done <- Resolution{Status: status, ResolvedBy: requesterID}

	e.logger.Info("approval resolved",
		"approval_id", id,
		"tool", p.req.Invocation.Tool,
		"status", status,
		"resolved_by", requesterID,
	)
	e.audit(p.req, requesterID)

	snapshot := *p.req
	return &snapshot, nil
}

// Cancel drops a pending request without recording a terminal status.
// Used when the owning turn is aborted; the caller stops waiting, so
// nothing is sent on the resolution channel.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[id]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(e.pending, id)
}

// Pending returns snapshots of pending requests, newest first. An
// empty requesterID returns all pending requests.
func (e *Engine) Pending(requesterID string) []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Request
	for _, p := range e.pending {
		if requesterID != "" && p.req.RequesterID != requesterID {
			continue
		}
		out = append(out, *p.req)
	}
	return out
}

// expire transitions a still-pending request to expired. Runs on the
// request's timer goroutine; a request resolved in the meantime is a
// no-op because it already left the pending map.
func (e *Engine) expire(id string) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, id)
	p.req.Status = StatusExpired
	e.rememberTerminal(id, StatusExpired)
	e.mu.Unlock()

	select {
	case p.done <- Resolution{Status: StatusExpired}:
	default:
	}

	e.logger.Warn("approval expired",
		"approval_id", id,
		"tool", p.req.Invocation.Tool,
		"requester", p.req.RequesterID,
	)
	e.audit(p.req, "")
}

// rememberTerminal records a terminal status for AlreadyResolved
// detection, evicting the oldest entry past capacity. Caller holds
// e.mu.
func (e *Engine) rememberTerminal(id string, status Status) {
	e.terminal[id] = status
	e.terminalOrder = append(e.terminalOrder, id)
	if len(e.terminalOrder) > terminalMemory {
		evict := e.terminalOrder[0]
		e.terminalOrder = e.terminalOrder[1:]
		delete(e.terminal, evict)
	}
}

// audit persists a terminal request when a store is configured.
func (e *Engine) audit(req *Request, resolvedBy string) {
	if e.store == nil {
		return
	}
	if err := e.store.Record(req, resolvedBy, time.Now()); err != nil {
		e.logger.Warn("failed to persist approval record",
			"approval_id", req.ID,
			"error", err,
		)
	}
}

// ExecuteWithApproval gates execute behind the approval flow. Low and
// medium risk invocations execute immediately. Otherwise a request is
// created, notify is called with its snapshot (the integration point
// for surfacing the request to a UI), and the calling sub-turn blocks
// on the resolution channel until a decision, expiry, or ctx
// cancellation.
func (e *Engine) ExecuteWithApproval(
	ctx context.Context,
	inv Invocation,
	requesterID, threadID string,
	notify func(Request),
	execute func(ctx context.Context) (string, error),
) (string, error) {
	if !e.RequiresApproval(inv) {
		return execute(ctx)
	}

	req, done, err := e.Create(inv, requesterID, threadID)
	if err != nil {
		return "", err
	}
	if notify != nil {
		notify(*req)
	}

	select {
	case <-ctx.Done():
		e.Cancel(req.ID)
		return "", ctx.Err()
	case res := <-done:
		switch res.Status {
		case StatusApproved:
			return execute(ctx)
		case StatusDenied:
			return "", &ErrDenied{ID: req.ID, Tool: inv.Tool}
		default:
			return "", &ErrExpired{ID: req.ID, Tool: inv.Tool}
		}
	}
}
