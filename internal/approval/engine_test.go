package approval

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/oakhurst/concierge/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]*registry.ToolDescriptor{
		{Name: "home_control", Domain: "home", Risk: registry.RiskLow,
			DangerousOps: map[string]bool{
				"switch.turn_off_freezer": true,
			}},
		{Name: "run_shell", Domain: "code", Risk: registry.RiskHigh},
		{Name: "web_search", Domain: "research", Risk: registry.RiskLow},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(slog.Default(), testRegistry(t), opts...)
	t.Cleanup(e.Close)
	return e
}

func TestAssess(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name string
		inv  Invocation
		want registry.RiskLevel
	}{
		{
			name: "routine light command is low",
			inv: Invocation{Tool: "home_control", Arguments: map[string]any{
				"domain": "light", "action": "turn_off", "entity_id": "light.living_room",
			}},
			want: registry.RiskLow,
		},
		{
			name: "declared dangerous op is high",
			inv: Invocation{Tool: "home_control", Arguments: map[string]any{
				"domain": "switch", "action": "turn_off_freezer",
			}},
			want: registry.RiskHigh,
		},
		{
			name: "unlock is always critical",
			inv: Invocation{Tool: "home_control", Arguments: map[string]any{
				"domain": "lock", "action": "unlock", "entity_id": "lock.front_door",
			}},
			want: registry.RiskCritical,
		},
		{
			name: "disarm via service argument is critical",
			inv: Invocation{Tool: "home_control", Arguments: map[string]any{
				"domain": "alarm_control_panel", "service": "alarm_disarm",
			}},
			want: registry.RiskCritical,
		},
		{
			name: "nominal high tool",
			inv:  Invocation{Tool: "run_shell", Arguments: map[string]any{"command": "ls"}},
			want: registry.RiskHigh,
		},
		{
			name: "unknown tool is high",
			inv:  Invocation{Tool: "ghost"},
			want: registry.RiskHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := e.Assess(tt.inv)
			if got != tt.want {
				t.Errorf("Assess = %v (%s), want %v", got, reason, tt.want)
			}
			if reason == "" {
				t.Error("expected a non-empty risk reason")
			}
		})
	}
}

func TestAssessRiskOverride(t *testing.T) {
	e := newTestEngine(t, WithRiskOverrides(map[string]registry.RiskLevel{
		"web_search": registry.RiskHigh,
	}))
	if level, _ := e.Assess(Invocation{Tool: "web_search"}); level != registry.RiskHigh {
		t.Errorf("override ignored: level = %v", level)
	}
}

func TestExecuteWithApprovalLowRiskPassThrough(t *testing.T) {
	e := newTestEngine(t)

	ran := false
	result, err := e.ExecuteWithApproval(context.Background(),
		Invocation{Tool: "home_control", Arguments: map[string]any{
			"domain": "light", "action": "turn_off",
		}},
		"user-1", "", nil,
		func(context.Context) (string, error) {
			ran = true
			return "light is off", nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if !ran || result != "light is off" {
		t.Errorf("execute skipped or wrong result %q", result)
	}
	if n := len(e.Pending("")); n != 0 {
		t.Errorf("low-risk call created %d approval requests", n)
	}
}

func TestExecuteWithApprovalDenied(t *testing.T) {
	e := newTestEngine(t)

	inv := Invocation{Tool: "home_control", Arguments: map[string]any{
		"domain": "lock", "action": "unlock", "entity_id": "lock.front_door",
	}}

	executed := false
	notified := make(chan Request, 1)
	go func() {
		req := <-notified
		if req.Status != StatusPending {
			t.Errorf("notified status = %v, want pending", req.Status)
		}
		if _, err := e.Resolve(req.ID, DecisionDenied, "user-1"); err != nil {
			t.Errorf("resolve: %v", err)
		}
	}()

	_, err := e.ExecuteWithApproval(context.Background(), inv, "user-1", "thread-9",
		func(r Request) { notified <- r },
		func(context.Context) (string, error) {
			executed = true
			return "", nil
		})

	var denied *ErrDenied
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if executed {
		t.Error("tool executed despite denial")
	}
}

func TestExecuteWithApprovalApproved(t *testing.T) {
	e := newTestEngine(t)

	inv := Invocation{Tool: "run_shell", Arguments: map[string]any{"command": "make deploy"}}

	go func() {
		// Wait for the request to appear, then approve it.
		for range 100 {
			if reqs := e.Pending("user-2"); len(reqs) == 1 {
				if _, err := e.Resolve(reqs[0].ID, DecisionApproved, "user-2"); err != nil {
					t.Errorf("resolve: %v", err)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("approval request never appeared")
	}()

	result, err := e.ExecuteWithApproval(context.Background(), inv, "user-2", "", nil,
		func(context.Context) (string, error) { return "deployed", nil })
	if err != nil {
		t.Fatal(err)
	}
	if result != "deployed" {
		t.Errorf("result = %q", result)
	}
}

func TestResolveRequesterMismatch(t *testing.T) {
	e := newTestEngine(t)

	req, _, err := e.Create(Invocation{Tool: "run_shell"}, "owner", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.Resolve(req.ID, DecisionApproved, "intruder")
	var mismatch *ErrRequesterMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want ErrRequesterMismatch", err)
	}

	// The request is still pending and resolvable by its owner.
	if _, err := e.Resolve(req.ID, DecisionApproved, "owner"); err != nil {
		t.Errorf("owner resolve after mismatch: %v", err)
	}
}

func TestResolveUnknownAndAlreadyResolved(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.Resolve("no-such-id", DecisionApproved, "u"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}

	req, _, err := e.Create(Invocation{Tool: "run_shell"}, "u", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resolve(req.ID, DecisionDenied, "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resolve(req.ID, DecisionApproved, "u"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve: err = %v, want ErrAlreadyResolved", err)
	}
}

func TestExpiry(t *testing.T) {
	e := newTestEngine(t, WithTTL(30*time.Millisecond))

	req, done, err := e.Create(Invocation{Tool: "run_shell"}, "u", "")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res.Status != StatusExpired {
			t.Errorf("resolution = %v, want expired", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("expiry never fired")
	}

	// Expired exactly once, unresolvable afterward.
	if _, err := e.Resolve(req.ID, DecisionApproved, "u"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("resolve after expiry: err = %v, want ErrAlreadyResolved", err)
	}
	if n := len(e.Pending("")); n != 0 {
		t.Errorf("%d requests still pending after expiry", n)
	}
}

func TestExecuteWithApprovalExpired(t *testing.T) {
	e := newTestEngine(t, WithTTL(20*time.Millisecond))

	_, err := e.ExecuteWithApproval(context.Background(),
		Invocation{Tool: "run_shell"}, "u", "", nil,
		func(context.Context) (string, error) {
			t.Error("tool executed despite expiry")
			return "", nil
		})
	var expired *ErrExpired
	if !errors.As(err, &expired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestExecuteWithApprovalCancellation(t *testing.T) {
	e := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := e.ExecuteWithApproval(ctx,
		Invocation{Tool: "run_shell"}, "u", "", nil,
		func(context.Context) (string, error) { return "", nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(e.Pending("")); n != 0 {
		t.Errorf("%d requests still pending after cancellation", n)
	}
}

func TestPendingFiltersByRequester(t *testing.T) {
	e := newTestEngine(t)

	if _, _, err := e.Create(Invocation{Tool: "run_shell"}, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Create(Invocation{Tool: "run_shell"}, "bob", ""); err != nil {
		t.Fatal(err)
	}

	if n := len(e.Pending("alice")); n != 1 {
		t.Errorf("alice pending = %d, want 1", n)
	}
	if n := len(e.Pending("")); n != 2 {
		t.Errorf("all pending = %d, want 2", n)
	}
}
