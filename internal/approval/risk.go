package approval

import (
	"fmt"

	"github.com/oakhurst/concierge/internal/registry"
)

// criticalOperations always escalate to RiskCritical regardless of the
// tool's nominal risk level. These are the actions that change the
// physical security posture of the home: unlocking, disarming, and
// opening secured access points.
var criticalOperations = map[string]string{
	"lock.unlock":                      "unlocks a physical entry point",
	"lock.open":                        "unlocks and opens a physical entry point",
	"alarm_control_panel.disarm":       "disarms the security system",
	"alarm_control_panel.alarm_disarm": "disarms the security system",
	"cover.open_garage":                "opens the garage",
	"cover.open_gate":                  "opens the gate",
	"garage_door.open":                 "opens the garage door",
}

// Invocation is a concrete tool call awaiting risk assessment.
type Invocation struct {
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Specialist string         `json:"specialist,omitempty"`
}

// Operation derives the "domain.action" string for an invocation.
// Device-control tools carry the target domain and action in their
// arguments; other tools fall back to their declared domain and name.
func (inv Invocation) Operation(desc *registry.ToolDescriptor) string {
	domain, _ := inv.Arguments["domain"].(string)
	action, _ := inv.Arguments["action"].(string)
	if action == "" {
		// Home Assistant calls name the action "service".
		action, _ = inv.Arguments["service"].(string)
	}
	if domain != "" && action != "" {
		return domain + "." + action
	}
	if desc != nil {
		return desc.Domain + "." + inv.Tool
	}
	return inv.Tool
}

// Assess returns the risk level and a human-readable reason for a
// concrete invocation. Deterministic: the static descriptor plus the
// arguments fully decide the outcome.
func (e *Engine) Assess(inv Invocation) (registry.RiskLevel, string) {
	desc, err := e.reg.Describe(inv.Tool)
	if err != nil {
		// Unknown tools should have been rejected at routing time;
		// treat any that slip through as high risk.
		return registry.RiskHigh, fmt.Sprintf("tool %q is not in the catalog", inv.Tool)
	}

	base := desc.Risk
	if override, ok := e.riskOverrides[inv.Tool]; ok {
		base = override
	}

	op := inv.Operation(desc)
	if why, ok := criticalOperations[op]; ok {
		return registry.RiskCritical, fmt.Sprintf("%s: %s", op, why)
	}
	if desc.DangerousOps[op] {
		level := registry.RiskHigh
		if base > level {
			level = base
		}
		return level, fmt.Sprintf("%s is a declared dangerous operation of %s", op, inv.Tool)
	}
	if len(desc.DangerousOps) > 0 {
		// The tool gates specific operations; everything else is
		// routine.
		return registry.RiskLow, fmt.Sprintf("%s is a routine operation of %s", op, inv.Tool)
	}
	return base, fmt.Sprintf("nominal risk of tool %s", inv.Tool)
}

// RequiresApproval reports whether the invocation must pass through an
// approval request before execution. High and critical risk require
// approval; medium and low never do.
func (e *Engine) RequiresApproval(inv Invocation) bool {
	level, _ := e.Assess(inv)
	return level >= registry.RiskHigh
}
