package session

import (
	"fmt"
	"time"
)

// Outcome is the result of a permission evaluation.
type Outcome string

const (
	OutcomeAllow            Outcome = "allow"
	OutcomeDeny             Outcome = "deny"
	OutcomeAskResolvedAllow Outcome = "ask_resolved_allow"
	OutcomeAskResolvedDeny  Outcome = "ask_resolved_deny"
)

func (o Outcome) Allowed() bool {
	return o == OutcomeAllow || o == OutcomeAskResolvedAllow
}

const (
	ReasonPolicyDenied      = "policy_denied"
	ReasonAutoApproved      = "auto_approved"
	ReasonUserApproved      = "user_approved"
	ReasonUserDenied        = "user_denied"
	ReasonPermissionTimeout = "permission_timeout"
	ReasonAskFailed         = "ask_failed"
	ReasonCancelled         = "cancelled"
	ReasonHookVetoed        = "hook_vetoed"
	ReasonHookFailed        = "hook_failed"
)

// DecisionSource names which rule set or actor produced a decision.
type DecisionSource string

const (
	SourceForbidden    DecisionSource = "forbidden"
	SourceAutoApproved DecisionSource = "auto_approved"
	SourceHuman        DecisionSource = "human"
	SourceTimeout      DecisionSource = "timeout"
	SourceHook         DecisionSource = "hook"
)

// PermissionDecision is the persisted verdict for one tool request.
type PermissionDecision struct {
	SessionID string         `json:"session_id"`
	ToolUseID string         `json:"tool_use_id"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input,omitempty"`
	Outcome   Outcome        `json:"outcome"`
	Reason    string         `json:"reason"`
	Rule      string         `json:"rule,omitempty"`
	Source    DecisionSource `json:"source"`
	TimedOut  bool           `json:"timed_out,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

func (d PermissionDecision) Allowed() bool { return d.Outcome.Allowed() }

// Err returns nil for allowed decisions and a matching sentinel otherwise.
func (d PermissionDecision) Err() error {
	if d.Allowed() {
		return nil
	}
	var base error
	switch {
	case d.TimedOut:
		base = ErrPermissionTimeout
	case d.Source == SourceForbidden, d.Source == SourceHook:
		base = ErrPolicyDenied
	default:
		base = ErrUserDenied
	}
	return fmt.Errorf("%s (%s): %w", d.ToolName, d.Reason, base)
}

type HookOutcome string

const (
	HookCompleted HookOutcome = "completed"
	HookVetoed    HookOutcome = "vetoed"
	HookFailed    HookOutcome = "failed"
)

// HookExecutionRecord captures one handler run inside a hook pipeline.
type HookExecutionRecord struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	HookName  string        `json:"hook_name"`
	HookType  string        `json:"hook_type"`
	Priority  int           `json:"priority"`
	Gating    bool          `json:"gating"`
	Outcome   HookOutcome   `json:"outcome"`
	Detail    string        `json:"detail,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
