package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
	ToolDenied  ToolStatus = "denied"
)

// Final reports whether no further status change is possible.
func (s ToolStatus) Final() bool {
	return s == ToolSuccess || s == ToolError || s == ToolDenied
}

// ToolCall is a copy-on-write record of one tool invocation. Every With*
// method returns a new value with Version incremented; the receiver is not
// modified.
type ToolCall struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	ToolName       string         `json:"tool_name"`
	ToolUseID      string         `json:"tool_use_id"`
	Input          map[string]any `json:"input,omitempty"`
	Status         ToolStatus     `json:"status"`
	Decision       Outcome        `json:"decision,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	Output         string         `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Duration       time.Duration  `json:"duration"`
	Version        int            `json:"version"`
}

// NewToolCall returns the first (pending) version of a tool call.
func NewToolCall(id, sessionID, toolUseID, toolName string, input map[string]any, now time.Time) ToolCall {
	return ToolCall{
		ID:        id,
		SessionID: sessionID,
		ToolName:  toolName,
		ToolUseID: toolUseID,
		Input:     input,
		Status:    ToolPending,
		CreatedAt: now,
		Version:   1,
	}
}

func (tc ToolCall) next() ToolCall {
	tc.Version++
	return tc
}

// WithDecision attaches a permission outcome. A denial finalizes the call.
func (tc ToolCall) WithDecision(d PermissionDecision) ToolCall {
	out := tc.next()
	out.Decision = d.Outcome
	out.DecisionReason = d.Reason
	if !d.Allowed() {
		ts := d.DecidedAt
		out.Status = ToolDenied
		out.CompletedAt = &ts
	}
	return out
}

// WithDenied finalizes the call as denied for reason, e.g. after a hook veto.
func (tc ToolCall) WithDenied(reason string, now time.Time) ToolCall {
	out := tc.next()
	out.Status = ToolDenied
	out.Error = reason
	out.CompletedAt = &now
	return out
}

// WithRunning marks execution start. It fails unless an allow decision is attached.
func (tc ToolCall) WithRunning(now time.Time) (ToolCall, error) {
	if tc.Status != ToolPending {
		return tc, fmt.Errorf("tool call %s is %s, not pending", tc.ToolUseID, tc.Status)
	}
	if !tc.Decision.Allowed() {
		return tc, fmt.Errorf("tool call %s: %w", tc.ToolUseID, ErrPolicyDenied)
	}
	out := tc.next()
	out.Status = ToolRunning
	out.StartedAt = &now
	return out, nil
}

// WithResult records a successful execution.
func (tc ToolCall) WithResult(output string, now time.Time) ToolCall {
	out := tc.finish(now)
	out.Status = ToolSuccess
	out.Output = output
	return out
}

// WithError records a failed execution.
func (tc ToolCall) WithError(message string, now time.Time) ToolCall {
	out := tc.finish(now)
	out.Status = ToolError
	out.Error = message
	return out
}

func (tc ToolCall) finish(now time.Time) ToolCall {
	out := tc.next()
	out.CompletedAt = &now
	if out.StartedAt != nil {
		out.Duration = now.Sub(*out.StartedAt)
	}
	return out
}

// ToolCallLedger holds the current version of every tool call seen by a session.
type ToolCallLedger struct {
	mu    sync.Mutex
	calls map[string]ToolCall
}

func NewToolCallLedger() *ToolCallLedger {
	return &ToolCallLedger{calls: make(map[string]ToolCall)}
}

// Current returns the latest committed version for toolUseID.
func (l *ToolCallLedger) Current(toolUseID string) (ToolCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tc, ok := l.calls[toolUseID]
	return tc, ok
}

// Commit swaps in tc if it is newer than the stored version.
func (l *ToolCallLedger) Commit(tc ToolCall) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.calls[tc.ToolUseID]; ok && cur.Version >= tc.Version {
		return fmt.Errorf("tool call %s v%d (have v%d): %w", tc.ToolUseID, tc.Version, cur.Version, ErrStaleToolCall)
	}
	l.calls[tc.ToolUseID] = tc
	return nil
}

// List returns current versions ordered by creation time.
func (l *ToolCallLedger) List() []ToolCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ToolCall, 0, len(l.calls))
	for _, tc := range l.calls {
		out = append(out, tc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ToolUseID < out[j].ToolUseID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
