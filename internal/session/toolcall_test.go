package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowDecision(now time.Time) PermissionDecision {
	return PermissionDecision{Outcome: OutcomeAllow, Reason: ReasonAutoApproved, DecidedAt: now}
}

func TestToolCallCopyOnWrite(t *testing.T) {
	now := time.Now()
	v1 := NewToolCall("id", "s1", "tu_1", "file_read", map[string]any{"path": "a"}, now)
	v2 := v1.WithDecision(allowDecision(now))
	v3, err := v2.WithRunning(now)
	require.NoError(t, err)
	v4 := v3.WithResult("ok", now.Add(time.Second))

	assert.Equal(t, ToolPending, v1.Status)
	assert.Empty(t, v1.Decision)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, ToolRunning, v3.Status)
	assert.Equal(t, ToolSuccess, v4.Status)
	assert.Equal(t, 4, v4.Version)
	assert.Equal(t, time.Second, v4.Duration)
	assert.True(t, v4.Status.Final())
}

func TestToolCallCannotRunWithoutAllow(t *testing.T) {
	now := time.Now()
	tc := NewToolCall("id", "s1", "tu_1", "system_command", nil, now)

	_, err := tc.WithRunning(now)
	assert.ErrorIs(t, err, ErrPolicyDenied)

	denied := tc.WithDecision(PermissionDecision{Outcome: OutcomeDeny, Reason: ReasonPolicyDenied, Source: SourceForbidden, DecidedAt: now})
	assert.Equal(t, ToolDenied, denied.Status)
	_, err = denied.WithRunning(now)
	assert.Error(t, err)
}

func TestLedgerRejectsStaleVersions(t *testing.T) {
	now := time.Now()
	l := NewToolCallLedger()
	v1 := NewToolCall("id", "s1", "tu_1", "file_read", nil, now)
	v2 := v1.WithDecision(allowDecision(now))

	require.NoError(t, l.Commit(v1))
	require.NoError(t, l.Commit(v2))
	assert.ErrorIs(t, l.Commit(v1), ErrStaleToolCall)

	cur, ok := l.Current("tu_1")
	require.True(t, ok)
	assert.Equal(t, 2, cur.Version)
	assert.Len(t, l.List(), 1)
}

func TestDecisionErr(t *testing.T) {
	now := time.Now()
	assert.NoError(t, allowDecision(now).Err())
	assert.ErrorIs(t, PermissionDecision{Outcome: OutcomeDeny, Source: SourceForbidden}.Err(), ErrPolicyDenied)
	assert.ErrorIs(t, PermissionDecision{Outcome: OutcomeAskResolvedDeny, Source: SourceHuman}.Err(), ErrUserDenied)
	assert.ErrorIs(t, PermissionDecision{Outcome: OutcomeDeny, Source: SourceTimeout, TimedOut: true}.Err(), ErrPermissionTimeout)
}
