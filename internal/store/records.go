package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stellarlinkco/warden/internal/session"
)

// SaveMessage stores msg once; a redelivered (session, sequence) is ignored.
func (s *Store) SaveMessage(ctx context.Context, msg session.Message) error {
	content := string(msg.Content)
	if content == "" {
		content = "null"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (session_id, sequence, type, content, model, tool_use_id, incomplete, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.SessionID, msg.Sequence, string(msg.Type), content, msg.Model, msg.ToolUseID, msg.Incomplete, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message %s/%d: %w", msg.SessionID, msg.Sequence, err)
	}
	return nil
}

// Messages returns the transcript of sessionID in sequence order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, type, content, model, tool_use_id, incomplete, created_at
		FROM messages WHERE session_id = ? ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []session.Message
	for rows.Next() {
		var (
			msg     session.Message
			typ     string
			content string
			created string
		)
		if err := rows.Scan(&msg.Sequence, &typ, &content, &msg.Model, &msg.ToolUseID, &msg.Incomplete, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SessionID = sessionID
		msg.Type = session.MessageType(typ)
		msg.Content = json.RawMessage(content)
		if msg.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse message time: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SaveToolCall upserts tc unless a version at least as new is stored.
func (s *Store) SaveToolCall(ctx context.Context, tc session.ToolCall) error {
	data, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("encode tool call: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (session_id, tool_use_id, id, tool_name, status, version, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, tool_use_id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			data = excluded.data
		WHERE excluded.version > tool_calls.version
	`, tc.SessionID, tc.ToolUseID, tc.ID, tc.ToolName, string(tc.Status), tc.Version, formatTime(tc.CreatedAt), string(data))
	if err != nil {
		return fmt.Errorf("upsert tool call %s: %w", tc.ToolUseID, err)
	}
	return nil
}

// ToolCall looks up the stored version for a tool-use id.
func (s *Store) ToolCall(ctx context.Context, sessionID, toolUseID string) (session.ToolCall, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM tool_calls WHERE session_id = ? AND tool_use_id = ?
	`, sessionID, toolUseID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ToolCall{}, false, nil
	}
	if err != nil {
		return session.ToolCall{}, false, fmt.Errorf("get tool call %s: %w", toolUseID, err)
	}
	var tc session.ToolCall
	if err := json.Unmarshal([]byte(data), &tc); err != nil {
		return session.ToolCall{}, false, fmt.Errorf("decode tool call %s: %w", toolUseID, err)
	}
	return tc, true, nil
}

func (s *Store) ToolCalls(ctx context.Context, sessionID string) ([]session.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM tool_calls WHERE session_id = ? ORDER BY created_at ASC, tool_use_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []session.ToolCall
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		var tc session.ToolCall
		if err := json.Unmarshal([]byte(data), &tc); err != nil {
			return nil, fmt.Errorf("decode tool call: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// SavePermissionDecision appends d. Decisions are immutable: a second save
// from the same source for the same tool use is ignored.
func (s *Store) SavePermissionDecision(ctx context.Context, d session.PermissionDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permission_decisions (session_id, tool_use_id, tool_name, outcome, reason, source, decided_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, tool_use_id, source) DO NOTHING
	`, d.SessionID, d.ToolUseID, d.ToolName, string(d.Outcome), d.Reason, string(d.Source), formatTime(d.DecidedAt), string(data))
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", d.ToolUseID, err)
	}
	return nil
}

// PermissionDecisions returns every decision for a tool use in the order
// they were made.
func (s *Store) PermissionDecisions(ctx context.Context, sessionID, toolUseID string) ([]session.PermissionDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM permission_decisions WHERE session_id = ? AND tool_use_id = ?
		ORDER BY decided_at, rowid
	`, sessionID, toolUseID)
	if err != nil {
		return nil, fmt.Errorf("list decisions %s: %w", toolUseID, err)
	}
	defer rows.Close()

	var out []session.PermissionDecision
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var d session.PermissionDecision
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("decode decision %s: %w", toolUseID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveHookExecution stores rec once per id.
func (s *Store) SaveHookExecution(ctx context.Context, rec session.HookExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode hook execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO hook_executions (id, session_id, hook_name, hook_type, outcome, started_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.HookName, rec.HookType, string(rec.Outcome), formatTime(rec.StartedAt), string(data))
	if err != nil {
		return fmt.Errorf("insert hook execution %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) HookExecutions(ctx context.Context, sessionID string) ([]session.HookExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM hook_executions WHERE session_id = ? ORDER BY started_at ASC, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list hook executions: %w", err)
	}
	defer rows.Close()

	var out []session.HookExecutionRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan hook execution: %w", err)
		}
		var rec session.HookExecutionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode hook execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
