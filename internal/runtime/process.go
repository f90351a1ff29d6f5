// Package runtime owns the single live connection between a session and
// the external agent process.
package runtime

import (
	"context"

	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/toolsource"
)

// Handle identifies one spawned runtime instance.
type Handle struct {
	ID        string
	SessionID string
}

// SpawnRequest carries everything a runtime instance is started with.
type SpawnRequest struct {
	SessionID    string
	Snapshot     *toolsource.Snapshot
	History      []session.Message
	SystemPrompt string
}

type EventKind string

const (
	EventTextDelta      EventKind = "text-delta"
	EventMessageStop    EventKind = "message-stop"
	EventToolUseRequest EventKind = "tool-use-request"
	EventToolResult     EventKind = "tool-result"
	EventUsage          EventKind = "usage"
	EventStreamError    EventKind = "stream-error"
	EventStreamComplete EventKind = "stream-complete"
)

// Usage is a token/cost delta reported by the runtime.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Event is one item on a runtime response stream.
type Event struct {
	Kind EventKind

	Text string

	ToolUseID string
	ToolName  string
	Input     map[string]any
	Output    string
	IsError   bool

	Model string
	Usage *Usage

	Err error
}

// ToolRequest asks the runtime to perform a tool call it requested earlier.
type ToolRequest struct {
	ToolUseID string
	Name      string
	Input     map[string]any
}

type ToolResult struct {
	Output  string
	IsError bool
}

// Process is the boundary to the external agent runtime. Send returns a
// channel that is closed after a stream-complete or stream-error event.
type Process interface {
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
	Send(ctx context.Context, h Handle, prompt string) (<-chan Event, error)
	ExecuteTool(ctx context.Context, h Handle, req ToolRequest) (ToolResult, error)
	Terminate(ctx context.Context, h Handle) error
}

// ToolRejecter is implemented by processes that need to be told a
// requested tool will not run.
type ToolRejecter interface {
	RejectTool(ctx context.Context, h Handle, toolUseID, reason string) error
}
