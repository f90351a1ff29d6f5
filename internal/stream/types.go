package stream

import (
	"context"
	"time"

	"github.com/stellarlinkco/warden/internal/hooks"
	"github.com/stellarlinkco/warden/internal/permission"
	"github.com/stellarlinkco/warden/internal/runtime"
	"github.com/stellarlinkco/warden/internal/session"
)

// Sink persists everything a query produces. Implementations must be
// idempotent: messages are keyed by (session, sequence), tool calls and
// decisions by (session, tool-use id), hook records by id.
type Sink interface {
	SaveMessage(ctx context.Context, msg session.Message) error
	SaveToolCall(ctx context.Context, tc session.ToolCall) error
	SavePermissionDecision(ctx context.Context, d session.PermissionDecision) error
	SaveHookExecution(ctx context.Context, rec session.HookExecutionRecord) error
	GetSession(ctx context.Context, id string) (session.State, error)
	UpdateSession(ctx context.Context, st session.State) error
	ToolCall(ctx context.Context, sessionID, toolUseID string) (session.ToolCall, bool, error)
	Messages(ctx context.Context, sessionID string) ([]session.Message, error)
}

// Publisher fans updates out to subscribers. Publish must not block.
type Publisher interface {
	Publish(sessionID string, u Update)
}

// Auditor receives fire-and-forget audit events.
type Auditor interface {
	LogEvent(eventType string, fields map[string]any)
}

// Client is the slice of a runtime client the processor drives.
type Client interface {
	SessionID() string
	Send(ctx context.Context, prompt string) (<-chan runtime.Event, error)
	ExecuteTool(ctx context.Context, req runtime.ToolRequest) (runtime.ToolResult, error)
	RejectTool(ctx context.Context, toolUseID, reason string) error
	Permissions() *permission.Engine
	Hooks() *hooks.Dispatcher
}

type UpdateKind string

const (
	UpdateText     UpdateKind = "text"
	UpdateMessage  UpdateKind = "message"
	UpdateToolCall UpdateKind = "tool_call"
	UpdateDecision UpdateKind = "decision"
	UpdateHook     UpdateKind = "hook"
	UpdateStatus   UpdateKind = "status"
	UpdateDone     UpdateKind = "done"
)

// Update is one incremental change observed while a query runs.
type Update struct {
	Kind      UpdateKind                   `json:"kind"`
	SessionID string                       `json:"session_id"`
	QueryID   string                       `json:"query_id,omitempty"`
	Text      string                       `json:"text,omitempty"`
	Message   *session.Message             `json:"message,omitempty"`
	ToolCall  *session.ToolCall            `json:"tool_call,omitempty"`
	Decision  *session.PermissionDecision  `json:"decision,omitempty"`
	Hook      *session.HookExecutionRecord `json:"hook,omitempty"`
	Status    session.Status               `json:"status,omitempty"`
	Query     QueryState                   `json:"query_state,omitempty"`
	Error     string                       `json:"error,omitempty"`
	At        time.Time                    `json:"at"`
}

// Query is one prompt submitted to a claimed session.
type Query struct {
	ID      string
	Session *session.Session
	Client  Client
	Prompt  string

	// Updates, when set, receives every update. Lossy deliveries never
	// block: updates are dropped while the receiver is behind.
	Updates chan<- Update
	Lossy   bool
}

// Outcome summarises a finished query.
type Outcome struct {
	QueryID      string     `json:"query_id"`
	State        QueryState `json:"state"`
	Reply        string     `json:"reply"`
	Messages     int        `json:"messages"`
	ToolCalls    int        `json:"tool_calls"`
	Denied       int        `json:"denied"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	Error        string     `json:"error,omitempty"`
}
