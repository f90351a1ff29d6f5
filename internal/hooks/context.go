package hooks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cexll/agentsdk-go/pkg/core/events"
)

// Context is the mutable envelope passed down a pipeline. Handlers may
// attach values with Set; later handlers and the caller can read them.
type Context struct {
	SessionID string
	QueryID   string

	ToolUseID string
	ToolName  string
	Input     map[string]any

	Prompt string

	Output   string
	ToolErr  error
	Duration time.Duration

	// Stop context.
	Reason string
	Failed bool

	mu   sync.RWMutex
	data map[string]any
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Event renders the context as an agentsdk event for t.
func (c *Context) Event(t Type) events.Event {
	evt := events.Event{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: c.SessionID,
		RequestID: c.QueryID,
	}
	switch t {
	case PreToolUse:
		evt.Payload = events.ToolUsePayload{Name: c.ToolName, Params: c.Input, ToolUseID: c.ToolUseID}
	case PostToolUse:
		evt.Payload = events.ToolResultPayload{
			Name:      c.ToolName,
			Params:    c.Input,
			ToolUseID: c.ToolUseID,
			Result:    c.Output,
			Duration:  c.Duration,
			Err:       c.ToolErr,
		}
	case UserPromptSubmit:
		evt.Payload = events.UserPromptPayload{Prompt: c.Prompt}
	case Stop:
		evt.Payload = events.StopPayload{Reason: c.Reason}
	case SubagentStop:
		evt.Payload = events.SubagentStopPayload{Reason: c.Reason}
	case PreCompact:
		evt.Payload = events.PreCompactPayload{Trigger: c.Reason}
	}
	return evt
}

// VetoError is returned by a handler that denies the action.
type VetoError struct {
	Reason string
}

func (e *VetoError) Error() string {
	if e.Reason == "" {
		return "vetoed"
	}
	return fmt.Sprintf("vetoed: %s", e.Reason)
}

// Veto builds a denial with reason.
func Veto(reason string) error { return &VetoError{Reason: reason} }

// IsVeto reports whether err carries a veto and returns its reason.
func IsVeto(err error) (string, bool) {
	var v *VetoError
	if errors.As(err, &v) {
		return v.Reason, true
	}
	return "", false
}
