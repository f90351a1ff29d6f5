package session

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageSystem     MessageType = "system"
	MessageToolResult MessageType = "tool_result"
)

// Message is an immutable, sequenced entry in a session transcript.
type Message struct {
	SessionID  string          `json:"session_id"`
	Sequence   int64           `json:"sequence"`
	Type       MessageType     `json:"type"`
	Content    json.RawMessage `json:"content"`
	Model      string          `json:"model,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	Incomplete bool            `json:"incomplete,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TextContent is the payload shape for plain text messages.
type TextContent struct {
	Text string `json:"text"`
}

// ToolResultContent is the payload shape for tool_result messages.
type ToolResultContent struct {
	ToolName string `json:"tool_name,omitempty"`
	Output   string `json:"output"`
	IsError  bool   `json:"is_error,omitempty"`
}

// Text encodes text as message content.
func Text(text string) json.RawMessage {
	data, _ := json.Marshal(TextContent{Text: text})
	return data
}

// Text decodes the text payload of m, or "" if it has none.
func (m Message) Text() string {
	var c TextContent
	if err := json.Unmarshal(m.Content, &c); err != nil {
		return ""
	}
	return c.Text
}

// ToolResultJSON encodes a tool_result payload.
func ToolResultJSON(toolName, output string, isError bool) (json.RawMessage, error) {
	return json.Marshal(ToolResultContent{ToolName: toolName, Output: output, IsError: isError})
}
