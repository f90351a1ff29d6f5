package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// State is the persisted form of a session.
type State struct {
	ID             string `json:"id"`
	OwnerID        string `json:"owner_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Mode           Mode   `json:"mode"`
	Status         Status `json:"status"`
	ParentID       string `json:"parent_id,omitempty"`

	ToolConfig            json.RawMessage `json:"tool_config,omitempty"`
	ToolConfigFingerprint string          `json:"tool_config_fingerprint,omitempty"`

	MessageCount  int64   `json:"message_count"`
	ToolCallCount int64   `json:"tool_call_count"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	CostUSD       float64 `json:"cost_usd"`
	Model         string  `json:"model,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Params describe a new session.
type Params struct {
	OwnerID        string
	OrganizationID string
	Mode           Mode
	ParentID       string
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session is the aggregate root for one conversation with the runtime.
// All mutation goes through its methods; it is safe for concurrent use.
type Session struct {
	mu  sync.Mutex
	st  State
	now func() time.Time
}

// New creates a session in the created state.
func New(id string, p Params, opts ...Option) *Session {
	s := &Session{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	mode := p.Mode
	if mode == "" {
		mode = ModeInteractive
	}
	ts := s.now().UTC()
	s.st = State{
		ID:             id,
		OwnerID:        p.OwnerID,
		OrganizationID: p.OrganizationID,
		Mode:           mode,
		ParentID:       p.ParentID,
		Status:         StatusCreated,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	return s
}

// Restore rebuilds a session from persisted state.
func Restore(st State, opts ...Option) *Session {
	s := &Session{now: time.Now, st: st}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string {
	return s.st.ID
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Mode
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Status
}

func (s *Session) IsActive() bool   { return s.Status().IsActive() }
func (s *Session) IsTerminal() bool { return s.Status().IsTerminal() }

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.st
	st.ToolConfig = append(json.RawMessage(nil), s.st.ToolConfig...)
	return st
}

// TransitionTo moves the session to target. Rejected transitions leave
// the session untouched and return a *TransitionError.
func (s *Session) TransitionTo(target Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(target)
}

func (s *Session) transitionLocked(target Status) error {
	from := s.st.Status
	if !CanTransition(from, target) {
		return &TransitionError{From: from, To: target}
	}
	ts := s.now().UTC()
	s.st.Status = target
	s.st.UpdatedAt = ts
	switch target {
	case StatusActive:
		if s.st.StartedAt == nil {
			s.st.StartedAt = &ts
		}
	case StatusCompleted, StatusFailed, StatusTerminated:
		s.st.CompletedAt = &ts
		if s.st.StartedAt != nil {
			s.st.Duration = ts.Sub(*s.st.StartedAt)
		}
	}
	return nil
}

// BeginQuery claims the session for one query by moving it to processing.
func (s *Session) BeginQuery() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.st.Status == StatusProcessing:
		return fmt.Errorf("session %s: %w", s.st.ID, ErrQueryInFlight)
	case !s.st.Status.IsActive():
		return fmt.Errorf("session %s is %s: %w", s.st.ID, s.st.Status, ErrSessionNotActive)
	}
	return s.transitionLocked(StatusProcessing)
}

// Fail records message and moves the session to failed.
func (s *Session) Fail(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatusFailed); err != nil {
		return err
	}
	s.st.ErrorMessage = message
	return nil
}

// NextSequence allocates the next message sequence number, starting at 1.
func (s *Session) NextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.MessageCount++
	s.st.UpdatedAt = s.now().UTC()
	return s.st.MessageCount
}

// ReleaseSequence returns seq to the session when it was the last number
// handed out and the message it was meant for was never stored.
func (s *Session) ReleaseSequence(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= 0 || s.st.MessageCount != seq {
		return false
	}
	s.st.MessageCount--
	return true
}

// RecordToolCall counts a newly observed tool call.
func (s *Session) RecordToolCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.ToolCallCount++
}

// AddUsage accumulates token and cost counters. An empty model keeps the previous one.
func (s *Session) AddUsage(model string, inputTokens, outputTokens int64, costUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.InputTokens += inputTokens
	s.st.OutputTokens += outputTokens
	s.st.CostUSD += costUSD
	if model != "" {
		s.st.Model = model
	}
}

// SetToolConfig freezes the effective tool configuration for the session.
func (s *Session) SetToolConfig(raw json.RawMessage, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.ToolConfig = append(json.RawMessage(nil), raw...)
	s.st.ToolConfigFingerprint = fingerprint
}

// Now returns the session clock's current time.
func (s *Session) Now() time.Time {
	return s.now().UTC()
}
