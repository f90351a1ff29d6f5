package session

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated    Status = "created"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	StatusArchived   Status = "archived"
)

var transitions = map[Status][]Status{
	StatusCreated:    {StatusConnecting, StatusTerminated},
	StatusConnecting: {StatusActive, StatusFailed},
	StatusActive:     {StatusWaiting, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed, StatusTerminated},
	StatusWaiting:    {StatusActive, StatusProcessing, StatusTerminated},
	StatusProcessing: {StatusActive, StatusCompleted, StatusFailed},
	StatusPaused:     {StatusActive, StatusTerminated},
	StatusCompleted:  {StatusArchived},
	StatusFailed:     {StatusArchived},
	StatusTerminated: {StatusArchived},
	StatusArchived:   nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsActive reports whether a session in this status can accept or is running work.
func (s Status) IsActive() bool {
	switch s {
	case StatusActive, StatusWaiting, StatusProcessing:
		return true
	}
	return false
}

// IsTerminal reports whether the session has finished its useful life.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated, StatusArchived:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the outgoing edges of from.
func AllowedTransitions(from Status) []Status {
	next := transitions[from]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// Mode selects how queries against a session are executed.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeBackground  Mode = "background"
	ModeForked      Mode = "forked"
)

// ParseMode converts user input into a Mode. Empty input yields interactive.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeInteractive, nil
	case ModeInteractive, ModeBackground, ModeForked:
		return Mode(s), nil
	}
	return "", &ModeError{Mode: s}
}
