package stream

import (
	"errors"
	"fmt"
)

// QueryState is the position of one query inside its response stream.
type QueryState string

const (
	QueryQueued        QueryState = "queued"
	QuerySending       QueryState = "sending"
	QueryStreaming     QueryState = "streaming"
	QueryToolPending   QueryState = "tool_pending"
	QueryToolExecuting QueryState = "tool_executing"
	QueryCompleted     QueryState = "completed"
	QueryFailed        QueryState = "failed"
)

var ErrInvalidQueryTransition = errors.New("invalid query transition")

var queryTransitions = map[QueryState][]QueryState{
	QueryQueued:        {QuerySending, QueryFailed},
	QuerySending:       {QueryStreaming, QueryFailed},
	QueryStreaming:     {QueryToolPending, QueryCompleted, QueryFailed},
	QueryToolPending:   {QueryToolExecuting, QueryStreaming, QueryFailed},
	QueryToolExecuting: {QueryStreaming, QueryFailed},
}

// Final reports whether no further moves are possible.
func (s QueryState) Final() bool { return s == QueryCompleted || s == QueryFailed }

func (s QueryState) next(to QueryState) (QueryState, error) {
	for _, allowed := range queryTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrInvalidQueryTransition, s, to)
}
