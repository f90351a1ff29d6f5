package execution

import (
	"context"
	"sync"

	"github.com/stellarlinkco/warden/internal/stream"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one query executing under a strategy.
type Run struct {
	id        string
	sessionID string
	updates   chan stream.Update
	done      chan struct{}
	cancel    context.CancelFunc

	mu      sync.Mutex
	status  RunStatus
	outcome stream.Outcome
	err     error
}

func (r *Run) ID() string        { return r.id }
func (r *Run) SessionID() string { return r.sessionID }

// Events streams updates until the run ends, then is closed.
func (r *Run) Events() <-chan stream.Update { return r.updates }

func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Cancel stops the run. It returns immediately; use Wait or Done to
// observe the end.
func (r *Run) Cancel() { r.cancel() }

// Wait blocks until the run ends or ctx is done. Updates not yet read from
// Events are discarded while waiting.
func (r *Run) Wait(ctx context.Context) (stream.Outcome, error) {
	for {
		select {
		case <-r.done:
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.outcome, r.err
		case _, ok := <-r.updates:
			if !ok {
				<-r.done
				r.mu.Lock()
				defer r.mu.Unlock()
				return r.outcome, r.err
			}
		case <-ctx.Done():
			return stream.Outcome{}, ctx.Err()
		}
	}
}

func (r *Run) finish(status RunStatus, out stream.Outcome, err error) {
	r.mu.Lock()
	r.status, r.outcome, r.err = status, out, err
	r.mu.Unlock()
	close(r.updates)
	close(r.done)
}
