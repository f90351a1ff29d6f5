package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cexll/agentsdk-go/pkg/security"
)

// AskRequest is shown to a human approver.
type AskRequest struct {
	SessionID string
	ToolUseID string
	ToolName  string
	Input     map[string]any
	Rule      string
	Deadline  time.Time
}

// Summary renders the request on one line.
func (r AskRequest) Summary() string {
	if len(r.Input) == 0 {
		return r.ToolName
	}
	data, err := json.Marshal(r.Input)
	if err != nil {
		return r.ToolName
	}
	return fmt.Sprintf("%s %s", r.ToolName, data)
}

// Answer is a human verdict.
type Answer struct {
	Approved bool
	Approver string
	Reason   string
}

// Asker obtains a human decision. Implementations must honour ctx.
type Asker interface {
	Ask(ctx context.Context, req AskRequest) (Answer, error)
}

type AskerFunc func(ctx context.Context, req AskRequest) (Answer, error)

func (f AskerFunc) Ask(ctx context.Context, req AskRequest) (Answer, error) { return f(ctx, req) }

// QueueAsker parks requests in an agentsdk approval queue until another
// party approves or denies them. Notify, if set, is called for every new
// pending record.
type QueueAsker struct {
	Queue  *security.ApprovalQueue
	Notify func(rec *security.ApprovalRecord, req AskRequest)
}

func NewQueueAsker(storePath string) (*QueueAsker, error) {
	q, err := security.NewApprovalQueue(storePath)
	if err != nil {
		return nil, fmt.Errorf("approval queue: %w", err)
	}
	return &QueueAsker{Queue: q}, nil
}

func (a *QueueAsker) Ask(ctx context.Context, req AskRequest) (Answer, error) {
	rec, err := a.Queue.Request(req.SessionID, req.Summary(), inputPaths(req.Input))
	if err != nil {
		return Answer{}, err
	}
	if rec.State == security.ApprovalApproved {
		return Answer{Approved: true, Approver: "whitelist", Reason: rec.Reason}, nil
	}
	if a.Notify != nil {
		a.Notify(rec, req)
	}
	done, err := a.Queue.Wait(ctx, rec.ID)
	if err != nil {
		// Leave nothing pending once the caller gave up.
		_, _ = a.Queue.Deny(rec.ID, "warden", err.Error())
		return Answer{}, err
	}
	return Answer{
		Approved: done.State == security.ApprovalApproved,
		Approver: done.Approver,
		Reason:   done.Reason,
	}, nil
}

// Pending lists unresolved requests.
func (a *QueueAsker) Pending() []*security.ApprovalRecord {
	return a.Queue.ListPending()
}

func inputPaths(input map[string]any) []string {
	var out []string
	for _, key := range []string{"path", "file_path", "filePath", "target"} {
		if v, ok := input[key].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}
