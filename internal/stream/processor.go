// Package stream turns a runtime response stream into persisted messages
// and mediated tool calls.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/warden/internal/hooks"
	"github.com/stellarlinkco/warden/internal/permission"
	"github.com/stellarlinkco/warden/internal/runtime"
	"github.com/stellarlinkco/warden/internal/session"
	"go.uber.org/zap"
)

// ErrPromptRejected is returned when a UserPromptSubmit hook stops a query.
var ErrPromptRejected = errors.New("prompt rejected")

var errStreamClosed = fmt.Errorf("%w: response stream closed without completion", session.ErrRuntimeConnection)

type nopPublisher struct{}

func (nopPublisher) Publish(string, Update) {}

type nopAuditor struct{}

func (nopAuditor) LogEvent(string, map[string]any) {}

type Option func(*Processor)

func WithPublisher(p Publisher) Option { return func(pr *Processor) { pr.pub = p } }
func WithAuditor(a Auditor) Option     { return func(pr *Processor) { pr.audit = a } }

func WithLogger(l *zap.Logger) Option {
	return func(pr *Processor) {
		if l != nil {
			pr.log = l
		}
	}
}

// Processor consumes runtime streams. It is stateless between queries and
// safe to share across sessions.
type Processor struct {
	sink  Sink
	pub   Publisher
	audit Auditor
	log   *zap.Logger
}

func NewProcessor(sink Sink, opts ...Option) *Processor {
	p := &Processor{sink: sink, pub: nopPublisher{}, audit: nopAuditor{}, log: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	if p.pub == nil {
		p.pub = nopPublisher{}
	}
	if p.audit == nil {
		p.audit = nopAuditor{}
	}
	p.log = p.log.Named("stream")
	return p
}

// Run claims q.Session, sends the prompt and consumes the response until
// it completes, fails or ctx ends. On success the session is left in
// processing for the caller to settle; on failure it is moved to failed.
func (p *Processor) Run(ctx context.Context, q Query) (Outcome, error) {
	if q.Session == nil || q.Client == nil {
		return Outcome{}, errors.New("stream: query needs a session and a client")
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if err := q.Session.BeginQuery(); err != nil {
		return Outcome{}, err
	}
	r := &run{
		p:      p,
		q:      q,
		sid:    q.Session.ID(),
		state:  QueryQueued,
		ledger: session.NewToolCallLedger(),
		log:    p.log.With(zap.String("session_id", q.Session.ID()), zap.String("query_id", q.ID)),
		seen:   make(map[string]bool),
	}
	r.out.QueryID = q.ID
	return r.execute(ctx)
}

type run struct {
	p      *Processor
	q      Query
	sid    string
	state  QueryState
	ledger *session.ToolCallLedger
	log    *zap.Logger

	text  strings.Builder
	reply strings.Builder
	model string
	seen  map[string]bool

	out Outcome
}

func (r *run) move(to QueryState) error {
	next, err := r.state.next(to)
	if err != nil {
		return err
	}
	r.state = next
	r.out.State = next
	return nil
}

func (r *run) execute(ctx context.Context) (Outcome, error) {
	r.out.State = r.state
	r.saveSession(ctx)
	r.p.audit.LogEvent("query.started", map[string]any{"session_id": r.sid, "query_id": r.q.ID})

	if err := r.saveMessage(ctx, session.Message{Type: session.MessageUser, Content: session.Text(r.q.Prompt)}); err != nil {
		return r.fail(ctx, err)
	}
	hres := r.dispatch(ctx, hooks.UserPromptSubmit, &hooks.Context{Prompt: r.q.Prompt})
	if !hres.Proceed() {
		return r.reject(ctx, hres)
	}

	if err := r.move(QuerySending); err != nil {
		return r.fail(ctx, err)
	}
	events, err := r.q.Client.Send(ctx, r.q.Prompt)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		return r.fail(ctx, err)
	}
	if err := r.move(QueryStreaming); err != nil {
		return r.fail(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			return r.cancel(ctx)
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return r.cancel(ctx)
				}
				return r.fail(ctx, errStreamClosed)
			}
			done, err := r.handle(ctx, evt)
			switch {
			case err != nil && ctx.Err() != nil:
				return r.cancel(ctx)
			case err != nil:
				return r.fail(ctx, err)
			case done:
				return r.complete(ctx)
			}
		}
	}
}

// handle applies one event. It reports done on stream-complete.
func (r *run) handle(ctx context.Context, evt runtime.Event) (bool, error) {
	switch evt.Kind {
	case runtime.EventTextDelta:
		r.text.WriteString(evt.Text)
		r.deliver(ctx, Update{Kind: UpdateText, Text: evt.Text})
	case runtime.EventMessageStop:
		return false, r.flush(ctx, false)
	case runtime.EventUsage:
		if evt.Model != "" {
			r.model = evt.Model
		}
		if u := evt.Usage; u != nil {
			r.q.Session.AddUsage(evt.Model, u.InputTokens, u.OutputTokens, u.CostUSD)
			r.out.InputTokens += u.InputTokens
			r.out.OutputTokens += u.OutputTokens
		} else if evt.Model != "" {
			r.q.Session.AddUsage(evt.Model, 0, 0, 0)
		}
	case runtime.EventToolUseRequest:
		if err := r.flush(ctx, false); err != nil {
			return false, err
		}
		return false, r.tool(ctx, evt)
	case runtime.EventToolResult:
		return false, r.toolResult(ctx, evt)
	case runtime.EventStreamError:
		err := evt.Err
		if err == nil {
			err = errors.New("runtime reported a stream error")
		}
		return false, err
	case runtime.EventStreamComplete:
		return true, r.flush(ctx, false)
	default:
		r.log.Debug("ignoring runtime event", zap.String("kind", string(evt.Kind)))
	}
	return false, nil
}

func (r *run) flush(ctx context.Context, incomplete bool) error {
	if r.text.Len() == 0 {
		return nil
	}
	text := r.text.String()
	r.text.Reset()
	r.reply.WriteString(text)
	return r.saveMessage(ctx, session.Message{
		Type:       session.MessageAssistant,
		Content:    session.Text(text),
		Model:      r.model,
		Incomplete: incomplete,
	})
}

func (r *run) toolResult(ctx context.Context, evt runtime.Event) error {
	if evt.ToolUseID != "" {
		if r.seen[evt.ToolUseID] {
			return nil
		}
		r.seen[evt.ToolUseID] = true
	}
	name := evt.ToolName
	if name == "" {
		if tc, ok := r.ledger.Current(evt.ToolUseID); ok {
			name = tc.ToolName
		}
	}
	content, err := session.ToolResultJSON(name, evt.Output, evt.IsError)
	if err != nil {
		return err
	}
	return r.saveMessage(ctx, session.Message{
		Type:      session.MessageToolResult,
		Content:   content,
		ToolUseID: evt.ToolUseID,
	})
}

// tool mediates one tool-use request: persist, decide, hook, execute.
func (r *run) tool(ctx context.Context, evt runtime.Event) error {
	id := evt.ToolUseID
	if _, ok := r.ledger.Current(id); ok {
		r.log.Debug("duplicate tool request", zap.String("tool_use_id", id))
		return nil
	}
	if prev, found, err := r.p.sink.ToolCall(ctx, r.sid, id); err != nil {
		return fmt.Errorf("look up tool call %s: %w", id, err)
	} else if found {
		r.log.Info("tool request already recorded", zap.String("tool_use_id", id), zap.String("status", string(prev.Status)))
		return r.ledger.Commit(prev)
	}

	if err := r.move(QueryToolPending); err != nil {
		return err
	}
	tc := session.NewToolCall(uuid.NewString(), r.sid, id, evt.ToolName, evt.Input, r.now())
	if err := r.commit(ctx, tc); err != nil {
		return err
	}
	r.q.Session.RecordToolCall()
	r.out.ToolCalls++

	dec := r.decide(ctx, evt)
	if err := r.p.sink.SavePermissionDecision(ctx, dec); err != nil {
		return fmt.Errorf("save decision for %s: %w", id, err)
	}
	r.deliver(ctx, Update{Kind: UpdateDecision, Decision: &dec})
	r.p.audit.LogEvent("tool.decision", map[string]any{
		"session_id": r.sid, "tool_use_id": id, "tool": evt.ToolName,
		"outcome": string(dec.Outcome), "reason": dec.Reason, "source": string(dec.Source),
	})

	tc = tc.WithDecision(dec)
	if err := r.commit(ctx, tc); err != nil {
		return err
	}
	if !dec.Allowed() {
		return r.denied(ctx, id, dec.Reason)
	}

	hc := &hooks.Context{ToolUseID: id, ToolName: evt.ToolName, Input: evt.Input}
	hres := r.dispatch(ctx, hooks.PreToolUse, hc)
	switch {
	case hres.Vetoed:
		veto := session.PermissionDecision{
			SessionID: r.sid, ToolUseID: id, ToolName: evt.ToolName, Input: evt.Input,
			Outcome: session.OutcomeDeny, Reason: session.ReasonHookVetoed, Rule: hres.VetoedBy,
			Source: session.SourceHook, DecidedAt: r.now(),
		}
		if err := r.p.sink.SavePermissionDecision(ctx, veto); err != nil {
			return fmt.Errorf("save decision for %s: %w", id, err)
		}
		r.deliver(ctx, Update{Kind: UpdateDecision, Decision: &veto})
		if err := r.commit(ctx, tc.WithDenied(hres.VetoedBy+": "+hres.Reason, r.now())); err != nil {
			return err
		}
		return r.denied(ctx, id, session.ReasonHookVetoed)
	case hres.Err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.commit(ctx, tc.WithError(hres.Err.Error(), r.now())); err != nil {
			return err
		}
		r.rejectTool(ctx, id, session.ReasonHookFailed)
		return r.move(QueryStreaming)
	}

	running, err := tc.WithRunning(r.now())
	if err != nil {
		return err
	}
	if err := r.commit(ctx, running); err != nil {
		return err
	}
	if err := r.move(QueryToolExecuting); err != nil {
		return err
	}

	res, execErr := r.q.Client.ExecuteTool(ctx, runtime.ToolRequest{ToolUseID: id, Name: evt.ToolName, Input: evt.Input})
	var final session.ToolCall
	switch {
	case execErr != nil:
		final = running.WithError(execErr.Error(), r.now())
		r.rejectTool(ctx, id, "execution failed")
	case res.IsError:
		final = running.WithError(res.Output, r.now())
	default:
		final = running.WithResult(res.Output, r.now())
	}
	pctx := ctx
	if ctx.Err() != nil {
		pctx = context.WithoutCancel(ctx)
	}
	if err := r.commit(pctx, final); err != nil {
		return err
	}
	r.p.audit.LogEvent("tool.executed", map[string]any{
		"session_id": r.sid, "tool_use_id": id, "tool": evt.ToolName,
		"status": string(final.Status), "duration_ms": final.Duration.Milliseconds(),
	})
	if errors.Is(execErr, context.Canceled) || ctx.Err() != nil {
		return context.Canceled
	}

	post := &hooks.Context{
		ToolUseID: id, ToolName: evt.ToolName, Input: evt.Input,
		Output: res.Output, Duration: final.Duration,
	}
	if final.Status == session.ToolError {
		post.ToolErr = errors.New(final.Error)
	}
	r.dispatch(ctx, hooks.PostToolUse, post)
	return r.move(QueryStreaming)
}

func (r *run) decide(ctx context.Context, evt runtime.Event) session.PermissionDecision {
	engine := r.q.Client.Permissions()
	if engine == nil {
		return session.PermissionDecision{
			SessionID: r.sid, ToolUseID: evt.ToolUseID, ToolName: evt.ToolName, Input: evt.Input,
			Outcome: session.OutcomeDeny, Reason: session.ReasonPolicyDenied,
			Source: session.SourceForbidden, DecidedAt: r.now(),
		}
	}
	return engine.Evaluate(ctx, permission.Request{
		SessionID: r.sid,
		ToolUseID: evt.ToolUseID,
		ToolName:  evt.ToolName,
		Input:     evt.Input,
	})
}

func (r *run) denied(ctx context.Context, toolUseID, reason string) error {
	r.out.Denied++
	r.rejectTool(ctx, toolUseID, reason)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return r.move(QueryStreaming)
}

func (r *run) rejectTool(ctx context.Context, toolUseID, reason string) {
	if err := r.q.Client.RejectTool(context.WithoutCancel(ctx), toolUseID, reason); err != nil {
		r.log.Warn("reject tool", zap.String("tool_use_id", toolUseID), zap.Error(err))
	}
}

// reject settles a query stopped by UserPromptSubmit hooks.
func (r *run) reject(ctx context.Context, hres hooks.Result) (Outcome, error) {
	r.state, r.out.State = QueryFailed, QueryFailed
	err := hres.Err
	if hres.Vetoed {
		err = fmt.Errorf("%w by %s: %s", ErrPromptRejected, hres.VetoedBy, hres.Reason)
	}
	r.out.Error = err.Error()
	if terr := r.q.Session.TransitionTo(session.StatusActive); terr != nil {
		r.log.Warn("release session", zap.Error(terr))
	}
	r.saveSession(ctx)
	r.deliver(ctx, Update{Kind: UpdateDone, Query: QueryFailed, Error: r.out.Error})
	return r.out, err
}

func (r *run) complete(ctx context.Context) (Outcome, error) {
	if err := r.move(QueryCompleted); err != nil {
		return r.fail(ctx, err)
	}
	r.out.Reply = r.reply.String()
	r.dispatch(ctx, hooks.Stop, &hooks.Context{Reason: "completed"})
	r.saveSession(ctx)
	r.p.audit.LogEvent("query.completed", map[string]any{
		"session_id": r.sid, "query_id": r.q.ID,
		"messages": r.out.Messages, "tool_calls": r.out.ToolCalls, "denied": r.out.Denied,
	})
	r.deliver(ctx, Update{Kind: UpdateDone, Query: QueryCompleted, Text: r.out.Reply})
	r.log.Debug("query completed", zap.Int("messages", r.out.Messages), zap.Int("tool_calls", r.out.ToolCalls))
	return r.out, nil
}

// fail persists partial output, moves the session to failed and runs the
// Stop hooks with failure context.
func (r *run) fail(ctx context.Context, cause error) (Outcome, error) {
	pctx := context.WithoutCancel(ctx)
	if err := r.flush(pctx, true); err != nil {
		r.log.Warn("flush partial message", zap.Error(err))
	}
	r.state, r.out.State = QueryFailed, QueryFailed
	r.out.Reply = r.reply.String()
	r.out.Error = cause.Error()
	if err := r.q.Session.Fail(cause.Error()); err != nil {
		r.log.Warn("fail session", zap.Error(err))
	}
	r.saveSession(pctx)
	r.deliver(pctx, Update{Kind: UpdateStatus, Status: r.q.Session.Status(), Error: r.out.Error})
	r.dispatch(pctx, hooks.Stop, &hooks.Context{Reason: cause.Error(), Failed: true})
	r.p.audit.LogEvent("query.failed", map[string]any{"session_id": r.sid, "query_id": r.q.ID, "error": cause.Error()})
	r.deliver(pctx, Update{Kind: UpdateDone, Query: QueryFailed, Error: r.out.Error})
	r.log.Warn("query failed", zap.Error(cause))
	return r.out, fmt.Errorf("query %s: %w", r.q.ID, cause)
}

// cancel stops consumption, keeps partial text as incomplete and leaves
// the session status to whoever cancelled.
func (r *run) cancel(ctx context.Context) (Outcome, error) {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	pctx := context.WithoutCancel(ctx)
	if err := r.flush(pctx, true); err != nil {
		r.log.Warn("flush partial message", zap.Error(err))
	}
	r.state, r.out.State = QueryFailed, QueryFailed
	r.out.Reply = r.reply.String()
	r.out.Error = cause.Error()
	r.saveSession(pctx)
	r.dispatch(pctx, hooks.Stop, &hooks.Context{Reason: session.ReasonCancelled, Failed: true})
	r.p.audit.LogEvent("query.cancelled", map[string]any{"session_id": r.sid, "query_id": r.q.ID})
	r.deliver(pctx, Update{Kind: UpdateDone, Query: QueryFailed, Error: r.out.Error})
	r.log.Info("query cancelled")
	return r.out, fmt.Errorf("query %s cancelled: %w", r.q.ID, cause)
}

func (r *run) commit(ctx context.Context, tc session.ToolCall) error {
	if err := r.ledger.Commit(tc); err != nil {
		return err
	}
	if err := r.p.sink.SaveToolCall(ctx, tc); err != nil {
		return fmt.Errorf("save tool call %s: %w", tc.ToolUseID, err)
	}
	r.deliver(ctx, Update{Kind: UpdateToolCall, ToolCall: &tc})
	return nil
}

func (r *run) saveMessage(ctx context.Context, msg session.Message) error {
	msg.SessionID = r.sid
	msg.Sequence = r.q.Session.NextSequence()
	msg.CreatedAt = r.now()
	if err := r.p.sink.SaveMessage(ctx, msg); err != nil {
		r.q.Session.ReleaseSequence(msg.Sequence)
		return fmt.Errorf("save message %d: %w", msg.Sequence, err)
	}
	r.out.Messages++
	r.deliver(ctx, Update{Kind: UpdateMessage, Message: &msg})
	return nil
}

func (r *run) saveSession(ctx context.Context) {
	if err := r.p.sink.UpdateSession(ctx, r.q.Session.Snapshot()); err != nil {
		r.log.Warn("persist session", zap.Error(err))
	}
}

func (r *run) dispatch(ctx context.Context, t hooks.Type, hc *hooks.Context) hooks.Result {
	d := r.q.Client.Hooks()
	if d == nil {
		return hooks.Result{}
	}
	hc.SessionID = r.sid
	hc.QueryID = r.q.ID
	res := d.Dispatch(ctx, t, hc)
	for i := range res.Records {
		rec := res.Records[i]
		r.deliver(ctx, Update{Kind: UpdateHook, Hook: &rec})
	}
	return res
}

func (r *run) deliver(ctx context.Context, u Update) {
	u.SessionID = r.sid
	u.QueryID = r.q.ID
	if u.At.IsZero() {
		u.At = r.now()
	}
	if u.Query == "" {
		u.Query = r.state
	}
	r.p.pub.Publish(r.sid, u)
	if r.q.Updates == nil {
		return
	}
	if r.q.Lossy {
		select {
		case r.q.Updates <- u:
		default:
		}
		return
	}
	select {
	case r.q.Updates <- u:
	case <-ctx.Done():
	}
}

func (r *run) now() time.Time { return r.q.Session.Now() }
