// Package permission decides whether the runtime may invoke a tool.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkconfig "github.com/cexll/agentsdk-go/pkg/config"
	"github.com/cexll/agentsdk-go/pkg/security"
	"github.com/stellarlinkco/warden/internal/session"
	"go.uber.org/zap"
)

const DefaultAskTimeout = 60 * time.Second

// Fallback is the outcome applied when a human does not answer in time.
type Fallback string

const (
	FallbackDeny  Fallback = "deny"
	FallbackAllow Fallback = "allow"
)

func ParseFallback(s string) (Fallback, error) {
	switch Fallback(s) {
	case "":
		return FallbackDeny, nil
	case FallbackDeny, FallbackAllow:
		return Fallback(s), nil
	}
	return "", fmt.Errorf("%w: unknown ask timeout default %q", session.ErrConfigValidation, s)
}

// Policy holds the three rule sets. Rules use the agentsdk permission
// syntax: exact names, globs, "regex:" patterns or Tool(target) forms.
type Policy struct {
	AutoApproved    []string
	ConsentRequired []string
	Forbidden       []string
	AskTimeout      time.Duration
	TimeoutDefault  Fallback
}

// Request is one tool invocation awaiting a verdict.
type Request struct {
	SessionID string
	ToolUseID string
	ToolName  string
	Input     map[string]any
}

// Engine evaluates requests against a Policy. It is immutable after construction.
type Engine struct {
	matcher *security.PermissionMatcher // forbidden and auto-approved rules
	consent *security.PermissionMatcher
	policy  Policy
	asker   Asker
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*Engine)

func WithAsker(a Asker) Option { return func(e *Engine) { e.asker = a } }

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(p Policy, opts ...Option) (*Engine, error) {
	cfg := &sdkconfig.PermissionsConfig{
		Allow:       p.AutoApproved,
		Ask:         p.ConsentRequired,
		Deny:        p.Forbidden,
		DefaultMode: "askBeforeRunningTools",
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: permissions: %w", session.ErrConfigValidation, err)
	}
	// The agentsdk matcher ranks ask above allow, so consent rules live in
	// their own matcher and are only consulted once allow has missed.
	matcher, err := security.NewPermissionMatcher(&sdkconfig.PermissionsConfig{Allow: p.AutoApproved, Deny: p.Forbidden})
	if err != nil {
		return nil, fmt.Errorf("%w: permissions: %w", session.ErrConfigValidation, err)
	}
	consent, err := security.NewPermissionMatcher(&sdkconfig.PermissionsConfig{Ask: p.ConsentRequired})
	if err != nil {
		return nil, fmt.Errorf("%w: permissions: %w", session.ErrConfigValidation, err)
	}
	if p.AskTimeout <= 0 {
		p.AskTimeout = DefaultAskTimeout
	}
	if p.TimeoutDefault == "" {
		p.TimeoutDefault = FallbackDeny
	}
	if _, err := ParseFallback(string(p.TimeoutDefault)); err != nil {
		return nil, err
	}
	e := &Engine{
		matcher: matcher,
		consent: consent,
		policy:  p,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("permission")
	return e, nil
}

func (e *Engine) Policy() Policy { return e.policy }

// Evaluate always returns a decision. Forbidden rules win, then
// auto-approved ones; everything else goes to the Asker, bounded by
// AskTimeout.
func (e *Engine) Evaluate(ctx context.Context, req Request) session.PermissionDecision {
	d := session.PermissionDecision{
		SessionID: req.SessionID,
		ToolUseID: req.ToolUseID,
		ToolName:  req.ToolName,
		Input:     req.Input,
	}
	match := e.matcher.Match(req.ToolName, req.Input)
	d.Rule = match.Rule

	switch match.Action {
	case security.PermissionDeny:
		d.Outcome = session.OutcomeDeny
		d.Reason = session.ReasonPolicyDenied
		d.Source = session.SourceForbidden
	case security.PermissionAllow:
		d.Outcome = session.OutcomeAllow
		d.Reason = session.ReasonAutoApproved
		d.Source = session.SourceAutoApproved
	default:
		if m := e.consent.Match(req.ToolName, req.Input); m.Action == security.PermissionAsk {
			d.Rule = m.Rule
		}
		e.ask(ctx, req, &d)
	}
	d.DecidedAt = e.now().UTC()

	e.log.Debug("tool permission evaluated",
		zap.String("session_id", req.SessionID),
		zap.String("tool", req.ToolName),
		zap.String("tool_use_id", req.ToolUseID),
		zap.String("outcome", string(d.Outcome)),
		zap.String("reason", d.Reason),
		zap.String("rule", d.Rule),
	)
	return d
}

type askResult struct {
	answer Answer
	err    error
}

func (e *Engine) ask(ctx context.Context, req Request, d *session.PermissionDecision) {
	d.Source = session.SourceHuman
	if e.asker == nil {
		e.timeout(d)
		return
	}

	askCtx, cancel := context.WithTimeout(ctx, e.policy.AskTimeout)
	defer cancel()

	done := make(chan askResult, 1)
	go func() {
		answer, err := e.asker.Ask(askCtx, AskRequest{
			SessionID: req.SessionID,
			ToolUseID: req.ToolUseID,
			ToolName:  req.ToolName,
			Input:     req.Input,
			Rule:      d.Rule,
			Deadline:  e.now().Add(e.policy.AskTimeout),
		})
		done <- askResult{answer: answer, err: err}
	}()

	var res askResult
	select {
	case res = <-done:
	case <-askCtx.Done():
		res.err = askCtx.Err()
	}

	switch {
	case ctx.Err() != nil:
		d.Outcome = session.OutcomeDeny
		d.Reason = session.ReasonCancelled
	case res.err != nil && errors.Is(res.err, context.DeadlineExceeded):
		e.timeout(d)
	case res.err != nil:
		e.log.Warn("permission asker failed", zap.String("tool", req.ToolName), zap.Error(res.err))
		d.Outcome = session.OutcomeAskResolvedDeny
		d.Reason = session.ReasonAskFailed
	case res.answer.Approved:
		d.Outcome = session.OutcomeAskResolvedAllow
		d.Reason = session.ReasonUserApproved
	default:
		d.Outcome = session.OutcomeAskResolvedDeny
		d.Reason = session.ReasonUserDenied
	}
}

func (e *Engine) timeout(d *session.PermissionDecision) {
	d.Source = session.SourceTimeout
	d.TimedOut = true
	d.Reason = session.ReasonPermissionTimeout
	if e.policy.TimeoutDefault == FallbackAllow {
		d.Outcome = session.OutcomeAskResolvedAllow
		return
	}
	d.Outcome = session.OutcomeAskResolvedDeny
}
