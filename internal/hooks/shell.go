package hooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdkconfig "github.com/cexll/agentsdk-go/pkg/config"
	"github.com/cexll/agentsdk-go/pkg/core/events"
	sdkhooks "github.com/cexll/agentsdk-go/pkg/core/hooks"
)

// ShellPriority is the base priority for hooks loaded from configuration.
const ShellPriority = 100

// ShellHandler runs one configured shell command through the agentsdk
// hook executor. The command receives the event as JSON on stdin.
type ShellHandler struct {
	event Type
	exec  *sdkhooks.Executor
}

// NewShellHandler wraps hook. Options are passed to the agentsdk executor.
func NewShellHandler(hook sdkhooks.ShellHook, opts ...sdkhooks.ExecutorOption) *ShellHandler {
	exec := sdkhooks.NewExecutor(opts...)
	exec.Register(hook)
	return &ShellHandler{event: hook.Event, exec: exec}
}

func (h *ShellHandler) Handle(ctx context.Context, hc *Context) error {
	evt := hc.Event(h.event)
	results, err := h.exec.Execute(ctx, evt)
	if err != nil {
		if strings.Contains(err.Error(), "blocking error") {
			return Veto(strings.TrimSpace(strings.TrimPrefix(err.Error(), "hooks: blocking error:")))
		}
		return err
	}
	for _, r := range results {
		if r.Decision == sdkhooks.DecisionBlockingError {
			return Veto(strings.TrimSpace(r.Stderr))
		}
		out := r.Output
		if out == nil {
			continue
		}
		if out.Continue != nil && !*out.Continue {
			return Veto(out.StopReason)
		}
		if strings.EqualFold(out.Decision, "block") {
			return Veto(out.Reason)
		}
		if spec := out.HookSpecificOutput; spec != nil {
			if strings.EqualFold(spec.PermissionDecision, "deny") {
				return Veto(spec.PermissionDecisionReason)
			}
			if spec.AdditionalContext != "" {
				hc.Set(KeyAdditionalContext, spec.AdditionalContext)
			}
		}
		if out.SystemMessage != "" {
			hc.Set(KeySystemMessage, out.SystemMessage)
		}
	}
	return nil
}

// Context keys written by shell hooks.
const (
	KeyAdditionalContext = "additional_context"
	KeySystemMessage     = "system_message"
)

// ShellOptions tune hooks loaded from configuration.
type ShellOptions struct {
	Timeout time.Duration
	WorkDir string
}

// FromConfig converts agentsdk hook settings into registrations. Only
// "command" hooks are supported. Pre-tool-use and prompt hooks gate the
// action; the others only observe.
func FromConfig(cfg *sdkconfig.HooksConfig, opts ShellOptions) ([]Registration, error) {
	if cfg == nil {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hooks config: %w", err)
	}
	sections := []struct {
		t       Type
		entries []sdkconfig.HookMatcherEntry
	}{
		{UserPromptSubmit, cfg.UserPromptSubmit},
		{PreToolUse, cfg.PreToolUse},
		{PostToolUse, cfg.PostToolUse},
		{Stop, cfg.Stop},
		{SubagentStop, cfg.SubagentStop},
		{PreCompact, cfg.PreCompact},
	}

	var execOpts []sdkhooks.ExecutorOption
	if opts.Timeout > 0 {
		execOpts = append(execOpts, sdkhooks.WithTimeout(opts.Timeout))
	}
	if opts.WorkDir != "" {
		execOpts = append(execOpts, sdkhooks.WithWorkDir(opts.WorkDir))
	}

	var regs []Registration
	for _, sec := range sections {
		n := 0
		for _, entry := range sec.entries {
			sel, err := selectorFor(sec.t, entry.Matcher)
			if err != nil {
				return nil, err
			}
			for _, def := range entry.Hooks {
				if def.Type != "" && def.Type != "command" {
					continue
				}
				hook := sdkhooks.ShellHook{
					Event:         events.EventType(sec.t),
					Command:       def.Command,
					Selector:      sel,
					Timeout:       time.Duration(def.Timeout) * time.Second,
					Name:          fmt.Sprintf("shell:%s#%d", sec.t, n),
					Async:         def.Async,
					Once:          def.Once,
					StatusMessage: def.StatusMessage,
				}
				regs = append(regs, Registration{
					Name:     hook.Name,
					Type:     sec.t,
					Priority: ShellPriority + n,
					Gating:   sec.t == PreToolUse || sec.t == UserPromptSubmit,
					Handler:  NewShellHandler(hook, execOpts...),
				})
				n++
			}
		}
	}
	return regs, nil
}

// selectorFor compiles a matcher. Prompt and stop events have no matcher
// target in the agentsdk executor, so their matchers are ignored.
func selectorFor(t Type, matcher string) (sdkhooks.Selector, error) {
	m := strings.TrimSpace(matcher)
	if m == "" || m == "*" || t == UserPromptSubmit || t == Stop {
		return sdkhooks.Selector{}, nil
	}
	sel, err := sdkhooks.NewSelector("^(?:"+m+")$", "")
	if err != nil {
		return sel, fmt.Errorf("hooks: matcher %q: %w", matcher, err)
	}
	return sel, nil
}
