// Package hooks runs ordered handler pipelines around tool execution and
// query lifecycle events.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/core/events"
)

// Type identifies a hook point. Values are the agentsdk event names.
type Type = events.EventType

const (
	PreToolUse       Type = events.PreToolUse
	PostToolUse      Type = events.PostToolUse
	UserPromptSubmit Type = events.UserPromptSubmit
	Stop             Type = events.Stop
	SubagentStop     Type = events.SubagentStop
	PreCompact       Type = events.PreCompact
)

// Types lists the supported hook points.
func Types() []Type {
	return []Type{PreToolUse, PostToolUse, UserPromptSubmit, Stop, SubagentStop, PreCompact}
}

func supported(t Type) bool {
	for _, known := range Types() {
		if known == t {
			return true
		}
	}
	return false
}

// Handler observes or gates one hook point. Returning a *VetoError stops
// the pipeline as a deliberate denial; any other error is a failure.
type Handler interface {
	Handle(ctx context.Context, hc *Context) error
}

type HandlerFunc func(ctx context.Context, hc *Context) error

func (f HandlerFunc) Handle(ctx context.Context, hc *Context) error { return f(ctx, hc) }

// Registration binds a handler to a hook point.
type Registration struct {
	Name     string
	Type     Type
	Priority int
	// Gating handlers abort the pipeline when they fail.
	Gating  bool
	Handler Handler

	index int
}

// Builder accumulates registrations. It is not safe for concurrent use.
type Builder struct {
	regs []Registration
	errs []error
}

func NewBuilder() *Builder { return &Builder{} }

// Register adds r. Invalid registrations are reported by Build.
func (b *Builder) Register(regs ...Registration) *Builder {
	for _, r := range regs {
		switch {
		case strings.TrimSpace(r.Name) == "":
			b.errs = append(b.errs, errors.New("hooks: registration name is required"))
			continue
		case r.Handler == nil:
			b.errs = append(b.errs, fmt.Errorf("hooks: %s: handler is required", r.Name))
			continue
		case !supported(r.Type):
			b.errs = append(b.errs, fmt.Errorf("hooks: %s: unsupported type %q", r.Name, r.Type))
			continue
		}
		r.index = len(b.regs)
		b.regs = append(b.regs, r)
	}
	return b
}

// Build freezes the registrations into an immutable Registry.
func (b *Builder) Build() (*Registry, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	byType := make(map[Type][]Registration)
	for _, r := range b.regs {
		byType[r.Type] = append(byType[r.Type], r)
	}
	for t := range byType {
		list := byType[t]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			return list[i].index < list[j].index
		})
	}
	return &Registry{byType: byType}, nil
}

// Registry is the read-only, ordered set of handlers per hook point.
type Registry struct {
	byType map[Type][]Registration
}

// Empty is a registry without handlers.
func Empty() *Registry { return &Registry{byType: map[Type][]Registration{}} }

// Handlers returns the ordered handlers for t.
func (r *Registry) Handlers(t Type) []Registration {
	if r == nil {
		return nil
	}
	list := r.byType[t]
	out := make([]Registration, len(list))
	copy(out, list)
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, list := range r.byType {
		n += len(list)
	}
	return n
}
