package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/warden/internal/session"
	"go.uber.org/zap"
)

// Recorder persists hook execution records.
type Recorder interface {
	SaveHookExecution(ctx context.Context, rec session.HookExecutionRecord) error
}

// Result summarises one pipeline run.
type Result struct {
	Vetoed   bool
	VetoedBy string
	Reason   string
	Records  []session.HookExecutionRecord
	// Err is set when a gating handler failed; it wraps session.ErrHookExecutionFailure.
	Err error
}

// Proceed reports whether the guarded action may continue.
func (r Result) Proceed() bool { return !r.Vetoed && r.Err == nil }

// Dispatcher runs registry pipelines. It holds no per-dispatch state.
type Dispatcher struct {
	registry *Registry
	recorder Recorder
	log      *zap.Logger
	now      func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithRecorder(r Recorder) DispatcherOption { return func(d *Dispatcher) { d.recorder = r } }

func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	if reg == nil {
		reg = Empty()
	}
	d := &Dispatcher{registry: reg, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.Named("hooks")
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs every handler registered for t in order. A veto or a
// gating failure stops the pipeline; non-gating failures are recorded and
// skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, t Type, hc *Context) Result {
	if hc == nil {
		hc = &Context{}
	}
	var res Result
	for _, reg := range d.registry.Handlers(t) {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		start := d.now()
		err := d.invoke(ctx, reg, hc)
		rec := session.HookExecutionRecord{
			ID:        uuid.NewString(),
			SessionID: hc.SessionID,
			HookName:  reg.Name,
			HookType:  string(t),
			Priority:  reg.Priority,
			Gating:    reg.Gating,
			Outcome:   session.HookCompleted,
			StartedAt: start.UTC(),
			Duration:  d.now().Sub(start),
		}

		reason, vetoed := IsVeto(err)
		switch {
		case vetoed:
			rec.Outcome = session.HookVetoed
			rec.Detail = reason
		case err != nil:
			rec.Outcome = session.HookFailed
			rec.Detail = err.Error()
		}
		res.Records = append(res.Records, rec)
		d.record(ctx, rec)

		switch {
		case vetoed:
			res.Vetoed = true
			res.VetoedBy = reg.Name
			res.Reason = reason
			d.log.Info("hook vetoed",
				zap.String("session_id", hc.SessionID),
				zap.String("hook", reg.Name),
				zap.String("type", string(t)),
				zap.String("reason", reason))
			return res
		case err != nil && reg.Gating:
			res.Err = fmt.Errorf("hook %q (%s): %w: %w", reg.Name, t, session.ErrHookExecutionFailure, err)
			d.log.Warn("gating hook failed",
				zap.String("session_id", hc.SessionID),
				zap.String("hook", reg.Name),
				zap.Error(err))
			return res
		case err != nil:
			d.log.Warn("hook failed",
				zap.String("session_id", hc.SessionID),
				zap.String("hook", reg.Name),
				zap.String("type", string(t)),
				zap.Error(err))
		}
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, reg Registration, hc *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return reg.Handler.Handle(ctx, hc)
}

func (d *Dispatcher) record(ctx context.Context, rec session.HookExecutionRecord) {
	if d.recorder == nil {
		return
	}
	// Records are kept even when the pipeline's context is cancelled.
	if err := d.recorder.SaveHookExecution(context.WithoutCancel(ctx), rec); err != nil {
		d.log.Warn("save hook execution", zap.String("hook", rec.HookName), zap.Error(err))
	}
}
