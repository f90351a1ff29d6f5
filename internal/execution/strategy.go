// Package execution decides how a query against a session is run:
// attached to the caller, detached in the background, or on a fork.
package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/stream"
	"go.uber.org/zap"
)

const updateBuffer = 64

// Target is a claimed session and the runtime client serving it.
type Target struct {
	Session *session.Session
	Client  stream.Client
}

// Strategy runs queries in one execution mode.
type Strategy interface {
	Mode() session.Mode
	Execute(ctx context.Context, t Target, prompt string) (*Run, error)
}

// SessionSaver persists session state after a run settles it.
type SessionSaver interface {
	UpdateSession(ctx context.Context, st session.State) error
}

// Forker creates and connects the child of a forked session.
type Forker interface {
	Fork(ctx context.Context, parent *session.Session) (Target, error)
}

type runner struct {
	proc  *stream.Processor
	saver SessionSaver
	log   *zap.Logger
}

func newRunner(proc *stream.Processor, saver SessionSaver, log *zap.Logger, mode session.Mode) runner {
	if log == nil {
		log = zap.NewNop()
	}
	return runner{proc: proc, saver: saver, log: log.Named("execution").With(zap.String("mode", string(mode)))}
}

// start launches the processor on t. settle maps a successful outcome to
// the session's next status.
func (rn runner) start(ctx context.Context, t Target, prompt string, lossy bool, settle session.Status) (*Run, error) {
	if t.Session == nil || t.Client == nil {
		return nil, errors.New("execution: target needs a session and a client")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Run{
		id:        uuid.NewString(),
		sessionID: t.Session.ID(),
		updates:   make(chan stream.Update, updateBuffer),
		done:      make(chan struct{}),
		cancel:    cancel,
		status:    RunRunning,
	}
	log := rn.log.With(zap.String("session_id", r.sessionID), zap.String("run_id", r.id))

	go func() {
		defer cancel()
		out, err := rn.proc.Run(ctx, stream.Query{
			ID:      r.id,
			Session: t.Session,
			Client:  t.Client,
			Prompt:  prompt,
			Updates: r.updates,
			Lossy:   lossy,
		})
		status := RunCompleted
		switch {
		case err == nil:
			if terr := t.Session.TransitionTo(settle); terr != nil {
				log.Warn("settle session", zap.Error(terr))
			}
		case errors.Is(err, context.Canceled):
			status = RunCancelled
			release(t.Session, log)
		default:
			status = RunFailed
		}
		if serr := rn.saver.UpdateSession(context.WithoutCancel(ctx), t.Session.Snapshot()); serr != nil {
			log.Warn("persist session", zap.Error(serr))
		}
		log.Debug("run finished", zap.String("status", string(status)), zap.Error(err))
		r.finish(status, out, err)
	}()
	return r, nil
}

// release hands a session whose query was abandoned back to active.
func release(s *session.Session, log *zap.Logger) {
	if s.Status() != session.StatusProcessing {
		return
	}
	if err := s.TransitionTo(session.StatusActive); err != nil {
		log.Warn("release session", zap.Error(err))
	}
}

// Interactive binds the run to the caller's context and streams every
// update. The session returns to active when the query completes.
type Interactive struct{ runner }

func NewInteractive(proc *stream.Processor, saver SessionSaver, log *zap.Logger) *Interactive {
	return &Interactive{newRunner(proc, saver, log, session.ModeInteractive)}
}

func (*Interactive) Mode() session.Mode { return session.ModeInteractive }

func (s *Interactive) Execute(ctx context.Context, t Target, prompt string) (*Run, error) {
	return s.start(ctx, t, prompt, false, session.StatusActive)
}

// Background detaches the run from the caller. Updates are delivered on a
// best-effort basis and the session is completed when the query finishes.
type Background struct{ runner }

func NewBackground(proc *stream.Processor, saver SessionSaver, log *zap.Logger) *Background {
	return &Background{newRunner(proc, saver, log, session.ModeBackground)}
}

func (*Background) Mode() session.Mode { return session.ModeBackground }

func (s *Background) Execute(ctx context.Context, t Target, prompt string) (*Run, error) {
	return s.start(context.WithoutCancel(ctx), t, prompt, true, session.StatusCompleted)
}

// Forked runs the query on a fresh child of t's session that carries the
// parent's history and tool configuration.
type Forked struct {
	runner
	forker Forker
}

func NewForked(proc *stream.Processor, saver SessionSaver, forker Forker, log *zap.Logger) *Forked {
	return &Forked{runner: newRunner(proc, saver, log, session.ModeForked), forker: forker}
}

func (*Forked) Mode() session.Mode { return session.ModeForked }

func (s *Forked) Execute(ctx context.Context, t Target, prompt string) (*Run, error) {
	if t.Session == nil {
		return nil, errors.New("execution: fork needs a parent session")
	}
	child, err := s.forker.Fork(ctx, t.Session)
	if err != nil {
		return nil, fmt.Errorf("fork session %s: %w", t.Session.ID(), err)
	}
	return s.start(ctx, child, prompt, false, session.StatusActive)
}

// Selector maps execution modes to strategies.
type Selector struct {
	strategies map[session.Mode]Strategy
}

func NewSelector(strategies ...Strategy) (*Selector, error) {
	s := &Selector{strategies: make(map[session.Mode]Strategy, len(strategies))}
	for _, st := range strategies {
		if _, dup := s.strategies[st.Mode()]; dup {
			return nil, fmt.Errorf("execution: duplicate strategy for mode %q", st.Mode())
		}
		s.strategies[st.Mode()] = st
	}
	return s, nil
}

func (s *Selector) Select(mode session.Mode) (Strategy, error) {
	st, ok := s.strategies[mode]
	if !ok {
		return nil, &session.ModeError{Mode: string(mode)}
	}
	return st, nil
}

// Modes lists the registered modes in sorted order.
func (s *Selector) Modes() []session.Mode {
	out := make([]session.Mode, 0, len(s.strategies))
	for m := range s.strategies {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}
