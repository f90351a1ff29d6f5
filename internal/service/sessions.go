package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stellarlinkco/warden/internal/execution"
	"github.com/stellarlinkco/warden/internal/hooks"
	"github.com/stellarlinkco/warden/internal/runtime"
	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/store"
	"github.com/stellarlinkco/warden/internal/stream"
	"github.com/stellarlinkco/warden/internal/toolsource"
	"go.uber.org/zap"
)

// CreateSession registers a new session in the created state. An empty
// mode selects the configured default.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (session.State, error) {
	if err := s.checkOpen(); err != nil {
		return session.State{}, err
	}
	if req.OwnerID == "" {
		return session.State{}, fmt.Errorf("%w: owner id is required", session.ErrConfigValidation)
	}
	mode := req.Mode
	if mode == "" {
		mode = session.Mode(s.cfg.Agent.DefaultMode)
	}
	mode, err := session.ParseMode(string(mode))
	if err != nil {
		return session.State{}, err
	}

	sess := session.New(uuid.NewString(), session.Params{
		OwnerID:        req.OwnerID,
		OrganizationID: req.OrganizationID,
		Mode:           mode,
	}, session.WithClock(s.now))
	st := sess.Snapshot()
	if err := s.store.CreateSession(ctx, st); err != nil {
		return session.State{}, err
	}
	s.mu.Lock()
	s.sessions[st.ID] = sess
	s.mu.Unlock()

	s.audit.LogEvent("session.created", map[string]any{
		"session_id":      st.ID,
		"owner_id":        st.OwnerID,
		"organization_id": st.OrganizationID,
		"mode":            string(st.Mode),
	})
	s.publishStatus(sess)
	s.log.Info("session created", zap.String("session_id", st.ID), zap.String("mode", string(st.Mode)))
	return st, nil
}

// Connect resolves the session's effective tool configuration, freezes it
// on the session and spawns its runtime client. A failed connection leaves
// the session failed with the cause recorded.
func (s *Service) Connect(ctx context.Context, id string, opts ConnectOptions) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	st := sess.Snapshot()
	return s.connect(ctx, sess, func(ctx context.Context) (*toolsource.Snapshot, error) {
		return s.merger.Merge(ctx, toolsource.MergeRequest{
			IncludeBuiltin: s.cfg.Sources.IncludeBuiltin && !opts.ExcludeBuiltin,
			OwnerID:        st.OwnerID,
			OrganizationID: st.OrganizationID,
		})
	}, "")
}

func (s *Service) connect(ctx context.Context, sess *session.Session, resolve func(context.Context) (*toolsource.Snapshot, error), prompt string) error {
	if err := s.transition(ctx, sess, session.StatusConnecting); err != nil {
		return err
	}
	fail := func(err error) error {
		if ferr := sess.Fail(err.Error()); ferr != nil {
			s.log.Warn("fail session", zap.String("session_id", sess.ID()), zap.Error(ferr))
		}
		s.persist(ctx, sess)
		s.audit.LogEvent("session.connect_failed", map[string]any{
			"session_id": sess.ID(),
			"error":      err.Error(),
		})
		return err
	}

	snap, err := resolve(ctx)
	if err != nil {
		return fail(fmt.Errorf("resolve tool sources: %w", err))
	}
	sess.SetToolConfig(snap.Canonical(), snap.Fingerprint())

	history, err := s.store.Messages(ctx, sess.ID())
	if err != nil {
		return fail(err)
	}
	dispatcher := hooks.NewDispatcher(s.registry,
		hooks.WithRecorder(s.store),
		hooks.WithLogger(s.log),
		hooks.WithClock(s.now))
	if _, err := s.manager.CreateClient(ctx, runtime.ClientSpec{
		Session:      sess,
		Snapshot:     snap,
		Permissions:  s.perms,
		Hooks:        dispatcher,
		History:      history,
		SystemPrompt: prompt,
	}); err != nil {
		return fail(err)
	}
	if err := s.transition(ctx, sess, session.StatusActive); err != nil {
		_ = s.manager.DisconnectClient(context.WithoutCancel(ctx), sess.ID())
		return err
	}
	s.audit.LogEvent("session.connected", map[string]any{
		"session_id":  sess.ID(),
		"tool_config": snap.Fingerprint(),
		"sources":     snap.Names(),
	})
	return nil
}

// Send runs prompt against the session using the strategy chosen by its
// mode. The returned run streams updates and reports the outcome.
func (s *Service) Send(ctx context.Context, id, prompt string) (*execution.Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	strategy, err := s.selector.Select(sess.Mode())
	if err != nil {
		return nil, err
	}
	target := execution.Target{Session: sess}
	if sess.Mode() != session.ModeForked {
		if st := sess.Status(); !st.IsActive() {
			return nil, fmt.Errorf("session %s is %s: %w", id, st, session.ErrSessionNotActive)
		}
		client, err := s.manager.GetClient(id)
		if err != nil {
			return nil, err
		}
		target.Client = client
	}
	run, err := strategy.Execute(ctx, target, prompt)
	if err != nil {
		return nil, err
	}
	s.track(run)
	return run, nil
}

// track remembers run until it ends and releases the client of a session
// the run left terminal.
func (s *Service) track(run *execution.Run) {
	sid := run.SessionID()
	s.mu.Lock()
	s.runs[sid] = run
	s.mu.Unlock()

	go func() {
		<-run.Done()
		s.mu.Lock()
		if s.runs[sid] == run {
			delete(s.runs, sid)
		}
		sess := s.sessions[sid]
		closed := s.closed
		s.mu.Unlock()
		if sess != nil {
			s.publishStatus(sess)
		}
		if closed || sess == nil || !sess.IsTerminal() {
			return
		}
		if err := s.manager.DisconnectClient(context.Background(), sid); err != nil {
			s.log.Warn("release runtime client", zap.String("session_id", sid), zap.Error(err))
		}
	}()
}

// Pause suspends an active session.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.move(ctx, id, session.StatusPaused)
}

// Resume reactivates a paused session.
func (s *Service) Resume(ctx context.Context, id string) error {
	return s.move(ctx, id, session.StatusActive)
}

// Wait marks an active session as waiting for external input.
func (s *Service) Wait(ctx context.Context, id string) error {
	return s.move(ctx, id, session.StatusWaiting)
}

// Activate returns a waiting session to active.
func (s *Service) Activate(ctx context.Context, id string) error {
	return s.move(ctx, id, session.StatusActive)
}

// Complete finishes the session and releases its runtime client.
func (s *Service) Complete(ctx context.Context, id string) error {
	if run := s.running(id); run != nil && run.Status() == execution.RunRunning {
		return fmt.Errorf("session %s: %w", id, session.ErrQueryInFlight)
	}
	if err := s.move(ctx, id, session.StatusCompleted); err != nil {
		return err
	}
	return s.manager.DisconnectClient(ctx, id)
}

// Terminate stops the session. An in-flight query is cancelled and
// awaited first; its partial output is kept as incomplete.
func (s *Service) Terminate(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if run := s.running(id); run != nil {
		run.Cancel()
		if _, err := run.Wait(ctx); err != nil && ctx.Err() != nil {
			return fmt.Errorf("wait for query to stop: %w", err)
		}
	}
	if err := s.manager.DisconnectClient(ctx, id); err != nil {
		s.log.Warn("disconnect runtime client", zap.String("session_id", id), zap.Error(err))
	}

	if sess.Status() == session.StatusProcessing {
		err = sess.Fail("terminated while processing")
	} else {
		err = sess.TransitionTo(session.StatusTerminated)
	}
	if err != nil {
		return err
	}
	s.persist(ctx, sess)
	s.audit.LogEvent("session.terminated", map[string]any{"session_id": id, "status": string(sess.Status())})
	return nil
}

// Archive moves a finished session to archived and evicts it from memory.
func (s *Service) Archive(ctx context.Context, id string) error {
	if err := s.move(ctx, id, session.StatusArchived); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// Fork creates an interactive child of parent that carries its transcript
// and its frozen tool configuration, then connects it.
func (s *Service) Fork(ctx context.Context, parent *session.Session) (execution.Target, error) {
	if err := s.checkOpen(); err != nil {
		return execution.Target{}, err
	}
	pst := parent.Snapshot()
	child := session.New(uuid.NewString(), session.Params{
		OwnerID:        pst.OwnerID,
		OrganizationID: pst.OrganizationID,
		Mode:           session.ModeInteractive,
		ParentID:       pst.ID,
	}, session.WithClock(s.now))
	if err := s.store.CreateSession(ctx, child.Snapshot()); err != nil {
		return execution.Target{}, err
	}
	s.mu.Lock()
	s.sessions[child.ID()] = child
	s.mu.Unlock()

	msgs, err := s.store.Messages(ctx, pst.ID)
	if err != nil {
		return execution.Target{}, err
	}
	for _, m := range msgs {
		m.SessionID = child.ID()
		m.Sequence = child.NextSequence()
		if err := s.store.SaveMessage(ctx, m); err != nil {
			return execution.Target{}, fmt.Errorf("copy transcript: %w", err)
		}
	}

	resolve := func(ctx context.Context) (*toolsource.Snapshot, error) {
		if len(pst.ToolConfig) > 0 {
			return toolsource.Decode(pst.ToolConfig)
		}
		return s.merger.Merge(ctx, toolsource.MergeRequest{
			IncludeBuiltin: s.cfg.Sources.IncludeBuiltin,
			OwnerID:        pst.OwnerID,
			OrganizationID: pst.OrganizationID,
		})
	}
	if err := s.connect(ctx, child, resolve, ""); err != nil {
		return execution.Target{}, err
	}
	client, err := s.manager.GetClient(child.ID())
	if err != nil {
		return execution.Target{}, err
	}
	s.audit.LogEvent("session.forked", map[string]any{
		"session_id": child.ID(),
		"parent_id":  pst.ID,
		"messages":   len(msgs),
	})
	s.log.Info("session forked", zap.String("session_id", child.ID()), zap.String("parent_id", pst.ID))
	return execution.Target{Session: child, Client: client}, nil
}

// Get returns the current state of a session.
func (s *Service) Get(ctx context.Context, id string) (session.State, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return session.State{}, err
	}
	return sess.Snapshot(), nil
}

// List returns persisted sessions matching f, newest first.
func (s *Service) List(ctx context.Context, f store.Filter) ([]session.State, error) {
	return s.store.ListSessions(ctx, f)
}

// Messages returns the transcript of a session in sequence order.
func (s *Service) Messages(ctx context.Context, id string) ([]session.Message, error) {
	return s.store.Messages(ctx, id)
}

// Subscribe delivers every update published for a session to fn until
// the returned func is called.
func (s *Service) Subscribe(id string, fn func(stream.Update)) func() {
	return s.bus.Subscribe(id, fn)
}

func (s *Service) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Service) running(id string) *execution.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// load returns the live session for id, restoring it from the store on
// first use.
func (s *Service) load(ctx context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}
	st, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.sessions[id]; ok {
		return cached, nil
	}
	sess = session.Restore(st, session.WithClock(s.now))
	s.sessions[id] = sess
	return sess, nil
}

func (s *Service) move(ctx context.Context, id string, to session.Status) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, sess, to)
}

func (s *Service) transition(ctx context.Context, sess *session.Session, to session.Status) error {
	from := sess.Status()
	if err := sess.TransitionTo(to); err != nil {
		return err
	}
	s.persist(ctx, sess)
	s.audit.LogEvent("session.transition", map[string]any{
		"session_id": sess.ID(),
		"from":       string(from),
		"to":         string(to),
	})
	return nil
}

// persist writes the session and announces its status. A failed write is
// logged; the in-memory state stays authoritative.
func (s *Service) persist(ctx context.Context, sess *session.Session) {
	if err := s.store.UpdateSession(context.WithoutCancel(ctx), sess.Snapshot()); err != nil {
		s.log.Error("persist session", zap.String("session_id", sess.ID()), zap.Error(err))
	}
	s.publishStatus(sess)
}

func (s *Service) publishStatus(sess *session.Session) {
	s.bus.Publish(sess.ID(), stream.Update{
		Kind:      stream.UpdateStatus,
		SessionID: sess.ID(),
		Status:    sess.Status(),
		At:        s.now().UTC(),
	})
}

var _ execution.Forker = (*Service)(nil)
