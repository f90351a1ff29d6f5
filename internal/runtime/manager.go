package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stellarlinkco/warden/internal/hooks"
	"github.com/stellarlinkco/warden/internal/permission"
	"github.com/stellarlinkco/warden/internal/resilience"
	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/toolsource"
	"go.uber.org/zap"
)

// ClientSpec binds a session to the collaborators its client runs with.
// All of it is frozen for the lifetime of the connection.
type ClientSpec struct {
	Session      *session.Session
	Snapshot     *toolsource.Snapshot
	Permissions  *permission.Engine
	Hooks        *hooks.Dispatcher
	History      []session.Message
	SystemPrompt string
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Retry   resilience.RetryConfig
	Breaker resilience.BreakerConfig
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Manager keeps at most one live Client per session.
type Manager struct {
	proc Process
	opts ManagerOptions
	log  *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewManager(proc Process, opts ManagerOptions) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		proc:    proc,
		opts:    opts,
		log:     log.Named("runtime"),
		clients: make(map[string]*Client),
	}
}

// CreateClient spawns the runtime for spec.Session. It fails with
// session.ErrClientAlreadyExists while another client for the session is
// live or being created.
func (m *Manager) CreateClient(ctx context.Context, spec ClientSpec) (*Client, error) {
	if spec.Session == nil {
		return nil, errors.New("runtime: session is required")
	}
	if spec.Snapshot == nil {
		snap, err := toolsource.Decode(nil)
		if err != nil {
			return nil, err
		}
		spec.Snapshot = snap
	}
	if spec.Hooks == nil {
		spec.Hooks = hooks.NewDispatcher(nil)
	}
	id := spec.Session.ID()

	c := &Client{
		manager:   m,
		sessionID: id,
		spec:      spec,
		guard: resilience.NewGuard(m.opts.Retry,
			resilience.NewBreaker(m.opts.Breaker, m.opts.Clock),
			m.log.With(zap.String("session_id", id))),
		log: m.log.With(zap.String("session_id", id)),
	}

	m.mu.Lock()
	if _, ok := m.clients[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, session.ErrClientAlreadyExists)
	}
	m.clients[id] = c
	m.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		m.mu.Lock()
		if m.clients[id] == c {
			delete(m.clients, id)
		}
		m.mu.Unlock()
		return nil, err
	}
	c.log.Info("runtime client connected",
		zap.String("handle", c.Handle().ID),
		zap.String("tool_config", spec.Snapshot.Fingerprint()),
		zap.Int("tool_sources", spec.Snapshot.Len()))
	return c, nil
}

// GetClient returns the live client for sessionID.
func (m *Manager) GetClient(sessionID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, session.ErrClientNotFound)
	}
	return c, nil
}

// DisconnectClient terminates and forgets the client. Calling it for a
// session without a client is a no-op.
func (m *Manager) DisconnectClient(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	c, ok := m.clients[sessionID]
	delete(m.clients, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.close(ctx)
}

// Len reports the number of live clients.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Close disconnects every client.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.DisconnectClient(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Client is the exclusive connection of one session to the runtime.
type Client struct {
	manager   *Manager
	sessionID string
	spec      ClientSpec
	guard     *resilience.Guard
	log       *zap.Logger

	mu        sync.Mutex
	handle    Handle
	connected bool
	closed    bool
}

func (c *Client) SessionID() string               { return c.sessionID }
func (c *Client) Snapshot() *toolsource.Snapshot  { return c.spec.Snapshot }
func (c *Client) Permissions() *permission.Engine { return c.spec.Permissions }
func (c *Client) Hooks() *hooks.Dispatcher        { return c.spec.Hooks }
func (c *Client) Breaker() *resilience.Breaker    { return c.guard.Breaker() }

func (c *Client) Handle() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Client) spawnRequest() SpawnRequest {
	return SpawnRequest{
		SessionID:    c.sessionID,
		Snapshot:     c.spec.Snapshot,
		History:      c.spec.History,
		SystemPrompt: c.spec.SystemPrompt,
	}
}

func (c *Client) connect(ctx context.Context) error {
	return c.guard.Do(ctx, "spawn", func(ctx context.Context, attempt int) error {
		h, err := c.manager.proc.Spawn(ctx, c.spawnRequest())
		if err != nil {
			return err
		}
		return c.adopt(ctx, h)
	})
}

// reconnect replaces the current handle with a fresh instance bound to the
// same snapshot. A client closed before or during the spawn keeps no handle.
func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("session %s: %w", c.sessionID, session.ErrClientNotFound)
	}
	old, wasConnected := c.handle, c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		if err := c.manager.proc.Terminate(ctx, old); err != nil {
			c.log.Debug("terminate before reconnect", zap.Error(err))
		}
	}
	h, err := c.manager.proc.Spawn(ctx, c.spawnRequest())
	if err != nil {
		return err
	}
	if err := c.adopt(ctx, h); err != nil {
		return err
	}
	c.log.Info("runtime client reconnected", zap.String("handle", h.ID))
	return nil
}

// adopt installs h as the live handle, or terminates it when the client
// was closed while h was being spawned.
func (c *Client) adopt(ctx context.Context, h Handle) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := c.manager.proc.Terminate(context.WithoutCancel(ctx), h); err != nil {
			c.log.Warn("terminate orphaned runtime", zap.String("handle", h.ID), zap.Error(err))
		}
		return fmt.Errorf("session %s: %w", c.sessionID, session.ErrClientNotFound)
	}
	c.handle = h
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("session %s: %w", c.sessionID, session.ErrClientNotFound)
	}
	return nil
}

// Send starts a query. Transient failures are retried with a fresh
// runtime instance; exhaustion returns an error wrapping
// session.ErrRuntimeConnection or session.ErrCircuitOpen.
func (c *Client) Send(ctx context.Context, prompt string) (<-chan Event, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	var events <-chan Event
	err := c.guard.Do(ctx, "send", func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if err := c.reconnect(ctx); err != nil {
				return err
			}
		}
		ch, err := c.manager.proc.Send(ctx, c.Handle(), prompt)
		if err != nil {
			return err
		}
		events = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ExecuteTool runs an approved tool call. It is never retried.
func (c *Client) ExecuteTool(ctx context.Context, req ToolRequest) (ToolResult, error) {
	if err := c.checkOpen(); err != nil {
		return ToolResult{}, err
	}
	var res ToolResult
	err := c.guard.Once(ctx, "execute_tool", func(ctx context.Context) error {
		out, err := c.manager.proc.ExecuteTool(ctx, c.Handle(), req)
		res = out
		return err
	})
	return res, err
}

// RejectTool tells the runtime a requested tool will not run.
func (c *Client) RejectTool(ctx context.Context, toolUseID, reason string) error {
	r, ok := c.manager.proc.(ToolRejecter)
	if !ok {
		return nil
	}
	return r.RejectTool(ctx, c.Handle(), toolUseID, reason)
}

func (c *Client) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h, connected := c.handle, c.connected
	c.connected = false
	c.mu.Unlock()
	if !connected {
		return nil
	}
	if err := c.manager.proc.Terminate(ctx, h); err != nil {
		c.log.Warn("terminate runtime", zap.Error(err))
		return fmt.Errorf("terminate %s: %w", h.ID, err)
	}
	c.log.Info("runtime client disconnected", zap.String("handle", h.ID))
	return nil
}
