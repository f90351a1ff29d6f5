package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	sdkconfig "github.com/cexll/agentsdk-go/pkg/config"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/cexll/agentsdk-go/pkg/tool"
	"github.com/google/uuid"
	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/toolsource"
	"go.uber.org/zap"
)

// AgentSDKConfig configures runtime instances backed by agentsdk-go.
type AgentSDKConfig struct {
	ProjectRoot   string
	Provider      string // "anthropic" (default) or "openai"
	APIKey        string
	BaseURL       string
	Model         string
	MaxTokens     int
	MaxIterations int
	SystemPrompt  string
}

type sdkRuntime interface {
	RunStream(ctx context.Context, req api.Request) (<-chan api.StreamEvent, error)
	Close() error
}

// AgentSDKProcess runs each session in its own agentsdk runtime. Tools
// from the session's tool sources are exposed to the model through gated
// proxies: a call surfaces as a tool-use-request event and only runs when
// ExecuteTool is invoked for it.
type AgentSDKProcess struct {
	cfg AgentSDKConfig
	log *zap.Logger

	newRuntime     func(ctx context.Context, opts api.Options) (sdkRuntime, error)
	registerSource func(ctx context.Context, reg *tool.Registry, name string, cfg sdkconfig.MCPServerConfig) error

	mu   sync.Mutex
	runs map[string]*sdkRun
}

func NewAgentSDKProcess(cfg AgentSDKConfig, log *zap.Logger) *AgentSDKProcess {
	if log == nil {
		log = zap.NewNop()
	}
	return &AgentSDKProcess{
		cfg: cfg,
		log: log.Named("agentsdk"),
		newRuntime: func(ctx context.Context, opts api.Options) (sdkRuntime, error) {
			return api.New(ctx, opts)
		},
		registerSource: registerMCPSource,
		runs:           make(map[string]*sdkRun),
	}
}

func (p *AgentSDKProcess) modelFactory() (api.ModelFactory, error) {
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key not set", session.ErrConfigValidation)
	}
	switch p.cfg.Provider {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:    p.cfg.APIKey,
			BaseURL:   p.cfg.BaseURL,
			ModelName: p.cfg.Model,
			MaxTokens: p.cfg.MaxTokens,
		}, nil
	default:
		return &model.AnthropicProvider{
			APIKey:    p.cfg.APIKey,
			BaseURL:   p.cfg.BaseURL,
			ModelName: p.cfg.Model,
			MaxTokens: p.cfg.MaxTokens,
		}, nil
	}
}

func (p *AgentSDKProcess) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	factory, err := p.modelFactory()
	if err != nil {
		return Handle{}, err
	}

	reg := tool.NewRegistry()
	if req.Snapshot != nil {
		for _, name := range req.Snapshot.Names() {
			cfg, _ := req.Snapshot.Get(name)
			if err := p.registerSource(ctx, reg, name, cfg); err != nil {
				reg.Close()
				return Handle{}, fmt.Errorf("%w: tool source %q: %w", session.ErrRuntimeConnection, name, err)
			}
		}
	}

	run := &sdkRun{
		handle:  Handle{ID: uuid.NewString(), SessionID: req.SessionID},
		tools:   reg,
		pending: make(map[string]*pendingCall),
	}
	inner := reg.List()
	sort.Slice(inner, func(i, j int) bool { return inner[i].Name() < inner[j].Name() })
	proxies := make([]tool.Tool, 0, len(inner))
	for _, t := range inner {
		proxies = append(proxies, &gatedTool{run: run, inner: t})
	}

	rt, err := p.newRuntime(ctx, api.Options{
		ProjectRoot:         p.cfg.ProjectRoot,
		ModelFactory:        factory,
		SystemPrompt:        systemPrompt(p.cfg.SystemPrompt, req.SystemPrompt, req.History),
		MaxIterations:       p.cfg.MaxIterations,
		Tools:               proxies,
		EnabledBuiltinTools: []string{},
	})
	if err != nil {
		reg.Close()
		return Handle{}, fmt.Errorf("%w: create runtime: %w", session.ErrRuntimeConnection, err)
	}
	run.rt = rt

	p.mu.Lock()
	p.runs[run.handle.ID] = run
	p.mu.Unlock()

	p.log.Debug("runtime spawned",
		zap.String("session_id", req.SessionID),
		zap.String("handle", run.handle.ID),
		zap.Int("tools", len(proxies)))
	return run.handle, nil
}

func (p *AgentSDKProcess) run(h Handle) (*sdkRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	run, ok := p.runs[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: handle %s is gone", session.ErrRuntimeConnection, h.ID)
	}
	return run, nil
}

func (p *AgentSDKProcess) Send(ctx context.Context, h Handle, prompt string) (<-chan Event, error) {
	run, err := p.run(h)
	if err != nil {
		return nil, err
	}
	out, err := run.begin()
	if err != nil {
		return nil, err
	}
	stream, err := run.rt.RunStream(ctx, api.Request{Prompt: prompt, SessionID: h.SessionID})
	if err != nil {
		run.end()
		if errors.Is(err, api.ErrRuntimeClosed) || errors.Is(err, api.ErrConcurrentExecution) {
			return nil, fmt.Errorf("%w: %w", session.ErrRuntimeConnection, err)
		}
		return nil, err
	}
	go run.pump(ctx, stream, out)
	return out, nil
}

func (p *AgentSDKProcess) ExecuteTool(ctx context.Context, h Handle, req ToolRequest) (ToolResult, error) {
	run, err := p.run(h)
	if err != nil {
		return ToolResult{}, err
	}
	pc, ok := run.lookup(req.ToolUseID)
	if !ok {
		return ToolResult{}, fmt.Errorf("%w: no pending tool use %s", session.ErrToolExecution, req.ToolUseID)
	}
	input := req.Input
	if input == nil {
		input = pc.input
	}
	var res ToolResult
	out, err := run.tools.Execute(ctx, pc.name, input)
	switch {
	case err != nil:
		res = ToolResult{Output: err.Error(), IsError: true}
	case out == nil:
		res = ToolResult{}
	case out.Error != nil:
		res = ToolResult{Output: firstNonEmpty(out.Output, out.Error.Error()), IsError: true}
	default:
		res = ToolResult{Output: out.Output, IsError: !out.Success}
	}
	pc.resolve(res)
	if errors.Is(err, context.Canceled) {
		return res, err
	}
	return res, nil
}

func (p *AgentSDKProcess) RejectTool(_ context.Context, h Handle, toolUseID, reason string) error {
	run, err := p.run(h)
	if err != nil {
		return err
	}
	pc, ok := run.lookup(toolUseID)
	if !ok {
		return nil
	}
	pc.resolve(ToolResult{Output: "tool use denied: " + reason, IsError: true})
	return nil
}

func (p *AgentSDKProcess) Terminate(_ context.Context, h Handle) error {
	p.mu.Lock()
	run, ok := p.runs[h.ID]
	delete(p.runs, h.ID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	run.tools.Close()
	if run.rt == nil {
		return nil
	}
	return run.rt.Close()
}

type sdkRun struct {
	handle Handle
	rt     sdkRuntime
	tools  *tool.Registry

	mu      sync.RWMutex
	events  chan Event
	pending map[string]*pendingCall
}

type pendingCall struct {
	name     string
	input    map[string]any
	resolved chan ToolResult
	once     sync.Once
}

func (pc *pendingCall) resolve(res ToolResult) {
	pc.once.Do(func() { pc.resolved <- res })
}

func (r *sdkRun) begin() (chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events != nil {
		return nil, errors.New("agentsdk: a query is already streaming")
	}
	r.events = make(chan Event, 64)
	return r.events, nil
}

func (r *sdkRun) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events != nil {
		close(r.events)
		r.events = nil
	}
}

// emit forwards e on the active stream. It reports false when there is no
// stream or ctx ended first.
func (r *sdkRun) emit(ctx context.Context, e Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.events == nil {
		return false
	}
	select {
	case r.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *sdkRun) lookup(id string) (*pendingCall, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pc, ok := r.pending[id]
	return pc, ok
}

func (r *sdkRun) track(id string, pc *pendingCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = pc
}

func (r *sdkRun) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *sdkRun) pump(ctx context.Context, stream <-chan api.StreamEvent, out chan Event) {
	defer r.end()
	failed := false
	for evt := range stream {
		for _, e := range translate(evt) {
			if e.Kind == EventStreamError {
				failed = true
			}
			r.emit(ctx, e)
		}
	}
	if !failed && ctx.Err() == nil {
		r.emit(ctx, Event{Kind: EventStreamComplete})
	}
}

// translate maps one agentsdk stream event onto runtime events.
func translate(evt api.StreamEvent) []Event {
	switch evt.Type {
	case api.EventMessageStart:
		if evt.Message == nil {
			return nil
		}
		e := Event{Kind: EventUsage, Model: evt.Message.Model}
		if u := evt.Message.Usage; u != nil {
			e.Usage = &Usage{InputTokens: int64(u.InputTokens), OutputTokens: int64(u.OutputTokens)}
		}
		if e.Model == "" && e.Usage == nil {
			return nil
		}
		return []Event{e}
	case api.EventContentBlockDelta:
		if evt.Delta == nil || evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
			return nil
		}
		return []Event{{Kind: EventTextDelta, Text: evt.Delta.Text}}
	case api.EventMessageDelta:
		var out []Event
		if u := evt.Usage; u != nil && (u.InputTokens > 0 || u.OutputTokens > 0) {
			out = append(out, Event{Kind: EventUsage, Usage: &Usage{InputTokens: int64(u.InputTokens), OutputTokens: int64(u.OutputTokens)}})
		}
		return out
	case api.EventMessageStop:
		return []Event{{Kind: EventMessageStop}}
	case api.EventError:
		return []Event{{Kind: EventStreamError, Err: streamError(evt.Output)}}
	}
	return nil
}

func streamError(output any) error {
	msg := strings.TrimSpace(fmt.Sprint(output))
	if msg == "" || msg == "<nil>" {
		msg = "unknown runtime error"
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") {
		return fmt.Errorf("%w: %s", session.ErrRateLimited, msg)
	}
	return fmt.Errorf("runtime stream: %s", msg)
}

// gatedTool defers execution of inner until the session decides on it.
type gatedTool struct {
	run   *sdkRun
	inner tool.Tool
}

func (g *gatedTool) Name() string             { return g.inner.Name() }
func (g *gatedTool) Description() string      { return g.inner.Description() }
func (g *gatedTool) Schema() *tool.JSONSchema { return g.inner.Schema() }

func (g *gatedTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	id := uuid.NewString()
	pc := &pendingCall{name: g.inner.Name(), input: params, resolved: make(chan ToolResult, 1)}
	g.run.track(id, pc)
	defer g.run.forget(id)

	if !g.run.emit(ctx, Event{Kind: EventToolUseRequest, ToolUseID: id, ToolName: pc.name, Input: params}) {
		return nil, fmt.Errorf("tool %s: stream closed before approval", pc.name)
	}
	select {
	case res := <-pc.resolved:
		g.run.emit(ctx, Event{Kind: EventToolResult, ToolUseID: id, ToolName: pc.name, Output: res.Output, IsError: res.IsError})
		return &tool.ToolResult{Success: !res.IsError, Output: res.Output}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TransportSpec renders a tool-source entry in the agentsdk MCP spec syntax.
func TransportSpec(cfg sdkconfig.MCPServerConfig) (string, error) {
	switch strings.ToLower(cfg.Type) {
	case toolsource.TransportStdio, "":
		if strings.TrimSpace(cfg.Command) == "" {
			return "", errors.New("stdio source without command")
		}
		return "stdio://" + strings.Join(append([]string{cfg.Command}, cfg.Args...), " "), nil
	case toolsource.TransportHTTP:
		return hintURL(cfg.URL, "stream")
	case toolsource.TransportSSE:
		return hintURL(cfg.URL, "sse")
	}
	return "", fmt.Errorf("unsupported transport %q", cfg.Type)
}

func hintURL(raw, hint string) (string, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	return scheme + "+" + hint + "://" + rest, nil
}

func registerMCPSource(ctx context.Context, reg *tool.Registry, name string, cfg sdkconfig.MCPServerConfig) error {
	spec, err := TransportSpec(cfg)
	if err != nil {
		return err
	}
	opts := tool.MCPServerOptions{Headers: cfg.Headers, Env: cfg.Env}
	if cfg.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return reg.RegisterMCPServerWithOptions(ctx, spec, name, opts)
}

func systemPrompt(base, extra string, history []session.Message) string {
	var sb strings.Builder
	for _, part := range []string{base, extra} {
		if strings.TrimSpace(part) != "" {
			sb.WriteString(part)
			sb.WriteString("\n\n")
		}
	}
	if len(history) > 0 {
		sb.WriteString("## Conversation so far\n\n")
		for _, m := range history {
			text := m.Text()
			if m.Type == session.MessageToolResult {
				text = string(m.Content)
			}
			fmt.Fprintf(&sb, "[%s] %s\n", m.Type, text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
