// Package service wires the session execution core together and exposes
// the session lifecycle operations used by the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/security"
	"github.com/stellarlinkco/warden/internal/audit"
	"github.com/stellarlinkco/warden/internal/bus"
	"github.com/stellarlinkco/warden/internal/channel"
	"github.com/stellarlinkco/warden/internal/config"
	"github.com/stellarlinkco/warden/internal/cron"
	"github.com/stellarlinkco/warden/internal/execution"
	"github.com/stellarlinkco/warden/internal/hooks"
	"github.com/stellarlinkco/warden/internal/permission"
	"github.com/stellarlinkco/warden/internal/resilience"
	"github.com/stellarlinkco/warden/internal/runtime"
	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/store"
	"github.com/stellarlinkco/warden/internal/stream"
	"github.com/stellarlinkco/warden/internal/toolsource"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options for creating a Service. Zero values select the production wiring.
type Options struct {
	// Process replaces the agentsdk runtime (allows mocking in tests).
	Process runtime.Process
	// Sources replaces the file-based owner/organization source provider.
	Sources toolsource.Provider
	// Asker answers consent-required tool calls. When nil the Telegram
	// approver is used if enabled, else an approval queue that only times out.
	Asker permission.Asker
	// Hooks are registered in addition to the configured shell hooks.
	Hooks      []hooks.Registration
	Logger     *zap.Logger
	Clock      func() time.Time
	SignalChan chan os.Signal // for testing signal handling
}

type Service struct {
	cfg *config.Config
	log *zap.Logger
	now func() time.Time

	store    *store.Store
	audit    *audit.Log
	bus      *bus.Broadcaster
	merger   *toolsource.Merger
	perms    *permission.Engine
	registry *hooks.Registry
	manager  *runtime.Manager
	selector *execution.Selector
	cron     *cron.Service
	telegram *channel.TelegramApprover

	signalChan chan os.Signal

	mu       sync.Mutex
	sessions map[string]*session.Session
	runs     map[string]*execution.Run
	closed   bool
}

// CreateRequest describes a new session.
type CreateRequest struct {
	OwnerID        string
	OrganizationID string
	Mode           session.Mode
}

// ConnectOptions tune how a session's runtime client is built.
type ConnectOptions struct {
	// ExcludeBuiltin drops the platform's built-in tool sources for this
	// session even when the configuration includes them.
	ExcludeBuiltin bool
}

func New(cfg *config.Config) (*Service, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Service with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	s := &Service{
		cfg:        cfg,
		log:        log.Named("service"),
		now:        now,
		signalChan: opts.SignalChan,
		sessions:   make(map[string]*session.Session),
		runs:       make(map[string]*execution.Run),
	}

	precedence, err := toolsource.ParsePrecedence(cfg.Sources.Precedence)
	if err != nil {
		return nil, err
	}
	provider := opts.Sources
	if provider == nil {
		provider = toolsource.NewFileProvider(cfg.Sources.Dir)
	}
	s.merger, err = toolsource.NewMerger(toolsource.Servers(cfg.Sources.Builtin), provider, precedence)
	if err != nil {
		return nil, err
	}

	s.store, err = store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.audit, err = audit.Open(cfg.Audit.Path, cfg.Audit.Buffer, log)
	if err != nil {
		_ = s.store.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	s.bus = bus.New(log)

	fail := func(err error) (*Service, error) {
		s.bus.Close()
		_ = s.audit.Close()
		_ = s.store.Close()
		return nil, err
	}

	asker := opts.Asker
	if asker == nil {
		asker, err = s.defaultAsker()
		if err != nil {
			return fail(err)
		}
	}
	fallback, err := permission.ParseFallback(cfg.Permissions.AskTimeoutDefault)
	if err != nil {
		return fail(err)
	}
	s.perms, err = permission.NewEngine(permission.Policy{
		AutoApproved:    cfg.Permissions.AutoApproved,
		ConsentRequired: cfg.Permissions.ConsentRequired,
		Forbidden:       cfg.Permissions.Forbidden,
		AskTimeout:      cfg.Permissions.AskTimeoutDuration(),
		TimeoutDefault:  fallback,
	}, permission.WithAsker(asker), permission.WithLogger(log), permission.WithClock(now))
	if err != nil {
		return fail(err)
	}

	shellRegs, err := hooks.FromConfig(cfg.Hooks.Events, hooks.ShellOptions{
		Timeout: cfg.Hooks.TimeoutDuration(),
		WorkDir: cfg.Agent.Workspace,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", session.ErrConfigValidation, err))
	}
	s.registry, err = hooks.NewBuilder().Register(shellRegs...).Register(opts.Hooks...).Build()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", session.ErrConfigValidation, err))
	}

	proc := opts.Process
	if proc == nil {
		proc = runtime.NewAgentSDKProcess(runtime.AgentSDKConfig{
			ProjectRoot:   cfg.Agent.Workspace,
			Provider:      cfg.Provider.Type,
			APIKey:        cfg.Provider.APIKey,
			BaseURL:       cfg.Provider.BaseURL,
			Model:         cfg.Agent.Model,
			MaxTokens:     cfg.Agent.MaxTokens,
			MaxIterations: cfg.Agent.MaxIterations,
			SystemPrompt:  cfg.Agent.SystemPrompt,
		}, log)
	}
	s.manager = runtime.NewManager(proc, runtime.ManagerOptions{
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelayDuration(),
			MaxDelay:     cfg.Retry.MaxDelayDuration(),
		},
		Breaker: resilience.BreakerConfig{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.WindowDuration(),
			Cooldown:  cfg.Breaker.CooldownDuration(),
		},
		Logger: log,
		Clock:  now,
	})

	processor := stream.NewProcessor(s.store,
		stream.WithPublisher(s.bus),
		stream.WithAuditor(s.audit),
		stream.WithLogger(log))
	s.selector, err = execution.NewSelector(
		execution.NewInteractive(processor, s.store, log),
		execution.NewBackground(processor, s.store, log),
		execution.NewForked(processor, s.store, s, log),
	)
	if err != nil {
		return fail(err)
	}

	s.cron = cron.NewService(filepath.Join(filepath.Dir(cfg.Store.DBPath), "jobs.json"), log)
	if err := s.cron.Register(cron.ArchiveJobName, cfg.Maintenance.ScheduleSpec(),
		cron.ArchiveSweep(s, cfg.Maintenance.ArchiveAfterDuration(), func() time.Time { return s.now() })); err != nil {
		return fail(fmt.Errorf("%w: maintenance: %w", session.ErrConfigValidation, err))
	}

	return s, nil
}

func (s *Service) defaultAsker() (permission.Asker, error) {
	if s.cfg.Telegram.Enabled {
		tg, err := channel.NewTelegramApprover(s.cfg.Telegram, s.log)
		if err != nil {
			return nil, fmt.Errorf("telegram approver: %w", err)
		}
		s.telegram = tg
		return tg, nil
	}
	q, err := permission.NewQueueAsker(filepath.Join(filepath.Dir(s.cfg.Store.DBPath), "approvals.json"))
	if err != nil {
		return nil, err
	}
	q.Notify = func(rec *security.ApprovalRecord, req permission.AskRequest) {
		s.log.Info("tool call awaiting approval",
			zap.String("approval_id", rec.ID),
			zap.String("session_id", req.SessionID),
			zap.String("tool", req.ToolName))
		s.audit.LogEvent("permission.pending", map[string]any{
			"approval_id": rec.ID,
			"session_id":  req.SessionID,
			"tool":        req.ToolName,
		})
	}
	return q, nil
}

// ErrClosed is returned by operations on a service after Shutdown.
var ErrClosed = errors.New("service closed")

// Run starts the approver and the maintenance scheduler, then blocks until
// a signal arrives or ctx ends and shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if s.telegram != nil {
		g.Go(func() error {
			if err := s.telegram.Start(ctx); err != nil {
				return fmt.Errorf("start telegram approver: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := s.cron.Start(ctx); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer stop()
		return errors.Join(err, s.Shutdown(shutdownCtx))
	}
	s.log.Info("running",
		zap.Bool("telegram", s.telegram != nil),
		zap.Time("next_sweep", s.cron.Next(cron.ArchiveJobName)))

	// Use injected signal channel for testing, or create default
	sigCh := s.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case sig := <-sigCh:
		s.log.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		s.log.Info("shutting down", zap.Error(ctx.Err()))
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	return s.Shutdown(shutdownCtx)
}

const shutdownTimeout = 10 * time.Second

// Shutdown cancels every in-flight run, releases all runtime clients and
// closes the stores. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	runs := make([]*execution.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	var errs []error
	for _, r := range runs {
		r.Cancel()
		if _, err := r.Wait(ctx); err != nil && ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("wait run %s: %w", r.ID(), err))
		}
	}
	if err := s.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close runtime clients: %w", err))
	}
	s.cron.Stop()
	if s.telegram != nil {
		_ = s.telegram.Stop()
	}
	s.bus.Close()
	if err := s.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit log: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.log.Info("stopped", zap.Int("cancelled_runs", len(runs)))
	return errors.Join(errs...)
}
