package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	sdkconfig "github.com/cexll/agentsdk-go/pkg/config"
	"github.com/stellarlinkco/warden/internal/config"
	"github.com/stellarlinkco/warden/internal/cron"
	"github.com/stellarlinkco/warden/internal/permission"
	"github.com/stellarlinkco/warden/internal/runtime"
	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/store"
	"github.com/stellarlinkco/warden/internal/stream"
	"github.com/stellarlinkco/warden/internal/toolsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptProcess replays a fixed event script for every prompt. With hold
// set the stream stays open after the script until the caller gives up.
type scriptProcess struct {
	mu         sync.Mutex
	events     []runtime.Event
	hold       bool
	spawnErr   error
	spawned    []runtime.SpawnRequest
	terminated int
	executed   []runtime.ToolRequest
	rejected   []string
}

func (p *scriptProcess) Spawn(_ context.Context, req runtime.SpawnRequest) (runtime.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spawnErr != nil {
		return runtime.Handle{}, p.spawnErr
	}
	p.spawned = append(p.spawned, req)
	return runtime.Handle{ID: fmt.Sprintf("h%d", len(p.spawned)), SessionID: req.SessionID}, nil
}

func (p *scriptProcess) Send(_ context.Context, _ runtime.Handle, _ string) (<-chan runtime.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan runtime.Event, len(p.events)+1)
	for _, e := range p.events {
		ch <- e
	}
	if !p.hold {
		ch <- runtime.Event{Kind: runtime.EventStreamComplete}
		close(ch)
	}
	return ch, nil
}

func (p *scriptProcess) ExecuteTool(_ context.Context, _ runtime.Handle, req runtime.ToolRequest) (runtime.ToolResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = append(p.executed, req)
	return runtime.ToolResult{Output: "ok"}, nil
}

func (p *scriptProcess) Terminate(context.Context, runtime.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	return nil
}

func (p *scriptProcess) RejectTool(_ context.Context, _ runtime.Handle, toolUseID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected = append(p.rejected, toolUseID)
	return nil
}

func (p *scriptProcess) counts() (spawned, terminated, executed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spawned), p.terminated, len(p.executed)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	cfg := config.DefaultConfig()
	cfg.Store.DBPath = filepath.Join(dir, "data", "warden.db")
	cfg.Audit.Path = filepath.Join(dir, "data", "audit.jsonl")
	cfg.Sources.Dir = filepath.Join(dir, "sources")
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialDelay = "1ms"
	cfg.Retry.MaxDelay = "2ms"
	cfg.Permissions.AskTimeout = "50ms"
	return cfg
}

func sources() toolsource.StaticProvider {
	return toolsource.StaticProvider{
		Owners: map[string]toolsource.Servers{
			"alice": {"notes": sdkconfig.MCPServerConfig{Type: toolsource.TransportStdio, Command: "notes-server"}},
		},
	}
}

func newTestService(t *testing.T, proc runtime.Process) *Service {
	t.Helper()
	s, err := NewWithOptions(testConfig(t), Options{
		Process: proc,
		Sources: sources(),
		Asker: permission.AskerFunc(func(context.Context, permission.AskRequest) (permission.Answer, error) {
			return permission.Answer{Approved: false, Approver: "test"}, nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func connected(t *testing.T, s *Service, mode session.Mode) string {
	t.Helper()
	ctx := context.Background()
	st, err := s.CreateSession(ctx, CreateRequest{OwnerID: "alice", Mode: mode})
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx, st.ID, ConnectOptions{}))
	return st.ID
}

func status(t *testing.T, s *Service, id string) session.Status {
	t.Helper()
	st, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return st.Status
}

func TestSessionLifecycle(t *testing.T) {
	proc := &scriptProcess{events: []runtime.Event{
		{Kind: runtime.EventTextDelta, Text: "hi "},
		{Kind: runtime.EventTextDelta, Text: "there"},
	}}
	s := newTestService(t, proc)
	ctx := context.Background()

	id := connected(t, s, session.ModeInteractive)
	st, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, st.Status)
	assert.NotEmpty(t, st.ToolConfigFingerprint)
	assert.Contains(t, string(st.ToolConfig), "notes-server")

	require.NoError(t, s.Pause(ctx, id))
	assert.ErrorIs(t, s.Wait(ctx, id), session.ErrInvalidStateTransition)
	require.NoError(t, s.Resume(ctx, id))
	require.NoError(t, s.Wait(ctx, id))
	require.NoError(t, s.Activate(ctx, id))

	run, err := s.Send(ctx, id, "hello")
	require.NoError(t, err)
	out, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Reply)
	assert.Equal(t, session.StatusActive, status(t, s, id))

	msgs, err := s.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.MessageUser, msgs[0].Type)
	assert.Equal(t, "hello", msgs[0].Text())
	assert.Equal(t, "hi there", msgs[1].Text())

	require.NoError(t, s.Complete(ctx, id))
	_, terminated, _ := proc.counts()
	assert.Equal(t, 1, terminated)

	require.NoError(t, s.Archive(ctx, id))
	assert.Equal(t, session.StatusArchived, status(t, s, id))
	assert.ErrorIs(t, s.Archive(ctx, id), session.ErrInvalidStateTransition)
}

func TestCreateSessionValidation(t *testing.T) {
	s := newTestService(t, &scriptProcess{})
	ctx := context.Background()

	_, err := s.CreateSession(ctx, CreateRequest{})
	assert.ErrorIs(t, err, session.ErrConfigValidation)

	_, err = s.CreateSession(ctx, CreateRequest{OwnerID: "alice", Mode: "sideways"})
	assert.ErrorIs(t, err, session.ErrUnknownMode)

	st, err := s.CreateSession(ctx, CreateRequest{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, session.ModeInteractive, st.Mode)
	assert.Equal(t, session.StatusCreated, st.Status)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestConnectFailureFailsSession(t *testing.T) {
	s := newTestService(t, &scriptProcess{spawnErr: errors.New("binary not found")})
	ctx := context.Background()

	st, err := s.CreateSession(ctx, CreateRequest{OwnerID: "alice"})
	require.NoError(t, err)
	require.Error(t, s.Connect(ctx, st.ID, ConnectOptions{}))

	got, err := s.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "binary not found")
}

func TestSendRequiresActiveSession(t *testing.T) {
	s := newTestService(t, &scriptProcess{})
	ctx := context.Background()

	st, err := s.CreateSession(ctx, CreateRequest{OwnerID: "alice"})
	require.NoError(t, err)
	_, err = s.Send(ctx, st.ID, "hello")
	assert.ErrorIs(t, err, session.ErrSessionNotActive)

	id := connected(t, s, session.ModeInteractive)
	require.NoError(t, s.Pause(ctx, id))
	_, err = s.Send(ctx, id, "hello")
	assert.ErrorIs(t, err, session.ErrSessionNotActive)
}

func TestForbiddenToolNeverExecutes(t *testing.T) {
	proc := &scriptProcess{events: []runtime.Event{
		{Kind: runtime.EventToolUseRequest, ToolUseID: "tu1", ToolName: "system_command", Input: map[string]any{"cmd": "rm -rf /"}},
	}}
	s := newTestService(t, proc)
	ctx := context.Background()
	id := connected(t, s, session.ModeInteractive)

	run, err := s.Send(ctx, id, "clean up")
	require.NoError(t, err)
	out, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Denied)

	_, _, executed := proc.counts()
	assert.Zero(t, executed)
	calls, err := s.store.ToolCalls(ctx, id)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, session.ToolDenied, calls[0].Status)
}

func TestTerminateCancelsInFlightQuery(t *testing.T) {
	proc := &scriptProcess{hold: true, events: []runtime.Event{
		{Kind: runtime.EventTextDelta, Text: "partial"},
	}}
	s := newTestService(t, proc)
	ctx := context.Background()
	id := connected(t, s, session.ModeInteractive)

	run, err := s.Send(ctx, id, "long task")
	require.NoError(t, err)
	for u := range run.Events() {
		if u.Kind == stream.UpdateText {
			break
		}
	}

	require.NoError(t, s.Terminate(ctx, id))
	assert.Equal(t, session.StatusTerminated, status(t, s, id))
	<-run.Done()

	msgs, err := s.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Incomplete)
	assert.Equal(t, "partial", msgs[1].Text())

	_, terminated, _ := proc.counts()
	assert.Equal(t, 1, terminated)
}

func TestTerminateCreatedSession(t *testing.T) {
	s := newTestService(t, &scriptProcess{})
	ctx := context.Background()

	st, err := s.CreateSession(ctx, CreateRequest{OwnerID: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.Terminate(ctx, st.ID))

	got, err := s.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, got.Status)
	assert.Zero(t, got.Duration)
}

func TestForkCopiesTranscriptAndToolConfig(t *testing.T) {
	proc := &scriptProcess{events: []runtime.Event{{Kind: runtime.EventTextDelta, Text: "answer"}}}
	s := newTestService(t, proc)
	ctx := context.Background()
	id := connected(t, s, session.ModeInteractive)

	run, err := s.Send(ctx, id, "question")
	require.NoError(t, err)
	_, err = run.Wait(ctx)
	require.NoError(t, err)

	parent, err := s.load(ctx, id)
	require.NoError(t, err)
	target, err := s.Fork(ctx, parent)
	require.NoError(t, err)

	child := target.Session.Snapshot()
	assert.Equal(t, id, child.ParentID)
	assert.Equal(t, session.ModeInteractive, child.Mode)
	assert.Equal(t, session.StatusActive, child.Status)
	assert.Equal(t, parent.Snapshot().ToolConfigFingerprint, child.ToolConfigFingerprint)

	msgs, err := s.Messages(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Sequence)
	assert.Equal(t, int64(2), msgs[1].Sequence)
	assert.Equal(t, "question", msgs[0].Text())

	spawned, _, _ := proc.counts()
	assert.Equal(t, 2, spawned)
	assert.Len(t, proc.spawned[1].History, 2)
}

func TestForkedModeRunsOnChild(t *testing.T) {
	proc := &scriptProcess{events: []runtime.Event{{Kind: runtime.EventTextDelta, Text: "from child"}}}
	s := newTestService(t, proc)
	ctx := context.Background()
	id := connected(t, s, session.ModeForked)

	run, err := s.Send(ctx, id, "try it")
	require.NoError(t, err)
	assert.NotEqual(t, id, run.SessionID())
	out, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from child", out.Reply)

	children, err := s.List(ctx, store.Filter{ParentID: id})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, run.SessionID(), children[0].ID)

	parentMsgs, err := s.Messages(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, parentMsgs)
}

func TestSubscribeReceivesStatusChanges(t *testing.T) {
	s := newTestService(t, &scriptProcess{})
	ctx := context.Background()
	st, err := s.CreateSession(ctx, CreateRequest{OwnerID: "alice"})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []session.Status
	)
	unsubscribe := s.Subscribe(st.ID, func(u stream.Update) {
		if u.Kind != stream.UpdateStatus {
			return
		}
		mu.Lock()
		seen = append(seen, u.Status)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, s.Connect(ctx, st.ID, ConnectOptions{}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && seen[len(seen)-1] == session.StatusActive
	}, time.Second, 5*time.Millisecond)
}

func TestArchiveSweepThroughService(t *testing.T) {
	s := newTestService(t, &scriptProcess{})
	ctx := context.Background()
	st, err := s.CreateSession(ctx, CreateRequest{OwnerID: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.Terminate(ctx, st.ID))

	s.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	_, err = s.cron.RunNow(ctx, cron.ArchiveJobName)
	require.NoError(t, err)
	assert.Equal(t, session.StatusArchived, status(t, s, st.ID))
}

func TestRunStopsOnSignal(t *testing.T) {
	sig := make(chan os.Signal, 1)
	s, err := NewWithOptions(testConfig(t), Options{Process: &scriptProcess{}, Sources: sources(), SignalChan: sig})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	sig <- syscall.SIGTERM

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}
	_, err = s.CreateSession(context.Background(), CreateRequest{OwnerID: "alice"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Permissions.AskTimeoutDefault = "maybe"
	_, err := NewWithOptions(cfg, Options{Process: &scriptProcess{}})
	assert.ErrorIs(t, err, session.ErrConfigValidation)
}
