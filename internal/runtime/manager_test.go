package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/warden/internal/resilience"
	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	mu          sync.Mutex
	spawnErrs   []error
	sendErrs    []error
	spawned     []Handle
	terminated  []Handle
	rejected    []string
	executed    []ToolRequest
	toolResult  ToolResult
	toolErr     error
	nextEvents  []Event
	spawnPrompt []SpawnRequest
	// afterSpawn and beforeSend run outside the lock.
	afterSpawn func(n int)
	beforeSend func()
}

func (f *fakeProcess) Spawn(_ context.Context, req SpawnRequest) (Handle, error) {
	f.mu.Lock()
	f.spawnPrompt = append(f.spawnPrompt, req)
	if len(f.spawnErrs) > 0 {
		err := f.spawnErrs[0]
		f.spawnErrs = f.spawnErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return Handle{}, err
		}
	}
	h := Handle{ID: fmt.Sprintf("h%d", len(f.spawned)+1), SessionID: req.SessionID}
	f.spawned = append(f.spawned, h)
	n, hook := len(f.spawned), f.afterSpawn
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return h, nil
}

func (f *fakeProcess) Send(_ context.Context, _ Handle, _ string) (<-chan Event, error) {
	if f.beforeSend != nil {
		f.beforeSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	ch := make(chan Event, len(f.nextEvents)+1)
	for _, e := range f.nextEvents {
		ch <- e
	}
	ch <- Event{Kind: EventStreamComplete}
	close(ch)
	return ch, nil
}

func (f *fakeProcess) ExecuteTool(_ context.Context, _ Handle, req ToolRequest) (ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, req)
	return f.toolResult, f.toolErr
}

func (f *fakeProcess) Terminate(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, h)
	return nil
}

func (f *fakeProcess) RejectTool(_ context.Context, _ Handle, toolUseID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, toolUseID)
	return nil
}

func fastOptions() ManagerOptions {
	return ManagerOptions{
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func newSession(id string) *session.Session {
	return session.New(id, session.Params{OwnerID: "owner", Mode: session.ModeInteractive})
}

func TestCreateClientIsExclusive(t *testing.T) {
	proc := &fakeProcess{}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()

	c, err := m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)
	assert.Equal(t, "h1", c.Handle().ID)
	assert.NotNil(t, c.Snapshot())

	_, err = m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.ErrorIs(t, err, session.ErrClientAlreadyExists)
	assert.Len(t, proc.spawned, 1)

	got, err := m.GetClient("s1")
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, 1, m.Len())
}

func TestCreateClientRetriesTransientSpawn(t *testing.T) {
	proc := &fakeProcess{spawnErrs: []error{session.ErrRuntimeConnection}}
	m := NewManager(proc, fastOptions())

	c, err := m.CreateClient(context.Background(), ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)
	assert.Equal(t, "h1", c.Handle().ID)
	assert.Len(t, proc.spawnPrompt, 2)
}

func TestCreateClientFailureFreesSlot(t *testing.T) {
	proc := &fakeProcess{spawnErrs: []error{errors.New("bad config")}}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()

	_, err := m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())

	_, err = m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)
}

func TestGetClientMissing(t *testing.T) {
	m := NewManager(&fakeProcess{}, fastOptions())
	_, err := m.GetClient("nope")
	require.ErrorIs(t, err, session.ErrClientNotFound)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	proc := &fakeProcess{}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()

	c, err := m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)

	require.NoError(t, m.DisconnectClient(ctx, "s1"))
	require.NoError(t, m.DisconnectClient(ctx, "s1"))
	assert.Len(t, proc.terminated, 1)

	_, err = c.Send(ctx, "hi")
	require.ErrorIs(t, err, session.ErrClientNotFound)
	_, err = m.GetClient("s1")
	require.ErrorIs(t, err, session.ErrClientNotFound)
}

func TestSendReconnectsAfterTransientFailure(t *testing.T) {
	proc := &fakeProcess{
		sendErrs:   []error{fmt.Errorf("pipe: %w", session.ErrRuntimeConnection)},
		nextEvents: []Event{{Kind: EventTextDelta, Text: "hello"}},
	}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()

	c, err := m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)

	events, err := c.Send(ctx, "hi")
	require.NoError(t, err)
	var kinds []EventKind
	for e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventTextDelta, EventStreamComplete}, kinds)
	assert.Equal(t, "h2", c.Handle().ID)
	assert.Equal(t, []Handle{{ID: "h1", SessionID: "s1"}}, proc.terminated)
	assert.Same(t, proc.spawnPrompt[0].Snapshot, proc.spawnPrompt[1].Snapshot)
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	proc := &fakeProcess{sendErrs: []error{
		session.ErrRuntimeTimeout, session.ErrRuntimeTimeout, session.ErrRuntimeTimeout,
	}}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()

	c, err := m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)

	_, err = c.Send(ctx, "hi")
	require.ErrorIs(t, err, session.ErrRuntimeConnection)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
}

func TestSendDoesNotRetryPermanentErrors(t *testing.T) {
	proc := &fakeProcess{sendErrs: []error{errors.New("malformed prompt")}}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()

	c, err := m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)

	_, err = c.Send(ctx, "hi")
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrRuntimeConnection)
	assert.Len(t, proc.spawned, 1)
}

func TestExecuteAndRejectTool(t *testing.T) {
	proc := &fakeProcess{toolResult: ToolResult{Output: "ok"}}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()

	c, err := m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)

	res, err := c.ExecuteTool(ctx, ToolRequest{ToolUseID: "t1", Name: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	require.NoError(t, c.RejectTool(ctx, "t2", "denied"))
	assert.Equal(t, []string{"t2"}, proc.rejected)
}

func TestManagerClose(t *testing.T) {
	proc := &fakeProcess{}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.CreateClient(ctx, ClientSpec{Session: newSession(id)})
		require.NoError(t, err)
	}
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 0, m.Len())
	assert.Len(t, proc.terminated, 3)
}

func TestDisconnectDuringReconnectLeavesNoLiveHandle(t *testing.T) {
	proc := &fakeProcess{sendErrs: []error{session.ErrRuntimeConnection, session.ErrRuntimeConnection}}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()

	c, err := m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)
	proc.afterSpawn = func(n int) {
		if n == 2 {
			require.NoError(t, m.DisconnectClient(ctx, "s1"))
		}
	}

	_, err = c.Send(ctx, "hi")
	require.ErrorIs(t, err, session.ErrClientNotFound)
	assert.NotErrorIs(t, err, session.ErrRuntimeConnection)
	assert.Equal(t, proc.spawned, proc.terminated)
	assert.Equal(t, 0, m.Len())

	_, err = m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)
	assert.Len(t, proc.spawned, len(proc.terminated)+1)
}

func TestDisconnectDuringBackoffStopsRetries(t *testing.T) {
	proc := &fakeProcess{sendErrs: []error{session.ErrRuntimeConnection, session.ErrRuntimeConnection}}
	m := NewManager(proc, fastOptions())
	ctx := context.Background()

	c, err := m.CreateClient(ctx, ClientSpec{Session: newSession("s1")})
	require.NoError(t, err)
	proc.beforeSend = func() { require.NoError(t, m.DisconnectClient(ctx, "s1")) }

	_, err = c.Send(ctx, "hi")
	require.ErrorIs(t, err, session.ErrClientNotFound)
	assert.Len(t, proc.spawned, 1)
	assert.Equal(t, proc.spawned, proc.terminated)
}
