package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []session.HookExecutionRecord
}

func (m *memRecorder) SaveHookExecution(_ context.Context, rec session.HookExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func tracer(order *[]string, name string, err error) HandlerFunc {
	return func(ctx context.Context, hc *Context) error {
		*order = append(*order, name)
		return err
	}
}

func TestDispatchOrdersByPriorityThenRegistration(t *testing.T) {
	var order []string
	reg, err := NewBuilder().Register(
		Registration{Name: "c", Type: PreToolUse, Priority: 10, Handler: tracer(&order, "c", nil)},
		Registration{Name: "a", Type: PreToolUse, Priority: 1, Handler: tracer(&order, "a", nil)},
		Registration{Name: "d", Type: PreToolUse, Priority: 10, Handler: tracer(&order, "d", nil)},
		Registration{Name: "b", Type: PreToolUse, Priority: 5, Handler: tracer(&order, "b", nil)},
		Registration{Name: "other", Type: PostToolUse, Priority: 0, Handler: tracer(&order, "other", nil)},
	).Build()
	require.NoError(t, err)

	res := NewDispatcher(reg).Dispatch(context.Background(), PreToolUse, &Context{SessionID: "s1"})
	assert.True(t, res.Proceed())
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	require.Len(t, res.Records, 4)
	for _, rec := range res.Records {
		assert.Equal(t, session.HookCompleted, rec.Outcome)
		assert.Equal(t, "s1", rec.SessionID)
		assert.NotEmpty(t, rec.ID)
		assert.GreaterOrEqual(t, int64(rec.Duration), int64(0))
	}
}

func TestVetoStopsPipeline(t *testing.T) {
	var order []string
	rec := &memRecorder{}
	reg, err := NewBuilder().Register(
		Registration{Name: "audit", Type: PreToolUse, Priority: 1, Handler: tracer(&order, "audit", nil)},
		Registration{Name: "guard", Type: PreToolUse, Priority: 2, Handler: tracer(&order, "guard", Veto("no network"))},
		Registration{Name: "late", Type: PreToolUse, Priority: 3, Handler: tracer(&order, "late", nil)},
	).Build()
	require.NoError(t, err)

	res := NewDispatcher(reg, WithRecorder(rec)).Dispatch(context.Background(), PreToolUse, &Context{})
	assert.True(t, res.Vetoed)
	assert.False(t, res.Proceed())
	assert.Equal(t, "guard", res.VetoedBy)
	assert.Equal(t, "no network", res.Reason)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"audit", "guard"}, order)
	require.Len(t, rec.recs, 2)
	assert.Equal(t, session.HookVetoed, rec.recs[1].Outcome)
}

func TestNonGatingFailureIsSwallowed(t *testing.T) {
	var order []string
	reg, err := NewBuilder().Register(
		Registration{Name: "flaky", Type: PostToolUse, Priority: 1, Handler: tracer(&order, "flaky", errors.New("disk full"))},
		Registration{Name: "next", Type: PostToolUse, Priority: 2, Handler: tracer(&order, "next", nil)},
	).Build()
	require.NoError(t, err)

	res := NewDispatcher(reg).Dispatch(context.Background(), PostToolUse, &Context{})
	assert.True(t, res.Proceed())
	assert.Equal(t, []string{"flaky", "next"}, order)
	assert.Equal(t, session.HookFailed, res.Records[0].Outcome)
	assert.Equal(t, "disk full", res.Records[0].Detail)
}

func TestGatingFailureAborts(t *testing.T) {
	var order []string
	reg, err := NewBuilder().Register(
		Registration{Name: "policy", Type: PreToolUse, Priority: 1, Gating: true, Handler: tracer(&order, "policy", errors.New("policy store down"))},
		Registration{Name: "next", Type: PreToolUse, Priority: 2, Handler: tracer(&order, "next", nil)},
	).Build()
	require.NoError(t, err)

	res := NewDispatcher(reg).Dispatch(context.Background(), PreToolUse, &Context{})
	assert.False(t, res.Vetoed)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, session.ErrHookExecutionFailure)
	assert.Equal(t, []string{"policy"}, order)
}

func TestPanicIsFailure(t *testing.T) {
	reg, err := NewBuilder().Register(
		Registration{Name: "boom", Type: Stop, Gating: true, Handler: HandlerFunc(func(context.Context, *Context) error {
			panic("nil map")
		})},
	).Build()
	require.NoError(t, err)

	res := NewDispatcher(reg).Dispatch(context.Background(), Stop, &Context{})
	assert.ErrorIs(t, res.Err, session.ErrHookExecutionFailure)
	assert.Contains(t, res.Records[0].Detail, "panic")
}

func TestHandlersShareContextData(t *testing.T) {
	reg, err := NewBuilder().Register(
		Registration{Name: "writer", Type: UserPromptSubmit, Priority: 1, Handler: HandlerFunc(func(_ context.Context, hc *Context) error {
			hc.Set("tag", "from-writer")
			return nil
		})},
		Registration{Name: "reader", Type: UserPromptSubmit, Priority: 2, Handler: HandlerFunc(func(_ context.Context, hc *Context) error {
			v, ok := hc.Get("tag")
			if !ok || v != "from-writer" {
				return Veto("tag missing")
			}
			return nil
		})},
	).Build()
	require.NoError(t, err)

	hc := &Context{Prompt: "hi"}
	res := NewDispatcher(reg).Dispatch(context.Background(), UserPromptSubmit, hc)
	assert.True(t, res.Proceed())
	v, _ := hc.Get("tag")
	assert.Equal(t, "from-writer", v)
}

func TestEmptyRegistryProceeds(t *testing.T) {
	res := NewDispatcher(nil).Dispatch(context.Background(), PreToolUse, nil)
	assert.True(t, res.Proceed())
	assert.Empty(t, res.Records)
}

func TestBuilderRejectsInvalidRegistrations(t *testing.T) {
	noop := HandlerFunc(func(context.Context, *Context) error { return nil })
	_, err := NewBuilder().Register(
		Registration{Type: PreToolUse, Handler: noop},
		Registration{Name: "nil-handler", Type: PreToolUse},
		Registration{Name: "bad-type", Type: "OnCoffee", Handler: noop},
	).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "nil-handler")
	assert.Contains(t, err.Error(), "OnCoffee")
}

func TestRegistryIsImmutable(t *testing.T) {
	noop := HandlerFunc(func(context.Context, *Context) error { return nil })
	b := NewBuilder().Register(Registration{Name: "one", Type: Stop, Handler: noop})
	reg, err := b.Build()
	require.NoError(t, err)

	b.Register(Registration{Name: "two", Type: Stop, Handler: noop})
	assert.Equal(t, 1, reg.Len())

	list := reg.Handlers(Stop)
	list[0].Name = "mutated"
	assert.Equal(t, "one", reg.Handlers(Stop)[0].Name)
}
