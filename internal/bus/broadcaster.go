// Package bus fans session updates out to in-process subscribers over the
// agentsdk event bus.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cexll/agentsdk-go/pkg/core/events"
	"github.com/stellarlinkco/warden/internal/stream"
	"go.uber.org/zap"
)

// EventUpdate is the bus event type carrying a stream.Update payload.
const EventUpdate events.EventType = "warden.update"

const defaultIntake = 256

type Option func(*Broadcaster)

// WithIntake sets how many updates may wait for the dispatcher before
// Publish starts dropping.
func WithIntake(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.intakeSize = n
		}
	}
}

func WithSubscriberBuffer(n int) Option {
	return func(b *Broadcaster) { b.busOpts = append(b.busOpts, events.WithBufferSize(n)) }
}

// Broadcaster is a best-effort, order-preserving fan-out. Publish never
// blocks the caller.
type Broadcaster struct {
	bus        *events.Bus
	busOpts    []events.BusOption
	intakeSize int
	intake     chan stream.Update
	dropped    atomic.Int64
	log        *zap.Logger
	done       chan struct{}

	mu     sync.RWMutex
	closed bool
}

func New(log *zap.Logger, opts ...Option) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broadcaster{intakeSize: defaultIntake, log: log.Named("bus"), done: make(chan struct{})}
	for _, o := range opts {
		o(b)
	}
	b.bus = events.NewBus(b.busOpts...)
	b.intake = make(chan stream.Update, b.intakeSize)
	go b.forward()
	return b
}

func (b *Broadcaster) Publish(sessionID string, u stream.Update) {
	u.SessionID = sessionID
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.intake <- u:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.log.Warn("update intake full, dropping", zap.String("session_id", sessionID), zap.Int64("dropped", n))
		}
	}
}

// Subscribe calls fn for every update of sessionID, or of every session
// when sessionID is empty. The returned func unsubscribes.
func (b *Broadcaster) Subscribe(sessionID string, fn func(stream.Update)) func() {
	return b.bus.Subscribe(EventUpdate, func(_ context.Context, evt events.Event) {
		if sessionID != "" && evt.SessionID != sessionID {
			return
		}
		if u, ok := evt.Payload.(stream.Update); ok {
			fn(u)
		}
	})
}

func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

func (b *Broadcaster) forward() {
	defer close(b.done)
	for u := range b.intake {
		err := b.bus.Publish(events.Event{
			Type:      EventUpdate,
			SessionID: u.SessionID,
			RequestID: u.QueryID,
			Timestamp: u.At,
			Payload:   u,
		})
		if err != nil {
			b.log.Debug("publish update", zap.Error(err))
		}
	}
}

// Close flushes pending updates into the bus and stops it.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.intake)
	b.mu.Unlock()
	<-b.done
	b.bus.Close()
}
