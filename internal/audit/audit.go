// Package audit appends fire-and-forget audit events to a JSONL file.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultBuffer = 1024

// Event is one line of the audit log.
type Event struct {
	Time   time.Time      `json:"time"`
	Type   string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Log buffers events in memory and writes them from a single goroutine.
// LogEvent never blocks: events are dropped while the buffer is full.
type Log struct {
	path string
	log  *zap.Logger
	now  func() time.Time

	events  chan Event
	dropped atomic.Int64
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Open starts a Log appending to path. buffer <= 0 uses DefaultBuffer.
func Open(path string, buffer int, log *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Log{
		path:   path,
		log:    log.Named("audit"),
		now:    time.Now,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go l.write(f)
	return l, nil
}

func (l *Log) LogEvent(eventType string, fields map[string]any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- Event{Time: l.now().UTC(), Type: eventType, Fields: fields}:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.log.Warn("audit buffer full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Dropped reports how many events were discarded.
func (l *Log) Dropped() int64 { return l.dropped.Load() }

func (l *Log) write(f *os.File) {
	defer close(l.done)
	defer f.Close()
	w := bufio.NewWriter(f)
	for evt := range l.events {
		data, err := json.Marshal(evt)
		if err != nil {
			l.log.Warn("encode audit event", zap.String("event", evt.Type), zap.Error(err))
			continue
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			l.log.Warn("write audit event", zap.Error(err))
			continue
		}
		if len(l.events) == 0 {
			if err := w.Flush(); err != nil {
				l.log.Warn("flush audit log", zap.Error(err))
			}
		}
	}
	if err := w.Flush(); err != nil {
		l.log.Warn("flush audit log", zap.Error(err))
	}
}

// Close drains buffered events and closes the file.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.events)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

// ReadAll parses every event in the log at path. A missing file yields
// no events.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("parse audit line %d: %w", lineNum, err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return events, nil
}
