package cron

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/store"
)

func okJob(result string) Func {
	return func(context.Context) (string, error) { return result, nil }
}

func TestService_RegisterValidation(t *testing.T) {
	s := NewService("", nil)
	if err := s.Register("", "@hourly", okJob("x")); err == nil {
		t.Error("expected error for empty name")
	}
	if err := s.Register("job", "@hourly", nil); err == nil {
		t.Error("expected error for nil func")
	}
	if err := s.Register("job", "every tuesday", okJob("x")); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := s.Register("job", "*/5 * * * *", okJob("x")); err != nil {
		t.Errorf("Register error: %v", err)
	}
	if err := s.Register("job", "@daily", okJob("y")); err != nil {
		t.Errorf("re-Register error: %v", err)
	}
	jobs := s.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	if jobs[0].Schedule != "@daily" || !jobs[0].Enabled {
		t.Errorf("job = %+v", jobs[0])
	}
}

func TestService_RunNowRecordsState(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "data", "jobs.json")
	s := NewService(storePath, nil)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.Register("ok", "@hourly", okJob("done"))
	s.Register("bad", "@hourly", func(context.Context) (string, error) { return "", errors.New("boom") })

	result, err := s.RunNow(context.Background(), "ok")
	if err != nil || result != "done" {
		t.Fatalf("RunNow(ok) = %q, %v", result, err)
	}
	if _, err := s.RunNow(context.Background(), "bad"); err == nil {
		t.Fatal("RunNow(bad) should fail")
	}
	if _, err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("RunNow(missing) should fail")
	}

	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "ok" || jobs[0].State.LastResult != "done" || jobs[0].State.Runs != 1 {
		t.Errorf("ok state = %+v", jobs[0].State)
	}
	if jobs[0].State.LastRunAtMs != fixed.UnixMilli() {
		t.Errorf("lastRunAtMs = %d, want %d", jobs[0].State.LastRunAtMs, fixed.UnixMilli())
	}
	if jobs[1].State.LastStatus != "error" || jobs[1].State.LastError != "boom" {
		t.Errorf("bad state = %+v", jobs[1].State)
	}

	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []Job
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored jobs = %d, want 2", len(stored))
	}
}

func TestService_PersistenceAcrossRestart(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	s1 := NewService(storePath, nil)
	s1.Register("sweep", "@hourly", okJob("first"))
	s1.RunNow(context.Background(), "sweep")

	s2 := NewService(storePath, nil)
	s2.Register("sweep", "@hourly", okJob("second"))
	if err := s2.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s2.Stop()

	jobs := s2.ListJobs()
	if jobs[0].State.Runs != 1 || jobs[0].State.LastResult != "first" {
		t.Errorf("state not restored: %+v", jobs[0].State)
	}
}

func TestService_CorruptStoreIsIgnored(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	os.WriteFile(storePath, []byte("{not json"), 0644)

	s := NewService(storePath, nil)
	s.Register("sweep", "@hourly", okJob("x"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()
	if s.Next("sweep").IsZero() {
		t.Error("job should be scheduled")
	}
}

func TestService_EnableJob(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), nil)
	s.Register("sweep", "@hourly", okJob("x"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	if s.Next("sweep").IsZero() {
		t.Fatal("enabled job should have a next run")
	}
	job, err := s.EnableJob("sweep", false)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if job.Enabled {
		t.Error("job should be disabled")
	}
	if !s.Next("sweep").IsZero() {
		t.Error("disabled job should not be scheduled")
	}
	if _, err := s.RunNow(context.Background(), "sweep"); err != nil {
		t.Errorf("disabled job should still run on demand: %v", err)
	}
	if _, err := s.EnableJob("sweep", true); err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if s.Next("sweep").IsZero() {
		t.Error("re-enabled job should be scheduled")
	}
	if _, err := s.EnableJob("missing", true); err == nil {
		t.Error("expected error for missing job")
	}
}

func TestService_Start_ParentCancelInvokesStop(t *testing.T) {
	s := NewService("", nil)
	s.Register("sweep", "@hourly", okJob("x"))
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Next("sweep").IsZero() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("parent cancellation did not stop the scheduler")
}

func TestService_StopIdempotent(t *testing.T) {
	s := NewService("", nil)
	s.Stop()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	s.Stop()
	s.Stop()
}

// fakeArchiver serves List from a fixed slice and records Archive calls.
type fakeArchiver struct {
	mu       sync.Mutex
	states   []session.State
	filter   store.Filter
	archived []string
	failID   string
}

func (f *fakeArchiver) List(_ context.Context, filter store.Filter) ([]session.State, error) {
	f.filter = filter
	return f.states, nil
}

func (f *fakeArchiver) Archive(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failID {
		return session.ErrInvalidStateTransition
	}
	f.archived = append(f.archived, id)
	return nil
}

func TestArchiveSweep(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &fakeArchiver{
		states: []session.State{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		failID: "b",
	}
	job := ArchiveSweep(a, 24*time.Hour, func() time.Time { return now })

	result, err := job(context.Background())
	if !errors.Is(err, session.ErrInvalidStateTransition) {
		t.Errorf("err = %v, want joined transition error", err)
	}
	if result != "archived 2 of 3 sessions" {
		t.Errorf("result = %q", result)
	}
	if strings.Join(a.archived, ",") != "a,c" {
		t.Errorf("archived = %v, want [a c]", a.archived)
	}
	if !a.filter.CompletedBefore.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("cutoff = %s", a.filter.CompletedBefore)
	}
	if len(a.filter.Statuses) != 3 {
		t.Errorf("statuses = %v", a.filter.Statuses)
	}
}

func TestArchiveSweep_StopsOnCancel(t *testing.T) {
	a := &fakeArchiver{states: []session.State{{ID: "a"}, {ID: "b"}}}
	job := ArchiveSweep(a, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := job(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(a.archived) != 0 {
		t.Errorf("archived = %v, want none", a.archived)
	}
}
