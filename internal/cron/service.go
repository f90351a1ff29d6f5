package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Func is the body of a scheduled job. The returned string is a short
// human-readable result kept in the job state.
type Func func(ctx context.Context) (string, error)

// Job is a registered job and its persisted run state.
type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
	Runs        int    `json:"runs"`
}

type Service struct {
	storePath string
	log       *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	jobs     []Job
	funcs    map[string]Func
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewService(storePath string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		storePath: storePath,
		log:       log.Named("cron"),
		now:       time.Now,
		funcs:     make(map[string]Func),
		entryMap:  make(map[string]rcron.EntryID),
	}
}

// Register adds a job. schedule is a standard five-field cron spec or a
// descriptor such as "@hourly". Registering an existing name replaces it.
func (s *Service) Register(name, schedule string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("cron: job name and func are required")
	}
	if _, err := rcron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("cron: job %s schedule %q: %w", name, schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = fn
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			s.jobs[i].Schedule = schedule
			s.jobs[i].Enabled = true
			return nil
		}
	}
	s.jobs = append(s.jobs, Job{Name: name, Schedule: schedule, Enabled: true})
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	persisted, err := s.load()
	if err != nil {
		s.log.Warn("failed to load job state", zap.Error(err))
	}

	logger := cronLogger{s.log.Sugar()}
	c := rcron.New(rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)))

	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.cron = c
	for i := range s.jobs {
		if st, ok := persisted[s.jobs[i].Name]; ok {
			s.jobs[i].State = st
		}
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	c.Start()
	s.log.Info("started", zap.Int("jobs", n))

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) registerJob(job *Job) {
	name := job.Name
	id, err := s.cron.AddFunc(job.Schedule, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_, _ = s.executeJob(ctx, name)
	})
	if err != nil {
		s.log.Error("failed to register job", zap.String("job", name), zap.String("schedule", job.Schedule), zap.Error(err))
		return
	}
	s.entryMap[name] = id
}

// RunNow executes a registered job immediately and records its state.
func (s *Service) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	_, ok := s.funcs[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("job %s not found", name)
	}
	return s.executeJob(ctx, name)
}

func (s *Service) executeJob(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	fn := s.funcs[name]
	s.mu.Unlock()

	s.log.Debug("executing job", zap.String("job", name))
	result, err := fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = s.now().UnixMilli()
		st.Runs++
		st.LastResult = truncate(result, 200)
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			s.log.Error("job failed", zap.String("job", name), zap.Error(err))
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
			s.log.Info("job finished", zap.String("job", name), zap.String("result", st.LastResult))
		}
		break
	}
	if saveErr := s.save(); saveErr != nil {
		s.log.Warn("failed to save job state", zap.Error(saveErr))
	}
	return result, err
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	c := s.cron
	s.cancel = nil
	s.cron = nil
	s.entryMap = make(map[string]rcron.EntryID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn("stop timeout waiting for running jobs")
		}
		s.log.Info("stopped")
	}
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// EnableJob toggles a job. Disabled jobs stay registered for RunNow.
func (s *Service) EnableJob(name string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.cron != nil {
			if enabled {
				if _, ok := s.entryMap[name]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else if entryID, ok := s.entryMap[name]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, name)
			}
		}
		_ = s.save()
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", name)
}

// Next reports the next scheduled run of a job, zero when it is not scheduled.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entryMap[name]
	if !ok || s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Service) load() (map[string]JobState, error) {
	out := make(map[string]JobState)
	if s.storePath == "" {
		return out, nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return out, err
	}
	for _, j := range jobs {
		out[j.Name] = j.State
	}
	return out, nil
}

func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
