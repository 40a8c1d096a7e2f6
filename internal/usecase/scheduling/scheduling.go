// Package scheduling runs the control plane's recurring maintenance jobs:
// health check sweeps, audit log retention, compliance snapshots. Jobs are
// registered by name with a cron expression or a plain duration string.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// jobTimeout bounds a single job run so a stuck job cannot wedge the
// scheduler worker.
const jobTimeout = 5 * time.Minute

// JobFunc is a maintenance job body.
type JobFunc func(ctx context.Context) error

// JobStatus reports a job's run history.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastRun  time.Time `json:"last_run,omitzero"`
	NextRun  time.Time `json:"next_run,omitzero"`
}

type job struct {
	name     string
	schedule string
	entryID  cron.EntryID
	runs     uint64
	failures uint64
	lastRun  time.Time
}

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		jobs:   make(map[string]*job),
		logger: logger.With("component", "scheduler"),
	}
}

// AddJob registers a named job. The schedule is a standard cron expression
// ("*/5 * * * *", "@every 30s") or a Go duration string ("250ms", "1h").
// Jobs may be added before or after Start.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	sched, err := parseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", name, err)
	}

	j := &job{name: name, schedule: schedule}
	j.entryID = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.runJob(j, fn)
	}))
	s.jobs[name] = j

	s.logger.Info("maintenance job registered", "job", name, "schedule", schedule)
	return nil
}

// RemoveJob unregisters a job. Unknown names are an error.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("scheduler: job %q not found", name)
	}
	s.cron.Remove(j.entryID)
	delete(s.jobs, name)
	return nil
}

func (s *Scheduler) runJob(j *job, fn JobFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(runCtx)

	s.mu.Lock()
	j.runs++
	j.lastRun = start
	if err != nil {
		j.failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("maintenance job failed", "job", j.name, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Debug("maintenance job completed", "job", j.name, "duration", time.Since(start))
	}
}

// Start begins running scheduled jobs. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels in-flight jobs and waits for them to return. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// Status reports every registered job. Order is unspecified.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:     j.name,
			Schedule: j.schedule,
			Runs:     j.runs,
			Failures: j.failures,
			LastRun:  j.lastRun,
		}
		if entry := s.cron.Entry(j.entryID); entry.ID != 0 {
			st.NextRun = entry.Next
		}
		out = append(out, st)
	}
	return out
}

// parseSchedule accepts a cron expression first, then a duration string.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval. Unlike
// cron's @every descriptor it supports sub-second durations, which the
// tests rely on.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
