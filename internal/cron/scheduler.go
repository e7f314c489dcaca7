// Package cron is a minimal in-process cron engine: parse a cron expression,
// compute its next fire time, and tick jobs forward on a background loop. It
// intentionally carries none of the distributed-locking or multi-instance
// coordination the teacher's own internal/cron/internal/tasks duo built for a
// store-backed deployment — see DESIGN.md's dropped-dependency ledger.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Job is one scheduled unit: a parsed cron.Schedule plus the function to run
// when it fires.
type Job struct {
	ID       string
	Expr     string
	schedule cron.Schedule
	Run      func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	NextRun time.Time
	LastRun time.Time
}

// Scheduler ticks registered Jobs forward and fires them when due. Firing is
// serialized per job — an overlapping fire is skipped rather than queued,
// matching spec.md §5's "at most one execution of a task at a time" rule.
type Scheduler struct {
	mu           sync.Mutex
	jobs         map[string]*Job
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the scheduler's clock for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides how often the scheduler checks for due jobs.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// New builds an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:         make(map[string]*Job),
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule parses expr (standard 5-field cron) and installs a job under id,
// replacing any prior job with the same id. The job's NextRun is computed
// immediately.
func (s *Scheduler) Schedule(id, expr string, run func(ctx context.Context) error) error {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron: parse %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &Job{
		ID:       id,
		Expr:     expr,
		schedule: schedule,
		Run:      run,
		NextRun:  schedule.Next(s.now()),
	}
	return nil
}

// Unschedule removes a job, stopping future fires.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// NextRun reports the next scheduled fire time for id, or the zero time if
// unscheduled.
func (s *Scheduler) NextRun(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return time.Time{}
	}
	return job.NextRun
}

// Start begins ticking jobs forward until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(runCtx)
}

// Stop halts the tick loop and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job *Job, now time.Time) {
	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		s.logger.Warn("cron job still running, skipping overlapping fire", "id", job.ID)
		// Still advance NextRun so a stuck job doesn't fire every tick.
		s.advance(job, now)
		return
	}
	job.running = true
	job.mu.Unlock()
	s.advance(job, now)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			job.mu.Lock()
			job.running = false
			job.LastRun = s.now()
			job.mu.Unlock()
		}()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("cron job failed", "id", job.ID, "error", err)
		}
	}()
}

func (s *Scheduler) advance(job *Job, now time.Time) {
	job.mu.Lock()
	job.NextRun = job.schedule.Next(now)
	job.mu.Unlock()
}
