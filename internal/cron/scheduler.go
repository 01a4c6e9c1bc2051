// Package cron runs named maintenance tasks on cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// TaskStatus is a snapshot of a task's schedule metadata.
type TaskStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

type task struct {
	name     string
	schedule Schedule
	fn       TaskFunc

	nextRun   time.Time
	lastRun   time.Time
	lastError string
	runs      int
	running   bool
}

// Scheduler runs registered tasks when they are due.
type Scheduler struct {
	tasks        []*task
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler creates an empty scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task. Names are unique and case-insensitive.
func (s *Scheduler) Add(name, expr string, fn TaskFunc) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errors.New("task name required")
	}
	if fn == nil {
		return fmt.Errorf("task %s: function required", name)
	}
	schedule, err := ParseSchedule(expr, "")
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("task %s already registered", name)
		}
	}
	s.tasks = append(s.tasks, &task{
		name:     name,
		schedule: schedule,
		fn:       fn,
		nextRun:  schedule.Next(s.now()),
	})
	return nil
}

// Start begins running tasks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the scheduler loop to stop.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due tasks immediately and returns how many ran.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

// RunTask executes a task by name regardless of its schedule.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	var target *task
	for _, t := range s.tasks {
		if t.name == name {
			target = t
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("task %q not found", name)
	}
	if target.running {
		s.mu.Unlock()
		return fmt.Errorf("task %s is already running", name)
	}
	target.running = true
	s.mu.Unlock()

	return s.execute(ctx, target)
}

// Tasks returns a snapshot of every registered task.
func (s *Scheduler) Tasks() []TaskStatus {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{
			Name:      t.name,
			Schedule:  t.schedule.Expr,
			NextRun:   t.nextRun,
			LastRun:   t.lastRun,
			LastError: t.lastError,
			Runs:      t.runs,
		})
	}
	return out
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	var due []*task
	s.mu.Lock()
	for _, t := range s.tasks {
		if t.running || t.nextRun.IsZero() || now.Before(t.nextRun) {
			continue
		}
		t.running = true
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		_ = s.execute(ctx, t)
	}
	return len(due)
}

// execute runs a task already marked running and records the outcome.
func (s *Scheduler) execute(ctx context.Context, t *task) error {
	started := s.now()
	err := t.fn(ctx)

	s.mu.Lock()
	t.running = false
	t.runs++
	t.lastRun = started
	t.nextRun = t.schedule.Next(s.now())
	if err != nil {
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("cron task failed", "task", t.name, "error", err)
	} else {
		s.logger.Debug("cron task finished", "task", t.name, "duration", s.now().Sub(started))
	}
	return err
}
