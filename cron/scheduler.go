package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// TaskFunc is the body of a periodic task. now is the scheduled instant.
type TaskFunc func(ctx context.Context, now time.Time) error

// Emitter is notified after each task run.
type Emitter interface {
	EmitTaskRan(ctx context.Context, name string, elapsed time.Duration, err error)
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// EntryStatus is a snapshot of one task's schedule.
type EntryStatus struct {
	Name      string
	Schedule  string
	NextRunAt time.Time
	LastRunAt time.Time
	LastError string
	Running   bool
}

type entry struct {
	name     string
	expr     string
	schedule cronlib.Schedule
	fn       TaskFunc
	next     time.Time
	last     time.Time
	lastErr  error
	running  bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due tasks.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithEmitter sets the run emitter.
func WithEmitter(e Emitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = e }
}

// Scheduler runs tasks on a tick loop.
type Scheduler struct {
	logger       *slog.Logger
	emitter      Emitter
	tickInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:       logger,
		tickInterval: 250 * time.Millisecond,
		now:          func() time.Time { return time.Now().UTC() },
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task. Adding a name twice replaces the earlier task.
func (s *Scheduler) Add(name, expr string, fn TaskFunc) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("cron: invalid schedule %q for %s: %w", expr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = &entry{
		name:     name,
		expr:     expr,
		schedule: sched,
		fn:       fn,
		next:     sched.Next(s.now()),
	}
	return nil
}

// Run ticks until ctx is done, then waits for running tasks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("cron scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Int("tasks", len(s.Entries())),
	)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("cron scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every task due at the current instant. It returns without
// waiting for the tasks.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		scheduled := e.next
		e.next = e.schedule.Next(now)
		if e.running {
			s.logger.Debug("cron task still running, skipping occurrence",
				slog.String("task", e.name),
				slog.Time("scheduled", scheduled),
			)
			continue
		}
		e.running = true
		s.wg.Add(1)
		go s.run(ctx, e, now)
	}
}

// Wait blocks until every running task has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) run(ctx context.Context, e *entry, now time.Time) {
	defer s.wg.Done()

	start := time.Now()
	err := s.safeCall(ctx, e, now)
	elapsed := time.Since(start)

	s.mu.Lock()
	e.running = false
	e.last = now
	e.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron task failed",
			slog.String("task", e.name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("cron task ran",
			slog.String("task", e.name),
			slog.Duration("elapsed", elapsed),
		)
	}
	if s.emitter != nil {
		s.emitter.EmitTaskRan(ctx, e.name, elapsed, err)
	}
}

func (s *Scheduler) safeCall(ctx context.Context, e *entry, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: task %s panicked: %v", e.name, r)
		}
	}()
	return e.fn(ctx, now)
}

// Entries returns a snapshot of every task, sorted by name.
func (s *Scheduler) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := EntryStatus{
			Name:      e.name,
			Schedule:  e.expr,
			NextRunAt: e.next,
			LastRunAt: e.last,
			Running:   e.running,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
