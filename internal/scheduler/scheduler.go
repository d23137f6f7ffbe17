// Package scheduler dispatches named tasks on interval, daily and weekly
// schedules from a single tick loop. A failing or panicking task is logged
// and recorded; it never stops the loop or other tasks.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/logging"
	"portfolio-engine/internal/metrics"
)

// State of the scheduler.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// TaskFunc is the body of a task.
type TaskFunc func(ctx context.Context) error

// TaskStatus reports a task's schedule and last outcome.
type TaskStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	NextRun      time.Time     `json:"next_run"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	Panics       int64         `json:"panics"`
	Skipped      int64         `json:"skipped"`
	Running      bool          `json:"running"`
}

type task struct {
	name     string
	schedule Schedule
	fn       TaskFunc
	next     time.Time
	active   int
	status   TaskStatus
}

// Config holds scheduler tunables.
type Config struct {
	// TickInterval is how often due tasks are checked.
	TickInterval time.Duration
}

// DefaultConfig returns a one second tick.
func DefaultConfig() Config {
	return Config{TickInterval: time.Second}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.NewValidationError("tick_interval", c.TickInterval, "must be positive")
	}
	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the clock, typically a *FakeClock in tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.WithComponent(logger, "scheduler") }
}

// WithMetrics enables task instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the task table and the dispatch loop.
type Scheduler struct {
	cfg     Config
	clock   Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
	tasks map[string]*task
	order []string

	stop     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup

	// afterTick, when set, is called by the loop after each tick is dispatched.
	afterTick func()
}

// New creates an idle scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "scheduler config")
	}
	s := &Scheduler{
		cfg:    cfg,
		clock:  RealClock{},
		logger: zerolog.Nop(),
		state:  StateIdle,
		tasks:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds a task. Names are unique.
func (s *Scheduler) Register(name string, schedule Schedule, fn TaskFunc) error {
	if name == "" {
		return errors.NewValidationError("name", name, "must not be empty")
	}
	if schedule == nil || fn == nil {
		return errors.NewValidationError(name, nil, "schedule and function are required")
	}
	// A schedule that does not move forward would spin the dispatch loop.
	if now := s.clock.Now(); !schedule.Next(now).After(now) {
		return errors.NewValidationError("schedule", schedule.String(), "next run must be after the current time")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return errors.NewValidationError("name", name, "task already registered")
	}
	t := &task{name: name, schedule: schedule, fn: fn}
	t.status = TaskStatus{Name: name, Schedule: schedule.String()}
	if s.state == StateRunning {
		t.next = schedule.Next(s.clock.Now())
	}
	s.tasks[name] = t
	s.order = append(s.order, name)
	return nil
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves Idle or Stopped to Running and starts the dispatch loop. Tasks
// run with ctx; cancelling it ends the loop and returns the scheduler to Idle.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return errors.Wrapf(errors.ErrSchedulerState, "start from %s", s.state)
	}
	now := s.clock.Now()
	for _, t := range s.tasks {
		t.next = t.schedule.Next(now)
	}
	s.state = StateRunning
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	stop, done := s.stop, s.loopDone
	s.mu.Unlock()

	s.logger.Info().Int("tasks", len(s.order)).Dur("tick", s.cfg.TickInterval).Msg("Scheduler started")
	go s.loop(ctx, ticker, stop, done)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			if s.state == StateRunning {
				s.state = StateIdle
			}
			s.mu.Unlock()
			s.logger.Info().Msg("Scheduler context ended")
			return
		case now := <-ticker.C():
			s.tick(ctx, now)
			if s.afterTick != nil {
				s.afterTick()
			}
		}
	}
}

// tick dispatches every due task that is not already running. A task that
// missed several due times runs once and is rescheduled after now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*task
	for _, name := range s.order {
		t := s.tasks[name]
		if t.next.IsZero() || now.Before(t.next) {
			continue
		}
		for !now.Before(t.next) {
			t.next = t.schedule.Next(t.next)
		}
		if t.active > 0 {
			t.status.Skipped++
			s.logger.Warn().Str("task", t.name).Msg("Task still running, skipping this run")
			continue
		}
		t.active++
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		s.inflight.Add(1)
		go func(t *task) {
			defer s.inflight.Done()
			s.execute(ctx, t)
		}(t)
	}
}

// execute runs one task invocation. active must already be incremented.
func (s *Scheduler) execute(ctx context.Context, t *task) (err error) {
	logger := logging.WithTask(s.logger, t.name)
	start := s.clock.Now()
	began := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = errors.NewTaskPanicError(t.name, r, string(debug.Stack()))
			logger.Error().Interface("panic", r).Str("stack", err.(*errors.TaskPanicError).Stack).Msg("Task panicked")
		}
		elapsed := time.Since(began)

		outcome := "ok"
		s.mu.Lock()
		t.active--
		t.status.Runs++
		t.status.LastRun = start
		t.status.LastDuration = elapsed
		t.status.LastError = ""
		if err != nil {
			t.status.Failures++
			t.status.LastError = err.Error()
			outcome = "error"
			if errors.Is(err, errors.ErrTaskPanic) {
				t.status.Panics++
				outcome = "panic"
			}
		}
		s.mu.Unlock()

		s.metrics.ObserveTask(t.name, outcome, elapsed)
		logging.LogTaskRun(s.logger, t.name, elapsed, err)
	}()

	return t.fn(logging.WithLogger(ctx, logger))
}

// RunNow runs a registered task immediately and returns its error. The task's
// schedule is not changed. It works in every state.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, name)
	}
	t.active++
	s.mu.Unlock()

	s.inflight.Add(1)
	defer s.inflight.Done()
	return s.execute(ctx, t)
}

// Stop moves Running to Stopped. No new runs are dispatched; Stop waits for
// in-flight runs to finish, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return errors.Wrapf(errors.ErrSchedulerState, "stop from %s", state)
	}
	s.state = StateStopped
	close(s.stop)
	done := s.loopDone
	s.mu.Unlock()

	<-done

	finished := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the dispatch loop exits and in-flight runs finish.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.loopDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.inflight.Wait()
}

// Status returns every task's status in registration order.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.order))
	for _, name := range s.order {
		t := s.tasks[name]
		st := t.status
		st.NextRun = t.next
		st.Running = t.active > 0
		out = append(out, st)
	}
	return out
}

// Tasks returns the registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
