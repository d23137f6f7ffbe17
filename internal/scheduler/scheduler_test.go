package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/metrics"
	"portfolio-engine/internal/models"
)

var start = time.Date(2024, 3, 1, 17, 59, 0, 0, time.UTC) // a Friday

// newTestScheduler returns a scheduler on a fake clock and a function that
// advances the clock by one tick and waits for every run it dispatched.
func newTestScheduler(t *testing.T) (*Scheduler, *FakeClock, func()) {
	t.Helper()
	clock := NewFakeClock(start)
	s, err := New(Config{TickInterval: time.Second}, WithClock(clock), WithMetrics(metrics.New()))
	if err != nil {
		t.Fatal(err)
	}
	ticked := make(chan struct{}, 1)
	s.afterTick = func() { ticked <- struct{}{} }

	step := func() {
		clock.Advance(time.Second)
		select {
		case <-ticked:
		case <-time.After(5 * time.Second):
			t.Fatal("tick was not processed")
		}
		s.inflight.Wait()
	}
	return s, clock, step
}

func TestStateTransitions(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	if s.State() != StateIdle {
		t.Fatalf("initial state = %s", s.State())
	}
	if err := s.Stop(ctx); !errors.Is(err, errors.ErrSchedulerState) {
		t.Errorf("Stop from idle: err = %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); !errors.Is(err, errors.ErrSchedulerState) {
		t.Errorf("double Start: err = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
	if err := s.Start(ctx); err != nil {
		t.Errorf("restart from stopped: %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("state = %s, want running", s.State())
	}
	s.Stop(ctx)
}

func TestContextCancelReturnsToIdle(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	s.Wait()
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
}

func TestIntervalDispatch(t *testing.T) {
	s, _, step := newTestScheduler(t)
	var runs atomic.Int32
	s.Register("refresh", Every(5*time.Second), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		step()
	}
	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d after 12s, want 2", got)
	}

	st := s.Status()[0]
	if st.Runs != 2 || st.Schedule != "every 5s" || !st.NextRun.Equal(start.Add(15*time.Second)) {
		t.Errorf("status = %+v", st)
	}
	s.Stop(context.Background())
}

func TestFailingTaskNeverBlocksOthers(t *testing.T) {
	s, _, step := newTestScheduler(t)
	var good, boom, daily atomic.Int32

	s.Register("boom", Every(time.Second), func(ctx context.Context) error {
		n := boom.Add(1)
		if n%2 == 0 {
			panic(fmt.Sprintf("boom %d", n))
		}
		return fmt.Errorf("failure %d", n)
	})
	s.Register("good", Every(2*time.Second), func(ctx context.Context) error {
		good.Add(1)
		return nil
	})
	s.Register("daily", DailyAt(18, 0, time.UTC), func(ctx context.Context) error {
		daily.Add(1)
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		step()
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if boom.Load() != 100 || good.Load() != 50 || daily.Load() != 1 {
		t.Errorf("runs: boom=%d good=%d daily=%d, want 100/50/1", boom.Load(), good.Load(), daily.Load())
	}

	status := map[string]TaskStatus{}
	for _, st := range s.Status() {
		status[st.Name] = st
	}
	if st := status["boom"]; st.Failures != 100 || st.Panics != 50 || st.LastError == "" {
		t.Errorf("boom status = %+v", st)
	}
	if st := status["good"]; st.Failures != 0 || st.Runs != 50 {
		t.Errorf("good status = %+v", st)
	}
	if st := status["daily"]; !st.NextRun.Equal(time.Date(2024, 3, 2, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("daily next run = %v", st.NextRun)
	}
}

func TestRunNow(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var runs atomic.Int32
	s.Register("valuation", Every(time.Hour), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Register("explode", Every(time.Hour), func(ctx context.Context) error {
		panic("kaboom")
	})
	ctx := context.Background()

	if err := s.RunNow(ctx, "valuation"); err != nil || runs.Load() != 1 {
		t.Fatalf("RunNow while idle: err=%v runs=%d", err, runs.Load())
	}

	s.Start(ctx)
	before := s.Status()[0].NextRun
	if err := s.RunNow(ctx, "valuation"); err != nil {
		t.Fatal(err)
	}
	if after := s.Status()[0].NextRun; !after.Equal(before) {
		t.Errorf("RunNow moved schedule from %v to %v", before, after)
	}

	err := s.RunNow(ctx, "explode")
	var perr *errors.TaskPanicError
	if !errors.As(err, &perr) || !errors.Is(err, errors.ErrTaskPanic) {
		t.Fatalf("err = %v, want TaskPanicError", err)
	}
	if perr.Task != "explode" || !strings.Contains(perr.Stack, "scheduler") {
		t.Errorf("panic error = %+v", perr)
	}

	if err := s.RunNow(ctx, "missing"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("unknown task: err = %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("state = %s after panicking RunNow", s.State())
	}
	s.Stop(ctx)
}

func TestStopLetsInFlightRunsFinish(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s.afterTick = nil

	s.Register("slow", Every(time.Second), func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	s.Start(context.Background())
	clock.Advance(time.Second)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight run finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	if err := <-stopped; err != nil {
		t.Fatal(err)
	}
	if !finished.Load() {
		t.Error("in-flight run was interrupted")
	}

	// No further dispatch once stopped.
	clock.Advance(time.Second)
	if st := s.Status()[0]; st.Runs != 1 {
		t.Errorf("runs = %d after stop, want 1", st.Runs)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	ticked := make(chan struct{}, 1)
	s.afterTick = func() { ticked <- struct{}{} }

	s.Register("slow", Every(time.Second), func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	})
	s.Start(context.Background())
	clock.Advance(time.Second)
	<-ticked
	<-started
	for i := 0; i < 2; i++ {
		clock.Advance(time.Second)
		<-ticked
	}

	close(release)
	s.Stop(context.Background())

	st := s.Status()[0]
	if st.Runs != 1 || st.Skipped != 2 {
		t.Errorf("status = %+v, want 1 run and skipped overlaps", st)
	}
}

func TestRegisterValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	noop := func(context.Context) error { return nil }
	if err := s.Register("", Every(time.Second), noop); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty name: %v", err)
	}
	if err := s.Register("x", nil, noop); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("nil schedule: %v", err)
	}
	for _, d := range []time.Duration{0, -time.Minute} {
		if err := s.Register("zero", Every(d), noop); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("Every(%s): %v", d, err)
		}
	}
	if len(s.Tasks()) != 0 {
		t.Errorf("rejected tasks were registered: %v", s.Tasks())
	}
	s.Register("x", Every(time.Second), noop)
	if err := s.Register("x", Every(time.Second), noop); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("duplicate: %v", err)
	}
	if _, err := New(Config{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("zero tick: %v", err)
	}
}

func TestSchedules(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
		after time.Time
		want  time.Time
	}{
		{"every", Every(5 * time.Minute), start, start.Add(5 * time.Minute)},
		{"daily later today", DailyAt(18, 0, time.UTC), start, time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"daily exactly now", DailyAt(18, 0, time.UTC), start.Add(time.Minute), time.Date(2024, 3, 2, 18, 0, 0, 0, time.UTC)},
		{"daily tomorrow", DailyAt(9, 30, time.UTC), start, time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)},
		{"weekly sunday", WeeklyAt(time.Sunday, 18, 0, time.UTC), start, time.Date(2024, 3, 3, 18, 0, 0, 0, time.UTC)},
		{"weekly same day later", WeeklyAt(time.Friday, 18, 0, time.UTC), start, time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"weekly same day passed", WeeklyAt(time.Friday, 9, 0, time.UTC), start, time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sched.Next(tt.after); !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("18:05")
	if err != nil || h != 18 || m != 5 {
		t.Errorf("ParseClock = %d, %d, %v", h, m, err)
	}
	for _, bad := range []string{"", "1800", "24:00", "12:60", "ab:cd"} {
		if _, _, err := ParseClock(bad); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("ParseClock(%q) err = %v", bad, err)
		}
	}
}

type memCooldowns struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (c *memCooldowns) GetCooldown(key string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.m[key]
	return t, ok, nil
}

func (c *memCooldowns) SetCooldown(key string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = at
	return nil
}

func TestAlertGateCooldown(t *testing.T) {
	clock := NewFakeClock(start)
	store := &memCooldowns{m: map[string]time.Time{}}
	gate := NewAlertGate(time.Hour, store, clock.Now, zerolog.Nop())

	swing := models.Alert{Rule: models.RulePriceSwing, Symbol: "AAPL", Market: models.MarketUSEquity, Severity: models.SeverityLow}
	other := models.Alert{Rule: models.RulePriceSwing, Symbol: "MSFT", Market: models.MarketUSEquity}
	conc := models.Alert{Rule: models.RuleConcentration}

	deliver, suppressed := gate.Filter([]models.Alert{swing, conc})
	if len(deliver) != 2 || len(suppressed) != 0 {
		t.Fatalf("first pass: deliver=%d suppressed=%d", len(deliver), len(suppressed))
	}

	clock.Set(start.Add(30 * time.Minute))
	swing.Severity = models.SeverityHigh
	deliver, suppressed = gate.Filter([]models.Alert{swing, other, conc})
	if len(deliver) != 1 || deliver[0].Symbol != "MSFT" || len(suppressed) != 2 {
		t.Errorf("within window: deliver=%v suppressed=%v", deliver, suppressed)
	}

	// A new gate sharing the store still suppresses: cooldowns survive restarts.
	restarted := NewAlertGate(time.Hour, store, clock.Now, zerolog.Nop())
	if deliver, _ := restarted.Filter([]models.Alert{swing}); len(deliver) != 0 {
		t.Error("cooldown lost across restart")
	}

	clock.Set(start.Add(61 * time.Minute))
	if deliver, _ := gate.Filter([]models.Alert{swing, conc}); len(deliver) != 2 {
		t.Errorf("after window: deliver = %v", deliver)
	}
}
