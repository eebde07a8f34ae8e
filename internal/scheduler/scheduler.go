// Package scheduler runs the periodic maintenance tasks of a pool on a
// single goroutine.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type task struct {
	name   string
	period time.Duration
	run    func(ctx context.Context)
	next   time.Time
}

// Scheduler runs registered tasks at fixed periods. Tasks run one at a time,
// so a slow task delays the others rather than overlapping with itself.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []*task
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With(zap.String("component", "scheduler")),
		stopCh: make(chan struct{}),
	}
}

// Every registers fn to run every period. Tasks must be registered before
// Start; a non-positive period is ignored.
func (s *Scheduler) Every(name string, period time.Duration, fn func(ctx context.Context)) {
	if period <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Warn("ignoring task registered after start", zap.String("task", name))
		return
	}
	s.tasks = append(s.tasks, &task{name: name, period: period, run: fn})
}

// Start begins running tasks until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	now := time.Now()
	for _, t := range s.tasks {
		t.next = now.Add(t.period)
	}
	tasks := s.tasks
	s.mu.Unlock()

	if len(tasks) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(until(tasks))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-timer.C:
				now := time.Now()
				for _, t := range tasks {
					if now.Before(t.next) {
						continue
					}
					s.runTask(ctx, t)
					t.next = time.Now().Add(t.period)
				}
				timer.Reset(until(tasks))
			}
		}
	}()
}

// Stop stops the scheduler and waits for a running task to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.String("task", t.name), zap.Any("panic", r))
		}
	}()
	t.run(ctx)
}

func until(tasks []*task) time.Duration {
	next := tasks[0].next
	for _, t := range tasks[1:] {
		if t.next.Before(next) {
			next = t.next
		}
	}
	if d := time.Until(next); d > 0 {
		return d
	}
	return 0
}
