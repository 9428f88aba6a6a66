package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is one periodic job.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler drives registered tasks, one goroutine per task. Tasks are
// isolated from each other: a panicking or failing tick is logged and
// the task keeps its schedule, and no task can take another down.
type Scheduler struct {
	tasks []Task
	wg    sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a task. Call before Start.
func (s *Scheduler) Add(name string, every time.Duration, run func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Every: every, Run: run})
}

// Start launches every registered task. Each runs once immediately,
// then on its interval until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
	log.Info().Int("tasks", len(s.tasks)).Msg("scheduler running")
}

// Wait blocks until all task loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	s.tick(ctx, t)

	ticker := time.NewTicker(t.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task", t.Name).Msg("scheduled task panicked")
		}
	}()

	start := time.Now()
	if err := t.Run(ctx); err != nil {
		log.Warn().Err(err).Str("task", t.Name).Msg("scheduled task failed")
		return
	}
	log.Debug().Str("task", t.Name).Dur("took", time.Since(start)).Msg("scheduled task done")
}
