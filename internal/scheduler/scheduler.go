// Package scheduler runs named periodic tasks on cron schedules. Standard
// five-field specs and descriptors such as "@every 5s" are accepted.
package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

type Task struct {
	ID       cron.EntryID
	Schedule string
	Action   func()
}

type Scheduler struct {
	cron   *cron.Cron
	tasks  map[string]*Task
	mu     sync.RWMutex
	logger logr.Logger
}

// NewScheduler creates a scheduler. A run that is still going when its next
// activation arrives causes that activation to be skipped.
func NewScheduler(logger logr.Logger) *Scheduler {
	logger = logger.WithName("scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for running tasks to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) AddTask(key string, schedule string, action func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove existing task if it exists
	if existingTask, exists := s.tasks[key]; exists {
		s.cron.Remove(existingTask.ID)
		delete(s.tasks, key)
	}

	id, err := s.cron.AddFunc(schedule, func() {
		s.logger.V(1).Info("Running scheduled task", "task", key)
		action()
	})

	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", schedule, key, err)
	}

	s.tasks[key] = &Task{
		ID:       id,
		Schedule: schedule,
		Action:   action,
	}

	return nil
}

func (s *Scheduler) RemoveTask(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, exists := s.tasks[key]; exists {
		s.cron.Remove(task.ID)
		delete(s.tasks, key)
	}
}

func (s *Scheduler) UpdateTask(key string, schedule string, action func()) error {
	return s.AddTask(key, schedule, action)
}

// RunNow runs a task's action once on the calling goroutine.
func (s *Scheduler) RunNow(key string) error {
	s.mu.RLock()
	task, exists := s.tasks[key]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("unknown task %s", key)
	}
	task.Action()
	return nil
}

// Tasks returns the registered task keys in sorted order.
func (s *Scheduler) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.tasks))
	for key := range s.tasks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
