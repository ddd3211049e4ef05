// Package engine runs the scheduler's periodic work: task source ticks that
// rebuild the dispatch queue, and garbage collection sweeps over storage.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/mule-ai/horde/internal/scheduler"
	"github.com/mule-ai/horde/internal/tasksource"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/storage/gc"
)

// Task keys registered with the scheduler.
const (
	TaskTick = "tick"
	TaskGC   = "gc"
)

// Config holds engine configuration
type Config struct {
	TickSchedule string
	GCSchedule   string
}

// Engine drives the task source and garbage collector on their schedules.
type Engine struct {
	tasks     *tasksource.TaskSource
	collector *gc.Collector
	clock     clock.Clock
	config    Config
	logger    logr.Logger

	// ticking is held for the length of one Tick. The first tick runs
	// outside the scheduler's skip-if-running chain, so overlap is checked
	// here.
	ticking atomic.Bool

	scheduler *scheduler.Scheduler
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// NewEngine creates an engine. collector may be nil when no storage
// namespaces are configured.
func NewEngine(tasks *tasksource.TaskSource, collector *gc.Collector, clk clock.Clock, config Config, logger logr.Logger) *Engine {
	return &Engine{
		tasks:     tasks,
		collector: collector,
		clock:     clk,
		config:    config,
		logger:    logger.WithName("engine"),
	}
}

// Start registers the periodic tasks and runs a first tick straight away.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s := scheduler.NewScheduler(e.logger)
	if err := s.AddTask(TaskTick, e.config.TickSchedule, func() { _ = e.Tick(ctx) }); err != nil {
		cancel()
		return err
	}
	if e.collector != nil {
		if err := s.AddTask(TaskGC, e.config.GCSchedule, func() { _ = e.CollectGarbage(ctx) }); err != nil {
			cancel()
			return err
		}
	}

	e.scheduler = s
	e.cancel = cancel
	e.running = true
	e.logger.Info("Starting engine", "tickSchedule", e.config.TickSchedule, "gcSchedule", e.config.GCSchedule)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = s.RunNow(TaskTick)
	}()
	s.Start()
	return nil
}

// Stop cancels in-flight work and waits for it to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	e.logger.Info("Stopping engine")
	e.running = false
	e.cancel()
	e.scheduler.Stop()
	e.wg.Wait()
	e.logger.Info("Engine stopped")
}

// Tick runs one task source pass. Errors are logged and returned; the next
// scheduled tick tries again. A tick that starts while another is still
// running is skipped.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.ticking.CompareAndSwap(false, true) {
		e.logger.V(1).Info("Skipping tick, previous tick still running")
		return nil
	}
	defer e.ticking.Store(false)

	start := e.clock.UtcNow()
	if err := e.tasks.Tick(ctx); err != nil {
		if ctx.Err() == nil {
			e.logger.Error(err, "Tick failed")
		}
		return err
	}
	e.logger.V(1).Info("Tick", "queued", e.tasks.Queue().Len(), "elapsed", e.clock.UtcNow().Sub(start))
	return nil
}

// CollectGarbage sweeps every storage namespace once.
func (e *Engine) CollectGarbage(ctx context.Context) error {
	if e.collector == nil {
		return nil
	}
	reports, err := e.collector.CollectAll(ctx)
	for _, r := range reports {
		e.logger.Info("Garbage collected", "namespace", r.Namespace, "live", r.Live, "deleted", r.Deleted,
			"expiredRefs", r.ExpiredRefs, "duration", r.Duration)
	}
	if err != nil && ctx.Err() == nil {
		e.logger.Error(err, "Garbage collection failed")
	}
	return err
}
