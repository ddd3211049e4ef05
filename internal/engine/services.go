package engine

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/mule-ai/horde/internal/config"
	"github.com/mule-ai/horde/internal/docstore"
	"github.com/mule-ai/horde/internal/lease"
	"github.com/mule-ai/horde/internal/tasksource"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/events"
	"github.com/mule-ai/horde/pkg/graph"
	"github.com/mule-ai/horde/pkg/ids"
	"github.com/mule-ai/horde/pkg/job"
	"github.com/mule-ai/horde/pkg/storage"
	"github.com/mule-ai/horde/pkg/storage/gc"
)

// Services is the set of components a server runs, built from configuration.
type Services struct {
	Store     docstore.Store
	Graphs    *graph.Collection
	Jobs      *job.Collection
	Storage   *storage.Service
	Fleet     *config.FleetWatcher
	Tasks     *tasksource.TaskSource
	Leases    *lease.Manager
	Collector *gc.Collector
	Engine    *Engine
}

// NewServices opens the document store and wires every component on top of it.
func NewServices(ctx context.Context, cfg *config.Config, logger logr.Logger) (*Services, error) {
	store, refs, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	gen := ids.NewUUIDGenerator()
	sink := events.NewLogSink(logger.WithName("events"))

	s := &Services{Store: store}
	s.Graphs = graph.NewCollection(store, logger)

	jobOpts := []job.Option{job.WithEvents(sink)}
	if refs != nil {
		jobOpts = append(jobOpts, job.WithStepRefStore(refs))
	}
	s.Jobs = job.NewCollection(store, clk, gen, logger, jobOpts...)

	s.Storage = storage.NewService(store, clk, gen, logger)
	for _, ns := range cfg.Storage.Namespaces {
		if _, err := s.Storage.AddNamespace(ns); err != nil {
			return nil, multierr.Append(err, store.Close())
		}
	}

	s.Fleet, err = config.NewFleetWatcher(cfg.Fleet.SnapshotPath, logger)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	s.Tasks = tasksource.New(s.Jobs, s.Graphs, s.Fleet, clk, logger, tasksource.WithEvents(sink))
	s.Leases = lease.NewManager(store, s.Jobs, s.Graphs, s.Tasks.Queue(), clk, gen, logger, lease.WithEvents(sink))
	if len(cfg.Storage.Namespaces) > 0 {
		s.Collector = gc.NewCollector(s.Storage, clk, logger, gc.WithEvents(sink))
	}

	s.Engine = NewEngine(s.Tasks, s.Collector, clk, Config{
		TickSchedule: cfg.Scheduler.TickSchedule,
		GCSchedule:   cfg.Scheduler.GCSchedule,
	}, logger)
	return s, nil
}

// Close stops the engine and fleet watcher and closes the store.
func (s *Services) Close() error {
	s.Engine.Stop()
	return multierr.Combine(s.Fleet.Close(), s.Store.Close())
}

// openStore returns the configured document store. With postgres, step refs
// get their own table; the memory driver keeps them as documents.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (docstore.Store, job.StepRefStore, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return docstore.NewMemoryStore(), nil, nil
	case config.DriverPostgres:
		pgConfig, err := docstore.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := docstore.NewPostgresStore(pgConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			return nil, nil, multierr.Append(err, store.Close())
		}
		refs := job.NewPGStepRefStore(store.DB())
		if err := refs.InitSchema(ctx); err != nil {
			return nil, nil, multierr.Append(err, store.Close())
		}
		return store, refs, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
