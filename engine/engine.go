// Package engine assembles the content lifecycle services into one running
// unit. Callers provide the stores and platform adapters; the engine wires
// the bus subscriptions between them and owns the background loops (queue
// dispatch, lease reaping, checkback polling, periodic lens refresh).
package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loopcast/loopcast/config"
	"github.com/loopcast/loopcast/engine/checkback"
	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/content"
	"github.com/loopcast/loopcast/engine/dispatch"
	"github.com/loopcast/loopcast/engine/hooks"
	"github.com/loopcast/loopcast/engine/people"
	"github.com/loopcast/loopcast/engine/platform"
	"github.com/loopcast/loopcast/engine/queue"
	"github.com/loopcast/loopcast/engine/retry"
	"github.com/loopcast/loopcast/engine/rollup"
	"github.com/loopcast/loopcast/engine/schedule"
	"github.com/loopcast/loopcast/engine/telemetry"
)

// lensRefreshInterval is how often the people lens is recomputed for every
// recently active person.
const lensRefreshInterval = time.Hour

type (
	// Stores bundles the persistence contracts the engine runs on. Use the
	// postgres implementations in features/store/postgres for production
	// and the per-package inmem implementations for tests and tooling.
	Stores struct {
		Content   content.Store
		Queue     queue.Store
		Checkback checkback.Store
		Rollup    rollup.Store
		People    people.Store
	}

	// Options configures an Engine.
	Options struct {
		Config config.Config
		Stores Stores
		// Registry holds the platform adapters. A nil registry starts
		// empty; adapters can be registered later.
		Registry *platform.Registry
		// Locker serializes scheduler invocations across processes.
		// Defaults to the in-process NoopLocker.
		Locker  schedule.Locker
		Bus     hooks.Bus
		Clock   clock.Clock
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Tone overrides the lens tone analyzer. Defaults to the built-in
		// heuristic.
		Tone people.ToneAnalyzer
	}

	// Engine owns the assembled services and their background loops.
	Engine struct {
		registry *platform.Registry
		bus      hooks.Bus
		clock    clock.Clock
		logger   telemetry.Logger

		queue      *queue.Service
		scheduler  *schedule.Service
		dispatcher *dispatch.Dispatcher
		rollups    *rollup.Service
		checkbacks *checkback.Worker
		persons    *people.Service

		subscription hooks.Subscription
	}
)

// New wires the services together. The checkback scheduler is registered on
// the bus before New returns, so the first publish already fans out jobs.
func New(opts Options) (*Engine, error) {
	st := opts.Stores
	if st.Content == nil || st.Queue == nil || st.Checkback == nil || st.Rollup == nil || st.People == nil {
		return nil, errors.New("engine: all stores are required")
	}
	if opts.Registry == nil {
		opts.Registry = platform.NewRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = hooks.NewBus()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	cfg := opts.Config

	queueSvc, err := queue.NewService(queue.Options{
		Store:       st.Queue,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	scheduler, err := schedule.NewService(schedule.Options{
		Content:    st.Content,
		Queue:      queueSvc,
		QueueStore: st.Queue,
		Locker:     opts.Locker,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Defaults:   cfg.Scheduler,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Queue:    st.Queue,
		Content:  st.Content,
		Registry: opts.Registry,
		Bus:      opts.Bus,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Config:   cfg.Dispatcher,
		LeaseTTL: cfg.Queue.LeaseTTL,
		Backoff: retry.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Base:        cfg.Queue.BackoffBase,
			Cap:         cfg.Queue.BackoffCap,
		},
	})
	if err != nil {
		return nil, err
	}

	rollups, err := rollup.NewService(rollup.Options{
		Store:        st.Rollup,
		Content:      st.Content,
		Registry:     opts.Registry,
		Bus:          opts.Bus,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		FetchTimeout: cfg.Checkback.FetchTimeout,
	})
	if err != nil {
		return nil, err
	}

	cbScheduler, err := checkback.NewScheduler(checkback.SchedulerOptions{
		Store:        st.Checkback,
		OffsetsHours: cfg.Checkback.OffsetsHours,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	sub, err := opts.Bus.Register(cbScheduler)
	if err != nil {
		return nil, err
	}

	cbWorker, err := checkback.NewWorker(checkback.WorkerOptions{
		Store:    st.Checkback,
		Registry: opts.Registry,
		Sink:     rollups,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Config:   cfg.Checkback,
	})
	if err != nil {
		return nil, err
	}

	persons, err := people.NewService(people.Options{
		Store:           st.People,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		Tone:            opts.Tone,
		WindowDays:      cfg.People.WindowDays,
		InsightCacheTTL: cfg.People.InsightCacheTTL,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		registry:     opts.Registry,
		bus:          opts.Bus,
		clock:        opts.Clock,
		logger:       opts.Logger,
		queue:        queueSvc,
		scheduler:    scheduler,
		dispatcher:   dispatcher,
		rollups:      rollups,
		checkbacks:   cbWorker,
		persons:      persons,
		subscription: sub,
	}, nil
}

// Run starts the background loops and blocks until ctx is cancelled or one
// loop fails. Cancellation is a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info(ctx, "engine starting")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatcher.Run(ctx) })
	g.Go(func() error { return e.checkbacks.Run(ctx) })
	g.Go(func() error { return e.runLensRefresh(ctx) })
	err := g.Wait()
	e.subscription.Close() //nolint:errcheck
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	e.logger.Info(ctx, "engine stopped")
	return err
}

// runLensRefresh periodically recomputes the lens for everyone active in the
// event window, so warmth decays even when no new events arrive.
func (e *Engine) runLensRefresh(ctx context.Context) error {
	ticker := time.NewTicker(lensRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			updated, err := e.persons.RecomputeAllActive(ctx)
			if err != nil {
				e.logger.Warn(ctx, "lens refresh incomplete", "updated", updated, "err", err)
				continue
			}
			e.logger.Debug(ctx, "lens refresh complete", "updated", updated)
		}
	}
}

// Queue exposes the publishing queue operations.
func (e *Engine) Queue() *queue.Service { return e.queue }

// Scheduler exposes the inventory planner and auto-scheduler.
func (e *Engine) Scheduler() *schedule.Service { return e.scheduler }

// Rollups exposes snapshot recording, aggregates and manual polling.
func (e *Engine) Rollups() *rollup.Service { return e.rollups }

// People exposes the person graph and lens operations.
func (e *Engine) People() *people.Service { return e.persons }

// Registry exposes the platform adapter registry.
func (e *Engine) Registry() *platform.Registry { return e.registry }

// Bus exposes the lifecycle event bus.
func (e *Engine) Bus() hooks.Bus { return e.bus }
