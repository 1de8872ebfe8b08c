package checkback

import (
	"context"
	"errors"
	"time"

	"github.com/loopcast/loopcast/config"
	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/platform"
	"github.com/loopcast/loopcast/engine/retry"
	"github.com/loopcast/loopcast/engine/rollup"
	"github.com/loopcast/loopcast/engine/telemetry"
)

// retryNoDataAfter is the requeue delay when the platform reports the post
// as still processing.
const retryNoDataAfter = 15 * time.Minute

type (
	// Sink receives successfully fetched observations. The rollup service
	// implements it.
	Sink interface {
		Record(ctx context.Context, in rollup.RecordInput) error
	}

	// WorkerOptions configures a Worker.
	WorkerOptions struct {
		Store    Store
		Registry *platform.Registry
		Sink     Sink
		Clock    clock.Clock
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// Config tunes polling; zero values take config defaults.
		Config config.Checkback
		// LeaseTTL is how long a running job stays invisible. Defaults to
		// five minutes.
		LeaseTTL time.Duration
		// FetchBackoff bounds the in-process retry around one metric pull.
		FetchBackoff retry.Config
		// BatchSize is how many due jobs one sweep leases.
		BatchSize int
	}

	// Worker drains due checkback jobs.
	Worker struct {
		store    Store
		registry *platform.Registry
		sink     Sink
		clock    clock.Clock
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		cfg      config.Checkback
		leaseTTL time.Duration
		backoff  retry.Config
		batch    int
	}
)

// NewWorker validates opts and constructs a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("checkback: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("checkback: platform registry is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("checkback: sink is required")
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
	def := config.Default().Checkback
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = def.PollInterval
	}
	if opts.Config.GraceWindow <= 0 {
		opts.Config.GraceWindow = def.GraceWindow
	}
	if opts.Config.MaxAttempts <= 0 {
		opts.Config.MaxAttempts = def.MaxAttempts
	}
	if opts.Config.FetchTimeout <= 0 {
		opts.Config.FetchTimeout = def.FetchTimeout
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.FetchBackoff.MaxAttempts <= 0 {
		opts.FetchBackoff = retry.Config{
			MaxAttempts: opts.Config.MaxAttempts,
			Base:        5 * time.Second,
			Cap:         time.Minute,
		}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	return &Worker{
		store:    opts.Store,
		registry: opts.Registry,
		sink:     opts.Sink,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		cfg:      opts.Config,
		leaseTTL: opts.LeaseTTL,
		backoff:  opts.FetchBackoff,
		batch:    opts.BatchSize,
	}, nil
}

// Run blocks polling for due jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.PollOnce(ctx); err != nil {
				w.logger.Error(ctx, "checkback sweep failed", "err", err)
			}
		}
	}
}

// PollOnce sweeps expired leases and processes one batch of due jobs. It
// reports how many jobs were leased.
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	now := w.clock.Now()
	if reaped, err := w.store.ReapExpired(ctx, now); err != nil {
		return 0, err
	} else if reaped > 0 {
		w.logger.Warn(ctx, "expired checkback leases returned", "count", reaped)
	}
	jobs, err := w.store.LeaseDue(ctx, w.batch, now, w.leaseTTL)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	now := w.clock.Now()
	if late := now.Sub(job.DueAt); late > w.cfg.GraceWindow {
		// Still recorded; the capture timestamp tells the truth about when
		// the observation happened.
		w.logger.Warn(ctx, "checkback firing past grace window",
			"job_id", job.ID, "variant_id", job.VariantID, "offset_hours", job.OffsetHours, "late", late)
		w.metrics.IncCounter("checkback_late_fires", 1, "platform", job.Platform)
	}

	if job.PlatformPostID == "" {
		w.finish(ctx, job, StatusSkipped, "variant has no platform post")
		return
	}

	adapter, err := w.registry.Resolve(job.Platform)
	if err != nil {
		// Disabled platform: put the job back and try next sweep.
		w.requeue(ctx, job, now.Add(w.cfg.PollInterval), err.Error())
		return
	}

	var observed *platform.Metrics
	fetchErr := retry.Do(ctx, w.backoff, platform.IsTransient, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
		m, err := adapter.FetchMetrics(fetchCtx, job.PlatformPostID)
		if err != nil {
			return err
		}
		observed = m
		return nil
	})
	if fetchErr != nil {
		w.metrics.IncCounter("checkback_fetch_failed", 1, "platform", job.Platform)
		w.finish(ctx, job, StatusFailed, fetchErr.Error())
		return
	}
	if observed == nil {
		// Platform still processing the post.
		attempt := job.AttemptCount + 1
		if attempt >= w.cfg.MaxAttempts {
			w.finish(ctx, job, StatusSkipped, "metrics never became available")
			return
		}
		_, err := w.store.Transition(ctx, job.ID, StatusRunning, func(j *Job) {
			j.Status = StatusPending
			j.AttemptCount = attempt
			j.DueAt = now.Add(retryNoDataAfter)
			j.LeaseExpiresAt = nil
		})
		if err != nil {
			w.logger.Error(ctx, "checkback requeue failed", "job_id", job.ID, "err", err)
		}
		return
	}

	if err := w.sink.Record(ctx, rollup.RecordInput{
		VariantID:   job.VariantID,
		ContentID:   job.ContentID,
		WorkspaceID: job.WorkspaceID,
		Platform:    job.Platform,
		OffsetHours: job.OffsetHours,
		CapturedAt:  now,
		Metrics:     *observed,
	}); err != nil {
		// Recording must not be lost; release the job for another sweep.
		w.requeue(ctx, job, now.Add(w.cfg.PollInterval), err.Error())
		return
	}
	w.metrics.IncCounter("checkback_recorded", 1, "platform", job.Platform)
	w.finish(ctx, job, StatusDone, "")
}

func (w *Worker) finish(ctx context.Context, job Job, status Status, reason string) {
	_, err := w.store.Transition(ctx, job.ID, StatusRunning, func(j *Job) {
		j.Status = status
		j.AttemptCount++
		j.LastError = reason
		j.LeaseExpiresAt = nil
	})
	if err != nil {
		w.logger.Error(ctx, "checkback finish failed",
			"job_id", job.ID, "status", status, "err", err)
	}
}

func (w *Worker) requeue(ctx context.Context, job Job, dueAt time.Time, reason string) {
	_, err := w.store.Transition(ctx, job.ID, StatusRunning, func(j *Job) {
		j.Status = StatusPending
		j.DueAt = dueAt
		j.LastError = reason
		j.LeaseExpiresAt = nil
	})
	if err != nil {
		w.logger.Error(ctx, "checkback requeue failed", "job_id", job.ID, "err", err)
	}
}
