package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/repository"
)

// JobHandler executes one claimed job. Returning a *PermanentError sends
// the job to the DLQ; a *DeferError reschedules without consuming an
// attempt; any other error is recoverable.
type JobHandler func(ctx context.Context, job *models.Job) error

// Dispatcher routes claimed jobs to their registered handlers and applies
// the outcome to the job row.
type Dispatcher struct {
	jobs     *repository.JobRepository
	handlers map[string]JobHandler
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(jobs *repository.JobRepository, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:     jobs,
		handlers: make(map[string]JobHandler),
		logger:   logger,
	}
}

// Register binds a job type to its handler.
func (d *Dispatcher) Register(jobType string, handler JobHandler) {
	d.handlers[jobType] = handler
}

// Execute runs the handler for a claimed job and persists the resulting
// transition.
func (d *Dispatcher) Execute(ctx context.Context, job *models.Job) {
	log := d.logger.With(zap.Int64("job_id", job.ID), zap.String("type", job.Type),
		zap.Int("attempt", job.Attempt))

	handler, ok := d.handlers[job.Type]
	if !ok {
		log.Error("no handler registered for job type")
		d.finish(ctx, job, &PermanentError{Reason: fmt.Sprintf("unknown job type %q", job.Type)}, log)
		return
	}

	start := time.Now()
	err := handler(ctx, job)
	log = log.With(zap.Duration("elapsed", time.Since(start)))
	d.finish(ctx, job, err, log)
}

func (d *Dispatcher) finish(ctx context.Context, job *models.Job, err error, log *zap.Logger) {
	switch {
	case err == nil:
		if markErr := d.jobs.MarkCompleted(ctx, job.ID); markErr != nil {
			log.Error("failed to mark job completed", zap.Error(markErr))
			return
		}
		log.Info("job completed")

	case errors.Is(err, context.Canceled):
		// Shutdown mid-flight: leave the row running; the lease sweep
		// returns it to pending.
		log.Info("job aborted by shutdown")

	case isPermanent(err):
		if markErr := d.jobs.MarkDLQ(ctx, job.ID, err.Error()); markErr != nil {
			log.Error("failed to move job to dlq", zap.Error(markErr))
			return
		}
		log.Warn("job moved to dlq", zap.Error(err))

	case isDefer(err):
		var deferErr *DeferError
		errors.As(err, &deferErr)
		if markErr := d.jobs.Defer(ctx, job.ID, deferErr.Reason, deferErr.RunAfter); markErr != nil {
			log.Error("failed to defer job", zap.Error(markErr))
			return
		}
		log.Info("job deferred", zap.Time("run_after", deferErr.RunAfter))

	default:
		attempt := job.Attempt + 1
		if attempt >= job.MaxAttempts {
			if markErr := d.jobs.MarkDLQ(ctx, job.ID, err.Error()); markErr != nil {
				log.Error("failed to move job to dlq", zap.Error(markErr))
				return
			}
			log.Warn("job exhausted attempts, moved to dlq", zap.Error(err))
			return
		}
		runAfter := time.Now().UTC().Add(JobRetryBackoff(attempt))
		if markErr := d.jobs.MarkFailedRetry(ctx, job.ID, err.Error(), runAfter); markErr != nil {
			log.Error("failed to schedule job retry", zap.Error(markErr))
			return
		}
		log.Warn("job failed, retry scheduled", zap.Time("run_after", runAfter), zap.Error(err))
	}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func isDefer(err error) bool {
	var de *DeferError
	return errors.As(err, &de)
}

// RegisterDefaults wires the standard handlers.
func RegisterDefaults(d *Dispatcher, hydrate *HydrateService, importer *ImportService, probe *ProbeService) {
	d.Register(models.JobTypeHydrateMetadata, func(ctx context.Context, job *models.Job) error {
		var payload models.HydratePayload
		if err := models.DecodePayload(job.PayloadJSON, &payload); err != nil {
			return &PermanentError{Reason: "bad hydrate payload", Err: err}
		}
		if payload.IllustID <= 0 {
			return &PermanentError{Reason: "hydrate payload missing illust_id"}
		}
		return hydrate.HydrateIllust(ctx, payload.IllustID)
	})

	d.Register(models.JobTypeHydrationRun, func(ctx context.Context, job *models.Job) error {
		var payload models.HydratePayload
		if err := models.DecodePayload(job.PayloadJSON, &payload); err != nil {
			return &PermanentError{Reason: "bad hydration run payload", Err: err}
		}
		if payload.HydrationRunID <= 0 {
			return &PermanentError{Reason: "hydration run payload missing run id"}
		}
		criteria := models.HydrationCriteria{}
		if payload.Criteria != nil {
			criteria = *payload.Criteria
		}
		requeue, err := hydrate.RunBatch(ctx, payload.HydrationRunID, criteria)
		if err != nil {
			return err
		}
		if requeue {
			// Release the claim between batches so one run never pins a
			// worker slot for its whole lifetime.
			return &DeferError{Reason: "batch complete, more candidates remain",
				RunAfter: time.Now().UTC().Add(time.Second)}
		}
		return nil
	})

	d.Register(models.JobTypeImportURLs, func(ctx context.Context, job *models.Job) error {
		var payload models.ImportPayload
		if err := models.DecodePayload(job.PayloadJSON, &payload); err != nil {
			return &PermanentError{Reason: "bad import payload", Err: err}
		}
		if payload.Body == "" {
			return &PermanentError{Reason: "import payload missing body"}
		}
		_, err := importer.Process(ctx, payload.Body, "worker", "job")
		return err
	})

	d.Register(models.JobTypeProbeProxies, func(ctx context.Context, job *models.Job) error {
		var payload models.ProbePayload
		if err := models.DecodePayload(job.PayloadJSON, &payload); err != nil {
			return &PermanentError{Reason: "bad probe payload", Err: err}
		}
		_, err := probe.Probe(ctx, payload.PoolID, payload.EndpointIDs, payload.Parallelism)
		return err
	})
}
