package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"campaign-engine/internal/config"
	"campaign-engine/internal/models"
	"campaign-engine/internal/queue"
	"campaign-engine/internal/telemetry"
)

// Handler executes one campaign job to completion, pause, or failure.
type Handler func(ctx context.Context, job models.Job) error

// Runner drives the worker process: it promotes scheduled jobs, reclaims
// expired leases, and fans dequeued jobs out to a bounded set of executors.
// Each campaign runs on one goroutine; concurrency only exists across
// campaigns so the per-campaign pacing stays intact.
type Runner struct {
	cfg     config.Config
	queue   *queue.RedisQueue
	handler Handler
	log     *logrus.Entry

	// OnExhausted is invoked after the final failed attempt, before the job
	// is dead-lettered. The campaign handler uses it to mark the campaign
	// failed with a reason.
	OnExhausted func(ctx context.Context, job models.Job, cause error)
}

func NewRunner(cfg config.Config, q *queue.RedisQueue, handler Handler) *Runner {
	return &Runner{
		cfg:     cfg,
		queue:   q,
		handler: handler,
		log:     logrus.WithField("component", "worker"),
	}
}

// Run blocks until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	concurrency := r.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.janitor(ctx)
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.executeLoop(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// janitor promotes due scheduled jobs and reclaims expired leases.
func (r *Runner) janitor(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if promoted, err := r.queue.PromoteScheduled(ctx, time.Now(), int64(r.cfg.ScheduledBatchSize)); err == nil && promoted > 0 {
			r.log.WithField("count", promoted).Debug("promoted scheduled jobs")
		}
		if reclaimed, err := r.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			r.log.WithField("count", len(reclaimed)).Warn("requeued expired leases")
		}
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (r *Runner) executeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := r.queue.Dequeue(ctx)
		if err != nil || !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.WorkerPollInterval):
			}
			continue
		}

		r.execute(ctx, job)
	}
}

func (r *Runner) execute(ctx context.Context, job models.Job) {
	log := r.log.WithFields(logrus.Fields{"tenant": job.TenantID, "campaign": job.CampaignID})

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err := r.handler(ctx, job)
	if err == nil {
		if ackErr := r.queue.Ack(ctx, job.Key()); ackErr != nil {
			log.WithError(ackErr).Warn("ack failed")
		}
		return
	}

	// Infrastructure failure mid-loop: back off and retry the job. The
	// campaign's resume-by-cursor logic makes a retry safe for recipients
	// already accounted for.
	attempts := job.Attempts + 1
	job.Attempts = attempts
	log = log.WithError(err).WithField("attempts", attempts)

	if attempts >= r.cfg.MaxAttempts {
		if r.OnExhausted != nil {
			r.OnExhausted(ctx, job, err)
		}
		_ = r.queue.Ack(ctx, job.Key())
		_ = r.queue.DLQPush(ctx, job.Key())
		log.Error("job exhausted retries, dead-lettered")
		return
	}

	nextRun := time.Now().Add(backoffWithJitter(r.cfg.BackoffInitial, r.cfg.BackoffMax, attempts))
	if retryErr := r.queue.Retry(ctx, job, nextRun); retryErr != nil {
		log.WithError(retryErr).Error("failed to schedule retry")
		return
	}
	log.WithField("next_run", nextRun.UTC().Format(time.RFC3339)).Warn("job failed, retry scheduled")
}
