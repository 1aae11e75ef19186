package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"campaign-engine/internal/audience"
	"campaign-engine/internal/channel"
	"campaign-engine/internal/distribution"
	"campaign-engine/internal/models"
	"campaign-engine/internal/progress"
	"campaign-engine/internal/store"
	"campaign-engine/internal/telemetry"
	"campaign-engine/internal/throttle"
)

// CampaignStore is the storage surface the send loop writes through.
type CampaignStore interface {
	GetCampaign(ctx context.Context, tenantID, id string) (models.Campaign, error)
	SetRunning(ctx context.Context, id string, total int) error
	ApplyOutcome(ctx context.Context, id string, success bool) (models.Stats, error)
	FinishCampaign(ctx context.Context, id, status string, reason *string) error
}

// AudienceResolver resolves an audience spec into an ordered recipient list.
type AudienceResolver interface {
	Resolve(ctx context.Context, tenantID string, spec models.Audience) ([]models.Recipient, error)
}

// AccountPolicy assigns a sending account per recipient.
type AccountPolicy interface {
	Assign(ctx context.Context, index int, campaign *models.Campaign) (string, error)
}

// ControlFlags exposes the cooperative pause flag and lease keepalive.
type ControlFlags interface {
	IsPaused(ctx context.Context, campaignID string) (bool, error)
	ExtendLease(ctx context.Context, jobKey string, extension time.Duration) error
}

// CampaignRunner turns one dequeued campaign job into a throttled stream of
// sends. Within a job the loop is strictly sequential; the configured pacing
// is the point.
type CampaignRunner struct {
	store     CampaignStore
	resolver  AudienceResolver
	policy    AccountPolicy
	sender    channel.Sender
	spinner   channel.Spinner
	throttle  *throttle.Throttle
	flags     ControlFlags
	publisher progress.Publisher
	leaseTTL  time.Duration
	log       *logrus.Entry

	// sleep is swapped out by tests to avoid real pacing waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCampaignRunner(
	st CampaignStore,
	resolver AudienceResolver,
	policy AccountPolicy,
	sender channel.Sender,
	spinner channel.Spinner,
	th *throttle.Throttle,
	flags ControlFlags,
	publisher progress.Publisher,
	leaseTTL time.Duration,
) *CampaignRunner {
	return &CampaignRunner{
		store:     st,
		resolver:  resolver,
		policy:    policy,
		sender:    sender,
		spinner:   spinner,
		throttle:  th,
		flags:     flags,
		publisher: publisher,
		leaseTTL:  leaseTTL,
		log:       logrus.WithField("component", "campaign_runner"),
		sleep:     sleepCtx,
	}
}

// Handle executes one campaign job. A nil return acknowledges the job; an
// error hands it back to the queue for a retried attempt.
func (r *CampaignRunner) Handle(ctx context.Context, job models.Job) error {
	log := r.log.WithFields(logrus.Fields{"tenant": job.TenantID, "campaign": job.CampaignID})

	c, err := r.store.GetCampaign(ctx, job.TenantID, job.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between enqueue and pickup; nothing to do.
			log.Warn("campaign vanished before pickup")
			return nil
		}
		return fmt.Errorf("load campaign: %w", err)
	}
	if c.Terminal() {
		// Guards duplicate delivery from the at-least-once queue.
		log.WithField("status", c.Status).Debug("campaign already terminal, skipping")
		return nil
	}

	// Resolve audience once per job invocation. Resume re-resolves and
	// reconciles by position count, not recipient identity.
	recipients, err := r.resolver.Resolve(ctx, c.TenantID, c.Audience)
	if err != nil {
		if isResolutionFailure(err) {
			reason := err.Error()
			if finishErr := r.store.FinishCampaign(ctx, c.ID, models.StatusFailed, &reason); finishErr != nil {
				return finishErr
			}
			telemetry.CampaignsFailed.Inc()
			r.publish(ctx, &c, models.StatusFailed, c.Stats)
			log.WithError(err).Error("audience resolution failed")
			return nil
		}
		return fmt.Errorf("resolve audience: %w", err)
	}

	total := len(recipients)
	if err := r.store.SetRunning(ctx, c.ID, total); err != nil {
		return err
	}
	c.Status = models.StatusRunning
	c.Stats.Total = total
	c.Stats.Pending = total - c.Cursor()

	if total == 0 {
		return r.finish(ctx, &c, models.StatusCompleted, log)
	}

	cursor := c.Cursor()
	if cursor > total {
		// The contact list shrank since the last pass; everything left is
		// already accounted for.
		cursor = total
	}

	for i := cursor; i < total; i++ {
		// Cooperative cancellation point: the flag is read fresh before
		// every send, never cached, and an in-flight send is never
		// interrupted.
		paused, err := r.flags.IsPaused(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("read pause flag: %w", err)
		}
		if paused {
			telemetry.CampaignsPaused.Inc()
			return r.finish(ctx, &c, models.StatusPaused, log)
		}

		if r.leaseTTL > 0 {
			_ = r.flags.ExtendLease(ctx, job.Key(), r.leaseTTL)
		}

		stats, err := r.sendOne(ctx, &c, i, recipients[i])
		if err != nil {
			return err
		}
		c.Stats = stats
		r.publish(ctx, &c, models.StatusRunning, stats)

		if i+1 < total {
			delay := r.throttle.NextDelay(c.AntiBan)
			if throttle.BatchBoundary(c.AntiBan, i) {
				delay = r.throttle.BatchPause(c.AntiBan)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	// Partial failure is not campaign failure; exhausting the list completes.
	return r.finish(ctx, &c, models.StatusCompleted, log)
}

// MarkFailed is the retry-exhaustion hook: the job burned every attempt on
// infrastructure errors, so the campaign is parked as failed with a reason.
func (r *CampaignRunner) MarkFailed(ctx context.Context, job models.Job, cause error) {
	reason := fmt.Sprintf("job exhausted retries: %v", cause)
	if err := r.store.FinishCampaign(ctx, job.CampaignID, models.StatusFailed, &reason); err != nil {
		r.log.WithError(err).WithField("campaign", job.CampaignID).Error("failed to mark campaign failed")
		return
	}
	telemetry.CampaignsFailed.Inc()
}

// sendOne performs the per-recipient pipeline: assign, render, spin, send,
// record. Per-recipient errors are absorbed into the failed counter and
// never abort the job.
func (r *CampaignRunner) sendOne(ctx context.Context, c *models.Campaign, index int, recipient models.Recipient) (models.Stats, error) {
	accountID, err := r.policy.Assign(ctx, index, c)
	if err != nil {
		if errors.Is(err, distribution.ErrNoAvailableAccount) {
			telemetry.SendFailures.Inc()
			return r.store.ApplyOutcome(ctx, c.ID, false)
		}
		return models.Stats{}, fmt.Errorf("assign account: %w", err)
	}

	text := channel.Render(c.TemplateBody, recipient)
	if c.AntiBan.AISpinning && r.spinner != nil {
		if spun, spinErr := r.spinner.Spin(ctx, text); spinErr == nil {
			text = spun
		} else {
			// Best-effort: fall back to the untransformed text.
			r.log.WithError(spinErr).WithField("campaign", c.ID).Debug("spin failed, using original text")
		}
	}

	content := channel.Content{Text: text}
	if c.MediaKey != nil {
		content.MediaKey = *c.MediaKey
	}

	sendErr := r.sender.Send(ctx, c.TenantID, accountID, recipient.Address, content)
	if sendErr != nil {
		telemetry.SendFailures.Inc()
		r.log.WithError(sendErr).WithFields(logrus.Fields{
			"campaign": c.ID,
			"account":  accountID,
		}).Debug("send failed")
	} else {
		telemetry.SendsTotal.Inc()
	}
	return r.store.ApplyOutcome(ctx, c.ID, sendErr == nil)
}

func (r *CampaignRunner) finish(ctx context.Context, c *models.Campaign, status string, log *logrus.Entry) error {
	if err := r.store.FinishCampaign(ctx, c.ID, status, nil); err != nil {
		return err
	}
	if status == models.StatusCompleted {
		telemetry.CampaignsCompleted.Inc()
	}
	r.publish(ctx, c, status, c.Stats)
	log.WithFields(logrus.Fields{
		"status": status,
		"sent":   c.Stats.Sent,
		"failed": c.Stats.Failed,
	}).Info("campaign pass finished")
	return nil
}

func (r *CampaignRunner) publish(ctx context.Context, c *models.Campaign, status string, stats models.Stats) {
	if r.publisher == nil {
		return
	}
	event := models.ProgressEvent{
		TenantID:   c.TenantID,
		CampaignID: c.ID,
		Status:     status,
		Stats:      stats,
		Timestamp:  time.Now().UTC(),
	}
	// Fire-and-forget: observers are best-effort.
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.log.WithError(err).Debug("progress publish failed")
	}
}

func isResolutionFailure(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, audience.ErrUnknownAudience)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
