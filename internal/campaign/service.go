package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"campaign-engine/internal/models"
	"campaign-engine/internal/store"
)

// Storage is the subset of the Postgres store the service needs.
type Storage interface {
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, tenantID, id string) (models.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID, status string, limit, offset int) ([]models.Campaign, int, error)
	TransitionStatus(ctx context.Context, tenantID, id, to string, from ...string) (bool, error)
	DeleteCampaign(ctx context.Context, tenantID, id string) (bool, error)
	SetMediaKey(ctx context.Context, tenantID, id, key string) error
}

// JobQueue is the durable queue capability the service enqueues onto.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.Job, runAt time.Time) (bool, error)
	Cancel(ctx context.Context, jobKey string) error
	SetPaused(ctx context.Context, campaignID string) error
	ClearPaused(ctx context.Context, campaignID string) error
}

// Service owns the campaign lifecycle. It is the only writer of campaign
// status outside the worker, and always writes storage before touching the
// queue so a crash between the two leaves a visible queued-without-job state
// a reconciler can repair.
type Service struct {
	storage  Storage
	queue    JobQueue
	validate *validator.Validate
	log      *logrus.Entry

	// minDelayFloor rejects campaigns configured to flood with zero delay.
	minDelayFloor time.Duration
}

func NewService(storage Storage, queue JobQueue, minDelayFloor time.Duration) *Service {
	return &Service{
		storage:       storage,
		queue:         queue,
		validate:      validator.New(),
		log:           logrus.WithField("component", "campaign_service"),
		minDelayFloor: minDelayFloor,
	}
}

// CreateRequest is the payload accepted from the API layer.
type CreateRequest struct {
	Name         string              `json:"name" validate:"required,max=200"`
	TemplateID   string              `json:"template_id"`
	TemplateBody string              `json:"template_body" validate:"required"`
	Audience     models.Audience     `json:"audience"`
	Distribution models.Distribution `json:"distribution"`
	AntiBan      models.AntiBan      `json:"anti_ban"`
	Schedule     models.Schedule     `json:"schedule"`
}

// Create validates and persists a campaign as draft, then starts it
// immediately when the schedule says so.
func (s *Service) Create(ctx context.Context, tenantID string, req CreateRequest) (models.Campaign, error) {
	if err := s.validate.Struct(req); err != nil {
		return models.Campaign{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.checkSpec(&req); err != nil {
		return models.Campaign{}, err
	}

	c := models.Campaign{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Name:         req.Name,
		TemplateID:   req.TemplateID,
		TemplateBody: req.TemplateBody,
		Audience:     req.Audience,
		Distribution: req.Distribution,
		AntiBan:      req.AntiBan,
		Schedule:     req.Schedule,
		Status:       models.StatusDraft,
	}
	if err := s.storage.CreateCampaign(ctx, &c); err != nil {
		return models.Campaign{}, err
	}
	s.log.WithFields(logrus.Fields{"tenant": tenantID, "campaign": c.ID}).Info("campaign created")

	if req.Schedule.Type == models.ScheduleImmediate ||
		(req.Schedule.Type == models.ScheduleAt && req.Schedule.At != nil) {
		if err := s.Start(ctx, tenantID, c.ID); err != nil {
			return c, err
		}
		c.Status = models.StatusQueued
	}
	return c, nil
}

// Start transitions draft|paused -> queued and enqueues the job. A start
// while the campaign is already queued or running is an idempotent no-op:
// the queue's dedup key guarantees at most one job per campaign either way.
func (s *Service) Start(ctx context.Context, tenantID, id string) error {
	c, err := s.getCampaign(ctx, tenantID, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case models.StatusQueued, models.StatusRunning:
		return nil
	case models.StatusDraft, models.StatusPaused:
	default:
		return conflictf("cannot start campaign in status %s", c.Status)
	}

	moved, err := s.storage.TransitionStatus(ctx, tenantID, id, models.StatusQueued,
		models.StatusDraft, models.StatusPaused)
	if err != nil {
		return err
	}
	if !moved {
		// Lost a race with a concurrent start; the winner enqueued.
		return nil
	}
	if err := s.queue.ClearPaused(ctx, id); err != nil {
		return err
	}
	return s.enqueue(ctx, c)
}

// Pause raises the cooperative flag the worker observes between sends. The
// worker itself transitions the campaign to paused; an in-flight send is
// never interrupted.
func (s *Service) Pause(ctx context.Context, tenantID, id string) error {
	c, err := s.getCampaign(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if c.Status != models.StatusRunning {
		return conflictf("cannot pause campaign in status %s", c.Status)
	}
	if err := s.queue.SetPaused(ctx, id); err != nil {
		return err
	}
	s.log.WithField("campaign", id).Info("pause requested")
	return nil
}

// Resume clears the pause flag and re-enqueues. The worker re-resolves the
// audience and continues from the first unaccounted recipient.
func (s *Service) Resume(ctx context.Context, tenantID, id string) error {
	c, err := s.getCampaign(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if c.Status != models.StatusPaused {
		return conflictf("cannot resume campaign in status %s", c.Status)
	}

	moved, err := s.storage.TransitionStatus(ctx, tenantID, id, models.StatusQueued, models.StatusPaused)
	if err != nil {
		return err
	}
	if !moved {
		return conflictf("campaign %s changed state during resume", id)
	}
	if err := s.queue.ClearPaused(ctx, id); err != nil {
		return err
	}
	return s.enqueue(ctx, c)
}

// Duplicate clones the definition into a new draft with zeroed stats.
func (s *Service) Duplicate(ctx context.Context, tenantID, id string) (models.Campaign, error) {
	src, err := s.getCampaign(ctx, tenantID, id)
	if err != nil {
		return models.Campaign{}, err
	}

	clone := src
	clone.ID = uuid.New().String()
	clone.Name = src.Name + " (copy)"
	clone.Status = models.StatusDraft
	clone.Stats = models.Stats{}
	clone.FailureReason = nil
	if err := s.storage.CreateCampaign(ctx, &clone); err != nil {
		return models.Campaign{}, err
	}
	return clone, nil
}

// Delete removes a campaign and its queue entries. Deleting a running
// campaign is a conflict; pause it first.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	c, err := s.getCampaign(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if c.Status == models.StatusRunning {
		return conflictf("cannot delete a running campaign")
	}

	deleted, err := s.storage.DeleteCampaign(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	if err := s.queue.Cancel(ctx, models.CampaignJobKey(id)); err != nil {
		s.log.WithError(err).WithField("campaign", id).Warn("failed to cancel queued job")
	}
	return s.queue.ClearPaused(ctx, id)
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, tenantID, id string) (models.Campaign, error) {
	return s.getCampaign(ctx, tenantID, id)
}

// List returns a page of the tenant's campaigns plus the total count.
func (s *Service) List(ctx context.Context, tenantID, status string, page, pageSize int) ([]models.Campaign, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return s.storage.ListCampaigns(ctx, tenantID, status, pageSize, (page-1)*pageSize)
}

// AttachMedia records an uploaded media object on the campaign.
func (s *Service) AttachMedia(ctx context.Context, tenantID, id, mediaKey string) error {
	if err := s.storage.SetMediaKey(ctx, tenantID, id, mediaKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, c models.Campaign) error {
	runAt := time.Now()
	if c.Schedule.Type == models.ScheduleAt && c.Schedule.At != nil && c.Schedule.At.After(runAt) {
		runAt = *c.Schedule.At
	}
	job := models.Job{
		TenantID:   c.TenantID,
		CampaignID: c.ID,
		EnqueuedAt: time.Now().UTC(),
	}
	admitted, err := s.queue.Enqueue(ctx, job, runAt)
	if err != nil {
		return fmt.Errorf("enqueue campaign %s: %w", c.ID, err)
	}
	if !admitted {
		s.log.WithField("campaign", c.ID).Debug("job already queued, enqueue deduped")
	}
	return nil
}

func (s *Service) getCampaign(ctx context.Context, tenantID, id string) (models.Campaign, error) {
	c, err := s.storage.GetCampaign(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c, ErrNotFound
		}
		return c, err
	}
	return c, nil
}

func (s *Service) checkSpec(req *CreateRequest) error {
	switch req.Audience.Type {
	case models.AudienceContacts, models.AudienceGroups, models.AudienceSegment, models.AudienceAll:
	default:
		return validationf("unknown audience type %q", req.Audience.Type)
	}

	switch req.Distribution.Type {
	case models.DistributionSingle:
		if req.Distribution.AccountID == "" {
			return validationf("single distribution requires account_id")
		}
	case models.DistributionPool:
	default:
		return validationf("unknown distribution type %q", req.Distribution.Type)
	}

	floor := int(s.minDelayFloor / time.Millisecond)
	if req.AntiBan.MinDelayMs < floor {
		return validationf("min_delay_ms must be at least %d", floor)
	}
	if req.AntiBan.MaxDelayMs < req.AntiBan.MinDelayMs {
		return validationf("max_delay_ms must be >= min_delay_ms")
	}
	if req.AntiBan.BatchSize < 0 || req.AntiBan.BatchPauseMs < 0 {
		return validationf("batch settings must be non-negative")
	}

	switch req.Schedule.Type {
	case "", models.ScheduleImmediate:
		req.Schedule.Type = models.ScheduleImmediate
	case models.ScheduleAt:
		if req.Schedule.At == nil {
			return validationf("scheduled campaigns require a start time")
		}
	default:
		return validationf("unknown schedule type %q", req.Schedule.Type)
	}
	return nil
}
