package models

import (
	"time"
)

// Campaign lifecycle states persisted in Postgres.
const (
	StatusDraft     = "draft"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Audience selector types.
const (
	AudienceContacts = "contacts"
	AudienceGroups   = "groups"
	AudienceSegment  = "segment"
	AudienceAll      = "all"
)

// Distribution policy types.
const (
	DistributionSingle = "single"
	DistributionPool   = "pool"
)

// Schedule types.
const (
	ScheduleImmediate = "immediate"
	ScheduleAt        = "scheduled"
)

// Audience specifies which recipients a campaign targets.
type Audience struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id,omitempty"`
}

// Distribution picks the sending account per recipient: a fixed account or
// a round-robin pool of every ready account the tenant owns.
type Distribution struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id,omitempty"`
}

// AntiBan configures the pacing inserted between sends.
type AntiBan struct {
	MinDelayMs   int  `json:"min_delay_ms"`
	MaxDelayMs   int  `json:"max_delay_ms"`
	BatchSize    int  `json:"batch_size,omitempty"`
	BatchPauseMs int  `json:"batch_pause_ms,omitempty"`
	AISpinning   bool `json:"ai_spinning"`
}

// Schedule controls when a started campaign becomes runnable.
type Schedule struct {
	Type string     `json:"type"`
	At   *time.Time `json:"at,omitempty"`
}

// Stats are the per-campaign send counters. sent+failed+pending == total
// once audience resolution has completed.
type Stats struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// Campaign is the persisted definition of one bulk-send job.
type Campaign struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	Name          string       `json:"name"`
	TemplateID    string       `json:"template_id"`
	TemplateBody  string       `json:"template_body"`
	Audience      Audience     `json:"audience"`
	Distribution  Distribution `json:"distribution"`
	AntiBan       AntiBan      `json:"anti_ban"`
	Schedule      Schedule     `json:"schedule"`
	Stats         Stats        `json:"stats"`
	Status        string       `json:"status"`
	FailureReason *string      `json:"failure_reason,omitempty"`
	MediaKey      *string      `json:"media_key,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Terminal reports whether the campaign can never run again.
func (c *Campaign) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

// Cursor is the count of recipients already accounted for. Resume skips
// this many entries of the freshly resolved list.
func (c *Campaign) Cursor() int {
	return c.Stats.Sent + c.Stats.Failed
}

// Recipient is one resolved audience entry.
type Recipient struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// SendOutcome records the result of a single delivery attempt. Outcomes are
// folded into Stats; they are not persisted per recipient.
type SendOutcome struct {
	Address   string    `json:"address"`
	AccountID string    `json:"account_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressEvent is the payload fanned out to dashboard subscribers after
// every recorded send.
type ProgressEvent struct {
	TenantID   string    `json:"tenant_id"`
	CampaignID string    `json:"campaign_id"`
	Status     string    `json:"status"`
	Stats      Stats     `json:"stats"`
	Timestamp  time.Time `json:"timestamp"`
}
