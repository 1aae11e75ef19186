package models

import (
	"fmt"
	"time"
)

// Job is the envelope the queue carries for one campaign execution. The
// queue deduplicates on Key(), so re-enqueueing a campaign that is already
// queued or in flight is a no-op.
type Job struct {
	TenantID   string    `json:"tenant_id"`
	CampaignID string    `json:"campaign_id"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key derives the stable dedup key for a campaign job.
func (j Job) Key() string {
	return CampaignJobKey(j.CampaignID)
}

// CampaignJobKey is shared by the service (enqueue) and queue (dedup release).
func CampaignJobKey(campaignID string) string {
	return fmt.Sprintf("campaign:%s", campaignID)
}
