package distribution

import (
	"context"
	"errors"
	"fmt"

	"campaign-engine/internal/models"
)

// ErrNoAvailableAccount is returned when no ready account can take a send.
// Callers record it as a per-recipient failure, never a job abort.
var ErrNoAvailableAccount = errors.New("no available sending account")

// AccountRegistry exposes which of a tenant's connected accounts are ready.
// Implemented by the Postgres store.
type AccountRegistry interface {
	ListReadyAccounts(ctx context.Context, tenantID string) ([]string, error)
}

// Policy assigns a sending account per recipient. The ready set is read
// fresh on every assignment because connectivity changes mid-campaign: an
// account that disconnects is excluded from subsequent assignments, not just
// at campaign start.
type Policy struct {
	registry AccountRegistry
}

func New(registry AccountRegistry) *Policy {
	return &Policy{registry: registry}
}

// Assign picks the account for the recipient at the given index.
//
// single: always the configured account; when it is not ready the send is
// failed for that recipient with no implicit fallback.
// pool: round-robin across accounts ready at assignment time.
func (p *Policy) Assign(ctx context.Context, index int, campaign *models.Campaign) (string, error) {
	ready, err := p.registry.ListReadyAccounts(ctx, campaign.TenantID)
	if err != nil {
		return "", fmt.Errorf("list ready accounts: %w", err)
	}

	switch campaign.Distribution.Type {
	case models.DistributionSingle:
		for _, id := range ready {
			if id == campaign.Distribution.AccountID {
				return id, nil
			}
		}
		return "", ErrNoAvailableAccount
	case models.DistributionPool:
		if len(ready) == 0 {
			return "", ErrNoAvailableAccount
		}
		return ready[index%len(ready)], nil
	default:
		return "", fmt.Errorf("unknown distribution type %q", campaign.Distribution.Type)
	}
}
