package channel

import (
	"context"
	"fmt"

	"campaign-engine/internal/models"
)

// GroupStore persists the synced group roster. Implemented by the Postgres
// store.
type GroupStore interface {
	ReplaceGroups(ctx context.Context, tenantID string, groups []models.Recipient) error
}

// GroupSync refreshes the local group cache from the messaging channel
// directory.
type GroupSync struct {
	dir   Directory
	store GroupStore
}

func NewGroupSync(dir Directory, store GroupStore) *GroupSync {
	return &GroupSync{dir: dir, store: store}
}

// SyncGroups fetches the tenant's groups from the channel and replaces the
// cached roster.
func (s *GroupSync) SyncGroups(ctx context.Context, tenantID string) error {
	groups, err := s.dir.ListGroups(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	if err := s.store.ReplaceGroups(ctx, tenantID, groups); err != nil {
		return fmt.Errorf("cache groups: %w", err)
	}
	return nil
}
