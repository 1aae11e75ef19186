package audience

import (
	"context"
	"errors"
	"fmt"

	"campaign-engine/internal/models"
)

// ErrUnknownAudience is returned for an unrecognized audience type or a
// segment id matching no contacts. It aborts the job before any send.
var ErrUnknownAudience = errors.New("unknown audience")

// ContactStore loads recipients from the tenant's directory. Implemented by
// the Postgres store. Every listing must be stably ordered so the worker's
// resume cursor indexes the same positions across resolve calls.
type ContactStore interface {
	SegmentContacts(ctx context.Context, tenantID, segmentID string) ([]models.Recipient, error)
	AllContacts(ctx context.Context, tenantID string) ([]models.Recipient, error)
	GroupRecipients(ctx context.Context, tenantID string) ([]models.Recipient, error)
}

// GroupSyncer refreshes the local group cache from the messaging channel.
type GroupSyncer interface {
	SyncGroups(ctx context.Context, tenantID string) error
}

// Resolver turns an audience specification into a concrete ordered recipient
// list.
type Resolver struct {
	contacts ContactStore
	syncer   GroupSyncer
}

func New(contacts ContactStore, syncer GroupSyncer) *Resolver {
	return &Resolver{contacts: contacts, syncer: syncer}
}

// Resolve loads the recipients for the given spec. Resolution happens once
// per job invocation; a paused campaign re-resolves on resume.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, spec models.Audience) ([]models.Recipient, error) {
	switch spec.Type {
	case models.AudienceContacts, models.AudienceSegment:
		if spec.TargetID == "" {
			return r.contacts.AllContacts(ctx, tenantID)
		}
		recipients, err := r.contacts.SegmentContacts(ctx, tenantID, spec.TargetID)
		if err != nil {
			return nil, fmt.Errorf("resolve segment %s: %w", spec.TargetID, err)
		}
		if len(recipients) == 0 {
			return nil, fmt.Errorf("segment %s: %w", spec.TargetID, ErrUnknownAudience)
		}
		return recipients, nil

	case models.AudienceAll:
		return r.contacts.AllContacts(ctx, tenantID)

	case models.AudienceGroups:
		recipients, err := r.contacts.GroupRecipients(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("resolve groups: %w", err)
		}
		if len(recipients) > 0 {
			return recipients, nil
		}
		// Empty cache: pull the group list from the channel once, then retry.
		if r.syncer == nil {
			return recipients, nil
		}
		if err := r.syncer.SyncGroups(ctx, tenantID); err != nil {
			return nil, fmt.Errorf("sync groups: %w", err)
		}
		return r.contacts.GroupRecipients(ctx, tenantID)

	default:
		return nil, fmt.Errorf("audience type %q: %w", spec.Type, ErrUnknownAudience)
	}
}
