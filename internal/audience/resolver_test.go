package audience

import (
	"context"
	"errors"
	"testing"

	"campaign-engine/internal/models"
)

type fakeContacts struct {
	segments map[string][]models.Recipient
	all      []models.Recipient
	groups   []models.Recipient
}

func (f *fakeContacts) SegmentContacts(_ context.Context, _ string, segmentID string) ([]models.Recipient, error) {
	return f.segments[segmentID], nil
}

func (f *fakeContacts) AllContacts(_ context.Context, _ string) ([]models.Recipient, error) {
	return f.all, nil
}

func (f *fakeContacts) GroupRecipients(_ context.Context, _ string) ([]models.Recipient, error) {
	return f.groups, nil
}

type fakeSyncer struct {
	calls    int
	onSync   func()
	failWith error
}

func (f *fakeSyncer) SyncGroups(_ context.Context, _ string) error {
	f.calls++
	if f.failWith != nil {
		return f.failWith
	}
	if f.onSync != nil {
		f.onSync()
	}
	return nil
}

func TestResolveSegment(t *testing.T) {
	contacts := &fakeContacts{segments: map[string][]models.Recipient{
		"aud_1": {{Address: "111"}, {Address: "222"}},
	}}
	r := New(contacts, nil)

	got, err := r.Resolve(context.Background(), "t1", models.Audience{Type: models.AudienceContacts, TargetID: "aud_1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0].Address != "111" || got[1].Address != "222" {
		t.Fatalf("unexpected recipients: %+v", got)
	}
}

func TestResolveUnknownSegment(t *testing.T) {
	r := New(&fakeContacts{segments: map[string][]models.Recipient{}}, nil)

	_, err := r.Resolve(context.Background(), "t1", models.Audience{Type: models.AudienceSegment, TargetID: "nope"})
	if !errors.Is(err, ErrUnknownAudience) {
		t.Fatalf("expected ErrUnknownAudience, got %v", err)
	}
}

func TestResolveAll(t *testing.T) {
	contacts := &fakeContacts{all: []models.Recipient{{Address: "1"}, {Address: "2"}, {Address: "3"}}}
	r := New(contacts, nil)

	got, err := r.Resolve(context.Background(), "t1", models.Audience{Type: models.AudienceAll})
	if err != nil || len(got) != 3 {
		t.Fatalf("expected 3 recipients, got %d err=%v", len(got), err)
	}
}

func TestResolveGroupsSyncsOnceWhenCacheEmpty(t *testing.T) {
	contacts := &fakeContacts{}
	syncer := &fakeSyncer{}
	syncer.onSync = func() {
		contacts.groups = []models.Recipient{{Address: "g1@broadcast"}}
	}
	r := New(contacts, syncer)

	got, err := r.Resolve(context.Background(), "t1", models.Audience{Type: models.AudienceGroups, TargetID: "all"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if syncer.calls != 1 {
		t.Fatalf("expected exactly one sync, got %d", syncer.calls)
	}
	if len(got) != 1 || got[0].Address != "g1@broadcast" {
		t.Fatalf("unexpected recipients: %+v", got)
	}
}

func TestResolveGroupsSkipsSyncWhenCacheWarm(t *testing.T) {
	contacts := &fakeContacts{groups: []models.Recipient{{Address: "g1"}}}
	syncer := &fakeSyncer{}
	r := New(contacts, syncer)

	if _, err := r.Resolve(context.Background(), "t1", models.Audience{Type: models.AudienceGroups}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if syncer.calls != 0 {
		t.Fatalf("expected no sync, got %d", syncer.calls)
	}
}

func TestResolveGroupsSyncFailure(t *testing.T) {
	syncer := &fakeSyncer{failWith: errors.New("channel offline")}
	r := New(&fakeContacts{}, syncer)

	if _, err := r.Resolve(context.Background(), "t1", models.Audience{Type: models.AudienceGroups}); err == nil {
		t.Fatal("expected sync failure to propagate")
	}
}

func TestResolveUnknownType(t *testing.T) {
	r := New(&fakeContacts{}, nil)
	if _, err := r.Resolve(context.Background(), "t1", models.Audience{Type: "broadcast"}); !errors.Is(err, ErrUnknownAudience) {
		t.Fatalf("expected ErrUnknownAudience, got %v", err)
	}
}
