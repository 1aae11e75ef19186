package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"campaign-engine/internal/channel"
	"campaign-engine/internal/distribution"
	"campaign-engine/internal/models"
	"campaign-engine/internal/store"
	"campaign-engine/internal/throttle"
)

type fakeStore struct {
	mu       sync.Mutex
	campaign *models.Campaign
	missing  bool
}

func (f *fakeStore) GetCampaign(_ context.Context, tenantID, id string) (models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing || f.campaign == nil {
		return models.Campaign{}, store.ErrNotFound
	}
	return *f.campaign, nil
}

func (f *fakeStore) SetRunning(_ context.Context, _ string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Status = models.StatusRunning
	f.campaign.Stats.Total = total
	f.campaign.Stats.Pending = total - f.campaign.Stats.Sent - f.campaign.Stats.Failed
	return nil
}

func (f *fakeStore) ApplyOutcome(_ context.Context, _ string, success bool) (models.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if success {
		f.campaign.Stats.Sent++
	} else {
		f.campaign.Stats.Failed++
	}
	if f.campaign.Stats.Pending > 0 {
		f.campaign.Stats.Pending--
	}
	return f.campaign.Stats, nil
}

func (f *fakeStore) FinishCampaign(_ context.Context, _ string, status string, reason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Status = status
	f.campaign.FailureReason = reason
	return nil
}

func (f *fakeStore) stats() models.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaign.Stats
}

func (f *fakeStore) status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaign.Status
}

type fakeResolver struct {
	recipients []models.Recipient
	err        error
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, _ models.Audience) ([]models.Recipient, error) {
	return f.recipients, f.err
}

type fakePolicy struct {
	ready   []string
	indices []int
}

func (f *fakePolicy) Assign(_ context.Context, index int, c *models.Campaign) (string, error) {
	f.indices = append(f.indices, index)
	if c.Distribution.Type == models.DistributionSingle {
		for _, id := range f.ready {
			if id == c.Distribution.AccountID {
				return id, nil
			}
		}
		return "", distribution.ErrNoAvailableAccount
	}
	if len(f.ready) == 0 {
		return "", distribution.ErrNoAvailableAccount
	}
	return f.ready[index%len(f.ready)], nil
}

type sentMessage struct {
	accountID string
	address   string
	text      string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]bool
	perSend func(n int)
}

func (f *fakeSender) Send(_ context.Context, _, accountID, address string, content channel.Content) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{accountID: accountID, address: address, text: content.Text})
	n := len(f.sent)
	hook := f.perSend
	fail := f.failFor[address]
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if fail {
		return errors.New("provider rejected")
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeFlags struct {
	mu     sync.Mutex
	paused bool
}

func (f *fakeFlags) IsPaused(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, nil
}

func (f *fakeFlags) ExtendLease(_ context.Context, _ string, _ time.Duration) error { return nil }

func (f *fakeFlags) setPaused(v bool) {
	f.mu.Lock()
	f.paused = v
	f.mu.Unlock()
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (f *fakePublisher) Publish(_ context.Context, e models.ProgressEvent) error {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
	return nil
}

type failingSpinner struct{}

func (failingSpinner) Spin(_ context.Context, _ string) (string, error) {
	return "", errors.New("spinner down")
}

type prefixSpinner struct{}

func (prefixSpinner) Spin(_ context.Context, text string) (string, error) {
	return "spun:" + text, nil
}

type runnerHarness struct {
	runner    *CampaignRunner
	store     *fakeStore
	sender    *fakeSender
	flags     *fakeFlags
	publisher *fakePublisher
	delays    *[]time.Duration
}

func newHarness(c *models.Campaign, recipients []models.Recipient, ready []string) *runnerHarness {
	st := &fakeStore{campaign: c}
	sender := &fakeSender{failFor: map[string]bool{}}
	flags := &fakeFlags{}
	pub := &fakePublisher{}
	delays := &[]time.Duration{}

	r := NewCampaignRunner(
		st,
		&fakeResolver{recipients: recipients},
		&fakePolicy{ready: ready},
		sender,
		nil,
		throttle.New(time.Minute),
		flags,
		pub,
		0,
	)
	r.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return &runnerHarness{runner: r, store: st, sender: sender, flags: flags, publisher: pub, delays: delays}
}

func baseCampaign() *models.Campaign {
	return &models.Campaign{
		ID:           "c1",
		TenantID:     "t1",
		TemplateBody: "hi {name}",
		Status:       models.StatusQueued,
		Audience:     models.Audience{Type: models.AudienceContacts, TargetID: "aud_1"},
		Distribution: models.Distribution{Type: models.DistributionSingle, AccountID: "bot_1"},
		AntiBan:      models.AntiBan{MinDelayMs: 1, MaxDelayMs: 2},
	}
}

func job() models.Job {
	return models.Job{TenantID: "t1", CampaignID: "c1"}
}

func checkInvariant(t *testing.T, st models.Stats) {
	t.Helper()
	if st.Sent+st.Failed+st.Pending != st.Total {
		t.Fatalf("stats invariant violated: %+v", st)
	}
}

func TestHandleSendsWholeAudience(t *testing.T) {
	h := newHarness(baseCampaign(), []models.Recipient{{Address: "111"}, {Address: "222"}}, []string{"bot_1"})

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := h.sender.count(); got != 2 {
		t.Fatalf("expected 2 sends, got %d", got)
	}
	if h.sender.sent[0].address != "111" || h.sender.sent[1].address != "222" {
		t.Fatalf("sends out of order: %+v", h.sender.sent)
	}
	if st := h.store.status(); st != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", st)
	}
	want := models.Stats{Total: 2, Sent: 2, Failed: 0, Pending: 0}
	if got := h.store.stats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
	// One inter-send delay, drawn from [1,2] ms.
	if len(*h.delays) != 1 {
		t.Fatalf("expected 1 delay, got %d", len(*h.delays))
	}
	if d := (*h.delays)[0]; d < time.Millisecond || d > 2*time.Millisecond {
		t.Fatalf("delay %s outside [1ms,2ms]", d)
	}
	checkInvariant(t, h.store.stats())
}

func TestHandlePacingWindow(t *testing.T) {
	c := baseCampaign()
	c.AntiBan = models.AntiBan{MinDelayMs: 1000, MaxDelayMs: 2000}
	var recipients []models.Recipient
	for i := 0; i < 10; i++ {
		recipients = append(recipients, models.Recipient{Address: fmt.Sprintf("%03d", i)})
	}
	h := newHarness(c, recipients, []string{"bot_1"})

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(*h.delays) != 9 {
		t.Fatalf("expected 9 inter-send delays, got %d", len(*h.delays))
	}
	for _, d := range *h.delays {
		if d < time.Second || d > 2*time.Second {
			t.Fatalf("inter-send gap %s outside [1s,2s]", d)
		}
	}
}

func TestHandleBatchPause(t *testing.T) {
	c := baseCampaign()
	c.AntiBan = models.AntiBan{MinDelayMs: 1, MaxDelayMs: 2, BatchSize: 2, BatchPauseMs: 5000}
	h := newHarness(c, []models.Recipient{
		{Address: "1"}, {Address: "2"}, {Address: "3"}, {Address: "4"}, {Address: "5"},
	}, []string{"bot_1"})

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Delays after sends 0..3; batch boundaries after indices 1 and 3.
	delays := *h.delays
	if len(delays) != 4 {
		t.Fatalf("expected 4 delays, got %d", len(delays))
	}
	for i, d := range delays {
		boundary := (i+1)%2 == 0
		if boundary && d != 5*time.Second {
			t.Fatalf("delay %d: expected batch pause 5s, got %s", i, d)
		}
		if !boundary && d > 2*time.Millisecond {
			t.Fatalf("delay %d: expected per-message delay, got %s", i, d)
		}
	}
}

func TestHandleEmptyAudienceCompletes(t *testing.T) {
	h := newHarness(baseCampaign(), nil, []string{"bot_1"})

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if st := h.store.status(); st != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", st)
	}
	if got := h.store.stats(); got.Total != 0 {
		t.Fatalf("expected total=0, got %+v", got)
	}
	if h.sender.count() != 0 {
		t.Fatal("no sends expected")
	}
}

func TestHandlePoolWithNoReadyAccounts(t *testing.T) {
	c := baseCampaign()
	c.Distribution = models.Distribution{Type: models.DistributionPool}
	h := newHarness(c, []models.Recipient{{Address: "111"}}, nil)

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.sender.count() != 0 {
		t.Fatal("no send may reach the gateway without an account")
	}
	want := models.Stats{Total: 1, Sent: 0, Failed: 1, Pending: 0}
	if got := h.store.stats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
	// Transient disconnects are recipient failures, never campaign failure.
	if st := h.store.status(); st != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", st)
	}
}

func TestHandleSendFailureContinuesLoop(t *testing.T) {
	h := newHarness(baseCampaign(), []models.Recipient{{Address: "bad"}, {Address: "good"}}, []string{"bot_1"})
	h.sender.failFor["bad"] = true

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := models.Stats{Total: 2, Sent: 1, Failed: 1, Pending: 0}
	if got := h.store.stats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
	if st := h.store.status(); st != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", st)
	}
}

func TestHandlePauseThenResume(t *testing.T) {
	recipients := []models.Recipient{
		{Address: "1"}, {Address: "2"}, {Address: "3"}, {Address: "4"}, {Address: "5"},
	}
	h := newHarness(baseCampaign(), recipients, []string{"bot_1"})
	h.sender.perSend = func(n int) {
		if n == 2 {
			h.flags.setPaused(true)
		}
	}

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if st := h.store.status(); st != models.StatusPaused {
		t.Fatalf("expected paused, got %s", st)
	}
	if got := h.sender.count(); got != 2 {
		t.Fatalf("expected 2 sends before pause, got %d", got)
	}
	checkInvariant(t, h.store.stats())

	// Resume: flag cleared, job redelivered; exactly the remaining 3 go out.
	h.flags.setPaused(false)
	h.sender.perSend = nil
	h.store.campaign.Status = models.StatusQueued

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("resume handle: %v", err)
	}
	if got := h.sender.count(); got != 5 {
		t.Fatalf("expected 5 total sends after resume, got %d", got)
	}
	st := h.store.stats()
	if st.Sent+st.Failed != 5 {
		t.Fatalf("expected all 5 accounted, got %+v", st)
	}
	if h.store.status() != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", h.store.status())
	}
	checkInvariant(t, st)
}

func TestHandleTerminalCampaignIsNoOp(t *testing.T) {
	c := baseCampaign()
	c.Status = models.StatusCompleted
	h := newHarness(c, []models.Recipient{{Address: "111"}}, []string{"bot_1"})

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.sender.count() != 0 {
		t.Fatal("terminal campaign must not send")
	}
}

func TestHandleMissingCampaignAcks(t *testing.T) {
	h := newHarness(baseCampaign(), nil, nil)
	h.store.missing = true

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("expected nil for vanished campaign, got %v", err)
	}
}

func TestHandleResolutionNotFoundFailsCampaign(t *testing.T) {
	h := newHarness(baseCampaign(), nil, []string{"bot_1"})
	h.runner.resolver = &fakeResolver{err: fmt.Errorf("segment aud_9: %w", store.ErrNotFound)}

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("resolution failure must not retry: %v", err)
	}
	if st := h.store.status(); st != models.StatusFailed {
		t.Fatalf("expected failed, got %s", st)
	}
	if h.store.campaign.FailureReason == nil {
		t.Fatal("expected a recorded failure reason")
	}
}

func TestHandleSpinnerFallback(t *testing.T) {
	c := baseCampaign()
	c.AntiBan.AISpinning = true
	h := newHarness(c, []models.Recipient{{Address: "111", Name: "Ada"}}, []string{"bot_1"})
	h.runner.spinner = failingSpinner{}

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := h.sender.sent[0].text; got != "hi Ada" {
		t.Fatalf("expected untransformed fallback text, got %q", got)
	}

	// And with a working spinner the transformed text goes out.
	h2 := newHarness(func() *models.Campaign { c := baseCampaign(); c.AntiBan.AISpinning = true; return c }(),
		[]models.Recipient{{Address: "111", Name: "Ada"}}, []string{"bot_1"})
	h2.runner.spinner = prefixSpinner{}
	if err := h2.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := h2.sender.sent[0].text; got != "spun:hi Ada" {
		t.Fatalf("expected spun text, got %q", got)
	}
}

func TestHandlePublishesProgressPerSend(t *testing.T) {
	h := newHarness(baseCampaign(), []models.Recipient{{Address: "1"}, {Address: "2"}}, []string{"bot_1"})

	if err := h.runner.Handle(context.Background(), job()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// Two per-send events plus the terminal one, in send order.
	if len(h.publisher.events) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(h.publisher.events))
	}
	if h.publisher.events[0].Stats.Sent != 1 || h.publisher.events[1].Stats.Sent != 2 {
		t.Fatalf("progress out of order: %+v", h.publisher.events)
	}
	for _, e := range h.publisher.events {
		checkInvariant(t, e.Stats)
	}
	if last := h.publisher.events[2]; last.Status != models.StatusCompleted {
		t.Fatalf("expected terminal event completed, got %s", last.Status)
	}
}
