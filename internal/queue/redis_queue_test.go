package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"campaign-engine/internal/config"
	"campaign-engine/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueueWithClient(client, config.Config{VisibilityTimeout: time.Minute}), mr
}

func testJob(campaignID string) models.Job {
	return models.Job{TenantID: "t1", CampaignID: campaignID, EnqueuedAt: time.Now()}
}

func TestEnqueueDedupesByCampaign(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	admitted, err := q.Enqueue(ctx, testJob("c1"), time.Time{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !admitted {
		t.Fatal("first enqueue should be admitted")
	}

	admitted, err = q.Enqueue(ctx, testJob("c1"), time.Time{})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if admitted {
		t.Fatal("duplicate enqueue should be a no-op")
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected exactly 1 ready job, got %d", depth)
	}
}

func TestAckReleasesDedupKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testJob("c1"), time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if job.CampaignID != "c1" {
		t.Fatalf("dequeued wrong job: %+v", job)
	}

	// While in flight the key stays held.
	if admitted, _ := q.Enqueue(ctx, testJob("c1"), time.Time{}); admitted {
		t.Fatal("in-flight campaign must dedupe re-enqueue")
	}

	if err := q.Ack(ctx, job.Key()); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// After ack the campaign can run again (restart, resume).
	admitted, err := q.Enqueue(ctx, testJob("c1"), time.Time{})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if !admitted {
		t.Fatal("ack should release the dedup key")
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)

	_, ok, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Fatal("expected no job")
	}
}

func TestScheduledJobPromotes(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	if _, err := q.Enqueue(ctx, testJob("c1"), runAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Not due yet.
	if _, ok, _ := q.Dequeue(ctx); ok {
		t.Fatal("scheduled job must not be dequeued before its time")
	}
	n, err := q.PromoteScheduled(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 promotions before due time, got %d", n)
	}

	// Due: promotion moves it to the ready list.
	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}
	job, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue after promote: ok=%v err=%v", ok, err)
	}
	if job.CampaignID != "c1" {
		t.Fatalf("wrong job promoted: %+v", job)
	}
}

func TestRetryReschedulesWithoutReleasingKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testJob("c1"), time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	job.Attempts++
	if err := q.Retry(ctx, job, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// Still deduped while waiting for the retry.
	if admitted, _ := q.Enqueue(ctx, testJob("c1"), time.Time{}); admitted {
		t.Fatal("retrying campaign must stay deduped")
	}

	if _, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 100); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue retried: ok=%v err=%v", ok, err)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempt count carried through retry, got %d", got.Attempts)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testJob("c1"), time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.Dequeue(ctx); !ok {
		t.Fatal("dequeue failed")
	}

	// Before the visibility timeout nothing is reclaimed.
	keys, err := q.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("lease not yet expired, got %v", keys)
	}

	keys, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 100)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 reclaimed lease, got %v", keys)
	}
	if _, ok, _ := q.Dequeue(ctx); !ok {
		t.Fatal("reclaimed job should be dequeueable again")
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := testJob("c1")
	if _, err := q.Enqueue(ctx, job, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, job.Key()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, ok, _ := q.Dequeue(ctx); ok {
		t.Fatal("cancelled job must not be delivered")
	}

	// And the dedup key is free again.
	admitted, err := q.Enqueue(ctx, job, time.Time{})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if !admitted {
		t.Fatal("cancel should release the dedup key")
	}
}

func TestPauseFlagLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	paused, err := q.IsPaused(ctx, "c1")
	if err != nil {
		t.Fatalf("is paused: %v", err)
	}
	if paused {
		t.Fatal("fresh campaign should not be paused")
	}

	if err := q.SetPaused(ctx, "c1"); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	if paused, _ = q.IsPaused(ctx, "c1"); !paused {
		t.Fatal("pause flag not visible after set")
	}
	if paused, _ = q.IsPaused(ctx, "c2"); paused {
		t.Fatal("pause flags must be per campaign")
	}

	if err := q.ClearPaused(ctx, "c1"); err != nil {
		t.Fatalf("clear paused: %v", err)
	}
	if paused, _ = q.IsPaused(ctx, "c1"); paused {
		t.Fatal("pause flag should be gone after clear")
	}
}

func TestDLQRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.DLQPush(ctx, models.CampaignJobKey("c1")); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	keys, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(keys) != 1 || keys[0] != "campaign:c1" {
		t.Fatalf("unexpected dlq contents: %v", keys)
	}
}
