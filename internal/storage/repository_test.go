package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bilancio/internal/core"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "bilancio.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestMonthSnapshotRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.SaveMonth(ctx, "2024-01", []byte(`{"a":1}`), now); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.SaveMonth(ctx, "2024-01", []byte(`{"a":2}`), now.Add(time.Second)); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if err := repo.MarkSynced(ctx, "2024-01", "h1"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	months, err := repo.LoadMonths(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(months) != 1 {
		t.Fatalf("expected 1 month, got %d", len(months))
	}
	if string(months[0].Payload) != `{"a":2}` {
		t.Errorf("payload = %s", months[0].Payload)
	}
	if months[0].SyncedHash != "h1" {
		t.Errorf("synced hash = %q", months[0].SyncedHash)
	}

	hash, err := repo.SyncedHash(ctx, "2024-01")
	if err != nil || hash != "h1" {
		t.Errorf("SyncedHash = %q, %v", hash, err)
	}
	if hash, _ := repo.SyncedHash(ctx, "2099-01"); hash != "" {
		t.Errorf("missing month should yield empty hash, got %q", hash)
	}
}

func TestEnqueueUpsertReplacesAndCancelsDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	if err := repo.EnqueueDelete(ctx, "2024-02", t0); err != nil {
		t.Fatalf("enqueue delete: %v", err)
	}
	if err := repo.EnqueueUpsert(ctx, "2024-02", []byte(`{}`), t0.Add(time.Second)); err != nil {
		t.Fatalf("enqueue upsert: %v", err)
	}
	if err := repo.EnqueueUpsert(ctx, "2024-02", []byte(`{"b":1}`), t0.Add(2*time.Second)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	queue, err := repo.ListQueue(ctx)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("expected queued delete cancelled and one upsert, got %d entries", len(queue))
	}
	if queue[0].Op != OpUpsert || string(queue[0].Payload) != `{"b":1}` {
		t.Errorf("unexpected entry: %+v", queue[0])
	}
}

func TestEnqueueDeleteCancelsPendingUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	if err := repo.EnqueueUpsert(ctx, "2024-03", []byte(`{}`), t0); err != nil {
		t.Fatalf("enqueue upsert: %v", err)
	}
	if err := repo.EnqueueDelete(ctx, "2024-03", t0.Add(time.Second)); err != nil {
		t.Fatalf("enqueue delete: %v", err)
	}

	queue, err := repo.ListQueue(ctx)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queue) != 1 || queue[0].Op != OpDelete {
		t.Fatalf("expected single queued delete, got %+v", queue)
	}
}

func TestListQueueOrdersDeletesFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	if err := repo.EnqueueUpsert(ctx, "2024-01", []byte(`{}`), t0); err != nil {
		t.Fatal(err)
	}
	if err := repo.EnqueueDelete(ctx, "2024-05", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	queue, err := repo.ListQueue(ctx)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queue) != 2 || queue[0].Op != OpDelete || queue[1].Op != OpUpsert {
		t.Fatalf("expected delete before upsert, got %+v", queue)
	}
}

func TestRemoveQueueEntrySkipsSuperseded(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	if err := repo.EnqueueUpsert(ctx, "2024-04", []byte(`{"v":1}`), t0); err != nil {
		t.Fatal(err)
	}
	queue, _ := repo.ListQueue(ctx)
	inFlight := queue[0]

	// A newer local edit lands while the first one is being flushed.
	if err := repo.EnqueueUpsert(ctx, "2024-04", []byte(`{"v":2}`), t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := repo.RemoveQueueEntry(ctx, inFlight); err != nil {
		t.Fatalf("remove: %v", err)
	}

	queue, _ = repo.ListQueue(ctx)
	if len(queue) != 1 || string(queue[0].Payload) != `{"v":2}` {
		t.Fatalf("superseding edit must survive, got %+v", queue)
	}
}

func TestDropQueuedUpsertIgnoresTimestamp(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	if err := repo.EnqueueUpsert(ctx, "2024-04", []byte(`{"v":1}`), t0); err != nil {
		t.Fatal(err)
	}
	if err := repo.EnqueueDelete(ctx, "2024-05", t0); err != nil {
		t.Fatal(err)
	}

	// No timestamp match needed: the upsert goes, whatever its age.
	if err := repo.DropQueuedUpsert(ctx, "2024-04"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	queue, _ := repo.ListQueue(ctx)
	if len(queue) != 1 || queue[0].Op != OpDelete || queue[0].Key != "2024-05" {
		t.Fatalf("only the unrelated delete should remain, got %+v", queue)
	}
}

func TestResetStaleReconciling(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	if err := repo.EnqueueUpsert(ctx, "2024-06", []byte(`{}`), t0); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkReconciling(ctx, "2024-06", OpUpsert); err != nil {
		t.Fatalf("mark reconciling: %v", err)
	}
	if err := repo.ResetStaleReconciling(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	n, err := repo.QueueLen(ctx)
	if err != nil || n != 1 {
		t.Fatalf("QueueLen = %d, %v", n, err)
	}
}

func TestSettingsQueue(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	if err := repo.EnqueueSettings(ctx, []byte(`{"personNames":["a","b"]}`), t0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	payload, ts, err := repo.PendingSettings(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if payload == nil || !ts.Equal(t0) {
		t.Fatalf("unexpected pending settings: %s at %v", payload, ts)
	}

	if err := repo.ClearSettings(ctx, t0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	payload, _, err = repo.PendingSettings(ctx)
	if err != nil || payload != nil {
		t.Fatalf("expected empty settings queue, got %s (%v)", payload, err)
	}
}

func TestLastViewedMonth(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SetLastViewedMonth(ctx, "", "2024-02"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := repo.SetLastViewedMonth(ctx, "user-1", "2024-03"); err != nil {
		t.Fatalf("set scoped: %v", err)
	}

	k, err := repo.LastViewedMonth(ctx, "")
	if err != nil || k != "2024-02" {
		t.Errorf("global last viewed = %s, %v", k, err)
	}
	k, err = repo.LastViewedMonth(ctx, "user-1")
	if err != nil || k != "2024-03" {
		t.Errorf("scoped last viewed = %s, %v", k, err)
	}
	k, err = repo.LastViewedMonth(ctx, "user-2")
	if err != nil || k != core.MonthKey("") {
		t.Errorf("unset user should be empty, got %s, %v", k, err)
	}
}
