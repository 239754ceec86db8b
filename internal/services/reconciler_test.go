package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilancio/internal/core"
	"bilancio/internal/remote"
	"bilancio/internal/remote/memory"
	"bilancio/internal/storage"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type capturedEvent struct {
	kind string
	key  core.MonthKey
}

type captureEvents struct {
	events []capturedEvent
}

func (c *captureEvents) MonthSynced(_ context.Context, key core.MonthKey, _ time.Time) error {
	c.events = append(c.events, capturedEvent{kind: "synced", key: key})
	return nil
}

func (c *captureEvents) MonthDeleted(_ context.Context, key core.MonthKey) error {
	c.events = append(c.events, capturedEvent{kind: "deleted", key: key})
	return nil
}

type reconcilerFixture struct {
	ledger *Ledger
	repo   *storage.Repository
	store  *memory.Store
	rec    *Reconciler
	clock  *fakeClock
	events *captureEvents
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "bilancio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(clock.Now)
	events := &captureEvents{}
	ledger := newTestLedger()

	rec := NewReconciler(ledger, repo, store, events, DefaultReconcilerConfig(), nil)
	rec.now = clock.Now
	ledger.SetListeners(rec.NoteMonthChanged, rec.NoteMonthDeleted, rec.NoteSettingsChanged)

	return &reconcilerFixture{ledger: ledger, repo: repo, store: store, rec: rec, clock: clock, events: events}
}

func (f *reconcilerFixture) edit(t *testing.T, key core.MonthKey, name string, cents int64) {
	t.Helper()
	data := core.BudgetData{}
	data.Persons[0].FixedExpenses = []core.LineItem{
		{ID: core.NewID(), Name: name, Amount: core.Money{Cents: cents}, Propagate: true},
	}
	f.rec.NoteMonthChanged(key, data)
}

func queueLen(t *testing.T, repo *storage.Repository) int {
	t.Helper()
	n, err := repo.QueueLen(context.Background())
	require.NoError(t, err)
	return n
}

func TestOfflineEditsQueueAndFlushConverges(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.rec.SetOnline(false)
	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()

	require.Equal(t, 1, queueLen(t, f.repo), "offline edit lands in the durable queue")
	_, _, ok := f.store.Month("2024-06")
	assert.False(t, ok, "nothing reaches the remote while offline")

	f.rec.SetOnline(true)
	f.rec.Flush(ctx)

	assert.Zero(t, queueLen(t, f.repo))
	data, _, ok := f.store.Month("2024-06")
	require.True(t, ok)
	assert.Equal(t, "Rent", data.Persons[0].FixedExpenses[0].Name)
	assert.Equal(t, []capturedEvent{{kind: "synced", key: "2024-06"}}, f.events.events)
}

func TestFlushRecoversConnectivityOnItsOwn(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.rec.SetOnline(false)
	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()
	require.Equal(t, 1, queueLen(t, f.repo))

	// Backend still down: the reachability check fails, nothing drains.
	f.store.FailNext(remote.E(remote.KindTransient, "test", nil))
	f.rec.Flush(ctx)
	require.Equal(t, 1, queueLen(t, f.repo))
	assert.False(t, f.rec.Online())

	// Backend answers again: the periodic flush converges without anyone
	// calling SetOnline.
	f.rec.Flush(ctx)
	assert.True(t, f.rec.Online())
	assert.Zero(t, queueLen(t, f.repo))
	_, _, ok := f.store.Month("2024-06")
	assert.True(t, ok)
}

func TestLiveWriteSkipsQueue(t *testing.T) {
	f := newReconcilerFixture(t)

	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()

	assert.Zero(t, queueLen(t, f.repo), "confirmed live writes never queue")
	_, _, ok := f.store.Month("2024-06")
	assert.True(t, ok)
}

func TestUnchangedPayloadStaysClean(t *testing.T) {
	f := newReconcilerFixture(t)

	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()
	require.Zero(t, queueLen(t, f.repo))

	// Same bytes again: the synced hash matches, nothing becomes dirty.
	f.rec.SetOnline(false)
	data := core.BudgetData{}
	data.Persons[0].FixedExpenses = f.mustStoredExpenses(t, "2024-06")
	f.rec.NoteMonthChanged("2024-06", data)
	f.rec.writeThrough()

	assert.Zero(t, queueLen(t, f.repo))
}

func TestRevertToSyncedCopyCancelsQueuedEdit(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	item := core.LineItem{ID: core.NewID(), Name: "Rent", Amount: core.Money{Cents: 80000}, Propagate: true}
	synced := core.BudgetData{}
	synced.Persons[0].FixedExpenses = []core.LineItem{item}
	f.rec.NoteMonthChanged("2024-06", synced)
	f.rec.writeThrough()
	require.Zero(t, queueLen(t, f.repo))

	// Offline bump queues, then the user undoes it before reconnecting.
	f.rec.SetOnline(false)
	bumped := core.BudgetData{}
	bumped.Persons[0].FixedExpenses = []core.LineItem{{
		ID: item.ID, Name: item.Name, Amount: core.Money{Cents: 85000}, Propagate: true,
	}}
	f.rec.NoteMonthChanged("2024-06", bumped)
	f.rec.writeThrough()
	require.Equal(t, 1, queueLen(t, f.repo))

	f.rec.NoteMonthChanged("2024-06", synced)

	assert.Zero(t, queueLen(t, f.repo), "undone edit leaves nothing queued")

	f.rec.SetOnline(true)
	f.rec.Flush(ctx)

	data, _, ok := f.store.Month("2024-06")
	require.True(t, ok)
	assert.Equal(t, int64(80000), data.Persons[0].FixedExpenses[0].Amount.Cents,
		"the stale intermediate edit never reaches the remote")
}

func (f *reconcilerFixture) mustStoredExpenses(t *testing.T, key core.MonthKey) []core.LineItem {
	t.Helper()
	data, _, ok := f.store.Month(key)
	require.True(t, ok)
	return data.Persons[0].FixedExpenses
}

func TestTransientFailureQueuesAndRetries(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.store.FailNext(remote.E(remote.KindTransient, "test", nil))
	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()

	require.Equal(t, 1, queueLen(t, f.repo), "transient live failure falls back to the queue")

	f.rec.Flush(ctx)
	assert.Zero(t, queueLen(t, f.repo))
	_, _, ok := f.store.Month("2024-06")
	assert.True(t, ok)
}

func TestTransientFlushFailureKeepsEntryPending(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.rec.SetOnline(false)
	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()
	f.rec.SetOnline(true)

	f.store.FailNext(remote.E(remote.KindTransient, "test", nil))
	f.rec.Flush(ctx)

	require.Equal(t, 1, queueLen(t, f.repo), "entry survives a transient flush failure")
	entries, err := f.repo.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1, "entry is back in pending, not stuck reconciling")
}

func TestClientRejectionDropsEntry(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.rec.SetOnline(false)
	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()
	f.rec.SetOnline(true)

	f.store.FailNext(remote.E(remote.KindClientRejected, "test", nil))
	f.rec.Flush(ctx)

	assert.Zero(t, queueLen(t, f.repo), "permanent rejections are dropped, not retried forever")
	_, _, ok := f.store.Month("2024-06")
	assert.False(t, ok)
}

func TestUnauthorizedAbortsFlushAndEndsSession(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	var ended bool
	f.rec.OnSessionEnded(func() { ended = true })

	f.rec.SetOnline(false)
	f.edit(t, "2024-06", "Rent", 80000)
	f.edit(t, "2024-07", "Rent", 80000)
	f.rec.writeThrough()
	f.rec.SetOnline(true)

	f.store.FailNext(remote.E(remote.KindUnauthorized, "test", nil))
	f.rec.Flush(ctx)

	assert.True(t, ended, "session-expiry hook fires")
	assert.Equal(t, 2, queueLen(t, f.repo), "edits survive for the next sign-in")
}

func TestDeleteFlushesBeforeUpserts(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.store.Seed("2024-05", core.BudgetData{}, f.clock.Now().Add(-time.Hour))

	f.rec.SetOnline(false)
	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()
	f.clock.Advance(time.Second)
	f.rec.NoteMonthDeleted("2024-05")
	f.rec.writeThrough()
	f.rec.SetOnline(true)

	entries, err := f.repo.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, storage.OpDelete, entries[0].Op, "deletes drain first")

	f.rec.Flush(ctx)
	assert.Zero(t, queueLen(t, f.repo))
	_, _, ok := f.store.Month("2024-05")
	assert.False(t, ok)
	assert.Equal(t, []capturedEvent{
		{kind: "deleted", key: "2024-05"},
		{kind: "synced", key: "2024-06"},
	}, f.events.events)
}

func TestNewerRemoteWinsAndIsAdopted(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.rec.SetOnline(false)
	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()
	f.rec.SetOnline(true)

	// Another device wrote the same month after our queued edit.
	theirs := core.BudgetData{}
	theirs.Persons[0].FixedExpenses = []core.LineItem{
		{ID: "their-id", Name: "Rent", Amount: core.Money{Cents: 90000}, Propagate: true},
	}
	f.store.Seed("2024-06", theirs, f.clock.Now().Add(time.Minute))

	f.rec.Flush(ctx)

	assert.Zero(t, queueLen(t, f.repo))
	remoteData, _, _ := f.store.Month("2024-06")
	assert.Equal(t, int64(90000), remoteData.Persons[0].FixedExpenses[0].Amount.Cents,
		"our stale edit never overwrites the newer remote copy")

	local, ok := f.ledger.Month("2024-06")
	require.True(t, ok)
	assert.Equal(t, int64(90000), local.Persons[0].FixedExpenses[0].Amount.Cents,
		"ledger adopts the winning copy")

	stored, err := f.repo.LoadMonths(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestOlderRemoteLosesToQueuedEdit(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.store.Seed("2024-06", core.BudgetData{}, f.clock.Now().Add(-time.Hour))

	f.rec.SetOnline(false)
	f.edit(t, "2024-06", "Rent", 80000)
	f.rec.writeThrough()
	f.rec.SetOnline(true)

	f.rec.Flush(ctx)

	data, _, ok := f.store.Month("2024-06")
	require.True(t, ok)
	assert.Equal(t, int64(80000), data.Persons[0].FixedExpenses[0].Amount.Cents)
}

func TestSettingsFlush(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.rec.SetOnline(false)
	f.rec.NoteSettingsChanged(core.Settings{PersonNames: [2]string{"Alice", "Bob"}})
	f.rec.writeThrough()

	payload, _, err := f.repo.PendingSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, payload, "offline settings edit queues")

	f.rec.SetOnline(true)
	f.rec.Flush(ctx)

	payload, _, err = f.repo.PendingSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, payload)

	settings, err := f.store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"Alice", "Bob"}, settings.PersonNames)
}

func TestRejectedSettingsWriteIsDropped(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.store.FailNext(remote.E(remote.KindClientRejected, "test", nil))
	f.rec.NoteSettingsChanged(core.Settings{PersonNames: [2]string{"Alice", "Bob"}})
	f.rec.writeThrough()

	payload, _, err := f.repo.PendingSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, payload, "a permanent rejection is not retried forever")
}

func TestUnauthorizedSettingsWriteQueuesAndEndsSession(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	var ended bool
	f.rec.OnSessionEnded(func() { ended = true })

	f.store.FailNext(remote.E(remote.KindUnauthorized, "test", nil))
	f.rec.NoteSettingsChanged(core.Settings{PersonNames: [2]string{"Alice", "Bob"}})
	f.rec.writeThrough()

	assert.True(t, ended, "session-expiry hook fires")
	payload, _, err := f.repo.PendingSettings(ctx)
	require.NoError(t, err)
	assert.NotNil(t, payload, "edit survives for the next sign-in")
}

func TestStartStop(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Start(ctx))
	assert.Error(t, f.rec.Start(ctx), "double start is rejected")
	require.NoError(t, f.rec.Stop(ctx))
	require.NoError(t, f.rec.Stop(ctx), "stop is idempotent")
}

func TestLedgerEditsFlowThroughSyncEndToEnd(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.rec.SetOnline(false)
	_, err := f.ledger.MaterializeYear("2024-01")
	require.NoError(t, err)
	_, err = f.ledger.AddLineItem("2024-11", 0, core.ExpenseList,
		core.LineItem{Name: "Rent", Amount: core.Money{Cents: 80000}, Propagate: true})
	require.NoError(t, err)
	f.rec.writeThrough()

	// Twelve materialized months, all dirty, all queued.
	require.Equal(t, 12, queueLen(t, f.repo))

	f.rec.SetOnline(true)
	f.rec.Flush(ctx)
	assert.Zero(t, queueLen(t, f.repo))

	nov, _, ok := f.store.Month("2024-11")
	require.True(t, ok)
	require.Len(t, nov.Persons[0].FixedExpenses, 1)
	dec, _, ok := f.store.Month("2024-12")
	require.True(t, ok)
	require.Len(t, dec.Persons[0].FixedExpenses, 1, "propagated copy synced too")

	// A fresh process rehydrates the same state from the snapshots.
	stored, err := f.repo.LoadMonths(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 12)
}
