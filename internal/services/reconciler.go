package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/normalize"
	"bilancio/internal/remote"
	"bilancio/internal/storage"
)

// EventPublisher is notified after each confirmed remote write so other
// household devices can refresh. Implementations may be nil-safe absent.
type EventPublisher interface {
	MonthSynced(ctx context.Context, key core.MonthKey, updatedAt time.Time) error
	MonthDeleted(ctx context.Context, key core.MonthKey) error
}

// ReconcilerConfig holds tuning for the sync layer.
type ReconcilerConfig struct {
	// Debounce is how long after the last edit a live write is
	// attempted. It batches keystroke-level edits into one round-trip
	// and is not a substitute for the durable queue.
	Debounce time.Duration

	// FlushInterval is how often the queue is drained while online.
	FlushInterval time.Duration
}

// DefaultReconcilerConfig returns sensible defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Debounce:      300 * time.Millisecond,
		FlushInterval: 30 * time.Second,
	}
}

type pendingEdit struct {
	payload []byte
	delete  bool
	at      time.Time
}

// Reconciler owns the dual write path: a debounced live write when the
// client is online, and the durable queue with its serialized flush loop
// for everything that could not be confirmed. Per month key the state
// machine is Clean -> Dirty -> Queued -> Reconciling -> Clean.
type Reconciler struct {
	ledger *Ledger
	repo   *storage.Repository
	remote remote.Store
	events EventPublisher
	config ReconcilerConfig
	logger *log.Logger
	now    func() time.Time

	// onSessionEnded fires when the remote store rejects our session;
	// the auth subsystem owns what happens next.
	onSessionEnded func()

	mu       sync.Mutex
	online   bool
	pending  map[core.MonthKey]pendingEdit
	settings *pendingEdit
	timer    *time.Timer

	flushMu   sync.Mutex
	running   bool
	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	kickCh    chan struct{}
}

// NewReconciler wires the sync layer. events and onSessionEnded may be
// nil.
func NewReconciler(
	ledger *Ledger,
	repo *storage.Repository,
	store remote.Store,
	events EventPublisher,
	config ReconcilerConfig,
	logger *log.Logger,
) *Reconciler {
	if logger == nil {
		logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentSync)
	}
	return &Reconciler{
		ledger:  ledger,
		repo:    repo,
		remote:  store,
		events:  events,
		config:  config,
		logger:  logger,
		now:     time.Now,
		online:  true,
		pending: make(map[core.MonthKey]pendingEdit),
		kickCh:  make(chan struct{}, 1),
	}
}

// OnSessionEnded installs the session-expiry hook.
func (r *Reconciler) OnSessionEnded(fn func()) { r.onSessionEnded = fn }

// SetOnline records connectivity. Coming back online kicks a flush.
func (r *Reconciler) SetOnline(online bool) {
	r.mu.Lock()
	was := r.online
	r.online = online
	r.mu.Unlock()
	if online && !was {
		r.kick()
	}
}

// Online reports the last known connectivity state.
func (r *Reconciler) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Start begins the flush loop. Returns an error if already running.
func (r *Reconciler) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	if r.running {
		r.lifecycle.Unlock()
		return fmt.Errorf("reconciler is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.lifecycle.Unlock()

	// Return crash leftovers to the pending state before draining.
	if err := r.repo.ResetStaleReconciling(ctx); err != nil {
		r.logger.WarnContext(ctx, "failed to reset stale queue entries", log.FieldError, err)
	}

	go r.runLoop(ctx)
	r.kick()

	r.logger.InfoContext(ctx, "reconciler started",
		"debounce", r.config.Debounce,
		"flush_interval", r.config.FlushInterval)
	return nil
}

// Stop gracefully stops the loop and waits for completion.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.lifecycle.Lock()
	if !r.running {
		r.lifecycle.Unlock()
		return nil
	}
	r.lifecycle.Unlock()

	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	r.lifecycle.Lock()
	r.running = false
	r.lifecycle.Unlock()
	return nil
}

func (r *Reconciler) runLoop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Flush(ctx)
		case <-r.kickCh:
			r.Flush(ctx)
		}
	}
}

func (r *Reconciler) kick() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

// NoteMonthChanged is the ledger hook for a locally edited month. The
// snapshot is persisted immediately; the remote write is debounced.
func (r *Reconciler) NoteMonthChanged(key core.MonthKey, data core.BudgetData) {
	ctx := context.Background()
	payload, err := json.Marshal(data)
	if err != nil {
		r.logger.Error("failed to encode month", log.FieldMonth, string(key), log.FieldError, err)
		return
	}
	now := r.now()
	if err := r.repo.SaveMonth(ctx, key, payload, now); err != nil {
		r.logger.Error("failed to persist month snapshot", log.FieldMonth, string(key), log.FieldError, err)
	}

	// Unchanged since the last confirmed sync: stays Clean. A revert
	// back to the synced copy also cancels anything still waiting to
	// be pushed, in memory or in the durable queue.
	synced, err := r.repo.SyncedHash(ctx, key)
	if err == nil && synced == payloadHash(payload) {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		if err := r.repo.DropQueuedUpsert(ctx, key); err != nil {
			r.logger.Error("failed to cancel queued edit", log.FieldMonth, string(key), log.FieldError, err)
		}
		return
	}

	r.mu.Lock()
	r.pending[key] = pendingEdit{payload: payload, at: now}
	r.resetDebounceLocked()
	r.mu.Unlock()
}

// NoteMonthDeleted is the ledger hook for a destroyed month.
func (r *Reconciler) NoteMonthDeleted(key core.MonthKey) {
	ctx := context.Background()
	if err := r.repo.DeleteMonth(ctx, key); err != nil {
		r.logger.Error("failed to drop month snapshot", log.FieldMonth, string(key), log.FieldError, err)
	}

	r.mu.Lock()
	r.pending[key] = pendingEdit{delete: true, at: r.now()}
	r.resetDebounceLocked()
	r.mu.Unlock()
}

// NoteSettingsChanged is the ledger hook for a settings edit.
func (r *Reconciler) NoteSettingsChanged(settings core.Settings) {
	payload, err := json.Marshal(settings)
	if err != nil {
		r.logger.Error("failed to encode settings", log.FieldError, err)
		return
	}
	r.mu.Lock()
	r.settings = &pendingEdit{payload: payload, at: r.now()}
	r.resetDebounceLocked()
	r.mu.Unlock()
}

// resetDebounceLocked restarts the write delay. Caller holds r.mu.
func (r *Reconciler) resetDebounceLocked() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.config.Debounce, r.writeThrough)
}

// writeThrough drains the in-memory dirty set: a live remote write per
// key when online, the durable queue otherwise. Every failure path ends
// in the queue except a permanent client rejection.
func (r *Reconciler) writeThrough() {
	ctx := context.Background()

	r.mu.Lock()
	edits := r.pending
	settings := r.settings
	r.pending = make(map[core.MonthKey]pendingEdit)
	r.settings = nil
	online := r.online
	r.mu.Unlock()

	for key, edit := range edits {
		if !online {
			r.enqueue(ctx, key, edit)
			continue
		}
		if err := r.writeLive(ctx, key, edit); err != nil {
			r.classifyWriteFailure(ctx, key, edit, err)
		}
	}

	if settings != nil {
		if online {
			err := r.pushSettings(ctx, settings.payload)
			switch {
			case err == nil:
				return
			case remote.IsUnauthorized(err):
				r.enqueueSettings(ctx, settings)
				r.sessionEnded()
				return
			case !remote.IsRetryable(err):
				r.logger.Error("remote rejected settings, dropping", log.FieldError, err)
				return
			}
		}
		r.enqueueSettings(ctx, settings)
	}
}

func (r *Reconciler) enqueueSettings(ctx context.Context, edit *pendingEdit) {
	if err := r.repo.EnqueueSettings(ctx, edit.payload, edit.at); err != nil {
		r.logger.Error("failed to queue settings", log.FieldError, err)
	}
}

func (r *Reconciler) writeLive(ctx context.Context, key core.MonthKey, edit pendingEdit) error {
	if edit.delete {
		if err := r.remote.DeleteMonth(ctx, key); err != nil {
			return err
		}
		r.publishDeleted(ctx, key)
		return nil
	}

	updatedAt, err := r.remote.PutMonth(ctx, key, normalize.BudgetData(edit.payload))
	if err != nil {
		return err
	}
	if err := r.repo.MarkSynced(ctx, key, payloadHash(edit.payload)); err != nil {
		r.logger.Warn("failed to record synced hash", log.FieldMonth, string(key), log.FieldError, err)
	}
	r.publishSynced(ctx, key, updatedAt)
	return nil
}

func (r *Reconciler) classifyWriteFailure(ctx context.Context, key core.MonthKey, edit pendingEdit, err error) {
	switch {
	case remote.IsUnauthorized(err):
		// Preserve the edit for the next sign-in, then surface.
		r.enqueue(ctx, key, edit)
		r.sessionEnded()
	case !remote.IsRetryable(err):
		r.logger.Error("remote rejected local edit, dropping",
			log.FieldMonth, string(key), log.FieldError, err)
	default:
		r.logger.Warn("live write failed, queueing",
			log.FieldMonth, string(key), log.FieldError, err)
		r.enqueue(ctx, key, edit)
	}
}

func (r *Reconciler) enqueue(ctx context.Context, key core.MonthKey, edit pendingEdit) {
	var err error
	if edit.delete {
		err = r.repo.EnqueueDelete(ctx, key, edit.at)
	} else {
		err = r.repo.EnqueueUpsert(ctx, key, edit.payload, edit.at)
	}
	if err != nil {
		r.logger.Error("failed to queue edit", log.FieldMonth, string(key), log.FieldError, err)
	}
}

// Flush drains the durable queue against the remote store: deletes
// before upserts, the live queue re-read at every step so edits made
// during the flush are never lost. Only one flush runs at a time.
func (r *Reconciler) Flush(ctx context.Context) {
	if !r.flushMu.TryLock() {
		return
	}
	defer r.flushMu.Unlock()

	if !r.Online() {
		// A cheap settings read tells us whether the backend is
		// reachable again. Until it answers we stay offline.
		if _, err := r.remote.GetSettings(ctx); err != nil {
			return
		}
		r.logger.InfoContext(ctx, "remote reachable again, resuming sync")
		r.SetOnline(true)
	}

	attempted := make(map[string]bool)
	for {
		entries, err := r.repo.ListQueue(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to read sync queue", log.FieldError, err)
			return
		}

		var next *storage.QueueEntry
		for i := range entries {
			if !attempted[entryKey(entries[i])] {
				next = &entries[i]
				break
			}
		}
		if next == nil {
			break
		}
		attempted[entryKey(*next)] = true

		if err := r.repo.MarkReconciling(ctx, next.Key, next.Op); err != nil {
			r.logger.ErrorContext(ctx, "failed to mark queue entry",
				log.FieldMonth, string(next.Key), log.FieldError, err)
			continue
		}

		if err := r.reconcileEntry(ctx, *next); err != nil {
			if remote.IsUnauthorized(err) {
				r.logger.WarnContext(ctx, "session rejected, aborting flush", log.FieldError, err)
				r.abortFlush(ctx)
				r.sessionEnded()
				return
			}
			if remote.IsRetryable(err) {
				r.logger.WarnContext(ctx, "queue entry kept for retry",
					log.FieldMonth, string(next.Key), log.FieldError, err)
				continue
			}
			// Permanent rejection: retrying cannot change the outcome.
			r.logger.ErrorContext(ctx, "remote rejected queued edit, dropping",
				log.FieldMonth, string(next.Key), log.FieldError, err)
			if err := r.repo.RemoveQueueEntry(ctx, *next); err != nil {
				r.logger.ErrorContext(ctx, "failed to drop queue entry", log.FieldError, err)
			}
		}
	}

	r.flushSettings(ctx)

	// Entries that failed transiently go back to pending for next time.
	if err := r.repo.ResetStaleReconciling(ctx); err != nil {
		r.logger.WarnContext(ctx, "failed to reset queue statuses", log.FieldError, err)
	}
}

// abortFlush returns every in-flight entry to pending.
func (r *Reconciler) abortFlush(ctx context.Context) {
	if err := r.repo.ResetStaleReconciling(ctx); err != nil {
		r.logger.WarnContext(ctx, "failed to reset queue statuses", log.FieldError, err)
	}
}

// reconcileEntry resolves one queue entry against the remote copy.
// Remote strictly newer than the queued local edit wins.
func (r *Reconciler) reconcileEntry(ctx context.Context, entry storage.QueueEntry) error {
	rec, err := r.remote.GetMonth(ctx, entry.Key)
	switch {
	case remote.IsNotFound(err):
		// Nothing remote to lose; push ours.
	case err != nil:
		return err
	case rec.UpdatedAt.After(entry.UpdatedAt):
		return r.adoptRemote(ctx, entry, rec)
	}

	if entry.Op == storage.OpDelete {
		if err := r.remote.DeleteMonth(ctx, entry.Key); err != nil {
			return err
		}
		r.publishDeleted(ctx, entry.Key)
		return r.repo.RemoveQueueEntry(ctx, entry)
	}

	data := normalize.BudgetData(entry.Payload)
	updatedAt, err := r.remote.PutMonth(ctx, entry.Key, data)
	if err != nil {
		return err
	}
	if err := r.repo.MarkSynced(ctx, entry.Key, payloadHash(entry.Payload)); err != nil {
		r.logger.WarnContext(ctx, "failed to record synced hash",
			log.FieldMonth, string(entry.Key), log.FieldError, err)
	}
	r.publishSynced(ctx, entry.Key, updatedAt)
	return r.repo.RemoveQueueEntry(ctx, entry)
}

// adoptRemote installs the winning remote copy locally and drops the
// queue entry.
func (r *Reconciler) adoptRemote(ctx context.Context, entry storage.QueueEntry, rec remote.MonthRecord) error {
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode adopted month: %w", err)
	}
	r.ledger.AdoptRemote(entry.Key, rec.Data)
	if err := r.repo.SaveMonth(ctx, entry.Key, payload, rec.UpdatedAt); err != nil {
		return err
	}
	if err := r.repo.MarkSynced(ctx, entry.Key, payloadHash(payload)); err != nil {
		r.logger.WarnContext(ctx, "failed to record synced hash",
			log.FieldMonth, string(entry.Key), log.FieldError, err)
	}
	r.logger.InfoContext(ctx, "adopted newer remote month",
		log.FieldMonth, string(entry.Key),
		log.FieldUpdatedAt, rec.UpdatedAt)
	return r.repo.RemoveQueueEntry(ctx, entry)
}

// flushSettings pushes a queued settings write. Settings are a single
// global resource with no multi-device update path in scope, so local
// always overwrites without a timestamp check.
func (r *Reconciler) flushSettings(ctx context.Context) {
	payload, at, err := r.repo.PendingSettings(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to read queued settings", log.FieldError, err)
		return
	}
	if payload == nil {
		return
	}
	if err := r.pushSettings(ctx, payload); err != nil {
		if remote.IsUnauthorized(err) {
			r.sessionEnded()
			return
		}
		if !remote.IsRetryable(err) {
			r.logger.ErrorContext(ctx, "remote rejected settings, dropping", log.FieldError, err)
			if err := r.repo.ClearSettings(ctx, at); err != nil {
				r.logger.ErrorContext(ctx, "failed to clear settings queue", log.FieldError, err)
			}
		}
		return
	}
	if err := r.repo.ClearSettings(ctx, at); err != nil {
		r.logger.ErrorContext(ctx, "failed to clear settings queue", log.FieldError, err)
	}
}

func (r *Reconciler) pushSettings(ctx context.Context, payload []byte) error {
	settings := normalize.Settings(payload)
	patch := core.SettingsPatch{
		PersonName1:   &settings.PersonNames[0],
		PersonName2:   &settings.PersonNames[1],
		LinkedUserID1: &settings.LinkedUserIDs[0],
		LinkedUserID2: &settings.LinkedUserIDs[1],
	}
	if settings.DefaultMonth != "" {
		patch.DefaultMonth = &settings.DefaultMonth
	}
	_, err := r.remote.PatchSettings(ctx, patch)
	return err
}

func (r *Reconciler) publishSynced(ctx context.Context, key core.MonthKey, updatedAt time.Time) {
	if r.events == nil {
		return
	}
	if err := r.events.MonthSynced(ctx, key, updatedAt); err != nil {
		r.logger.WarnContext(ctx, "failed to publish sync event",
			log.FieldMonth, string(key), log.FieldError, err)
	}
}

func (r *Reconciler) publishDeleted(ctx context.Context, key core.MonthKey) {
	if r.events == nil {
		return
	}
	if err := r.events.MonthDeleted(ctx, key); err != nil {
		r.logger.WarnContext(ctx, "failed to publish delete event",
			log.FieldMonth, string(key), log.FieldError, err)
	}
}

func (r *Reconciler) sessionEnded() {
	if r.onSessionEnded != nil {
		r.onSessionEnded()
	}
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func entryKey(e storage.QueueEntry) string {
	return string(e.Op) + ":" + string(e.Key)
}
