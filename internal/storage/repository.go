// Package storage is the local durable store: the offline snapshot of
// the month map, the sync queue, and small app state. Everything is
// written on every change so a restart while offline loses nothing.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bilancio/internal/core"

	_ "modernc.org/sqlite"
)

// QueueOp names a queued operation.
type QueueOp string

const (
	OpUpsert QueueOp = "upsert"
	OpDelete QueueOp = "delete"
)

// QueueEntry is one pending edit not yet confirmed written remotely.
type QueueEntry struct {
	Key       core.MonthKey
	Op        QueueOp
	Payload   []byte
	UpdatedAt time.Time
}

// StoredMonth is one snapshotted month.
type StoredMonth struct {
	Key        core.MonthKey
	Payload    []byte
	SyncedHash string
	UpdatedAt  time.Time
}

// Repository is the SQLite-backed local store.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (and migrates) the database at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close releases the underlying database.
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// SaveMonth upserts one month's snapshot payload.
func (r *Repository) SaveMonth(ctx context.Context, key core.MonthKey, payload []byte, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO months (month_key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (month_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(key), string(payload), updatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save month %s: %w", key, err)
	}
	return nil
}

// MarkSynced records the canonical hash of the last payload confirmed
// written to (or adopted from) the remote store for this month.
func (r *Repository) MarkSynced(ctx context.Context, key core.MonthKey, hash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE months SET synced_hash = ? WHERE month_key = ?`,
		hash, string(key))
	if err != nil {
		return fmt.Errorf("mark month %s synced: %w", key, err)
	}
	return nil
}

// SyncedHash returns the last-synced payload hash for a month, empty
// when the month was never synced.
func (r *Repository) SyncedHash(ctx context.Context, key core.MonthKey) (string, error) {
	var hash sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT synced_hash FROM months WHERE month_key = ?`, string(key)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("synced hash %s: %w", key, err)
	}
	return hash.String, nil
}

// DeleteMonth removes a month's snapshot.
func (r *Repository) DeleteMonth(ctx context.Context, key core.MonthKey) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM months WHERE month_key = ?`, string(key)); err != nil {
		return fmt.Errorf("delete month %s: %w", key, err)
	}
	return nil
}

// LoadMonths returns the full offline snapshot.
func (r *Repository) LoadMonths(ctx context.Context) ([]StoredMonth, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT month_key, payload, COALESCE(synced_hash, ''), updated_at FROM months ORDER BY month_key`)
	if err != nil {
		return nil, fmt.Errorf("load months: %w", err)
	}
	defer rows.Close()

	var out []StoredMonth
	for rows.Next() {
		var (
			key, payload, hash, ts string
		)
		if err := rows.Scan(&key, &payload, &hash, &ts); err != nil {
			return nil, fmt.Errorf("scan month: %w", err)
		}
		updatedAt, _ := time.Parse(time.RFC3339Nano, ts)
		out = append(out, StoredMonth{
			Key:        core.MonthKey(key),
			Payload:    []byte(payload),
			SyncedHash: hash,
			UpdatedAt:  updatedAt,
		})
	}
	return out, rows.Err()
}

// EnqueueUpsert queues a month write, replacing any prior queued upsert
// for the key (last local write wins locally) and cancelling a queued
// delete for the same key.
func (r *Repository) EnqueueUpsert(ctx context.Context, key core.MonthKey, payload []byte, updatedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue upsert %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE month_key = ? AND operation = 'delete'`, string(key)); err != nil {
		return fmt.Errorf("enqueue upsert %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (month_key, operation, payload, updated_at, status)
		VALUES (?, 'upsert', ?, ?, 'pending')
		ON CONFLICT (month_key, operation) DO UPDATE SET
			payload = excluded.payload, updated_at = excluded.updated_at, status = 'pending'`,
		string(key), string(payload), updatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("enqueue upsert %s: %w", key, err)
	}
	return tx.Commit()
}

// EnqueueDelete queues a month deletion, cancelling any pending upsert
// for the same key.
func (r *Repository) EnqueueDelete(ctx context.Context, key core.MonthKey, updatedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue delete %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE month_key = ? AND operation = 'upsert'`, string(key)); err != nil {
		return fmt.Errorf("enqueue delete %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (month_key, operation, payload, updated_at, status)
		VALUES (?, 'delete', NULL, ?, 'pending')
		ON CONFLICT (month_key, operation) DO UPDATE SET
			updated_at = excluded.updated_at, status = 'pending'`,
		string(key), updatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("enqueue delete %s: %w", key, err)
	}
	return tx.Commit()
}

// ListQueue returns the live queue, deletes before upserts, oldest
// first within each group. The reconciler re-reads this at every flush
// step so edits made during a flush are never lost.
func (r *Repository) ListQueue(ctx context.Context) ([]QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT month_key, operation, COALESCE(payload, ''), updated_at FROM sync_queue
		ORDER BY CASE operation WHEN 'delete' THEN 0 ELSE 1 END, updated_at, month_key`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var key, op, payload, ts string
		if err := rows.Scan(&key, &op, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		updatedAt, _ := time.Parse(time.RFC3339Nano, ts)
		entry := QueueEntry{Key: core.MonthKey(key), Op: QueueOp(op), UpdatedAt: updatedAt}
		if payload != "" {
			entry.Payload = []byte(payload)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkReconciling flags an entry as in flight.
func (r *Repository) MarkReconciling(ctx context.Context, key core.MonthKey, op QueueOp) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'reconciling' WHERE month_key = ? AND operation = ?`,
		string(key), string(op))
	if err != nil {
		return fmt.Errorf("mark reconciling %s/%s: %w", key, op, err)
	}
	return nil
}

// RemoveQueueEntry drops an entry, but only if it was not superseded by
// a newer local edit while the flush was in flight.
func (r *Repository) RemoveQueueEntry(ctx context.Context, entry QueueEntry) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE month_key = ? AND operation = ? AND updated_at = ?`,
		string(entry.Key), string(entry.Op), entry.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("remove queue entry %s/%s: %w", entry.Key, entry.Op, err)
	}
	return nil
}

// DropQueuedUpsert cancels a queued upsert for key regardless of its
// timestamp. Used when a later edit reverts the month to its last
// synced copy, leaving nothing to push.
func (r *Repository) DropQueuedUpsert(ctx context.Context, key core.MonthKey) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE month_key = ? AND operation = 'upsert'`, string(key))
	if err != nil {
		return fmt.Errorf("drop queued upsert %s: %w", key, err)
	}
	return nil
}

// ResetStaleReconciling returns in-flight entries to pending. Called on
// open to recover from a crash mid-flush.
func (r *Repository) ResetStaleReconciling(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending' WHERE status = 'reconciling'`); err != nil {
		return fmt.Errorf("reset stale reconciling: %w", err)
	}
	return nil
}

// QueueLen returns the number of pending entries.
func (r *Repository) QueueLen(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// EnqueueSettings stores the pending settings payload, replacing any
// prior one.
func (r *Repository) EnqueueSettings(ctx context.Context, payload []byte, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings_queue (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), updatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue settings: %w", err)
	}
	return nil
}

// PendingSettings returns the queued settings payload, or nil.
func (r *Repository) PendingSettings(ctx context.Context) ([]byte, time.Time, error) {
	var payload, ts string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM settings_queue WHERE id = 1`).Scan(&payload, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("pending settings: %w", err)
	}
	updatedAt, _ := time.Parse(time.RFC3339Nano, ts)
	return []byte(payload), updatedAt, nil
}

// ClearSettings drops the queued settings payload if it still carries
// the given timestamp.
func (r *Repository) ClearSettings(ctx context.Context, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM settings_queue WHERE id = 1 AND updated_at = ?`,
		updatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("clear settings queue: %w", err)
	}
	return nil
}

// SetAppState stores one key under the app-state namespace.
func (r *Repository) SetAppState(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set app state %s: %w", key, err)
	}
	return nil
}

// AppState reads one key; absent keys return the empty string.
func (r *Repository) AppState(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("app state %s: %w", key, err)
	}
	return value, nil
}

// Last-viewed month key, optionally scoped to an identified user.
const lastViewedKeyPrefix = "last_viewed_month"

// SetLastViewedMonth remembers the month the user was looking at.
func (r *Repository) SetLastViewedMonth(ctx context.Context, userID string, key core.MonthKey) error {
	return r.SetAppState(ctx, lastViewedStateKey(userID), string(key))
}

// LastViewedMonth returns the remembered month, empty when unset.
func (r *Repository) LastViewedMonth(ctx context.Context, userID string) (core.MonthKey, error) {
	v, err := r.AppState(ctx, lastViewedStateKey(userID))
	return core.MonthKey(v), err
}

func lastViewedStateKey(userID string) string {
	if userID == "" {
		return lastViewedKeyPrefix
	}
	return lastViewedKeyPrefix + ":" + userID
}
