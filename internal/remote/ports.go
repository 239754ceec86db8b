// Package remote defines the ports to the authoritative store and the
// error taxonomy callers classify failures with. Adapters live in the
// subpackages; the engine never sees a transport.
package remote

import (
	"context"
	"time"

	"bilancio/internal/core"
)

// MonthRecord is one remote month document with its server timestamp.
type MonthRecord struct {
	Key       core.MonthKey
	Data      core.BudgetData
	UpdatedAt time.Time
}

// MonthStore is the per-month document API.
type (
	MonthStore interface {
		// ListMonths returns every stored month with its timestamp.
		ListMonths(ctx context.Context) ([]MonthRecord, error)

		// GetMonth returns one month, or a NotFound error.
		GetMonth(ctx context.Context, key core.MonthKey) (MonthRecord, error)

		// PutMonth upserts a month and returns the new server timestamp.
		PutMonth(ctx context.Context, key core.MonthKey, data core.BudgetData) (time.Time, error)

		// DeleteMonth removes a month. Deleting an absent month is not
		// an error.
		DeleteMonth(ctx context.Context, key core.MonthKey) error
	}

	// SettingsStore is the single global settings resource.
	SettingsStore interface {
		GetSettings(ctx context.Context) (core.Settings, error)
		PatchSettings(ctx context.Context, patch core.SettingsPatch) (core.Settings, error)
	}

	// Store is the full remote surface the reconciler drains against.
	Store interface {
		MonthStore
		SettingsStore
	}
)
