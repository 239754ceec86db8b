// Package services implements the ledger engine: month materialization,
// forward propagation of line-item edits, joint-balance carryover, and
// reconciliation of offline edits against the remote store.
package services

import (
	"bilancio/internal/core"
)

// ActiveIn reports whether a line item belongs in the given month under
// its recurrence window.
//
// Non-recurring items are always active: their presence in a month is
// purely presence of the record, not a window decision. A recurring item
// with an incomplete window never activates; a half-configured
// recurrence must not leak into future months. Otherwise the item is
// active in the half-open range [startMonth, startMonth+recurringMonths).
func ActiveIn(item core.LineItem, month core.MonthKey) bool {
	if !item.Recurring {
		return true
	}
	if item.StartMonth == "" || item.RecurringMonths <= 0 {
		return false
	}
	diff := core.MonthsBetween(item.StartMonth, month)
	return diff >= 0 && diff < item.RecurringMonths
}
