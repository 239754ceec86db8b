package services

import (
	"bilancio/internal/core"
)

// RecarryFrom recomputes the joint account's opening balance for every
// materialized month after start, folding each month's transactions onto
// the previous running balance. It must run after any mutation that can
// change a month's balance, anchored at the earliest affected month.
// Idempotent; returns the months whose opening balance actually changed.
func RecarryFrom(months core.MonthlyBudget, start core.MonthKey) []core.MonthKey {
	keys := core.SortedKeys(months)
	if len(keys) == 0 {
		return nil
	}

	// Anchor at the latest materialized month at or before start. When
	// start itself was just deleted this lands on its predecessor, so the
	// month now following the gap is refolded from the right balance. With
	// no predecessor the earliest month's own opening balance is the seed.
	anchor := 0
	for i, k := range keys {
		if k.Before(start) || k == start {
			anchor = i
		}
	}

	var changed []core.MonthKey
	running := months[keys[anchor]].Joint.Balance()
	for _, k := range keys[anchor+1:] {
		joint := &months[k].Joint
		if joint.InitialBalance != running {
			joint.InitialBalance = running
			changed = append(changed, k)
		}
		running = joint.Balance()
	}
	return changed
}
