package services

import (
	"testing"

	"bilancio/internal/core"
)

func monthWith(initial int64, txs ...core.Transaction) *core.BudgetData {
	return &core.BudgetData{Joint: core.JointAccount{
		InitialBalance: core.Money{Cents: initial},
		Transactions:   txs,
	}}
}

func TestRecarryFromChainsBalances(t *testing.T) {
	months := core.MonthlyBudget{
		"2024-01": monthWith(10000,
			core.Transaction{ID: "t1", Type: core.Deposit, Amount: core.Money{Cents: 5000}},
			core.Transaction{ID: "t2", Type: core.Disbursement, Amount: core.Money{Cents: 3000}},
		),
		"2024-02": monthWith(0,
			core.Transaction{ID: "t3", Type: core.Disbursement, Amount: core.Money{Cents: 2000}},
		),
		"2024-03": monthWith(0),
	}

	changed := RecarryFrom(months, "2024-01")

	if got := months["2024-02"].Joint.InitialBalance.Cents; got != 12000 {
		t.Errorf("2024-02 opening balance = %d, want 12000", got)
	}
	if got := months["2024-03"].Joint.InitialBalance.Cents; got != 10000 {
		t.Errorf("2024-03 opening balance = %d, want 10000", got)
	}
	if len(changed) != 2 {
		t.Errorf("expected 2 changed months, got %v", changed)
	}
}

func TestRecarryFromIdempotent(t *testing.T) {
	months := core.MonthlyBudget{
		"2024-01": monthWith(10000, core.Transaction{ID: "t1", Type: core.Deposit, Amount: core.Money{Cents: 500}}),
		"2024-02": monthWith(0),
		"2024-03": monthWith(0),
	}

	RecarryFrom(months, "2024-01")
	changed := RecarryFrom(months, "2024-01")
	if len(changed) != 0 {
		t.Errorf("second run should change nothing, got %v", changed)
	}
}

func TestRecarryFromNeverTouchesEarlierMonths(t *testing.T) {
	months := core.MonthlyBudget{
		"2024-01": monthWith(777),
		"2024-02": monthWith(10000, core.Transaction{ID: "t1", Type: core.Deposit, Amount: core.Money{Cents: 100}}),
		"2024-03": monthWith(0),
	}

	RecarryFrom(months, "2024-02")

	if months["2024-01"].Joint.InitialBalance.Cents != 777 {
		t.Error("carryover mutated a month before the anchor")
	}
	if months["2024-03"].Joint.InitialBalance.Cents != 10100 {
		t.Errorf("2024-03 opening balance = %d, want 10100", months["2024-03"].Joint.InitialBalance.Cents)
	}
}

func TestRecarryFromAbsentAnchorFoldsFromPredecessor(t *testing.T) {
	// 2024-02 was just deleted: the month after the gap must be refolded
	// from the month before it, not left with its stale opening balance.
	months := core.MonthlyBudget{
		"2024-01": monthWith(10000),
		"2024-03": monthWith(15000),
		"2024-04": monthWith(0),
	}

	RecarryFrom(months, "2024-02")

	if got := months["2024-03"].Joint.InitialBalance.Cents; got != 10000 {
		t.Errorf("2024-03 opening balance = %d, want 10000", got)
	}
	if got := months["2024-04"].Joint.InitialBalance.Cents; got != 10000 {
		t.Errorf("2024-04 opening balance = %d, want 10000", got)
	}
}

func TestRecarryFromStartBeforeAllMonths(t *testing.T) {
	// Nothing materialized before start: the earliest month's own opening
	// balance seeds the chain and is never overwritten.
	months := core.MonthlyBudget{
		"2024-03": monthWith(5000),
		"2024-04": monthWith(0),
	}

	RecarryFrom(months, "2024-01")

	if months["2024-03"].Joint.InitialBalance.Cents != 5000 {
		t.Error("carryover mutated the earliest month")
	}
	if months["2024-04"].Joint.InitialBalance.Cents != 5000 {
		t.Errorf("2024-04 opening balance = %d, want 5000", months["2024-04"].Joint.InitialBalance.Cents)
	}
}
