package services

import (
	"context"
	"fmt"
	"sync"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/remote"
)

// Ledger owns the materialized month map and the settings copy. All
// mutation goes through its methods; nothing else splices the map. It is
// created on sign-in and reset on sign-out, and hands every local change
// to its listeners so the sync layer can persist and schedule it.
type Ledger struct {
	mu       sync.Mutex
	months   core.MonthlyBudget
	settings core.Settings

	prop   *Propagator
	logger *log.Logger

	onMonthChanged    func(core.MonthKey, core.BudgetData)
	onMonthDeleted    func(core.MonthKey)
	onSettingsChanged func(core.Settings)
}

// NewLedger builds an empty ledger around the given propagator.
func NewLedger(prop *Propagator, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentLedger)
	}
	return &Ledger{
		months: make(core.MonthlyBudget),
		prop:   prop,
		logger: logger,
	}
}

// SetListeners installs the change hooks. Listeners receive deep copies
// and run outside the ledger lock; they may not be changed while
// operations are in flight.
func (l *Ledger) SetListeners(
	monthChanged func(core.MonthKey, core.BudgetData),
	monthDeleted func(core.MonthKey),
	settingsChanged func(core.Settings),
) {
	l.onMonthChanged = monthChanged
	l.onMonthDeleted = monthDeleted
	l.onSettingsChanged = settingsChanged
}

type monthChange struct {
	key  core.MonthKey
	data core.BudgetData
}

func (l *Ledger) notifyChanged(changes []monthChange) {
	if l.onMonthChanged == nil {
		return
	}
	for _, c := range changes {
		l.onMonthChanged(c.key, c.data)
	}
}

// snapshotKeys copies the given months under the lock so listeners can
// run without it.
func (l *Ledger) snapshotKeys(keys []core.MonthKey) []monthChange {
	out := make([]monthChange, 0, len(keys))
	for _, k := range keys {
		if data, ok := l.months[k]; ok {
			out = append(out, monthChange{key: k, data: *data.Clone()})
		}
	}
	return out
}

// LoadRemote replaces the ledger contents with the remote store's
// current state. Used on sign-in when the network is reachable.
func (l *Ledger) LoadRemote(ctx context.Context, store remote.Store) error {
	records, err := store.ListMonths(ctx)
	if err != nil {
		return fmt.Errorf("list remote months: %w", err)
	}
	settings, err := store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("get remote settings: %w", err)
	}

	l.mu.Lock()
	l.months = make(core.MonthlyBudget, len(records))
	for _, rec := range records {
		data := rec.Data
		l.months[rec.Key] = data.Clone()
	}
	l.settings = settings
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "ledger loaded from remote", log.FieldMonthsTouched, len(records))
	return nil
}

// Rehydrate replaces the ledger contents from the offline snapshot.
// No listeners fire; the snapshot is already durable.
func (l *Ledger) Rehydrate(months core.MonthlyBudget, settings core.Settings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.months = make(core.MonthlyBudget, len(months))
	for k, data := range months {
		l.months[k] = data.Clone()
	}
	l.settings = settings
}

// AdoptRemote installs a remote-won month during reconciliation without
// re-marking it dirty.
func (l *Ledger) AdoptRemote(key core.MonthKey, data core.BudgetData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.months[key] = data.Clone()
}

// Reset clears all state on sign-out. Pending queue entries survive in
// the durable store.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.months = make(core.MonthlyBudget)
	l.settings = core.Settings{}
}

// Month returns a deep copy of one month.
func (l *Ledger) Month(key core.MonthKey) (core.BudgetData, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.months[key]
	if !ok {
		return core.BudgetData{}, false
	}
	return *data.Clone(), true
}

// Keys returns the materialized month keys in chronological order.
func (l *Ledger) Keys() []core.MonthKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	return core.SortedKeys(l.months)
}

// Settings returns the current settings copy.
func (l *Ledger) Settings() core.Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// ApplySettingsPatch folds a partial settings update and notifies the
// sync layer.
func (l *Ledger) ApplySettingsPatch(patch core.SettingsPatch) core.Settings {
	l.mu.Lock()
	patch.Apply(&l.settings)
	settings := l.settings
	l.mu.Unlock()

	if l.onSettingsChanged != nil {
		l.onSettingsChanged(settings)
	}
	return settings
}

// MaterializeYear creates any missing months in the twelve starting at
// seed. New months are seeded with the propagation-eligible lines of the
// nearest earlier month whose recurrence window admits them, and the
// joint opening balance is carried forward.
func (l *Ledger) MaterializeYear(seed core.MonthKey) ([]core.MonthKey, error) {
	if !seed.Valid() {
		return nil, fmt.Errorf("materialize year: %w: %q", core.ErrInvalidMonthKey, seed)
	}

	l.mu.Lock()
	var created []core.MonthKey
	for _, k := range core.YearSpan(seed) {
		if _, ok := l.months[k]; ok {
			continue
		}
		l.months[k] = l.seedMonth(k)
		created = append(created, k)
	}
	var changes []monthChange
	if len(created) > 0 {
		carried := RecarryFrom(l.months, created[0])
		changes = l.snapshotKeys(mergeKeys(created, carried))
	}
	l.mu.Unlock()

	l.notifyChanged(changes)
	if len(created) > 0 {
		l.logger.Info("materialized months", log.FieldMonthsTouched, len(created))
	}
	return created, nil
}

// seedMonth builds a new month from the nearest earlier materialized
// month. Caller holds the lock.
func (l *Ledger) seedMonth(key core.MonthKey) *core.BudgetData {
	var prevKey core.MonthKey
	for _, k := range core.SortedKeys(l.months) {
		if k.Before(key) {
			prevKey = k
		}
	}

	data := &core.BudgetData{}
	data.Persons[0].Name = l.settings.PersonNames[0]
	data.Persons[1].Name = l.settings.PersonNames[1]

	prev, ok := l.months[prevKey]
	if !ok {
		return data
	}
	data.UserIDs = prev.UserIDs
	for i := range prev.Persons {
		if prev.Persons[i].Name != "" {
			data.Persons[i].Name = prev.Persons[i].Name
		}
		for _, kind := range []core.ListKind{core.IncomeList, core.ExpenseList, core.CategoryList} {
			src := *prev.Persons[i].List(kind)
			dst := data.Persons[i].List(kind)
			for j := range src {
				if !eligible(src[j]) || !ActiveIn(src[j], key) {
					continue
				}
				ensureTemplateID(&src[j])
				*dst = append(*dst, seedCopy(src[j]))
			}
		}
	}
	return data
}

// AddLineItem inserts a line and propagates it forward.
func (l *Ledger) AddLineItem(month core.MonthKey, person int, kind core.ListKind, item core.LineItem) (core.LineItem, error) {
	l.mu.Lock()
	stored, touched, err := l.prop.Create(l.months, month, person, kind, item)
	var changes []monthChange
	if err == nil {
		changes = l.snapshotKeys(touched)
	}
	l.mu.Unlock()
	if err != nil {
		return core.LineItem{}, err
	}
	l.notifyChanged(changes)
	return stored, nil
}

// UpdateLineItem applies a field edit and propagates it forward.
func (l *Ledger) UpdateLineItem(month core.MonthKey, person int, kind core.ListKind, item core.LineItem) error {
	l.mu.Lock()
	touched, err := l.prop.Update(l.months, month, person, kind, item)
	var changes []monthChange
	if err == nil {
		changes = l.snapshotKeys(touched)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.notifyChanged(changes)
	return nil
}

// DeleteLineItem removes a line and its forward copies.
func (l *Ledger) DeleteLineItem(month core.MonthKey, person int, kind core.ListKind, itemID string) error {
	l.mu.Lock()
	touched, err := l.prop.Delete(l.months, month, person, kind, itemID)
	var changes []monthChange
	if err == nil {
		changes = l.snapshotKeys(touched)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.notifyChanged(changes)
	return nil
}

// SetPropagate flips one copy's future-sync eligibility.
func (l *Ledger) SetPropagate(month core.MonthKey, person int, kind core.ListKind, itemID string, on bool) error {
	l.mu.Lock()
	touched, err := l.prop.SetPropagate(l.months, month, person, kind, itemID, on)
	var changes []monthChange
	if err == nil {
		changes = l.snapshotKeys(touched)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.notifyChanged(changes)
	return nil
}

// MoveLineItem transfers a line between lists under one template.
func (l *Ledger) MoveLineItem(month core.MonthKey, person int, from, to core.ListKind, itemID string) error {
	l.mu.Lock()
	touched, err := l.prop.Move(l.months, month, person, from, to, itemID)
	var changes []monthChange
	if err == nil {
		changes = l.snapshotKeys(touched)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.notifyChanged(changes)
	return nil
}

// SetInitialBalance edits a month's joint opening balance and recarries
// every later month.
func (l *Ledger) SetInitialBalance(month core.MonthKey, balance core.Money) error {
	return l.mutateJoint(month, func(acc *core.JointAccount) error {
		acc.InitialBalance = balance
		return nil
	})
}

// AddTransaction appends a joint-account movement.
func (l *Ledger) AddTransaction(month core.MonthKey, tx core.Transaction) error {
	if tx.ID == "" {
		tx.ID = core.NewID()
	}
	return l.mutateJoint(month, func(acc *core.JointAccount) error {
		acc.Transactions = append(acc.Transactions, tx)
		return nil
	})
}

// UpdateTransaction replaces a movement by ID.
func (l *Ledger) UpdateTransaction(month core.MonthKey, tx core.Transaction) error {
	return l.mutateJoint(month, func(acc *core.JointAccount) error {
		for i := range acc.Transactions {
			if acc.Transactions[i].ID == tx.ID {
				acc.Transactions[i] = tx
				return nil
			}
		}
		return fmt.Errorf("transaction %s: %w", tx.ID, core.ErrItemNotFound)
	})
}

// DeleteTransaction removes a movement by ID.
func (l *Ledger) DeleteTransaction(month core.MonthKey, txID string) error {
	return l.mutateJoint(month, func(acc *core.JointAccount) error {
		for i := range acc.Transactions {
			if acc.Transactions[i].ID == txID {
				acc.Transactions = append(acc.Transactions[:i:i], acc.Transactions[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("transaction %s: %w", txID, core.ErrItemNotFound)
	})
}

func (l *Ledger) mutateJoint(month core.MonthKey, fn func(*core.JointAccount) error) error {
	l.mu.Lock()
	data, ok := l.months[month]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("joint edit in %s: %w", month, core.ErrMonthNotFound)
	}
	if err := fn(&data.Joint); err != nil {
		l.mu.Unlock()
		return err
	}
	carried := RecarryFrom(l.months, month)
	changes := l.snapshotKeys(mergeKeys([]core.MonthKey{month}, carried))
	l.mu.Unlock()

	l.notifyChanged(changes)
	return nil
}

// DeleteMonth destroys a materialized month and recarries the months
// after it.
func (l *Ledger) DeleteMonth(month core.MonthKey) error {
	l.mu.Lock()
	if _, ok := l.months[month]; !ok {
		l.mu.Unlock()
		return fmt.Errorf("delete month %s: %w", month, core.ErrMonthNotFound)
	}
	delete(l.months, month)
	carried := RecarryFrom(l.months, month)
	changes := l.snapshotKeys(carried)
	l.mu.Unlock()

	if l.onMonthDeleted != nil {
		l.onMonthDeleted(month)
	}
	l.notifyChanged(changes)
	l.logger.Info("month deleted", log.FieldMonth, string(month))
	return nil
}

// Snapshot returns a deep copy of the full month map.
func (l *Ledger) Snapshot() core.MonthlyBudget {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(core.MonthlyBudget, len(l.months))
	for k, data := range l.months {
		out[k] = data.Clone()
	}
	return out
}
