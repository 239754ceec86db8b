package services

import (
	"fmt"

	"bilancio/internal/core"
	"bilancio/internal/log"
)

// ConflictPolicy decides what happens when a field edit would overwrite
// future copies that have already diverged from the edited source.
type ConflictPolicy int

const (
	// NeverOverwrite leaves diverged future copies untouched. The safe
	// default for a non-interactive client: silent data loss is worse
	// than a stale copy.
	NeverOverwrite ConflictPolicy = iota
	// AlwaysOverwrite mass-applies the edit to diverged copies too.
	AlwaysOverwrite
	// AskCaller defers the decision to the injected ConflictFunc.
	AskCaller
)

// ConflictFunc is consulted once per edit under AskCaller, with the
// months whose copies have diverged. Returning true overwrites them.
type ConflictFunc func(item core.LineItem, diverged []core.MonthKey) bool

// Propagator replicates edits to a dated line item into every later
// materialized month. It mutates the month map it is handed; callers own
// locking.
type Propagator struct {
	policy ConflictPolicy
	ask    ConflictFunc
	logger *log.Logger
}

// NewPropagator builds a propagator. ask may be nil unless policy is
// AskCaller; a nil ask under AskCaller degrades to NeverOverwrite.
func NewPropagator(policy ConflictPolicy, ask ConflictFunc, logger *log.Logger) *Propagator {
	if logger == nil {
		logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentPropagation)
	}
	return &Propagator{policy: policy, ask: ask, logger: logger}
}

// eligible reports whether an edit to item may ripple forward. A line
// already seeded by a prior propagation (it carries a TemplateID) stays
// eligible; a fresh line qualifies only once it has a real name.
func eligible(item core.LineItem) bool {
	if !item.Propagate {
		return false
	}
	if item.TemplateID != "" {
		return true
	}
	return NormalizeName(item.Name) != "" && !IsDefaultLabel(item.Name)
}

// ensureTemplateID lazily mints the stable identity on the first
// propagation-eligible mutation.
func ensureTemplateID(item *core.LineItem) {
	if item.TemplateID == "" {
		item.TemplateID = core.NewID()
	}
}

// seedCopy derives the copy inserted into a future month: fresh
// ephemeral ID, shared TemplateID, payment state reset.
func seedCopy(src core.LineItem) core.LineItem {
	cp := src
	cp.ID = core.NewID()
	cp.Checked = false
	return cp
}

// laterKeys returns the materialized months strictly after month, in
// chronological order. Propagation is forward-only: months at or before
// the edited month are never touched.
func laterKeys(months core.MonthlyBudget, month core.MonthKey) []core.MonthKey {
	var out []core.MonthKey
	for _, k := range core.SortedKeys(months) {
		if month.Before(k) {
			out = append(out, k)
		}
	}
	return out
}

// Create inserts item into the edited month and, when eligible, seeds a
// copy into every later materialized month the recurrence window admits.
// It returns the stored item (with minted IDs) and the touched months.
func (p *Propagator) Create(months core.MonthlyBudget, month core.MonthKey, person int, kind core.ListKind, item core.LineItem) (core.LineItem, []core.MonthKey, error) {
	data, ok := months[month]
	if !ok {
		return core.LineItem{}, nil, fmt.Errorf("create %s in %s: %w", kind, month, core.ErrMonthNotFound)
	}
	if person < 0 || person > 1 {
		return core.LineItem{}, nil, fmt.Errorf("create %s: %w: %d", kind, core.ErrPersonIndex, person)
	}
	if item.ID == "" {
		item.ID = core.NewID()
	}

	touched := []core.MonthKey{month}
	if eligible(item) {
		ensureTemplateID(&item)
		for _, k := range laterKeys(months, month) {
			list := months[k].Persons[person].List(kind)
			if idx := findMatch(*list, item); idx >= 0 {
				// Retrofit the identity onto legacy name-matched copies.
				if (*list)[idx].TemplateID != item.TemplateID {
					(*list)[idx].TemplateID = item.TemplateID
					touched = append(touched, k)
				}
				continue
			}
			if !ActiveIn(item, k) {
				continue
			}
			*list = append(*list, seedCopy(item))
			touched = append(touched, k)
		}
	}

	list := data.Persons[person].List(kind)
	*list = append(*list, item)

	p.logger.Debug("line item created",
		log.FieldMonth, string(month),
		log.FieldList, string(kind),
		log.FieldItemName, item.Name,
		log.FieldMonthsTouched, len(touched))
	return item, touched, nil
}

// Update applies a field edit to the edited month's copy and walks every
// later month: matches are overwritten (unless pinned by their own
// propagate=false, or diverged under a restrictive policy), months the
// window newly admits gain a copy, months the window now excludes lose
// theirs.
func (p *Propagator) Update(months core.MonthlyBudget, month core.MonthKey, person int, kind core.ListKind, item core.LineItem) ([]core.MonthKey, error) {
	data, ok := months[month]
	if !ok {
		return nil, fmt.Errorf("update %s in %s: %w", kind, month, core.ErrMonthNotFound)
	}
	if person < 0 || person > 1 {
		return nil, fmt.Errorf("update %s: %w: %d", kind, core.ErrPersonIndex, person)
	}
	list := data.Persons[person].List(kind)
	idx := indexByID(*list, item.ID)
	if idx < 0 {
		return nil, fmt.Errorf("update %s in %s: %w: %s", kind, month, core.ErrItemNotFound, item.ID)
	}
	prev := (*list)[idx]

	touched := []core.MonthKey{month}
	if !eligible(item) {
		// Keep whatever TemplateID the line already had; opting out of
		// propagation must not orphan historical copies.
		item.TemplateID = prev.TemplateID
		(*list)[idx] = item
		return touched, nil
	}

	item.TemplateID = prev.TemplateID
	ensureTemplateID(&item)
	(*list)[idx] = item

	overwrite := p.resolveDiverged(months, month, person, kind, prev, item)

	for _, k := range laterKeys(months, month) {
		flist := months[k].Persons[person].List(kind)
		midx := findMatch(*flist, item)
		active := ActiveIn(item, k)

		switch {
		case midx >= 0 && !active:
			// Window shrunk below this month; the copy is no longer valid.
			*flist = removeAt(*flist, midx)
			touched = append(touched, k)
		case midx >= 0:
			cp := (*flist)[midx]
			if !cp.Propagate {
				// Pinned by its own propagate flag; excluded from sync.
				continue
			}
			if diverged(prev, cp) && !overwrite {
				continue
			}
			updated := item
			updated.ID = cp.ID
			updated.Checked = cp.Checked
			updated.TemplateID = item.TemplateID
			(*flist)[midx] = updated
			touched = append(touched, k)
		case active:
			*flist = append(*flist, seedCopy(item))
			touched = append(touched, k)
		}
	}

	p.logger.Debug("line item updated",
		log.FieldMonth, string(month),
		log.FieldList, string(kind),
		log.FieldItemName, item.Name,
		log.FieldMonthsTouched, len(touched))
	return touched, nil
}

// Delete removes the item from the edited month and, when eligible,
// every match in later months.
func (p *Propagator) Delete(months core.MonthlyBudget, month core.MonthKey, person int, kind core.ListKind, itemID string) ([]core.MonthKey, error) {
	data, ok := months[month]
	if !ok {
		return nil, fmt.Errorf("delete %s in %s: %w", kind, month, core.ErrMonthNotFound)
	}
	if person < 0 || person > 1 {
		return nil, fmt.Errorf("delete %s: %w: %d", kind, core.ErrPersonIndex, person)
	}
	list := data.Persons[person].List(kind)
	idx := indexByID(*list, itemID)
	if idx < 0 {
		return nil, fmt.Errorf("delete %s in %s: %w: %s", kind, month, core.ErrItemNotFound, itemID)
	}
	item := (*list)[idx]
	*list = removeAt(*list, idx)

	touched := []core.MonthKey{month}
	if eligible(item) {
		for _, k := range laterKeys(months, month) {
			flist := months[k].Persons[person].List(kind)
			if midx := findMatch(*flist, item); midx >= 0 && (*flist)[midx].Propagate {
				*flist = removeAt(*flist, midx)
				touched = append(touched, k)
			}
		}
	}

	p.logger.Debug("line item deleted",
		log.FieldMonth, string(month),
		log.FieldList, string(kind),
		log.FieldItemName, item.Name,
		log.FieldMonthsTouched, len(touched))
	return touched, nil
}

// SetPropagate flips future-sync eligibility on one copy. Turning it off
// pins the copy without altering already-propagated months; turning it
// back on re-seeds missing future copies where the window approves.
func (p *Propagator) SetPropagate(months core.MonthlyBudget, month core.MonthKey, person int, kind core.ListKind, itemID string, on bool) ([]core.MonthKey, error) {
	data, ok := months[month]
	if !ok {
		return nil, fmt.Errorf("toggle propagate in %s: %w", month, core.ErrMonthNotFound)
	}
	if person < 0 || person > 1 {
		return nil, fmt.Errorf("toggle propagate: %w: %d", core.ErrPersonIndex, person)
	}
	list := data.Persons[person].List(kind)
	idx := indexByID(*list, itemID)
	if idx < 0 {
		return nil, fmt.Errorf("toggle propagate in %s: %w: %s", month, core.ErrItemNotFound, itemID)
	}
	(*list)[idx].Propagate = on
	touched := []core.MonthKey{month}

	item := (*list)[idx]
	if on && eligible(item) {
		ensureTemplateID(&(*list)[idx])
		item = (*list)[idx]
		for _, k := range laterKeys(months, month) {
			flist := months[k].Persons[person].List(kind)
			if findMatch(*flist, item) >= 0 {
				continue
			}
			if !ActiveIn(item, k) {
				continue
			}
			*flist = append(*flist, seedCopy(item))
			touched = append(touched, k)
		}
	}
	return touched, nil
}

// Move transfers a line between the fixed-expense and category lists
// under the same TemplateID, with the usual forward semantics. Both
// halves succeed or the month map is left untouched.
func (p *Propagator) Move(months core.MonthlyBudget, month core.MonthKey, person int, from, to core.ListKind, itemID string) ([]core.MonthKey, error) {
	data, ok := months[month]
	if !ok {
		return nil, fmt.Errorf("move item in %s: %w", month, core.ErrMonthNotFound)
	}
	if person < 0 || person > 1 {
		return nil, fmt.Errorf("move item: %w: %d", core.ErrPersonIndex, person)
	}
	list := data.Persons[person].List(from)
	idx := indexByID(*list, itemID)
	if idx < 0 {
		return nil, fmt.Errorf("move item in %s: %w: %s", month, core.ErrItemNotFound, itemID)
	}
	item := (*list)[idx]

	deleted, err := p.Delete(months, month, person, from, itemID)
	if err != nil {
		return nil, err
	}
	_, createdKeys, err := p.Create(months, month, person, to, item)
	if err != nil {
		// Restore the source list; the operation must be all-or-nothing.
		*list = append(*list, item)
		return nil, err
	}
	return mergeKeys(deleted, createdKeys), nil
}

// resolveDiverged collects the future months whose matching copies
// differ from the pre-edit source values and applies the conflict
// policy.
func (p *Propagator) resolveDiverged(months core.MonthlyBudget, month core.MonthKey, person int, kind core.ListKind, prev, item core.LineItem) bool {
	switch p.policy {
	case AlwaysOverwrite:
		return true
	case AskCaller:
		var divergedKeys []core.MonthKey
		for _, k := range laterKeys(months, month) {
			flist := months[k].Persons[person].List(kind)
			if midx := findMatch(*flist, item); midx >= 0 {
				cp := (*flist)[midx]
				if cp.Propagate && diverged(prev, cp) {
					divergedKeys = append(divergedKeys, k)
				}
			}
		}
		if len(divergedKeys) == 0 {
			return true
		}
		if p.ask == nil {
			p.logger.Warn("diverged future copies and no conflict callback, keeping them",
				log.FieldItemName, item.Name,
				log.FieldMonthsTouched, len(divergedKeys))
			return false
		}
		return p.ask(item, divergedKeys)
	default:
		return false
	}
}

// diverged reports whether a future copy no longer carries the source's
// pre-edit propagated fields. Checked and Propagate are per-copy state
// and do not count.
func diverged(src, cp core.LineItem) bool {
	return cp.Name != src.Name ||
		cp.Amount != src.Amount ||
		cp.CategoryOverrideID != src.CategoryOverrideID ||
		cp.Recurring != src.Recurring ||
		cp.RecurringMonths != src.RecurringMonths ||
		cp.StartMonth != src.StartMonth
}

func indexByID(list []core.LineItem, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func removeAt(list []core.LineItem, i int) []core.LineItem {
	return append(list[:i:i], list[i+1:]...)
}

func mergeKeys(a, b []core.MonthKey) []core.MonthKey {
	seen := make(map[core.MonthKey]struct{}, len(a)+len(b))
	out := make([]core.MonthKey, 0, len(a)+len(b))
	for _, k := range append(a, b...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
