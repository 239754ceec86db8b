package core

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidMonthKey = errors.New("invalid month key")
	ErrMonthNotFound   = errors.New("month not materialized")
	ErrItemNotFound    = errors.New("line item not found")
	ErrPersonIndex     = errors.New("person index out of range")
)

// ListKind names the three ordered lists a person budget keeps.
type ListKind string

const (
	IncomeList   ListKind = "income"
	ExpenseList  ListKind = "expense"
	CategoryList ListKind = "category"
)

// TransactionType distinguishes joint-account movements.
type TransactionType string

const (
	Deposit      TransactionType = "deposit"
	Disbursement TransactionType = "expense"
)

// LineItem is the shared shape for an income source, a fixed expense, or
// a flexible spending category.
//
// ID is ephemeral and per-copy; it is never reused across months.
// TemplateID is the stable identity shared by all forward-propagated
// copies of one conceptual line; it is minted lazily on the first
// propagation-eligible edit. Checked marks a line paid and is never
// propagated. Propagate defaults to true and opts a line out of forward
// synchronization when false.
type LineItem struct {
	ID                 string   `json:"id"`
	TemplateID         string   `json:"templateId,omitempty"`
	Name               string   `json:"name"`
	Amount             Money    `json:"amount"`
	CategoryOverrideID string   `json:"categoryOverrideId,omitempty"`
	Checked            bool     `json:"isChecked"`
	Propagate          bool     `json:"propagate"`

	// Recurrence window, meaningful for flexible categories only.
	Recurring       bool     `json:"isRecurring,omitempty"`
	RecurringMonths int      `json:"recurringMonths,omitempty"`
	StartMonth      MonthKey `json:"startMonth,omitempty"`
}

// NewID mints an ephemeral line-item or transaction identifier.
func NewID() string { return uuid.NewString() }

// Transaction is a single joint-account movement.
type Transaction struct {
	ID          string          `json:"id"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Amount      Money           `json:"amount"`
	Type        TransactionType `json:"type"`
	Person      int             `json:"person"`
}

// JointAccount keeps a month's opening balance and its ordered movements.
type JointAccount struct {
	InitialBalance Money         `json:"initialBalance"`
	Transactions   []Transaction `json:"transactions"`
}

// Balance folds the month's transactions over its opening balance.
func (a JointAccount) Balance() Money {
	b := a.InitialBalance
	for _, tx := range a.Transactions {
		switch tx.Type {
		case Deposit:
			b = b.Add(tx.Amount)
		case Disbursement:
			b = b.Sub(tx.Amount)
		}
	}
	return b
}

// PersonBudget is one person's slice of a month. List order is display
// order and carries no semantic weight for propagation.
type PersonBudget struct {
	Name          string     `json:"name"`
	Incomes       []LineItem `json:"incomes"`
	FixedExpenses []LineItem `json:"fixedExpenses"`
	Categories    []LineItem `json:"categories"`
}

// List returns a pointer to the named list so callers can mutate it in
// place.
func (p *PersonBudget) List(kind ListKind) *[]LineItem {
	switch kind {
	case IncomeList:
		return &p.Incomes
	case ExpenseList:
		return &p.FixedExpenses
	default:
		return &p.Categories
	}
}

// BudgetData is the full state of one materialized month.
type BudgetData struct {
	Persons [2]PersonBudget `json:"persons"`
	Joint   JointAccount    `json:"jointAccount"`
	// Optional linkage of each person slot to an external user identity.
	UserIDs [2]string `json:"userIds,omitempty"`
}

// Clone returns a deep copy; propagated copies must never alias the
// source month's slices.
func (b *BudgetData) Clone() *BudgetData {
	out := *b
	for i := range out.Persons {
		out.Persons[i].Incomes = append([]LineItem(nil), b.Persons[i].Incomes...)
		out.Persons[i].FixedExpenses = append([]LineItem(nil), b.Persons[i].FixedExpenses...)
		out.Persons[i].Categories = append([]LineItem(nil), b.Persons[i].Categories...)
	}
	out.Joint.Transactions = append([]Transaction(nil), b.Joint.Transactions...)
	return &out
}

// MonthlyBudget maps materialized months to their data.
type MonthlyBudget map[MonthKey]*BudgetData

// Settings is the single global settings resource.
type Settings struct {
	PersonNames   [2]string `json:"personNames"`
	LinkedUserIDs [2]string `json:"linkedUserIds,omitempty"`
	DefaultMonth  MonthKey  `json:"defaultMonth,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// SettingsPatch carries a partial settings update; nil fields are left
// untouched.
type SettingsPatch struct {
	PersonName1   *string   `json:"personName1,omitempty"`
	PersonName2   *string   `json:"personName2,omitempty"`
	LinkedUserID1 *string   `json:"linkedUserId1,omitempty"`
	LinkedUserID2 *string   `json:"linkedUserId2,omitempty"`
	DefaultMonth  *MonthKey `json:"defaultMonth,omitempty"`
}

// Apply folds the patch into s.
func (p SettingsPatch) Apply(s *Settings) {
	if p.PersonName1 != nil {
		s.PersonNames[0] = *p.PersonName1
	}
	if p.PersonName2 != nil {
		s.PersonNames[1] = *p.PersonName2
	}
	if p.LinkedUserID1 != nil {
		s.LinkedUserIDs[0] = *p.LinkedUserID1
	}
	if p.LinkedUserID2 != nil {
		s.LinkedUserIDs[1] = *p.LinkedUserID2
	}
	if p.DefaultMonth != nil {
		s.DefaultMonth = *p.DefaultMonth
	}
}
