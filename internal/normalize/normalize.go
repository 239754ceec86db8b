// Package normalize canonicalizes raw budget payloads into the typed
// model. It is used at every ingestion boundary (initial load, queue
// replay, conflict-resolution payloads) so downstream code can assume
// fully-typed values. It coerces rather than failing: malformed numeric
// fields become zero, malformed flags fall back to their per-field
// default.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"bilancio/internal/core"
)

type rawLineItem struct {
	ID                 any `json:"id"`
	TemplateID         any `json:"templateId"`
	Name               any `json:"name"`
	Amount             any `json:"amount"`
	CategoryOverrideID any `json:"categoryOverrideId"`
	Checked            any `json:"isChecked"`
	Propagate          any `json:"propagate"`
	Recurring          any `json:"isRecurring"`
	RecurringMonths    any `json:"recurringMonths"`
	StartMonth         any `json:"startMonth"`
}

type rawTransaction struct {
	ID          any `json:"id"`
	Date        any `json:"date"`
	Description any `json:"description"`
	Amount      any `json:"amount"`
	Type        any `json:"type"`
	Person      any `json:"person"`
}

type rawJointAccount struct {
	InitialBalance any              `json:"initialBalance"`
	Transactions   []rawTransaction `json:"transactions"`
}

type rawPersonBudget struct {
	Name          any           `json:"name"`
	Incomes       []rawLineItem `json:"incomes"`
	FixedExpenses []rawLineItem `json:"fixedExpenses"`
	Categories    []rawLineItem `json:"categories"`
}

type rawBudgetData struct {
	Persons []rawPersonBudget `json:"persons"`
	Joint   rawJointAccount   `json:"jointAccount"`
	UserIDs []any             `json:"userIds"`
}

// BudgetData canonicalizes a serialized month payload. It never fails:
// undecodable input yields an empty, fully-typed BudgetData.
func BudgetData(raw []byte) core.BudgetData {
	var in rawBudgetData
	_ = json.Unmarshal(raw, &in)

	var out core.BudgetData
	for i := 0; i < 2 && i < len(in.Persons); i++ {
		out.Persons[i] = personBudget(in.Persons[i])
	}
	for i := 0; i < 2 && i < len(in.UserIDs); i++ {
		out.UserIDs[i] = str(in.UserIDs[i])
	}
	out.Joint.InitialBalance = money(in.Joint.InitialBalance)
	out.Joint.Transactions = make([]core.Transaction, 0, len(in.Joint.Transactions))
	for _, tx := range in.Joint.Transactions {
		out.Joint.Transactions = append(out.Joint.Transactions, transaction(tx))
	}
	return out
}

// Settings canonicalizes a serialized settings payload.
func Settings(raw []byte) core.Settings {
	var in struct {
		PersonNames   []any `json:"personNames"`
		LinkedUserIDs []any `json:"linkedUserIds"`
		DefaultMonth  any   `json:"defaultMonth"`
	}
	_ = json.Unmarshal(raw, &in)

	var out core.Settings
	for i := 0; i < 2 && i < len(in.PersonNames); i++ {
		out.PersonNames[i] = str(in.PersonNames[i])
	}
	for i := 0; i < 2 && i < len(in.LinkedUserIDs); i++ {
		out.LinkedUserIDs[i] = str(in.LinkedUserIDs[i])
	}
	if k, err := core.ParseMonthKey(str(in.DefaultMonth)); err == nil {
		out.DefaultMonth = k
	}
	return out
}

func personBudget(in rawPersonBudget) core.PersonBudget {
	out := core.PersonBudget{
		Name:          str(in.Name),
		Incomes:       make([]core.LineItem, 0, len(in.Incomes)),
		FixedExpenses: make([]core.LineItem, 0, len(in.FixedExpenses)),
		Categories:    make([]core.LineItem, 0, len(in.Categories)),
	}
	for _, it := range in.Incomes {
		out.Incomes = append(out.Incomes, lineItem(it))
	}
	for _, it := range in.FixedExpenses {
		out.FixedExpenses = append(out.FixedExpenses, lineItem(it))
	}
	for _, it := range in.Categories {
		out.Categories = append(out.Categories, lineItem(it))
	}
	return out
}

func lineItem(in rawLineItem) core.LineItem {
	item := core.LineItem{
		ID:                 str(in.ID),
		TemplateID:         str(in.TemplateID),
		Name:               str(in.Name),
		Amount:             money(in.Amount),
		CategoryOverrideID: str(in.CategoryOverrideID),
		Checked:            flag(in.Checked, false),
		Propagate:          flag(in.Propagate, true),
		Recurring:          flag(in.Recurring, false),
		RecurringMonths:    intval(in.RecurringMonths),
	}
	if item.ID == "" {
		item.ID = core.NewID()
	}
	if k, err := core.ParseMonthKey(str(in.StartMonth)); err == nil {
		item.StartMonth = k
	}
	return item
}

func transaction(in rawTransaction) core.Transaction {
	tx := core.Transaction{
		ID:          str(in.ID),
		Date:        str(in.Date),
		Description: str(in.Description),
		Amount:      money(in.Amount),
		Person:      intval(in.Person),
	}
	if tx.ID == "" {
		tx.ID = core.NewID()
	}
	if str(in.Type) == string(core.Deposit) {
		tx.Type = core.Deposit
	} else {
		tx.Type = core.Disbursement
	}
	return tx
}

// money coerces a JSON value to cents: numbers directly, number-like
// strings via the tolerant parser, everything else to zero.
func money(v any) core.Money {
	switch n := v.(type) {
	case float64:
		m, _ := core.ParseMoney(strconv.FormatFloat(n, 'f', -1, 64))
		return m
	case string:
		m, _ := core.ParseMoney(n)
		return m
	case json.Number:
		m, _ := core.ParseMoney(n.String())
		return m
	default:
		return core.Money{}
	}
}

// flag coerces a JSON value to a strict boolean with a per-field default
// for missing or malformed input.
func flag(v any, def bool) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.TrimSpace(strings.ToLower(b)) {
		case "true":
			return true
		case "false":
			return false
		}
		return def
	default:
		return def
	}
}

func intval(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
