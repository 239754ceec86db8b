// Package core holds the budget domain model: month keys, money, line
// items, person budgets and the joint account.
package core

import (
	"bytes"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in integer cents. Arithmetic stays in cents to avoid
// floating-point drift; Euros is for display only.
type Money struct {
	Cents int64
}

// Euros returns the amount as a float64 for display purposes.
func (m Money) Euros() float64 {
	return float64(m.Cents) / 100.0
}

// Add returns m plus other.
func (m Money) Add(other Money) Money { return Money{Cents: m.Cents + other.Cents} }

// Sub returns m minus other.
func (m Money) Sub(other Money) Money { return Money{Cents: m.Cents - other.Cents} }

// String formats the amount with two decimals, e.g. "12.34".
func (m Money) String() string {
	return decimal.New(m.Cents, -2).StringFixed(2)
}

// ParseMoney converts a decimal string to Money. It accepts both dot and
// comma decimal separators, tolerates leading zeros and surrounding
// whitespace, and rounds half-up past the second decimal. Malformed input
// yields zero and ok=false rather than an error; ingestion boundaries
// must never fail on bad amounts.
func ParseMoney(s string) (Money, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, false
	}
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, false
	}
	return Money{Cents: d.Shift(2).Round(0).IntPart()}, true
}

// MarshalJSON writes the amount as a plain JSON number with two decimals,
// the shape remote payloads carry.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(decimal.New(m.Cents, -2).StringFixed(2)), nil
}

// UnmarshalJSON accepts a JSON number, a quoted number-like string, or
// null. Anything else decodes to zero; payload coercion never fails.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		m.Cents = 0
		return nil
	}
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, ok := ParseMoney(s)
	if !ok {
		m.Cents = 0
		return nil
	}
	m.Cents = parsed.Cents
	return nil
}
