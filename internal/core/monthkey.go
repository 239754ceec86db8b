package core

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// MonthKey identifies a calendar month as "YYYY-MM". The lexical order of
// valid keys equals their chronological order, which every multi-month
// algorithm in this package relies on.
type MonthKey string

var monthKeyPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ParseMonthKey validates and returns a MonthKey.
func ParseMonthKey(s string) (MonthKey, error) {
	k := MonthKey(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMonthKey, s)
	}
	return k, nil
}

// MonthKeyOf builds a key from a year and month.
func MonthKeyOf(year int, month time.Month) MonthKey {
	return MonthKey(fmt.Sprintf("%04d-%02d", year, int(month)))
}

// MonthKeyFromTime returns the key of the month containing t.
func MonthKeyFromTime(t time.Time) MonthKey {
	return MonthKeyOf(t.Year(), t.Month())
}

// Valid reports whether the key is a well-formed "YYYY-MM" string.
func (k MonthKey) Valid() bool {
	return monthKeyPattern.MatchString(string(k))
}

// Year returns the calendar year of the key. Zero for malformed keys.
func (k MonthKey) Year() int {
	if !k.Valid() {
		return 0
	}
	var y int
	fmt.Sscanf(string(k[:4]), "%d", &y)
	return y
}

// Month returns the calendar month of the key. Zero for malformed keys.
func (k MonthKey) Month() time.Month {
	if !k.Valid() {
		return 0
	}
	var m int
	fmt.Sscanf(string(k[5:]), "%d", &m)
	return time.Month(m)
}

// Next returns the key of the following month.
func (k MonthKey) Next() MonthKey {
	y, m := k.Year(), k.Month()
	if y == 0 {
		return k
	}
	if m == time.December {
		return MonthKeyOf(y+1, time.January)
	}
	return MonthKeyOf(y, m+1)
}

// Before reports whether k is strictly earlier than other.
func (k MonthKey) Before(other MonthKey) bool { return k < other }

// MonthsBetween returns to minus from in whole months. Negative when to
// precedes from.
func MonthsBetween(from, to MonthKey) int {
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

// YearSpan returns the twelve keys starting at seed.
func YearSpan(seed MonthKey) []MonthKey {
	keys := make([]MonthKey, 0, 12)
	k := seed
	for i := 0; i < 12; i++ {
		keys = append(keys, k)
		k = k.Next()
	}
	return keys
}

// SortedKeys returns the materialized month keys in chronological order.
func SortedKeys(months MonthlyBudget) []MonthKey {
	keys := make([]MonthKey, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
