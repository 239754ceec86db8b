package services

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"bilancio/internal/cache"
	"bilancio/internal/core"
)

// defaultLabels are the placeholder names freshly-created rows carry
// before the user renames them. A never-renamed placeholder is not
// propagation-eligible; otherwise every new row would pollute every
// future month.
var defaultLabels = map[string]struct{}{
	"new income source": {},
	"new fixed expense": {},
	"new category":      {},
	"nuova entrata":     {},
	"nuova spesa fissa": {},
	"nuova categoria":   {},
}

var nameFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// nameCache memoizes normalized names; propagation walks call the
// folder once per distinct name instead of once per month.
var nameCache = cache.NewLRUCache[string](512, 10*time.Minute)

// NormalizeName lower-cases, strips diacritics, collapses runs of
// non-alphanumeric characters to single spaces and trims.
func NormalizeName(name string) string {
	if cached, ok := nameCache.Get(name); ok {
		return cached
	}
	folded, _, err := transform.String(nameFolder, strings.ToLower(name))
	if err != nil {
		folded = strings.ToLower(name)
	}
	var b strings.Builder
	pendingSpace := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		} else {
			pendingSpace = true
		}
	}
	out := b.String()
	nameCache.Set(name, out)
	return out
}

// IsDefaultLabel reports whether the name is one of the localized
// placeholder labels.
func IsDefaultLabel(name string) bool {
	_, ok := defaultLabels[NormalizeName(name)]
	return ok
}

// SameTemplate reports whether two line items in different months are
// copies of the same conceptual line. The TemplateID tier wins whenever
// both sides carry one; the normalized-name tier is the legacy fallback
// for records minted before template identifiers existed.
func SameTemplate(a, b core.LineItem) bool {
	if a.TemplateID != "" && b.TemplateID != "" {
		return a.TemplateID == b.TemplateID
	}
	an, bn := NormalizeName(a.Name), NormalizeName(b.Name)
	return an != "" && an == bn
}

// findMatch returns the index of the item in list matching item, or -1.
// At most one copy per template exists in any month, so the first match
// wins.
func findMatch(list []core.LineItem, item core.LineItem) int {
	for i := range list {
		if SameTemplate(list[i], item) {
			return i
		}
	}
	return -1
}
