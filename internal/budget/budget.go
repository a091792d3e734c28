// Package budget bounds content size before it is handed to an
// extraction backend, cutting at structural boundaries so truncation
// never splits a semantic unit.
package budget

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// CounterFunc computes the unit (token) count of a string. It may fail;
// the budgeter then falls back to a character heuristic.
type CounterFunc func(s string) (int, error)

// EstimateTokens is the conservative fallback counter: roughly four
// characters per token, rounded up.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / 4.0))
}

// Budget is an immutable truncation target.
type Budget struct {
	// TargetUnits is the hard upper bound on the result's unit count.
	TargetUnits int
	// SafetyMargin is the fraction of TargetUnits held back before
	// truncation kicks in, in [0, 1).
	SafetyMargin float64
}

// Validate checks the budget for obviously bad values.
func (b Budget) Validate() error {
	if b.TargetUnits <= 0 {
		return errors.New("budget target units must be > 0")
	}
	if b.SafetyMargin < 0 || b.SafetyMargin >= 1 {
		return errors.New("budget safety margin must be in [0, 1)")
	}
	return nil
}

func (b Budget) threshold() int {
	return int(float64(b.TargetUnits) * (1 - b.SafetyMargin))
}

// Bounded is the budgeter output: the possibly-shortened content plus
// the metadata callers need to detect lossy truncation.
type Bounded struct {
	Content       string
	OriginalUnits int
	FinalUnits    int
	Truncated     bool
	// Degraded is set when no structural boundary fit under the target
	// and a hard character-level cut was made instead.
	Degraded bool
}

// Budgeter truncates content deterministically against a Budget.
type Budgeter struct {
	counter CounterFunc
}

// New builds a Budgeter. A nil counter uses the character heuristic.
func New(counter CounterFunc) *Budgeter {
	return &Budgeter{counter: counter}
}

// blockBoundary matches points where an HTML-ish document can be cut
// without splitting an element: closing block tags and blank lines.
var blockBoundary = regexp.MustCompile(`(?i)</(?:p|div|section|article|li|ul|ol|table|tr|h[1-6]|header|footer|main|aside|nav)>|\n\s*\n`)

// Truncate bounds content to the budget. Identical input and budget
// always produce identical output.
func (t *Budgeter) Truncate(content string, b Budget) (Bounded, error) {
	if err := b.Validate(); err != nil {
		return Bounded{}, err
	}

	original := t.count(content)
	if original <= b.threshold() {
		return Bounded{
			Content:       content,
			OriginalUnits: original,
			FinalUnits:    original,
		}, nil
	}

	// Cut to the threshold, not the raw target: output at or under the
	// threshold passes the check above untouched, so truncating twice
	// yields the identical result.
	if cut, units, ok := t.cutAtBoundary(content, b.threshold()); ok {
		return Bounded{
			Content:       cut,
			OriginalUnits: original,
			FinalUnits:    units,
			Truncated:     true,
		}, nil
	}

	cut, units := t.hardCut(content, b.threshold())
	return Bounded{
		Content:       cut,
		OriginalUnits: original,
		FinalUnits:    units,
		Truncated:     true,
		Degraded:      true,
	}, nil
}

func (t *Budgeter) count(s string) int {
	if t.counter == nil {
		return EstimateTokens(s)
	}
	n, err := t.counter(s)
	if err != nil || n < 0 {
		return EstimateTokens(s)
	}
	return n
}

// cutAtBoundary finds the last structural boundary whose prefix fits the
// target. It returns ok=false when no boundary produces a non-empty
// prefix under the target.
func (t *Budgeter) cutAtBoundary(content string, target int) (string, int, bool) {
	ends := boundaryEnds(content)
	// Walk boundaries from the end; the first prefix that fits wins.
	for i := len(ends) - 1; i >= 0; i-- {
		prefix := content[:ends[i]]
		if strings.TrimSpace(prefix) == "" {
			continue
		}
		if n := t.count(prefix); n <= target {
			return prefix, n, true
		}
	}
	return "", 0, false
}

func boundaryEnds(content string) []int {
	matches := blockBoundary.FindAllStringIndex(content, -1)
	ends := make([]int, 0, len(matches))
	for _, m := range matches {
		ends = append(ends, m[1])
	}
	return ends
}

// hardCut shortens the content character by character until it fits.
// Used only when a single structural unit exceeds the whole budget.
func (t *Budgeter) hardCut(content string, target int) (string, int) {
	// The heuristic maps tokens to ~4 chars, so start near the target
	// and back off until the counter agrees.
	limit := target * 4
	if limit > len(content) {
		limit = len(content)
	}
	for limit > 0 {
		for limit > 0 && limit < len(content) && !utf8.RuneStart(content[limit]) {
			limit--
		}
		cut := content[:limit]
		if n := t.count(cut); n <= target {
			return cut, n
		}
		next := limit - limit/10
		if next == limit {
			next = limit - 1
		}
		limit = next
	}
	return "", 0
}
