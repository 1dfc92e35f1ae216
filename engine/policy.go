package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nostr-net/lookup-moderator/ledger"
)

// AggregateCategory labels the cross-category rule in verdict reasons.
const AggregateCategory = ledger.Category("total")

// Thresholds decides when a tally of trusted reports triggers action.
//
// Categories listed in PerCategory are judged by their own bar alone and
// stay out of the aggregate pool; every other category pools into the
// Aggregate count. The policy is monotone: additional reports can only move
// a target toward triggering, never away from it.
type Thresholds struct {
	// Aggregate is the distinct-reporter count across non-overridden
	// categories that triggers action. Zero disables the aggregate rule.
	Aggregate int
	// PerCategory overrides the bar for specific categories. A zero or
	// negative bar disables that category entirely.
	PerCategory map[ledger.Category]int
}

func DefaultThresholds() Thresholds {
	return Thresholds{Aggregate: 3}
}

// Reason is one satisfied rule: Count distinct trusted reporters met a bar
// of Threshold for Category.
type Reason struct {
	Category  ledger.Category
	Count     int
	Threshold int
}

func (r Reason) String() string {
	return fmt.Sprintf("%s:%d/%d", r.Category, r.Count, r.Threshold)
}

// Verdict is the evaluation result for one target.
type Verdict struct {
	Target    string
	Triggered bool
	Tally     *ledger.Tally
	Reasons   []Reason
}

// Summary is the human-readable trigger description used in logs, status
// rows, and delete notices.
func (v *Verdict) Summary() string {
	if !v.Triggered {
		return "below threshold"
	}
	parts := make([]string, len(v.Reasons))
	for i, r := range v.Reasons {
		parts[i] = r.String()
	}
	return fmt.Sprintf("reported by %d trusted members (%s)", v.Tally.Total, strings.Join(parts, ", "))
}

// Evaluate applies the thresholds to a tally. Reasons come out in category
// order with the aggregate rule last, so equal inputs give equal verdicts.
func (t Thresholds) Evaluate(target string, tally *ledger.Tally) *Verdict {
	v := &Verdict{Target: target, Tally: tally}

	cats := make([]ledger.Category, 0, len(tally.PerCategory))
	for c := range tally.PerCategory {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	aggregate := 0
	for _, c := range cats {
		count := tally.PerCategory[c]
		if bar, ok := t.PerCategory[c]; ok {
			if bar > 0 && count >= bar {
				v.Reasons = append(v.Reasons, Reason{Category: c, Count: count, Threshold: bar})
			}
			continue
		}
		aggregate += count
	}
	if t.Aggregate > 0 && aggregate >= t.Aggregate {
		v.Reasons = append(v.Reasons, Reason{Category: AggregateCategory, Count: aggregate, Threshold: t.Aggregate})
	}
	v.Triggered = len(v.Reasons) > 0
	return v
}
