// Package scoring evaluates an organization's lead-scoring rules against the
// facts gathered for one inbound event.
//
// Score is pure: identical rules and facts always produce an identical Result.
package scoring

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MinMultiplier = 0.1
	MaxMultiplier = 2.0
)

var (
	minMultiplier   = decimal.NewFromFloat(MinMultiplier)
	multiplierRange = decimal.NewFromFloat(MaxMultiplier).Sub(minMultiplier)
	hundred         = decimal.NewFromInt(100)
)

// Facts is the flat fact dictionary a rule's field is looked up in.
// Keys are stored in FieldKey form.
type Facts map[string]any

// FieldKey is the canonical form of a fact key and of a rule or segment field.
func FieldKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Rule is a scoring rule with its condition already parsed.
type Rule struct {
	ID        uuid.UUID
	Field     string
	Condition Condition
	Points    int
	Enabled   bool
	Order     int
}

// AppliedRule is one line of the scoring trace.
type AppliedRule struct {
	RuleID    uuid.UUID `json:"ruleId"`
	Field     string    `json:"field"`
	Condition string    `json:"condition"`
	Points    int       `json:"points"`
}

// Result is the outcome of scoring one fact set.
type Result struct {
	RawScore        int
	NormalizedScore int
	Multiplier      decimal.Decimal
	AppliedRules    []AppliedRule
}

// Score sums the points of every enabled rule whose condition matches.
// The trace lists matches by (Order, ID); order never changes the sum.
func Score(rules []Rule, facts Facts) Result {
	ordered := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Order != ordered[j].Order {
			return ordered[i].Order < ordered[j].Order
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	total := 0
	applied := make([]AppliedRule, 0)
	for _, r := range ordered {
		value, present := facts[r.Field]
		if !r.Condition.Match(value, present) {
			continue
		}
		total += r.Points
		applied = append(applied, AppliedRule{
			RuleID:    r.ID,
			Field:     r.Field,
			Condition: r.Condition.String(),
			Points:    r.Points,
		})
	}

	normalized := Normalize(total)
	return Result{
		RawScore:        total,
		NormalizedScore: normalized,
		Multiplier:      MultiplierFor(normalized),
		AppliedRules:    applied,
	}
}

// Normalize clamps raw points into [0, 100].
func Normalize(total int) int {
	switch {
	case total < 0:
		return 0
	case total > 100:
		return 100
	default:
		return total
	}
}

// MultiplierFor maps a normalized score onto [0.1, 2.0], rounded to 2 decimals.
func MultiplierFor(normalized int) decimal.Decimal {
	score := decimal.NewFromInt(int64(Normalize(normalized)))
	return minMultiplier.Add(score.Div(hundred).Mul(multiplierRange)).Round(2)
}
