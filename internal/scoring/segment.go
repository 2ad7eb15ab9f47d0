package scoring

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Segment labels an event for reporting. It never gates dispatch.
type Segment struct {
	ID         uuid.UUID
	Name       string
	Multiplier decimal.Decimal
	Field      string
	Condition  Condition
	Order      int
}

// ClassifySegment returns the first segment, by Order, whose rule matches.
func ClassifySegment(segments []Segment, facts Facts) *Segment {
	ordered := make([]Segment, len(segments))
	copy(ordered, segments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	for i := range ordered {
		value, present := facts[ordered[i].Field]
		if ordered[i].Condition.Match(value, present) {
			match := ordered[i]
			return &match
		}
	}
	return nil
}
