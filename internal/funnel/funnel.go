// Package funnel turns a funnel's conversion-rate chain into per-event values.
//
// Every function here is pure: no I/O, no shared state, safe for concurrent use.
package funnel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Step is one stage of an organization's funnel.
type Step struct {
	ID             uuid.UUID
	Order          int
	EventName      string
	ConversionRate float64 // percent, 0–100
	MonthlyVolume  int
}

// Metrics is the current business-metrics record for an organization.
type Metrics struct {
	LTV         float64
	LTVCACRatio float64
	GrossMargin float64 // percent, 0–100
	Currency    string
}

// StepValue is the computed value of one step.
type StepValue struct {
	StepID                uuid.UUID
	Order                 int
	EventName             string
	CumulativeProbability float64
	BaseValue             float64
	Volume                VolumeTier
}

// TargetCAC returns ltv / ltvCacRatio × grossMargin / 100.
func TargetCAC(m Metrics) float64 {
	if m.LTVCACRatio <= 0 {
		return 0
	}
	return m.LTV / m.LTVCACRatio * m.GrossMargin / 100
}

// FallbackValue is used when the event has no matching funnel step.
func FallbackValue(m Metrics) float64 {
	if m.LTVCACRatio <= 0 {
		return 0
	}
	return m.LTV / m.LTVCACRatio
}

// Compute values every step. The terminal (highest order) step has probability 1;
// an earlier step's rate is the share of its volume that reaches the next step,
// so its probability is rate/100 times the next step's probability.
// An empty step list yields an empty result.
func Compute(steps []Step, m Metrics) ([]StepValue, error) {
	if len(steps) == 0 {
		return []StepValue{}, nil
	}

	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Order == sorted[i-1].Order {
			return nil, fmt.Errorf("funnel: duplicate step order %d", sorted[i].Order)
		}
	}

	target := TargetCAC(m)
	out := make([]StepValue, len(sorted))
	prob := 1.0
	for i := len(sorted) - 1; i >= 0; i-- {
		s := sorted[i]
		if i < len(sorted)-1 {
			prob *= clampRate(s.ConversionRate) / 100
		}
		out[i] = StepValue{
			StepID:                s.ID,
			Order:                 s.Order,
			EventName:             s.EventName,
			CumulativeProbability: prob,
			BaseValue:             target * prob,
			Volume:                ClassifyVolume(s.MonthlyVolume),
		}
	}
	return out, nil
}

// ValueForEvent finds the step matching eventName, ignoring case.
func ValueForEvent(values []StepValue, eventName string) (StepValue, bool) {
	name := strings.TrimSpace(eventName)
	for _, v := range values {
		if strings.EqualFold(v.EventName, name) {
			return v, true
		}
	}
	return StepValue{}, false
}

func clampRate(rate float64) float64 {
	switch {
	case rate < 0:
		return 0
	case rate > 100:
		return 100
	default:
		return rate
	}
}
