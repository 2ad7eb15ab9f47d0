package scoring

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func rule(field, condition string, points, order int) Rule {
	return Rule{
		ID:        uuid.New(),
		Field:     field,
		Condition: ParseCondition(condition),
		Points:    points,
		Enabled:   true,
		Order:     order,
	}
}

func TestScoreBusinessEmailRule(t *testing.T) {
	rules := []Rule{rule("email_type", "equals:business", 15, 0)}

	result := Score(rules, Facts{"email_type": "business"})

	if result.RawScore != 15 || result.NormalizedScore != 15 {
		t.Fatalf("expected 15/15, got %d/%d", result.RawScore, result.NormalizedScore)
	}
	if !result.Multiplier.Equal(decimal.RequireFromString("0.39")) {
		t.Fatalf("expected multiplier 0.39, got %s", result.Multiplier)
	}
	if len(result.AppliedRules) != 1 {
		t.Fatalf("expected 1 applied rule, got %d", len(result.AppliedRules))
	}
	if result.AppliedRules[0].Condition != "equals:business" {
		t.Fatalf("expected stored condition form, got %q", result.AppliedRules[0].Condition)
	}
}

func TestScoreClampsNormalizedScoreAndMultiplier(t *testing.T) {
	cases := []struct {
		points     int
		normalized int
		multiplier string
	}{
		{-40, 0, "0.1"},
		{0, 0, "0.1"},
		{50, 50, "1.05"},
		{100, 100, "2"},
		{260, 100, "2"},
	}
	for _, tc := range cases {
		result := Score([]Rule{rule("x", "exists", tc.points, 0)}, Facts{"x": "y"})
		if result.RawScore != tc.points {
			t.Fatalf("points %d: raw score %d", tc.points, result.RawScore)
		}
		if result.NormalizedScore != tc.normalized {
			t.Fatalf("points %d: expected normalized %d, got %d", tc.points, tc.normalized, result.NormalizedScore)
		}
		if !result.Multiplier.Equal(decimal.RequireFromString(tc.multiplier)) {
			t.Fatalf("points %d: expected multiplier %s, got %s", tc.points, tc.multiplier, result.Multiplier)
		}
	}
}

func TestMultiplierAlwaysInRange(t *testing.T) {
	lo := decimal.NewFromFloat(MinMultiplier)
	hi := decimal.NewFromFloat(MaxMultiplier)
	for score := -500; score <= 500; score++ {
		m := MultiplierFor(score)
		if m.LessThan(lo) || m.GreaterThan(hi) {
			t.Fatalf("score %d: multiplier %s out of range", score, m)
		}
	}
}

func TestScoreSkipsDisabledRules(t *testing.T) {
	r := rule("email_type", "equals:business", 20, 0)
	r.Enabled = false

	result := Score([]Rule{r}, Facts{"email_type": "business"})
	if result.RawScore != 0 || len(result.AppliedRules) != 0 {
		t.Fatalf("expected disabled rule to be ignored, got %+v", result)
	}
}

func TestScoreIsDeterministicAndOrderIndependent(t *testing.T) {
	rules := []Rule{
		rule("utm_source", "in_list:google, Bing", 10, 2),
		rule("has_phone", "is_true", 20, 1),
		rule("company_size", "greater_than_or_equal:50", 25, 0),
		rule("email_type", "equals:personal", -5, 3),
	}
	facts := Facts{"utm_source": "GOOGLE", "has_phone": true, "company_size": "120", "email_type": "business"}

	first := Score(rules, facts)
	reversed := make([]Rule, len(rules))
	for i, r := range rules {
		reversed[len(rules)-1-i] = r
	}
	second := Score(reversed, facts)

	if first.RawScore != 55 {
		t.Fatalf("expected 55 points, got %d", first.RawScore)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical results regardless of input order\nfirst:  %+v\nsecond: %+v", first, second)
	}
	wantFields := []string{"company_size", "has_phone", "utm_source"}
	for i, applied := range first.AppliedRules {
		if applied.Field != wantFields[i] {
			t.Fatalf("trace[%d]: expected %s, got %s", i, wantFields[i], applied.Field)
		}
	}
}

func TestConditionOperators(t *testing.T) {
	cases := []struct {
		condition string
		value     any
		present   bool
		want      bool
	}{
		{"equals:Business", "business", true, true},
		{"equals:business", "personal", true, false},
		{"equals:business", nil, false, false},
		{"not_equals:business", "personal", true, true},
		{"not_equals:business", nil, false, true},
		{"contains:ACME", "info@acme.io", true, true},
		{"contains:acme", "info@other.io", true, false},
		{"not_contains:acme", "info@other.io", true, true},
		{"greater_than:10", 11, true, true},
		{"greater_than:10", "10", true, false},
		{"greater_than_or_equal:10", "10", true, true},
		{"less_than:2.5", 2.4, true, true},
		{"less_than_or_equal:2.5", 2.6, true, false},
		{"greater_than:10", "many", true, false},
		{"greater_than:ten", 50, true, false},
		{"less_than:10", nil, false, false},
		{"in_list:nl, be ,de", "BE", true, true},
		{"in_list:nl,be", "fr", true, false},
		{"not_in_list:nl,be", "fr", true, true},
		{"not_in_list:nl,be", "nl", true, false},
		{"is_true", "yes", true, true},
		{"is_true", "1", true, true},
		{"is_true", true, true, true},
		{"is_true", "nope", true, false},
		{"is_false", false, true, true},
		{"is_false", nil, false, true},
		{"is_false", "on", true, false},
		{"exists", "x", true, true},
		{"exists", "   ", true, false},
		{"exists", nil, true, false},
		{"not_exists", nil, false, true},
		{"not_exists", "", true, true},
		{"not_exists", "x", true, false},
		{"matches_regex:.*", "anything", true, false},
		{"", "anything", true, false},
	}
	for _, tc := range cases {
		got := ParseCondition(tc.condition).Match(tc.value, tc.present)
		if got != tc.want {
			t.Fatalf("%q against %v (present=%v): expected %v, got %v", tc.condition, tc.value, tc.present, tc.want, got)
		}
	}
}

func TestParseConditionKeepsStorageForm(t *testing.T) {
	raw := "in_list:google,bing"
	c := ParseCondition(raw)
	if c.Op != OpInList {
		t.Fatalf("expected in_list operator, got %v", c.Op)
	}
	if c.String() != raw {
		t.Fatalf("expected %q, got %q", raw, c.String())
	}
	if ParseCondition("frobnicate:1").Op != OpUnknown {
		t.Fatalf("expected unknown operator")
	}
}

func TestClassifySegmentFirstMatchWins(t *testing.T) {
	enterprise := Segment{ID: uuid.New(), Name: "enterprise", Field: "company_size", Condition: ParseCondition("greater_than:500"), Order: 0}
	business := Segment{ID: uuid.New(), Name: "business", Field: "email_type", Condition: ParseCondition("equals:business"), Order: 1}
	facts := Facts{"company_size": 20, "email_type": "business"}

	got := ClassifySegment([]Segment{business, enterprise}, facts)
	if got == nil || got.Name != "business" {
		t.Fatalf("expected business segment, got %+v", got)
	}

	facts["company_size"] = 900
	got = ClassifySegment([]Segment{business, enterprise}, facts)
	if got == nil || got.Name != "enterprise" {
		t.Fatalf("expected enterprise segment, got %+v", got)
	}

	if ClassifySegment([]Segment{enterprise}, Facts{}) != nil {
		t.Fatalf("expected no segment")
	}
}

func TestFieldKeyMatchesFactKeys(t *testing.T) {
	r := rule(FieldKey("  Company_Size\t"), "equals:50+", 10, 0)
	got := Score([]Rule{r}, Facts{FieldKey("COMPANY_SIZE"): "50+"})
	if got.RawScore != 10 {
		t.Fatalf("expected normalized field to match, got %d", got.RawScore)
	}
}
