package scoring

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is the closed set of comparisons a rule condition can use.
type Operator int

const (
	OpUnknown Operator = iota
	OpEquals
	OpNotEquals
	OpContains
	OpNotContains
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLessThan
	OpLessThanOrEqual
	OpInList
	OpNotInList
	OpIsTrue
	OpIsFalse
	OpExists
	OpNotExists
)

var operatorNames = map[string]Operator{
	"equals":                OpEquals,
	"not_equals":            OpNotEquals,
	"contains":              OpContains,
	"not_contains":          OpNotContains,
	"greater_than":          OpGreaterThan,
	"greater_than_or_equal": OpGreaterThanOrEqual,
	"less_than":             OpLessThan,
	"less_than_or_equal":    OpLessThanOrEqual,
	"in_list":               OpInList,
	"not_in_list":           OpNotInList,
	"is_true":               OpIsTrue,
	"is_false":              OpIsFalse,
	"exists":                OpExists,
	"not_exists":            OpNotExists,
}

// Condition is a parsed "operator:operand" rule condition. Parse once when
// rules are loaded; String gives back the stored form.
type Condition struct {
	Op      Operator
	Operand string

	raw     string
	number  float64
	numeric bool
	list    []string
}

// ParseCondition parses the stored form. It never fails: an unrecognized
// operator yields OpUnknown, which matches nothing.
func ParseCondition(raw string) Condition {
	name, operand, _ := strings.Cut(raw, ":")
	name = strings.ToLower(strings.TrimSpace(name))
	operand = strings.TrimSpace(operand)

	c := Condition{Op: operatorNames[name], Operand: operand, raw: raw}

	switch c.Op {
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		if n, err := strconv.ParseFloat(operand, 64); err == nil {
			c.number = n
			c.numeric = true
		}
	case OpInList, OpNotInList:
		for item := range strings.SplitSeq(operand, ",") {
			if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
				c.list = append(c.list, item)
			}
		}
	}
	return c
}

// String returns the storage form of the condition.
func (c Condition) String() string {
	return c.raw
}

// Match evaluates the condition against a single fact value.
// present is false when the fact is absent from the fact set.
func (c Condition) Match(value any, present bool) bool {
	text, hasText := factString(value, present)

	switch c.Op {
	case OpEquals:
		return hasText && strings.EqualFold(text, c.Operand)
	case OpNotEquals:
		return !hasText || !strings.EqualFold(text, c.Operand)
	case OpContains:
		return hasText && strings.Contains(strings.ToLower(text), strings.ToLower(c.Operand))
	case OpNotContains:
		return !hasText || !strings.Contains(strings.ToLower(text), strings.ToLower(c.Operand))
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return c.compare(value, present)
	case OpInList:
		return hasText && c.inList(text)
	case OpNotInList:
		return !hasText || !c.inList(text)
	case OpIsTrue:
		return truthy(value, present)
	case OpIsFalse:
		return !truthy(value, present)
	case OpExists:
		return hasText && strings.TrimSpace(text) != ""
	case OpNotExists:
		return !hasText || strings.TrimSpace(text) == ""
	default:
		return false
	}
}

func (c Condition) compare(value any, present bool) bool {
	if !c.numeric {
		return false
	}
	n, ok := factNumber(value, present)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGreaterThan:
		return n > c.number
	case OpGreaterThanOrEqual:
		return n >= c.number
	case OpLessThan:
		return n < c.number
	default:
		return n <= c.number
	}
}

func (c Condition) inList(text string) bool {
	needle := strings.ToLower(strings.TrimSpace(text))
	for _, item := range c.list {
		if item == needle {
			return true
		}
	}
	return false
}

func factString(value any, present bool) (string, bool) {
	if !present || value == nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return fmt.Sprint(v), true
	}
}

func factNumber(value any, present bool) (float64, bool) {
	if !present || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func truthy(value any, present bool) bool {
	if !present || value == nil {
		return false
	}
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		}
	}
	return false
}
