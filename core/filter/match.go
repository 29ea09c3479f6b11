package filter

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/recordbase/core/csql"
)

// KindFunc returns how the values of field compare. A nil KindFunc compares
// every field by its text representation.
type KindFunc func(field string) csql.ValueKind

func (f KindFunc) of(field string) csql.ValueKind {
	if f == nil {
		return csql.KindAny
	}
	return f(field)
}

// Match evaluates the conditions against a record in-process, with the same
// semantics the compiled SQL has: kinds tells how each field compares,
// numbers and booleans by value and everything else by text. Comparisons are
// case-sensitive and LIKE is substring containment. A missing field only
// matches != (like SQL NULL). An empty filter matches everything. An IN
// condition without values never matches when AND-joined and is ignored
// when OR-joined.
//
// If the record value is an array, a condition matches if one of its
// elements matches, and != matches if none is equal.
func (conds Conditions) Match(record map[string]interface{}, kinds KindFunc) bool {
	and, or := conds.Split()
	for _, c := range and {
		if !c.Match(record, kinds) {
			return false
		}
	}
	matched, candidates := false, 0
	for _, c := range or {
		if c.Operator == In && len(c.Values) == 0 {
			continue
		}
		candidates++
		if c.Match(record, kinds) {
			matched = true
			break
		}
	}
	return matched || candidates == 0
}

// Match evaluates a single condition against record
func (c Condition) Match(record map[string]interface{}, kinds KindFunc) bool {
	kind := kinds.of(c.Field)
	value := record[c.Field]
	elements, isArray := value.([]interface{})
	if !isArray {
		return c.matchValue(value, kind)
	}
	if c.Operator == NotEqual || c.Operator == NotEqualSQL {
		for _, e := range elements {
			if e != nil && compare(Stringify(e), c.Value, kind) == 0 {
				return false
			}
		}
		return true
	}
	for _, e := range elements {
		if c.matchValue(e, kind) {
			return true
		}
	}
	return false
}

func (c Condition) matchValue(value interface{}, kind csql.ValueKind) bool {
	if value == nil {
		return c.Operator == NotEqual || c.Operator == NotEqualSQL
	}
	s := Stringify(value)
	if c.Operator == Like {
		return strings.Contains(s, c.Value)
	}
	if c.Operator == In {
		for _, candidate := range c.Values {
			if compare(s, candidate, kind) == 0 {
				return true
			}
		}
		return false
	}
	result := compare(s, c.Value, kind)
	if result == incomparable {
		return false
	}
	switch c.Operator {
	case Equal, "==":
		return result == 0
	case NotEqual, NotEqualSQL:
		return result != 0
	case Greater:
		return result > 0
	case Less:
		return result < 0
	case GreaterEqual:
		return result >= 0
	case LessEqual:
		return result <= 0
	}
	return false
}

// incomparable is returned by compare if one side cannot be read as kind
const incomparable = -2

// compare compares numbers and booleans by value, everything else byte-wise
func compare(a, b string, kind csql.ValueKind) int {
	switch kind {
	case csql.KindNumber:
		x, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
		y, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
		if errA != nil || errB != nil {
			return incomparable
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case csql.KindBool:
		x, errA := strconv.ParseBool(strings.TrimSpace(a))
		y, errB := strconv.ParseBool(strings.TrimSpace(b))
		if errA != nil || errB != nil {
			return incomparable
		}
		switch {
		case x == y:
			return 0
		case y:
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Stringify renders a record value the way it is compared: strings as is,
// numbers in shortest form, nil as the empty string and everything else as
// JSON.
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	}
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(data)
}
