// Package filter implements the filter, sort and expand strings accepted by
// record queries.
//
// A filter is a flat list of conditions joined by AND or OR:
//
//	status = "active" AND title LIKE Hello OR featured = true
//
// All AND-joined conditions must match. If OR-joined conditions are present,
// at least one of them must match as well. There is no grouping.
package filter

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/relabs-tech/recordbase/core"
)

// Logical connectors
const (
	And = "AND"
	Or  = "OR"
)

// Operators. They are recognized in the order of Operators.
const (
	GreaterEqual = ">="
	LessEqual    = "<="
	NotEqual     = "!="
	NotEqualSQL  = "<>"
	Equal        = "="
	Greater      = ">"
	Less         = "<"
	Like         = "LIKE"
	In           = "IN"
)

// Operators lists the operators the parser recognizes, in the order they are tried
var Operators = []string{GreaterEqual, LessEqual, NotEqual, NotEqualSQL, Equal, Greater, Less, Like}

// Condition is one `field operator value` segment of a filter
type Condition struct {
	Field    string
	Operator string
	Value    string
	// Values holds the candidates of an IN condition
	Values []string
	// Logical is the connector preceding the condition, And or Or
	Logical string
}

// IsOr returns true if the condition is OR-joined
func (c Condition) IsOr() bool {
	return c.Logical == Or
}

// Conditions is a parsed filter
type Conditions []Condition

// New returns an AND-joined condition. An empty operator means Equal.
func New(field, operator, value string) Condition {
	if operator == "" {
		operator = Equal
	}
	return Condition{Field: SanitizeField(field), Operator: strings.ToUpper(operator), Value: value, Logical: And}
}

// NewIn returns an AND-joined IN condition. IN conditions are only built
// programmatically, the parser never produces them.
func NewIn(field string, values ...string) Condition {
	return Condition{Field: SanitizeField(field), Operator: In, Values: values, Logical: And}
}

// Or returns the condition OR-joined
func (c Condition) Or() Condition {
	c.Logical = Or
	return c
}

// Split returns the AND-joined and the OR-joined conditions
func (conds Conditions) Split() (and Conditions, or Conditions) {
	for _, c := range conds {
		if c.IsOr() {
			or = append(or, c)
		} else {
			and = append(and, c)
		}
	}
	return
}

// String serializes the conditions with their own connectors
func (conds Conditions) String() string {
	var b strings.Builder
	for _, c := range conds {
		if c.Operator == In {
			continue
		}
		if b.Len() > 0 {
			logical := c.Logical
			if logical == "" {
				logical = And
			}
			b.WriteString(" " + logical + " ")
		}
		b.WriteString(c.segment())
	}
	return b.String()
}

func (c Condition) segment() string {
	operator := c.Operator
	if operator == "" {
		operator = Equal
	}
	return c.Field + " " + operator + " " + quote(c.Value)
}

// Build serializes conditions joined by logical (And if empty). It is the
// inverse of Parse. IN conditions cannot be expressed in the grammar and are
// left out.
func Build(conds []Condition, logical string) string {
	logical = strings.ToUpper(strings.TrimSpace(logical))
	if logical != Or {
		logical = And
	}
	segments := make([]string, 0, len(conds))
	for _, c := range conds {
		if c.Operator == In {
			continue
		}
		segments = append(segments, c.segment())
	}
	return strings.Join(segments, " "+logical+" ")
}

func quote(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `"`, `\"`)
	return `"` + value + `"`
}

// Parse parses a filter string. Segments without a recognizable operator are
// dropped; the returned error then lists every dropped segment, and the
// conditions parsed from the other segments are returned nevertheless.
func Parse(s string) (Conditions, error) {
	var (
		conds Conditions
		errs  error
	)
	for _, seg := range SplitSegments(s) {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		cond, ok := parseSegment(text)
		if !ok {
			errs = multierr.Append(errs, errors.Wrapf(core.ErrValidation, "dropped filter segment %q", text))
			continue
		}
		cond.Logical = seg.Logical
		conds = append(conds, cond)
	}
	return conds, errs
}

// MustParse is like Parse but panics on dropped segments
func MustParse(s string) Conditions {
	conds, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return conds
}

// Segment is the unparsed text of one condition and the connector preceding
// it. The first segment is AND-joined.
type Segment struct {
	Text    string
	Logical string
}

// SplitSegments splits s on AND and OR keywords outside of quotes
func SplitSegments(s string) []Segment {
	var (
		segments []Segment
		start    int
		logical  = And
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\'' {
			i = quotedEnd(s, i) - 1
			continue
		}
		if isWordChar(prev(s, i)) {
			continue
		}
		for _, keyword := range []string{And, Or} {
			end := i + len(keyword)
			if end > len(s) || !strings.EqualFold(s[i:end], keyword) || isWordChar(at(s, end)) {
				continue
			}
			segments = append(segments, Segment{Text: s[start:i], Logical: logical})
			logical = keyword
			start = end
			i = end - 1
			break
		}
	}
	return append(segments, Segment{Text: s[start:], Logical: logical})
}

func parseSegment(text string) (Condition, bool) {
	for _, operator := range Operators {
		i := indexOperator(text, operator)
		if i < 0 {
			continue
		}
		field := SanitizeField(text[:i])
		if field == "" {
			return Condition{}, false
		}
		return Condition{
			Field:    field,
			Operator: operator,
			Value:    Unquote(strings.TrimSpace(text[i+len(operator):])),
		}, true
	}
	return Condition{}, false
}

// indexOperator finds operator outside of quotes. LIKE is matched
// case-insensitively as a whole word.
func indexOperator(text, operator string) int {
	word := operator == Like
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '"' || c == '\'' {
			i = quotedEnd(text, i) - 1
			continue
		}
		end := i + len(operator)
		if end > len(text) {
			return -1
		}
		if word {
			if strings.EqualFold(text[i:end], operator) && !isWordChar(prev(text, i)) && !isWordChar(at(text, end)) {
				return i
			}
			continue
		}
		if text[i:end] == operator {
			return i
		}
	}
	return -1
}

// Unquote strips one matching pair of surrounding quotes, resolves escapes
// inside them and removes NUL bytes
func Unquote(value string) string {
	if n := len(value); n >= 2 && (value[0] == '"' || value[0] == '\'') && value[n-1] == value[0] {
		inner := value[1 : n-1]
		var b strings.Builder
		for i := 0; i < len(inner); i++ {
			if inner[i] == '\\' && i+1 < len(inner) {
				switch inner[i+1] {
				case '\\', '"', '\'':
					i++
				}
			}
			b.WriteByte(inner[i])
		}
		value = b.String()
	}
	return strings.ReplaceAll(value, "\x00", "")
}

// SanitizeField removes everything but [A-Za-z0-9_] from name
func SanitizeField(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if isWordChar(name[i]) {
			b.WriteByte(name[i])
		}
	}
	return b.String()
}

func quotedEnd(s string, start int) int {
	q := s[start]
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case q:
			return i + 1
		}
	}
	return len(s)
}

func at(s string, i int) byte {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

func prev(s string, i int) byte {
	return at(s, i-1)
}

func isWordChar(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
