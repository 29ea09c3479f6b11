package rules

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/recordbase/core/filter"
)

// Vars is the evaluation context of a rule: the record's fields at the top
// level and the request below "sys_request".
type Vars map[string]interface{}

// NewVars returns the variables for evaluating a rule against record on
// behalf of auth. A nil auth is a guest request; request.auth is absent then.
func NewVars(auth map[string]interface{}, record map[string]interface{}) Vars {
	vars := Vars{}
	for k, v := range record {
		vars[k] = v
	}
	request := map[string]interface{}{}
	if auth != nil {
		request["auth"] = auth
	}
	vars[sysPrefix+"request"] = request
	return vars
}

// GuestVars returns the variables of an unauthenticated request without a record
func GuestVars() Vars {
	return NewVars(nil, nil)
}

// Lookup resolves a dotted path. Paths starting with "request." are
// resolved below "sys_request".
func (v Vars) Lookup(path string) (interface{}, bool) {
	if strings.HasPrefix(path, requestPath) {
		path = sysPrefix + path
	}
	var current interface{} = map[string]interface{}(v)
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			if vars, isVars := current.(Vars); isVars {
				m = vars
			} else {
				return nil, false
			}
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

var (
	variablePattern = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)`)
	reversedPattern = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"\s*(>=|<=|!=|<>|==|=|>|<|(?i:LIKE))\s*([A-Za-z_][A-Za-z0-9_.]*)`)
	segmentStart    = regexp.MustCompile(`(?i)(^|\bAND|\bOR|&&|\|\||\()\s*$`)
	constantPattern = regexp.MustCompile(`^("(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*')\s*(>=|<=|!=|<>|==|=|>|<|(?i:LIKE))\s*("(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*')$`)
)

// Interpolate replaces every @variable by its value from vars, rendered as a
// quoted string literal, and then turns `"literal" operator field` into
// `field operator "literal"`. The connectors && and || become AND and OR.
// The result is a filter string.
//
// Segments comparing two literals are decided right away: a true segment
// is left out, a false AND-joined segment makes the whole filter
// NeverMatch. A false OR-joined segment is left out, unless it was the last
// alternative.
func (r *Rule) Interpolate(vars Vars) (string, error) {
	if r == nil {
		return "", errUnset()
	}
	return Interpolate(r.text, vars), nil
}

// NeverMatch is a filter no record passes, every saved record has an id
const NeverMatch = `id = ""`

// Interpolate is the function form of Rule.Interpolate
func Interpolate(text string, vars Vars) string {
	var b strings.Builder
	n := len(text)
	last := 0
	for i := 0; i < n; i++ {
		c := text[i]
		if c == '"' || c == '\'' {
			i = literalEnd(text, i) - 1
			continue
		}
		if (c == '&' || c == '|') && byteAt(text, i+1) == c {
			b.WriteString(text[last:i])
			if c == '&' {
				b.WriteString(" AND ")
			} else {
				b.WriteString(" OR ")
			}
			last = i + 2
			i++
			continue
		}
		if c != '@' {
			continue
		}
		loc := variablePattern.FindStringSubmatchIndex(text[i:])
		if loc == nil || loc[0] != 0 {
			continue
		}
		b.WriteString(text[last:i])
		path := text[i+loc[2] : i+loc[3]]
		value, _ := vars.Lookup(path)
		b.WriteString(Quote(render(value)))
		last = i + loc[1]
		i = last - 1
	}
	b.WriteString(text[last:])
	return resolveConstants(reverseLiterals(b.String()))
}

// Quote renders s as a double quoted literal
func Quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func render(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(data)
}

var mirrored = map[string]string{">": "<", "<": ">", ">=": "<=", "<=": ">="}

func reverseLiterals(text string) string {
	matches := reversedPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if !segmentStart.MatchString(text[:m[0]]) {
			continue
		}
		literal := text[m[2]:m[3]]
		operator := text[m[4]:m[5]]
		field := text[m[6]:m[7]]
		if mirror, ok := mirrored[operator]; ok {
			operator = mirror
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(field + " " + operator + ` "` + literal + `"`)
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// resolveConstants decides the segments of filter which compare two literals
func resolveConstants(text string) string {
	var (
		and, or       []string
		resolved      bool
		orSatisfied   bool
		orAlternative bool
	)
	for _, seg := range filter.SplitSegments(text) {
		segment := strings.TrimSpace(seg.Text)
		if segment == "" {
			continue
		}
		value, constant := evaluateConstant(segment)
		if !constant {
			if seg.Logical == filter.Or {
				or = append(or, segment)
			} else {
				and = append(and, segment)
			}
			continue
		}
		resolved = true
		switch {
		case seg.Logical != filter.Or && !value:
			return NeverMatch
		case seg.Logical == filter.Or && value:
			orSatisfied = true
		case seg.Logical == filter.Or:
			orAlternative = true
		}
	}
	if !resolved {
		return text
	}
	if orSatisfied {
		or = nil
	} else if orAlternative && len(or) == 0 {
		return NeverMatch
	}
	result := strings.Join(and, " AND ")
	for _, segment := range or {
		if result == "" {
			result = "OR " + segment
		} else {
			result += " OR " + segment
		}
	}
	return result
}

// evaluateConstant evaluates `"literal" operator "literal"`. The second
// result is false if segment is not of this form.
func evaluateConstant(segment string) (bool, bool) {
	m := constantPattern.FindStringSubmatch(segment)
	if m == nil {
		return false, false
	}
	operator := strings.ToUpper(m[2])
	if operator == "==" {
		operator = filter.Equal
	}
	cond := filter.Condition{Field: "value", Operator: operator, Value: filter.Unquote(m[3])}
	return cond.Match(map[string]interface{}{"value": filter.Unquote(m[1])}, nil), true
}
