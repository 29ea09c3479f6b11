/*
Package rules implements the authorization rule expressions of a collection.

A rule is a boolean expression over the record being accessed and the
request that accesses it, for example

	@request.auth.id = owner_id AND status != "draft"

Rules are evaluated in-process by normalizing them into the expression
language of github.com/expr-lang/expr, or interpolated into a filter string
(see package filter) so they can be compiled into SQL or matched against
records.

The sentinel SUPERUSER_ONLY denies everybody but superusers, an empty rule
allows everybody. A rule that was never set cannot be used at all.
*/
package rules

import (
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
)

// SuperuserOnly is the sentinel which denies access to everybody but superusers
const SuperuserOnly = "SUPERUSER_ONLY"

const (
	sysPrefix   = "sys_"
	authMarker  = "@request.auth"
	requestPath = "request."
)

// Rule is one rule expression. A nil *Rule is a rule that was never set.
type Rule struct {
	text string
}

// New returns a rule for text
func New(text string) *Rule {
	return &Rule{text: text}
}

// Text returns the raw rule text
func (r *Rule) Text() (string, error) {
	if r == nil {
		return "", errUnset()
	}
	return r.text, nil
}

// String implements fmt.Stringer
func (r *Rule) String() string {
	if r == nil {
		return "<unset>"
	}
	return r.text
}

// MarshalJSON encodes the rule as a JSON string
func (r *Rule) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return json.Marshal(r.text)
}

// UnmarshalJSON decodes the rule from a JSON string
func (r *Rule) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &r.text)
}

func errUnset() error {
	return errors.Wrap(core.ErrConfiguration, "rule expression is not set")
}

// IsDynamic returns true if the rule depends on the authenticated identity,
// i.e. if it mentions @request.auth.
func (r *Rule) IsDynamic() (bool, error) {
	if r == nil {
		return false, errUnset()
	}
	return strings.Contains(r.text, authMarker), nil
}

// Normalize returns the rule in the syntax of the expression evaluator
func (r *Rule) Normalize() (string, error) {
	if r == nil {
		return "", errUnset()
	}
	return Normalize(r.text), nil
}

// Evaluate evaluates the rule against vars. An empty rule is true, a rule
// containing SUPERUSER_ONLY is false. A missing request value compares like
// the empty string, as it does in an interpolated rule.
func (r *Rule) Evaluate(vars Vars) (bool, error) {
	if r == nil {
		return false, errUnset()
	}
	normalized := strings.TrimSpace(Normalize(r.text))
	if normalized == "" {
		return true, nil
	}
	if strings.Contains(normalized, SuperuserOnly) {
		return false, nil
	}
	env := map[string]interface{}(vars)
	if env == nil {
		env = map[string]interface{}{}
	}
	program, err := expr.Compile(normalized,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.Function(blankFunction, blank),
		expr.Patch(requestOperands{}),
	)
	if err != nil {
		return false, errors.Wrapf(core.ErrEvaluation, "cannot compile rule %q: %s", r.text, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, errors.Wrapf(core.ErrEvaluation, "cannot evaluate rule %q: %s", r.text, err)
	}
	return truthy(out), nil
}

// AllowsGuest returns true if an unauthenticated request passes the rule.
// Rules that do not mention @request.auth are considered independent of the
// requester and always allow guests.
func (r *Rule) AllowsGuest() (bool, error) {
	if r == nil {
		return false, errUnset()
	}
	if !strings.Contains(r.text, authMarker) {
		return true, nil
	}
	ok, err := r.Evaluate(GuestVars())
	if err != nil {
		return false, nil
	}
	return ok, nil
}

const blankFunction = sysPrefix + "blank"

// blank replaces nil by the empty string
func blank(params ...interface{}) (interface{}, error) {
	if len(params) == 0 || params[0] == nil {
		return "", nil
	}
	return params[0], nil
}

// requestOperands wraps every request operand of ==, != and contains into
// blank
type requestOperands struct{}

func (requestOperands) Visit(node *ast.Node) {
	binary, ok := (*node).(*ast.BinaryNode)
	if !ok {
		return
	}
	switch binary.Operator {
	case "==", "!=", "contains":
	default:
		return
	}
	for _, operand := range []*ast.Node{&binary.Left, &binary.Right} {
		if rootIdentifier(*operand) != sysPrefix+"request" {
			continue
		}
		ast.Patch(operand, &ast.CallNode{
			Callee:    &ast.IdentifierNode{Value: blankFunction},
			Arguments: []ast.Node{*operand},
		})
	}
}

func rootIdentifier(node ast.Node) string {
	for {
		switch n := node.(type) {
		case *ast.ChainNode:
			node = n.Node
		case *ast.MemberNode:
			node = n.Node
		case *ast.IdentifierNode:
			return n.Value
		default:
			return ""
		}
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0" && t != "false"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	return true
}
