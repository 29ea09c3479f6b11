// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package query

import (
	"strings"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/filter"
)

// backend compiles conditions on one field into SQL. Every condition is
// compiled by exactly one backend.
type backend interface {
	predicate(c filter.Condition, kind csql.ValueKind) (string, []interface{}, error)
	order(field string, kind csql.ValueKind) string
}

// indexedColumn compares against a real column: a built-in column or the
// generated virtual column of an indexed field
type indexedColumn struct {
	dialect csql.Dialect
}

func (b indexedColumn) column(field string) string {
	if collection.IsBuiltin(field) {
		return b.dialect.Quote(field)
	}
	return b.dialect.Quote(csql.VirtualColumn(field))
}

func (b indexedColumn) predicate(c filter.Condition, kind csql.ValueKind) (string, []interface{}, error) {
	return comparison(b.dialect, b.column(c.Field), c, kind)
}

func (b indexedColumn) order(field string, kind csql.ValueKind) string {
	return orderExpr(b.dialect, b.column(field), kind)
}

// documentPath extracts the field from the JSON data column
type documentPath struct {
	dialect csql.Dialect
}

func (b documentPath) predicate(c filter.Condition, kind csql.ValueKind) (string, []interface{}, error) {
	return comparison(b.dialect, b.dialect.JSONField(c.Field), c, kind)
}

func (b documentPath) order(field string, kind csql.ValueKind) string {
	return orderExpr(b.dialect, b.dialect.JSONField(field), kind)
}

// relationIndex matches multiple relations through the record_index side
// table: a record matches if one of its relation values matches, and !=
// matches if none is equal.
type relationIndex struct {
	dialect      csql.Dialect
	collectionID string
}

const relationSubquery = "SELECT record_index.record_id FROM record_index WHERE record_index.collection_id = ? AND record_index.field = ?"

func (b relationIndex) predicate(c filter.Condition, kind csql.ValueKind) (string, []interface{}, error) {
	inverted := c.Operator == filter.NotEqual || c.Operator == filter.NotEqualSQL
	if inverted {
		c.Operator = filter.Equal
	}
	inner, args, err := comparison(b.dialect, "record_index.value_string", c, csql.KindText)
	if err != nil || inner == "" {
		return inner, args, err
	}
	args = append([]interface{}{b.collectionID, c.Field}, args...)
	sql := "records.id IN (" + relationSubquery + " AND " + inner + ")"
	if inverted {
		sql = "records.id NOT IN (" + relationSubquery + " AND " + inner + ")"
	}
	return sql, args, nil
}

func (b relationIndex) order(field string, kind csql.ValueKind) string {
	return b.dialect.JSONField(field)
}

// comparison compiles the condition against expr. An IN condition without
// values compiles to the empty string.
func comparison(dialect csql.Dialect, expr string, c filter.Condition, kind csql.ValueKind) (string, []interface{}, error) {
	switch c.Operator {
	case filter.Like:
		return dialect.Contains(dialect.Cast(expr, csql.KindAny)), []interface{}{c.Value}, nil
	case filter.In:
		if len(c.Values) == 0 {
			return "", nil, nil
		}
		args := make([]interface{}, 0, len(c.Values))
		for _, v := range c.Values {
			arg, err := dialect.Bind(v, kind)
			if err != nil {
				return "", nil, err
			}
			args = append(args, arg)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
		return dialect.Cast(expr, kind) + " IN (" + placeholders + ")", args, nil
	}

	operator, ok := sqlOperators[c.Operator]
	if !ok {
		return "", nil, core.Validationf("unsupported operator %q", c.Operator)
	}
	arg, err := dialect.Bind(c.Value, kind)
	if err != nil {
		return "", nil, err
	}
	casted := dialect.Cast(expr, kind)
	if operator == "<>" {
		return "(" + expr + " IS NULL OR " + casted + " <> ?)", []interface{}{arg}, nil
	}
	return casted + " " + operator + " ?", []interface{}{arg}, nil
}

var sqlOperators = map[string]string{
	filter.Equal:        "=",
	"==":                "=",
	filter.NotEqual:     "<>",
	filter.NotEqualSQL:  "<>",
	filter.Greater:      ">",
	filter.Less:         "<",
	filter.GreaterEqual: ">=",
	filter.LessEqual:    "<=",
}

func orderExpr(dialect csql.Dialect, expr string, kind csql.ValueKind) string {
	if kind == csql.KindNumber || kind == csql.KindBool {
		return dialect.Cast(expr, kind)
	}
	return expr
}
