// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package query compiles parsed filters and sort keys into SQL over the
// records table.
//
// A condition on a field covered by a collection index, or on a built-in
// column, compiles against the real (virtual) column so the database can use
// the index. Multiple relations compile against the record_index side table.
// Every other condition extracts the field from the JSON document.
package query

import (
	"strings"

	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/filter"
)

// DefaultOrder is the order of a query without sort keys
const DefaultOrder = "created ASC, id ASC"

// Compiler compiles filters for one SQL dialect
type Compiler struct {
	dialect  csql.Dialect
	indexed  backend
	document backend
}

// New returns a compiler for dialect
func New(dialect csql.Dialect) *Compiler {
	return &Compiler{
		dialect:  dialect,
		indexed:  indexedColumn{dialect: dialect},
		document: documentPath{dialect: dialect},
	}
}

// Dialect returns the dialect of the compiler
func (c *Compiler) Dialect() csql.Dialect {
	return c.dialect
}

func (c *Compiler) backendFor(coll *collection.Collection, field string) backend {
	if f := coll.Field(field); f != nil && f.Type == collection.TypeRelation && f.IsMultiple() {
		return relationIndex{dialect: c.dialect, collectionID: coll.ID}
	}
	if coll.IsIndexed(field) {
		return c.indexed
	}
	return c.document
}

// KindOf returns how values of field compare
func KindOf(coll *collection.Collection, field string) csql.ValueKind {
	if collection.IsBuiltin(field) {
		return csql.KindText
	}
	f := coll.Field(field)
	if f == nil {
		return csql.KindAny
	}
	switch f.Type {
	case collection.TypeNumber:
		return csql.KindNumber
	case collection.TypeBool:
		return csql.KindBool
	}
	return csql.KindText
}

// Where compiles conds into a predicate scoped to the collection:
//
//	collection_id = ? AND ((and1 AND and2) AND (or1 OR or2))
//
// An IN condition without values never matches when AND-joined and is
// ignored when OR-joined.
func (c *Compiler) Where(coll *collection.Collection, conds filter.Conditions) (string, []interface{}, error) {
	args := []interface{}{coll.ID}
	and, or := conds.Split()

	var groups []string
	andSQL, andArgs, err := c.group(coll, and, " AND ", "1=0")
	if err != nil {
		return "", nil, err
	}
	if andSQL != "" {
		groups = append(groups, andSQL)
		args = append(args, andArgs...)
	}
	orSQL, orArgs, err := c.group(coll, or, " OR ", "")
	if err != nil {
		return "", nil, err
	}
	if orSQL != "" {
		groups = append(groups, orSQL)
		args = append(args, orArgs...)
	}

	where := "collection_id = ?"
	if len(groups) > 0 {
		where += " AND (" + strings.Join(groups, " AND ") + ")"
	}
	return where, args, nil
}

// group joins the compiled conditions. emptyIn replaces an IN condition
// without values; if it is empty the condition is left out.
func (c *Compiler) group(coll *collection.Collection, conds filter.Conditions, joiner, emptyIn string) (string, []interface{}, error) {
	var (
		parts []string
		args  []interface{}
	)
	for _, cond := range conds {
		sql, condArgs, err := c.backendFor(coll, cond.Field).predicate(cond, KindOf(coll, cond.Field))
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			if emptyIn == "" {
				continue
			}
			sql = emptyIn
		}
		parts = append(parts, sql)
		args = append(args, condArgs...)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return "(" + strings.Join(parts, joiner) + ")", args, nil
}

// OrderBy compiles sort keys in the given order. The id is appended as a
// tie breaker so pagination is stable.
func (c *Compiler) OrderBy(coll *collection.Collection, sorts []filter.Sort) string {
	if len(sorts) == 0 {
		return DefaultOrder
	}
	var keys []string
	hasID := false
	for _, s := range sorts {
		direction := " ASC"
		if s.Descending {
			direction = " DESC"
		}
		hasID = hasID || s.Field == collection.PropertyID
		keys = append(keys, c.backendFor(coll, s.Field).order(s.Field, KindOf(coll, s.Field))+direction)
	}
	if !hasID {
		keys = append(keys, "id ASC")
	}
	return strings.Join(keys, ", ")
}
