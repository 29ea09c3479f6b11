// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package query

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/filter"
)

var posts = &collection.Collection{
	ID:   "c_posts",
	Name: "posts",
	Kind: collection.KindBase,
	Fields: []*collection.Field{
		{Name: "title", Type: collection.TypeText, Options: &collection.TextOptions{}},
		{Name: "status", Type: collection.TypeText, Options: &collection.TextOptions{}},
		{Name: "views", Type: collection.TypeNumber, Options: &collection.NumberOptions{}},
		{Name: "flag", Type: collection.TypeBool, Options: &collection.BoolOptions{}},
		{Name: "author", Type: collection.TypeRelation, Options: &collection.RelationOptions{CollectionID: "c_users"}},
		{Name: "tags", Type: collection.TypeRelation, Options: &collection.RelationOptions{CollectionID: "c_tags", Multiple: true}},
	},
	Indexes: []collection.Index{{Fields: []string{"status"}}},
}

func compiler(t *testing.T, driver string) *Compiler {
	dialect, err := csql.DialectFor(driver)
	require.NoError(t, err)
	return New(dialect)
}

func TestWhere_Postgres(t *testing.T) {
	c := compiler(t, "postgres")
	tests := []struct {
		filter string
		sql    string
		args   []interface{}
	}{
		{
			"",
			"collection_id = ?",
			[]interface{}{"c_posts"},
		},
		{
			"status = active AND title LIKE Hello",
			`collection_id = ? AND (("vc_status" = ? AND strpos(data->>'title', ?) > 0))`,
			[]interface{}{"c_posts", "active", "Hello"},
		},
		{
			"status = a OR views > 3",
			`collection_id = ? AND (("vc_status" = ?) AND ((data->>'views')::double precision > ?))`,
			[]interface{}{"c_posts", "a", float64(3)},
		},
		{
			"OR status = a OR status = b",
			`collection_id = ? AND (("vc_status" = ? OR "vc_status" = ?))`,
			[]interface{}{"c_posts", "a", "b"},
		},
		{
			"title != x",
			`collection_id = ? AND (((data->>'title' IS NULL OR data->>'title' <> ?)))`,
			[]interface{}{"c_posts", "x"},
		},
		{
			"flag = true AND created >= 2024",
			`collection_id = ? AND (((data->>'flag')::boolean = ? AND "created" >= ?))`,
			[]interface{}{"c_posts", true, "2024"},
		},
		{
			"author = u1 AND tags = t1",
			`collection_id = ? AND ((data->>'author' = ? AND records.id IN (` + relationSubquery + ` AND record_index.value_string = ?)))`,
			[]interface{}{"c_posts", "u1", "c_posts", "tags", "t1"},
		},
		{
			"tags != t1",
			`collection_id = ? AND ((records.id NOT IN (` + relationSubquery + ` AND record_index.value_string = ?)))`,
			[]interface{}{"c_posts", "c_posts", "tags", "t1"},
		},
		{
			"unknown = 1",
			`collection_id = ? AND ((data->>'unknown' = ?))`,
			[]interface{}{"c_posts", "1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			conds, err := filter.Parse(tt.filter)
			require.NoError(t, err)
			sql, args, err := c.Where(posts, conds)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, sql)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestWhere_In(t *testing.T) {
	c := compiler(t, "postgres")

	sql, args, err := c.Where(posts, filter.Conditions{filter.NewIn("status", "a", "b")})
	require.NoError(t, err)
	assert.Equal(t, `collection_id = ? AND (("vc_status" IN (?, ?)))`, sql)
	assert.Equal(t, []interface{}{"c_posts", "a", "b"}, args)

	sql, args, err = c.Where(posts, filter.Conditions{filter.NewIn("status")})
	require.NoError(t, err)
	assert.Equal(t, `collection_id = ? AND ((1=0))`, sql)
	assert.Equal(t, []interface{}{"c_posts"}, args)

	sql, args, err = c.Where(posts, filter.Conditions{
		filter.New("title", "=", "x"),
		filter.NewIn("status").Or(),
	})
	require.NoError(t, err)
	assert.Equal(t, `collection_id = ? AND ((data->>'title' = ?))`, sql)
	assert.Equal(t, []interface{}{"c_posts", "x"}, args)
}

func TestWhere_InvalidNumber(t *testing.T) {
	c := compiler(t, "sqlite")
	_, _, err := c.Where(posts, filter.MustParse("views > many"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestWhere_SQLite(t *testing.T) {
	c := compiler(t, "sqlite")
	sql, args, err := c.Where(posts, filter.MustParse("flag = true AND title LIKE Hello AND views <= 2.5 AND status = x"))
	require.NoError(t, err)
	assert.Equal(t, `collection_id = ? AND ((json_extract(data, '$.flag') = ? AND `+
		`instr(CAST(json_extract(data, '$.title') AS TEXT), ?) > 0 AND `+
		`CAST(json_extract(data, '$.views') AS REAL) <= ? AND "vc_status" = ?))`, sql)
	assert.Equal(t, []interface{}{"c_posts", int64(1), "Hello", 2.5, "x"}, args)
}

func TestWhere_MySQL(t *testing.T) {
	c := compiler(t, "mysql")
	sql, args, err := c.Where(posts, filter.MustParse("title LIKE Hello AND status = x"))
	require.NoError(t, err)
	assert.Equal(t, "collection_id = ? AND ((INSTR(CAST(JSON_UNQUOTE(JSON_EXTRACT(data, '$.title')) AS BINARY), CAST(? AS BINARY)) > 0 AND `vc_status` = ?))", sql)
	assert.Equal(t, []interface{}{"c_posts", "Hello", "x"}, args)
}

func TestOrderBy(t *testing.T) {
	c := compiler(t, "postgres")
	assert.Equal(t, DefaultOrder, c.OrderBy(posts, nil))
	assert.Equal(t, `(data->>'views')::double precision DESC, "vc_status" ASC, id ASC`,
		c.OrderBy(posts, filter.ParseSort("-views,status")))
	assert.Equal(t, `"created" DESC, "id" ASC`, c.OrderBy(posts, filter.ParseSort("-created,id")))
	assert.Equal(t, `data->>'title' ASC, id ASC`, c.OrderBy(posts, filter.ParseSort("title")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, csql.KindText, KindOf(posts, "id"))
	assert.Equal(t, csql.KindNumber, KindOf(posts, "views"))
	assert.Equal(t, csql.KindBool, KindOf(posts, "flag"))
	assert.Equal(t, csql.KindText, KindOf(posts, "author"))
	assert.Equal(t, csql.KindAny, KindOf(posts, "unknown"))
}
