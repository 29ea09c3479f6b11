// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package records

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/filter"
	"github.com/relabs-tech/recordbase/core/query"
)

func titles(list []*Record) []string {
	result := []string{}
	for _, r := range list {
		result = append(result, r.GetString("title"))
	}
	return result
}

func TestQuery_Posts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.save(t, "posts", map[string]interface{}{"status": "Active", "title": "Hello World"})
	env.save(t, "posts", map[string]interface{}{"status": "Draft", "title": "Hello"})

	list, err := env.store.Query(env.coll(t, "posts")).FilterFromString("status = Active AND title LIKE Hello").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello World"}, titles(list))
}

func seedPosts(t *testing.T, env *testEnv) {
	for _, p := range []map[string]interface{}{
		{"title": "a", "status": "active", "views": 5},
		{"title": "b", "status": "draft", "views": 50},
		{"title": "c", "status": "active", "views": 1, "tags": []interface{}{"t1"}},
		{"title": "d", "status": "archived", "views": 20, "tags": []interface{}{"t1", "t2"}},
		{"title": "e", "status": "active", "tags": []interface{}{"t2"}},
	} {
		env.save(t, "posts", p)
	}
}

func TestQuery_Filters(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedPosts(t, env)
	posts := env.coll(t, "posts")

	tests := []struct {
		filter string
		want   []string
	}{
		{"", []string{"a", "b", "c", "d", "e"}},
		{"status = active", []string{"a", "c", "e"}},
		{"status = active AND views > 2", []string{"a"}},
		// the first segment is AND-joined, so an OR segment narrows it
		{"status = active OR views >= 20", []string{}},
		{"status = active OR views >= 5 OR title = e", []string{"a", "e"}},
		{"OR status = draft OR views < 2", []string{"b", "c"}},
		{"views != 5", []string{"b", "c", "d", "e"}},
		{"status <> 'active'", []string{"b", "d"}},
		{"tags = t1", []string{"c", "d"}},
		{"tags != t1", []string{"a", "b", "e"}},
		{"tags = t2 AND status = active", []string{"e"}},
		{"title = nope", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			list, err := env.store.Query(posts).FilterFromString(tt.filter).Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, titles(list))
		})
	}
}

func TestQuery_Builder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedPosts(t, env)
	posts := env.coll(t, "posts")

	list, err := env.store.Query(posts).Filter("status", "=", "active").Filter("views", ">", "2").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, titles(list))

	list, err = env.store.Query(posts).OrFilter("status", "=", "draft").OrFilter("views", ">", "10").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, titles(list))

	list, err = env.store.Query(posts).WhereIn("title", "b", "e").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "e"}, titles(list))

	list, err = env.store.Query(posts).WhereIn("title").Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = env.store.Query(posts).Sort("views", true).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d", "a", "c", "e"}, titles(list))

	list, err = env.store.Query(posts).SortFromString("status,-title").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "c", "a", "d", "b"}, titles(list))

	// invalid segments are skipped
	list, err = env.store.Query(posts).FilterFromString("status = draft AND nonsense").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, titles(list))

	_, err = env.store.Query(posts).Filter("views", ">", "many").Get(ctx)
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestQuery_FirstCountExists(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedPosts(t, env)
	posts := env.coll(t, "posts")

	record, err := env.store.Query(posts).Filter("status", "=", "active").Sort("title", true).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e", record.GetString("title"))

	record, err = env.store.Query(posts).Filter("status", "=", "gone").First(ctx)
	require.NoError(t, err)
	assert.Nil(t, record)

	_, err = env.store.Query(posts).Filter("status", "=", "gone").FirstOrFail(ctx)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	_, err = env.store.Query(posts).Filter("status", "=", "gone").FirstRawOrFail(ctx)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	record, err = env.store.Query(posts).FirstRawOrFail(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", record.GetString("title"))

	n, err := env.store.Query(posts).Filter("status", "=", "active").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	exists, err := env.store.Query(posts).Filter("views", ">=", "50").Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = env.store.Query(posts).Filter("views", ">", "50").Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestQuery_Pagination(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedPosts(t, env)
	posts := env.coll(t, "posts")

	page, err := env.store.Query(posts).PerPage(2).Page(2).Paginate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, titles(page.Items))
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 2, page.PerPage)
	assert.Equal(t, 5, page.TotalItems)
	assert.Equal(t, 3, page.TotalPages)

	page, err = env.store.Query(posts).Filter("status", "=", "gone").Paginate(ctx)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 1, page.TotalPages)

	simple, err := env.store.Query(posts).PerPage(2).SimplePaginate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, titles(simple.Items))
	assert.True(t, simple.HasMore)

	simple, err = env.store.Query(posts).PerPage(2).Page(3).SimplePaginate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, titles(simple.Items))
	assert.False(t, simple.HasMore)

	list, err := env.store.Query(posts).PerPage(MaxPerPage + 1).Get(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 5)
}

func TestQuery_ByID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedPosts(t, env)

	n, err := env.store.QueryByID("c_posts").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	list, err := env.store.QueryByID("posts").Filter("title", "=", "b").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, titles(list))

	_, err = env.store.QueryByID("unknown").Get(ctx)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	_, err = env.store.QueryByID("unknown").FirstOrFail(ctx)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestQuery_View(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedPosts(t, env)
	view := env.coll(t, "active_posts")

	list, err := env.store.Query(view).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "e"}, titles(list))

	list, err = env.store.Query(view).OrFilter("title", "=", "a").OrFilter("title", "=", "b").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, titles(list))

	n, err := env.store.Query(view).Filter("views", "<", "3").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view.View.Query = "status active"
	_, err = env.store.Query(view).Get(ctx)
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestQuery_MatchAgreesWithSQL(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for _, p := range []map[string]interface{}{
		{"title": "10", "status": "10", "views": 10},
		{"title": "9", "status": "9", "views": 9},
		{"title": "abc", "views": 100, "tags": []interface{}{"t1"}},
	} {
		env.save(t, "posts", p)
	}
	posts := env.coll(t, "posts")
	all, err := env.store.Query(posts).Get(ctx)
	require.NoError(t, err)
	kinds := filter.KindFunc(func(field string) csql.ValueKind {
		return query.KindOf(posts, field)
	})

	filters := []string{
		"title > 9",
		"title <= 9",
		"status > 9",
		"status = 10",
		"views > 9",
		"views <= 9.5",
		"title != 10",
		"title LIKE 1",
		"tags = t1",
		"tags != t1",
		"OR title = abc OR views < 10",
		"status = 10 AND views >= 10",
	}
	for _, f := range filters {
		t.Run(f, func(t *testing.T) {
			list, err := env.store.Query(posts).FilterFromString(f).Get(ctx)
			require.NoError(t, err)
			conds := filter.MustParse(f)
			matched := []string{}
			for _, r := range all {
				if conds.Match(r.Data, kinds) {
					matched = append(matched, r.GetString("title"))
				}
			}
			assert.Equal(t, titles(list), matched)
		})
	}

	// title is text, so "10" sorts before "9"
	list, err := env.store.Query(posts).FilterFromString("title > 9").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, titles(list))
}

func TestQuery_Expand(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	user := env.save(t, "users", map[string]interface{}{"email": "ann@example.com", "password": "secret1", "name": "Ann"})
	env.save(t, "tags", map[string]interface{}{"id": "t1", "label": "red"})
	env.save(t, "tags", map[string]interface{}{"id": "t2", "label": "blue"})
	env.save(t, "posts", map[string]interface{}{"title": "a", "author": user.ID(), "tags": []interface{}{"t2", "missing", "t1"}})
	env.save(t, "posts", map[string]interface{}{"title": "b"})

	posts := env.coll(t, "posts")
	list, err := env.store.Query(posts).ExpandFromString("author,tags,title,unknown").Get(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	author, ok := list[0].Expand["author"].(*Record)
	require.True(t, ok)
	assert.Equal(t, "Ann", author.Get("name"))
	assert.Nil(t, author.Get("passwordHash"))
	assert.Nil(t, author.Expand)

	tags, ok := list[0].Expand["tags"].([]*Record)
	require.True(t, ok)
	require.Len(t, tags, 2)
	assert.Equal(t, "t2", tags[0].ID())
	assert.Equal(t, "t1", tags[1].ID())
	assert.NotContains(t, list[0].Expand, "title")

	assert.Nil(t, list[1].Expand["author"])
	assert.Equal(t, []*Record{}, list[1].Expand["tags"])

	body, err := json.Marshal(list[1])
	require.NoError(t, err)
	assert.Contains(t, string(body), `"expand":{"author":null,"tags":[]}`)

	// raw queries do not expand
	raw, err := env.store.Query(posts).Expand("author").GetRaw(ctx)
	require.NoError(t, err)
	assert.Nil(t, raw[0].Expand)
}
