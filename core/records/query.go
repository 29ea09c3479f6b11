// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package records

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/filter"
	"github.com/relabs-tech/recordbase/core/logger"
)

// Pagination defaults
const (
	DefaultPerPage = 30
	MaxPerPage     = 500
)

// Query is a record query under construction. The builder methods return
// the query itself; nothing is executed before Get, First, Count and friends.
type Query struct {
	store        *Store
	coll         *collection.Collection
	collectionID string
	conds        filter.Conditions
	sorts        []filter.Sort
	expand       []string
	perPage      int
	page         int
	listRule     bool
	// dropped collects the filter segments that did not parse
	dropped error
}

// Query starts a query on coll
func (s *Store) Query(coll *collection.Collection) *Query {
	return &Query{store: s, coll: coll, page: 1, perPage: DefaultPerPage}
}

// QueryByID starts a query on the collection with id or name. The
// collection is resolved through the catalog when the query executes.
func (s *Store) QueryByID(idOrName string) *Query {
	return &Query{store: s, collectionID: idOrName, page: 1, perPage: DefaultPerPage}
}

// Filter adds an AND-joined condition
func (q *Query) Filter(field, operator, value string) *Query {
	q.conds = append(q.conds, filter.New(field, operator, value))
	return q
}

// OrFilter adds an OR-joined condition
func (q *Query) OrFilter(field, operator, value string) *Query {
	q.conds = append(q.conds, filter.New(field, operator, value).Or())
	return q
}

// FilterFromString adds the conditions of a filter string. Segments which
// do not parse are skipped and logged when the query executes.
func (q *Query) FilterFromString(s string) *Query {
	conds, err := filter.Parse(s)
	q.conds = append(q.conds, conds...)
	q.dropped = multierr.Append(q.dropped, err)
	return q
}

// WhereIn adds an AND-joined IN condition. Without values the query
// matches nothing.
func (q *Query) WhereIn(field string, values ...string) *Query {
	q.conds = append(q.conds, filter.NewIn(field, values...))
	return q
}

// Sort adds a sort key
func (q *Query) Sort(field string, descending bool) *Query {
	if field = filter.SanitizeField(field); field != "" {
		q.sorts = append(q.sorts, filter.Sort{Field: field, Descending: descending})
	}
	return q
}

// SortFromString adds the sort keys of a sort string like "-created,title"
func (q *Query) SortFromString(s string) *Query {
	q.sorts = append(q.sorts, filter.ParseSort(s)...)
	return q
}

// Expand requests the expansion of relation fields
func (q *Query) Expand(fields ...string) *Query {
	for _, f := range fields {
		q.expand = appendUnique(q.expand, filter.SanitizeField(f))
	}
	return q
}

// ExpandFromString requests the expansion of a comma separated list of relation fields
func (q *Query) ExpandFromString(s string) *Query {
	return q.Expand(filter.ParseExpand(s)...)
}

// WithListRule restricts the query to the records the authorization in the
// context of the execution may list. A query without it is not restricted.
func (q *Query) WithListRule() *Query {
	q.listRule = true
	return q
}

// PerPage sets the page size, capped at MaxPerPage
func (q *Query) PerPage(n int) *Query {
	switch {
	case n <= 0:
		n = DefaultPerPage
	case n > MaxPerPage:
		n = MaxPerPage
	}
	q.perPage = n
	return q
}

// Page selects the page, starting at 1
func (q *Query) Page(n int) *Query {
	if n < 1 {
		n = 1
	}
	q.page = n
	return q
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, e := range list {
		if e == s {
			return list
		}
	}
	return append(list, s)
}

// Get returns the records of the selected page, with expanded relations
func (q *Query) Get(ctx context.Context) ([]*Record, error) {
	return q.get(ctx, q.perPage, true)
}

// GetRaw returns the records of the selected page as they are stored, without
// kind specific processing or expansion
func (q *Query) GetRaw(ctx context.Context) ([]*Record, error) {
	return q.get(ctx, q.perPage, false)
}

// First returns the first record, or nil if there is none
func (q *Query) First(ctx context.Context) (*Record, error) {
	return first(q.Page(1).get(ctx, 1, true))
}

// FirstOrFail is like First but returns an error matching core.ErrNotFound if there is no record
func (q *Query) FirstOrFail(ctx context.Context) (*Record, error) {
	return q.orFail(q.First(ctx))
}

// FirstRaw is First without kind specific processing or expansion
func (q *Query) FirstRaw(ctx context.Context) (*Record, error) {
	return first(q.Page(1).get(ctx, 1, false))
}

// FirstRawOrFail is like FirstRaw but returns an error matching core.ErrNotFound if there is no record
func (q *Query) FirstRawOrFail(ctx context.Context) (*Record, error) {
	return q.orFail(q.FirstRaw(ctx))
}

func first(list []*Record, err error) (*Record, error) {
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (q *Query) orFail(record *Record, err error) (*Record, error) {
	if err != nil {
		return nil, err
	}
	if record == nil {
		name := q.collectionID
		if q.coll != nil {
			name = q.coll.Name
		}
		return nil, core.NotFoundf("no matching record in collection %s", name)
	}
	return record, nil
}

// Count returns the number of matching records
func (q *Query) Count(ctx context.Context) (int, error) {
	plan, err := q.plan(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+plan.where, plan.args...).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "cannot count records")
	}
	return n, nil
}

// Exists returns true if at least one record matches
func (q *Query) Exists(ctx context.Context) (bool, error) {
	plan, err := q.plan(ctx)
	if err != nil {
		return false, err
	}
	rows, err := q.store.db.QueryContext(ctx, "SELECT 1 FROM records WHERE "+plan.where+" LIMIT 1", plan.args...)
	if err != nil {
		return false, errors.Wrap(err, "cannot query records")
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// Page is one page of a paginated query
type Page struct {
	Items      []*Record `json:"items"`
	Page       int       `json:"page"`
	PerPage    int       `json:"per_page"`
	TotalItems int       `json:"total_items"`
	// TotalPages is the number of the last page, at least 1
	TotalPages int `json:"total_pages"`
}

// Paginate returns the selected page together with the total count
func (q *Query) Paginate(ctx context.Context) (*Page, error) {
	total, err := q.Count(ctx)
	if err != nil {
		return nil, err
	}
	items, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}
	totalPages := (total + q.perPage - 1) / q.perPage
	if totalPages < 1 {
		totalPages = 1
	}
	return &Page{Items: items, Page: q.page, PerPage: q.perPage, TotalItems: total, TotalPages: totalPages}, nil
}

// SimplePage is one page of a query paginated without counting
type SimplePage struct {
	Items   []*Record `json:"items"`
	Page    int       `json:"page"`
	PerPage int       `json:"per_page"`
	HasMore bool      `json:"has_more"`
}

// SimplePaginate returns the selected page and whether more pages follow,
// without counting all matching records
func (q *Query) SimplePaginate(ctx context.Context) (*SimplePage, error) {
	items, err := q.get(ctx, q.perPage+1, true)
	if err != nil {
		return nil, err
	}
	hasMore := len(items) > q.perPage
	if hasMore {
		items = items[:q.perPage]
	}
	return &SimplePage{Items: items, Page: q.page, PerPage: q.perPage, HasMore: hasMore}, nil
}

// plan is a compiled query
type plan struct {
	coll  *collection.Collection
	where string
	args  []interface{}
	order string
}

// resolve returns the collection of the query, looking it up for a lazy query
func (q *Query) resolve(ctx context.Context) (*collection.Collection, error) {
	if q.coll != nil {
		return q.coll, nil
	}
	coll, err := q.store.catalog.Collection(ctx, q.collectionID)
	if err != nil {
		return nil, err
	}
	q.coll = coll
	return coll, nil
}

// plan compiles the query. A view queries its source collection with the
// view's filter AND-ed to the query's own conditions, and so is the
// interpolated list rule. Each is compiled on its own, so the OR segments
// of one never widen another.
func (q *Query) plan(ctx context.Context) (*plan, error) {
	coll, err := q.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if q.dropped != nil {
		logger.FromContext(ctx).WithError(q.dropped).Warnf("ignoring invalid filter segments on %s", coll.Name)
	}

	target := coll
	var restrictions []filter.Conditions
	if coll.Kind == collection.KindView {
		if target, err = q.store.catalog.Collection(ctx, coll.View.Source); err != nil {
			return nil, errors.Wrapf(err, "view %s", coll.Name)
		}
		viewConds, err := filter.Parse(coll.View.Query)
		if err != nil {
			return nil, errors.Wrapf(core.ErrConfiguration, "query of view %s: %s", coll.Name, err)
		}
		restrictions = append(restrictions, viewConds)
	}
	if q.listRule {
		ruleConds, err := listRuleConditions(ctx, coll)
		if err != nil {
			return nil, err
		}
		restrictions = append(restrictions, ruleConds)
	}

	compiler := q.store.compiler
	where, args, err := compiler.Where(target, q.conds)
	if err != nil {
		return nil, err
	}
	for i := len(restrictions) - 1; i >= 0; i-- {
		if len(restrictions[i]) == 0 {
			continue
		}
		extraWhere, extraArgs, err := compiler.Where(target, restrictions[i])
		if err != nil {
			return nil, err
		}
		where = extraWhere + " AND " + where
		args = append(extraArgs, args...)
	}
	return &plan{coll: target, where: where, args: args, order: compiler.OrderBy(target, q.sorts)}, nil
}

func (q *Query) get(ctx context.Context, limit int, process bool) ([]*Record, error) {
	plan, err := q.plan(ctx)
	if err != nil {
		return nil, err
	}
	offset := (q.page - 1) * q.perPage
	list, err := q.store.fetch(ctx, plan.where+" ORDER BY "+plan.order+
		" LIMIT "+strconv.Itoa(limit)+" OFFSET "+strconv.Itoa(offset), plan.args)
	if err != nil {
		return nil, err
	}
	if !process {
		return list, nil
	}
	handler, err := plan.coll.Handler()
	if err != nil {
		return nil, err
	}
	for _, r := range list {
		handler.OnRetrieved(plan.coll, r.Data)
	}
	if err := q.store.expand(ctx, plan.coll, list, q.expand); err != nil {
		return nil, err
	}
	return list, nil
}

// fetch reads the records matching where, which may be followed by order
// and limit clauses
func (s *Store) fetch(ctx context.Context, where string, args []interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM records WHERE "+where, args...)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5304: cannot query records")
		return nil, errors.Wrap(err, "cannot query records")
	}
	defer rows.Close()
	list := []*Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, record)
	}
	return list, rows.Err()
}
