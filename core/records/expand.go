package records

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/logger"
)

// expand resolves the relation fields of list. Every field costs one
// batched lookup, fields are resolved concurrently. A single relation
// expands to the related record or nil, a multiple relation to the list of
// related records in the order of the ids. Unresolved ids are dropped.
// Expanded records are not expanded themselves.
func (s *Store) expand(ctx context.Context, coll *collection.Collection, list []*Record, fields []string) error {
	if len(list) == 0 || len(fields) == 0 {
		return nil
	}
	var relations []*collection.Field
	for _, name := range fields {
		f := coll.Field(name)
		if f == nil || f.Relation() == nil {
			logger.FromContext(ctx).Warnf("cannot expand %s: not a relation of %s", name, coll.Name)
			continue
		}
		relations = append(relations, f)
	}

	resolved := make([]map[string]*Record, len(relations))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range relations {
		i, f := i, f
		g.Go(func() error {
			related, err := s.resolveRelation(gctx, f, list)
			resolved[i] = related
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, f := range relations {
		for _, r := range list {
			ids := collection.RelationIDs(r.Data[f.Name])
			if r.Expand == nil {
				r.Expand = map[string]interface{}{}
			}
			if !f.IsMultiple() {
				var value interface{}
				if len(ids) > 0 && resolved[i][ids[0]] != nil {
					value = resolved[i][ids[0]]
				}
				r.Expand[f.Name] = value
				continue
			}
			items := []*Record{}
			for _, id := range ids {
				if related := resolved[i][id]; related != nil {
					items = append(items, related)
				}
			}
			r.Expand[f.Name] = items
		}
	}
	return nil
}

// resolveRelation loads every record the relation field references from list
func (s *Store) resolveRelation(ctx context.Context, f *collection.Field, list []*Record) (map[string]*Record, error) {
	var ids []string
	seen := map[string]bool{}
	for _, r := range list {
		for _, id := range collection.RelationIDs(r.Data[f.Name]) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	resolved := map[string]*Record{}
	if len(ids) == 0 {
		return resolved, nil
	}
	target, err := s.catalog.Collection(ctx, f.Relation().CollectionID)
	if err != nil {
		return nil, err
	}
	handler, err := target.Handler()
	if err != nil {
		return nil, err
	}
	for start := 0; start < len(ids); start += MaxPerPage {
		end := start + MaxPerPage
		if end > len(ids) {
			end = len(ids)
		}
		related, err := s.Query(target).WhereIn(collection.PropertyID, ids[start:end]...).PerPage(end - start).GetRaw(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range related {
			handler.OnRetrieved(target, r.Data)
			resolved[r.ID()] = r
		}
	}
	return resolved, nil
}
