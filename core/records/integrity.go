// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package records

import (
	"context"

	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/logger"
)

// MaxCascadeDepth limits how deep a delete cascades through relations
const MaxCascadeDepth = 32

// Delete deletes the record with id from coll.
//
// Records of other collections referencing it through a relation field
// block the delete with a *core.ConflictError, unless the field has cascade
// delete; then they are deleted as well, recursively. Either everything is
// deleted or nothing.
func (s *Store) Delete(ctx context.Context, coll *collection.Collection, id string) error {
	ctx, rlog := logger.ContextWithCollection(ctx, coll.Name)
	d := &deletion{store: s, visited: map[string]bool{}}
	err := s.db.WithTx(ctx, func(tx *csql.Tx) error {
		d.tx = tx
		return d.delete(ctx, coll, id, 0)
	})
	if err != nil {
		return err
	}
	rlog.Debugf("deleted record %s and %d cascaded record(s)", id, len(d.removed)-1)

	if s.broadcaster != nil {
		for _, r := range d.removed {
			s.broadcaster.Broadcast(ctx, r.coll, core.ActionDelete, r.record)
		}
	}
	return nil
}

// deletion is one delete with its cascade
type deletion struct {
	store   *Store
	tx      *csql.Tx
	visited map[string]bool
	removed []removedRecord
}

type removedRecord struct {
	coll   *collection.Collection
	record *Record
}

// referenceGroup are the index rows of one referencing field
type referenceGroup struct {
	coll  *collection.Collection
	field *collection.Field
	count int
}

func (d *deletion) delete(ctx context.Context, coll *collection.Collection, id string, depth int) error {
	if d.visited[id] {
		return nil
	}
	d.visited[id] = true
	if depth > MaxCascadeDepth {
		return errors.Wrapf(core.ErrConflict, "delete cascades deeper than %d", MaxCascadeDepth)
	}

	record, err := d.store.load(ctx, d.tx, id)
	if err != nil {
		return err
	}
	if record.CollectionID != coll.ID {
		return core.NotFoundf("record %s in collection %s", id, coll.Name)
	}
	handler, err := coll.Handler()
	if err != nil {
		return err
	}
	if err := handler.BeforeDelete(ctx, coll, record.Data); err != nil {
		return err
	}

	groups, err := d.references(ctx, coll, id)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if !g.field.Relation().CascadeDelete {
			return &core.ConflictError{Collection: g.coll.Name, Field: g.field.Name, Count: g.count}
		}
	}
	for _, g := range groups {
		ids, err := d.referencingIDs(ctx, g, id)
		if err != nil {
			return err
		}
		for _, referencing := range ids {
			if err := d.delete(ctx, g.coll, referencing, depth+1); err != nil {
				return err
			}
		}
	}

	if _, err := d.tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5303: cannot delete record")
		return errors.Wrap(err, "cannot delete record")
	}
	if _, err := d.tx.ExecContext(ctx, "DELETE FROM record_index WHERE record_id = ? OR value_string = ?", id, id); err != nil {
		return errors.Wrap(err, "cannot delete index rows")
	}

	handler.OnRetrieved(coll, record.Data)
	d.removed = append(d.removed, removedRecord{coll: coll, record: record})
	return nil
}

// references finds the index rows of other collections pointing at id,
// grouped by collection and field. Rows of fields which do not relate to
// coll (anymore) are ignored.
func (d *deletion) references(ctx context.Context, coll *collection.Collection, id string) ([]referenceGroup, error) {
	rows, err := d.tx.QueryContext(ctx,
		`SELECT collection_id, field, COUNT(*) FROM record_index
WHERE value_string = ? AND collection_id <> ?
GROUP BY collection_id, field ORDER BY collection_id, field`, id, coll.ID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot find references")
	}
	type row struct {
		collectionID, field string
		count               int
	}
	var found []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.collectionID, &r.field, &r.count); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var groups []referenceGroup
	for _, r := range found {
		referencing, err := d.store.catalog.Collection(ctx, r.collectionID)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		f := referencing.Field(r.field)
		if f == nil || f.Relation() == nil || f.Relation().CollectionID != coll.ID {
			continue
		}
		groups = append(groups, referenceGroup{coll: referencing, field: f, count: r.count})
	}
	return groups, nil
}

func (d *deletion) referencingIDs(ctx context.Context, g referenceGroup, id string) ([]string, error) {
	rows, err := d.tx.QueryContext(ctx,
		"SELECT DISTINCT record_id FROM record_index WHERE collection_id = ? AND field = ? AND value_string = ? ORDER BY record_id",
		g.coll.ID, g.field.Name, id)
	if err != nil {
		return nil, errors.Wrap(err, "cannot find referencing records")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var referencing string
		if err := rows.Scan(&referencing); err != nil {
			return nil, err
		}
		ids = append(ids, referencing)
	}
	return ids, rows.Err()
}
