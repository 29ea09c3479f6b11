// Package records stores and queries the records of all collections.
//
// Records live in one table. Relation values are additionally written to
// the record_index side table on every save; deletes consult it to enforce
// the cascade or block policy of the referencing relation fields. Every
// save and every delete, cascades included, is one transaction. Realtime
// subscribers are notified after the transaction committed.
package records

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/filter"
	"github.com/relabs-tech/recordbase/core/indexes"
	"github.com/relabs-tech/recordbase/core/logger"
	"github.com/relabs-tech/recordbase/core/query"
)

// Broadcaster is notified about every committed mutation
type Broadcaster interface {
	Broadcast(ctx context.Context, coll *collection.Collection, action core.Action, record *Record)
}

// SchemaValidator validates records against JSON schemas
type SchemaValidator interface {
	ValidateRecord(data map[string]interface{}, schemaID string) error
}

// Store is the record store
type Store struct {
	db          *csql.DB
	catalog     collection.Catalog
	strategy    indexes.Strategy
	validator   SchemaValidator
	broadcaster Broadcaster
	compiler    *query.Compiler
	now         func() time.Time
}

// Builder is a builder helper for the Store
type Builder struct {
	// DB is the database. This is mandatory.
	DB *csql.DB
	// Catalog provides the collections. This is mandatory.
	Catalog collection.Catalog
	// Strategy realizes collection indexes. If it is nil, the strategy of
	// the database driver is used.
	Strategy indexes.Strategy
	// Validator validates records of collections with a schema id. This is
	// optional, without it schema ids are an error on save.
	Validator SchemaValidator
	// Broadcaster is notified after every committed mutation. This is optional.
	Broadcaster Broadcaster
}

// New realizes the store
func New(bb *Builder) *Store {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Catalog == nil {
		panic("Catalog is missing")
	}
	strategy := bb.Strategy
	if strategy == nil {
		var err error
		strategy, err = indexes.ForDriver(bb.DB.Driver(), bb.DB)
		if err != nil {
			panic(err)
		}
	}
	return &Store{
		db:          bb.DB,
		catalog:     bb.Catalog,
		strategy:    strategy,
		validator:   bb.Validator,
		broadcaster: bb.Broadcaster,
		compiler:    query.New(bb.DB.Dialect()),
		now:         time.Now,
	}
}

// Catalog returns the catalog of the store
func (s *Store) Catalog() collection.Catalog {
	return s.catalog
}

// EnsureIndexes creates the database indexes of all collections which do
// not exist yet. Queries on indexed fields compile against their virtual
// columns, so this must run before the store is queried.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	collections, err := s.catalog.Collections(ctx)
	if err != nil {
		return err
	}
	rlog := logger.FromContext(ctx)
	for _, coll := range collections {
		if coll.Kind == collection.KindView {
			continue
		}
		for _, index := range coll.Indexes {
			if err := s.strategy.CreateIndex(ctx, coll, index.Fields, index.Unique); err != nil {
				return errors.Wrapf(err, "collection %s", coll.Name)
			}
			rlog.Debugf("ensured index %s", indexes.Name(coll, index.Fields, index.Unique))
		}
	}
	return nil
}

// Save creates or updates record in coll. A record without id is created
// with a new id. On success record holds the stored data, including id,
// created and updated, as a query would return it.
func (s *Store) Save(ctx context.Context, coll *collection.Collection, record *Record) error {
	ctx, rlog := logger.ContextWithCollection(ctx, coll.Name)
	handler, err := coll.Handler()
	if err != nil {
		return err
	}

	data := make(map[string]interface{}, len(record.Data))
	for k, v := range record.Data {
		data[k] = v
	}
	id, _ := data[collection.PropertyID].(string)
	if id == "" {
		id = uuid.NewString()
	}
	data[collection.PropertyID] = id

	action := core.ActionCreate
	err = s.db.WithTx(ctx, func(tx *csql.Tx) error {
		existing, err := s.load(ctx, tx, id)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
		if existing != nil {
			if existing.CollectionID != coll.ID {
				return errors.Wrapf(core.ErrConflict, "id %s is taken by another collection", id)
			}
			action = core.ActionUpdate
		}
		var existingData map[string]interface{}
		if existing != nil {
			existingData = existing.Data
		}

		if err := handler.BeforeSave(ctx, coll, data, existingData, s.now()); err != nil {
			return err
		}
		if err := coll.NormalizeRecord(data); err != nil {
			return err
		}
		if err := s.validateSchema(coll, data); err != nil {
			return err
		}
		if err := s.checkUnique(ctx, tx, coll, data); err != nil {
			return err
		}
		if err := s.upsert(ctx, tx, coll, data); err != nil {
			return err
		}
		return s.replaceIndexRows(ctx, tx, coll, id, data)
	})
	if err != nil {
		return err
	}
	rlog.Debugf("%s record %s", action, id)

	handler.OnRetrieved(coll, data)
	record.CollectionID = coll.ID
	record.Data = data
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(ctx, coll, action, record.Clone())
	}
	return nil
}

func (s *Store) validateSchema(coll *collection.Collection, data map[string]interface{}) error {
	if coll.SchemaID == "" {
		return nil
	}
	if s.validator == nil {
		return errors.Wrapf(core.ErrConfiguration, "collection %s requires schema %s but there is no validator", coll.Name, coll.SchemaID)
	}
	return s.validator.ValidateRecord(data, coll.SchemaID)
}

// checkUnique rejects values of unique fields which another record of the
// collection already has. The unique database index catches what races
// past this check.
func (s *Store) checkUnique(ctx context.Context, conn csql.Conn, coll *collection.Collection, data map[string]interface{}) error {
	for _, f := range coll.Fields {
		value := data[f.Name]
		if !f.Unique || collection.IsEmpty(value) {
			continue
		}
		if _, isList := value.([]interface{}); isList {
			continue
		}
		where, args, err := s.compiler.Where(coll, filter.Conditions{filter.New(f.Name, filter.Equal, filter.Stringify(value))})
		if err != nil {
			return err
		}
		var n int
		err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+where+" AND id <> ?",
			append(args, data[collection.PropertyID])...).Scan(&n)
		if err != nil {
			return errors.Wrap(err, "cannot check unique field")
		}
		if n > 0 {
			return errors.Wrapf(core.ErrConflict, "value of field %s must be unique", f.Name)
		}
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, conn csql.Conn, coll *collection.Collection, data map[string]interface{}) error {
	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		if !collection.IsBuiltin(k) {
			payload[k] = v
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "cannot encode record")
	}
	statement := conn.Dialect().Upsert("records", "id", []string{"id", "collection_id", "data", "created", "updated"})
	_, err = conn.ExecContext(ctx, statement,
		data[collection.PropertyID], coll.ID, string(body), data[collection.PropertyCreated], data[collection.PropertyUpdated])
	if csql.IsUniqueViolation(err) {
		return errors.Wrapf(core.ErrConflict, "record violates a unique index: %s", err)
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5301: cannot write record")
		return errors.Wrap(err, "cannot write record")
	}
	return nil
}

// replaceIndexRows regenerates the index rows of a record: one row per
// relation value, typed by the declared type of the relation field
func (s *Store) replaceIndexRows(ctx context.Context, conn csql.Conn, coll *collection.Collection, id string, data map[string]interface{}) error {
	if _, err := conn.ExecContext(ctx, "DELETE FROM record_index WHERE record_id = ?", id); err != nil {
		return errors.Wrap(err, "cannot delete index rows")
	}
	for _, f := range coll.RelationFields() {
		for _, value := range collection.RelationIDs(data[f.Name]) {
			valueString, valueNumber, valueDatetime := indexValue(f, value)
			_, err := conn.ExecContext(ctx,
				"INSERT INTO record_index (collection_id, record_id, field, value_string, value_number, value_datetime) VALUES (?, ?, ?, ?, ?, ?)",
				coll.ID, id, f.Name, valueString, valueNumber, valueDatetime)
			if err != nil {
				logger.FromContext(ctx).WithError(err).Errorln("Error 5302: cannot write index row")
				return errors.Wrap(err, "cannot write index row")
			}
		}
	}
	return nil
}

// indexValue places value in the column matching the field type. Values
// which do not convert fall back to the string column.
func indexValue(f *collection.Field, value string) (valueString, valueNumber, valueDatetime interface{}) {
	switch f.Type {
	case collection.TypeNumber:
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			return nil, n, nil
		}
	case collection.TypeDatetime:
		if t, err := collection.ParseDatetime(value); err == nil {
			return nil, nil, csql.FormatTime(t)
		}
	}
	return value, nil, nil
}

// load reads one record by id regardless of its collection
func (s *Store) load(ctx context.Context, conn csql.Conn, id string) (*Record, error) {
	rows, err := conn.QueryContext(ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read record")
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, core.NotFoundf("record %s", id)
	}
	return scanRecord(rows)
}

const recordColumns = "records.id, records.collection_id, records.data, records.created, records.updated"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		id, collectionID, created, updated string
		body                               []byte
	)
	if err := row.Scan(&id, &collectionID, &body, &created, &updated); err != nil {
		return nil, errors.Wrap(err, "cannot scan record")
	}
	data := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, errors.Wrapf(err, "cannot decode record %s", id)
		}
	}
	data[collection.PropertyID] = id
	data[collection.PropertyCreated] = created
	data[collection.PropertyUpdated] = updated
	return &Record{CollectionID: collectionID, Data: data}, nil
}

// VerifyPassword returns the record of an auth collection with email and
// password. Unknown emails and wrong passwords give the same error.
func (s *Store) VerifyPassword(ctx context.Context, coll *collection.Collection, email, password string) (*Record, error) {
	if coll.Kind != collection.KindAuth {
		return nil, errors.Wrapf(core.ErrValidation, "collection %s is not an auth collection", coll.Name)
	}
	record, err := s.Query(coll).WhereIn(collection.PropertyEmail, strings.ToLower(strings.TrimSpace(email))).FirstRaw(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil || !collection.CheckPassword(record.GetString(collection.PropertyPasswordHash), password) {
		return nil, errors.Wrap(core.ErrValidation, "invalid email or password")
	}
	handler, err := coll.Handler()
	if err != nil {
		return nil, err
	}
	handler.OnRetrieved(coll, record.Data)
	return record, nil
}
