package indexes

import (
	"context"

	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
)

// sqliteStrategy uses virtual generated columns. sqlite cannot add a column
// conditionally, so the table info is checked first.
type sqliteStrategy struct {
	base
}

func (s *sqliteStrategy) CreateIndex(ctx context.Context, coll *collection.Collection, fields []string, unique bool) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	d := s.conn.Dialect()
	for _, f := range fields {
		if collection.IsBuiltin(f) {
			continue
		}
		column := csql.VirtualColumn(f)
		n, err := s.count(ctx, "SELECT COUNT(*) FROM pragma_table_info('records') WHERE name = ?", column)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		statement := "ALTER TABLE records ADD COLUMN " + d.Quote(column) +
			" GENERATED ALWAYS AS (" + d.JSONField(f) + ") VIRTUAL"
		if err := s.exec(ctx, statement); err != nil {
			return err
		}
	}
	name := Name(coll, fields, unique)
	return s.exec(ctx, createIndexStatement(d.Quote, name, s.columns(fields), unique, true))
}

func (s *sqliteStrategy) DropIndex(ctx context.Context, coll *collection.Collection, fields []string) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	for _, unique := range []bool{false, true} {
		if err := s.exec(ctx, "DROP INDEX IF EXISTS "+s.conn.Dialect().Quote(Name(coll, fields, unique))); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStrategy) HasIndex(ctx context.Context, coll *collection.Collection, fields []string, unique bool) (bool, error) {
	if err := validateFields(fields); err != nil {
		return false, err
	}
	n, err := s.count(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?",
		Name(coll, fields, unique))
	return n > 0, err
}
