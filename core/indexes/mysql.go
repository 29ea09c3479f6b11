package indexes

import (
	"context"

	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
)

// mysqlStrategy uses virtual generated columns. mysql knows neither
// ADD COLUMN IF NOT EXISTS nor CREATE INDEX IF NOT EXISTS, so the
// information schema is checked first.
type mysqlStrategy struct {
	base
}

func (s *mysqlStrategy) CreateIndex(ctx context.Context, coll *collection.Collection, fields []string, unique bool) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	d := s.conn.Dialect()
	for _, f := range fields {
		if collection.IsBuiltin(f) {
			continue
		}
		column := csql.VirtualColumn(f)
		n, err := s.count(ctx, "SELECT COUNT(*) FROM information_schema.COLUMNS "+
			"WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = 'records' AND COLUMN_NAME = ?", column)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		statement := "ALTER TABLE records ADD COLUMN " + d.Quote(column) +
			" VARCHAR(255) GENERATED ALWAYS AS (" + d.JSONField(f) + ") VIRTUAL"
		if err := s.exec(ctx, statement); err != nil {
			return err
		}
	}
	has, err := s.HasIndex(ctx, coll, fields, unique)
	if err != nil || has {
		return err
	}
	name := Name(coll, fields, unique)
	return s.exec(ctx, createIndexStatement(d.Quote, name, s.columns(fields), unique, false))
}

func (s *mysqlStrategy) DropIndex(ctx context.Context, coll *collection.Collection, fields []string) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	for _, unique := range []bool{false, true} {
		has, err := s.HasIndex(ctx, coll, fields, unique)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		if err := s.exec(ctx, "DROP INDEX "+s.conn.Dialect().Quote(Name(coll, fields, unique))+" ON records"); err != nil {
			return err
		}
	}
	return nil
}

func (s *mysqlStrategy) HasIndex(ctx context.Context, coll *collection.Collection, fields []string, unique bool) (bool, error) {
	if err := validateFields(fields); err != nil {
		return false, err
	}
	n, err := s.count(ctx, "SELECT COUNT(*) FROM information_schema.STATISTICS "+
		"WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = 'records' AND INDEX_NAME = ?", Name(coll, fields, unique))
	return n > 0, err
}
