package indexes

import (
	"context"

	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
)

// postgresStrategy uses stored generated columns (postgres 12 and later)
type postgresStrategy struct {
	base
}

func (s *postgresStrategy) CreateIndex(ctx context.Context, coll *collection.Collection, fields []string, unique bool) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	d := s.conn.Dialect()
	for _, f := range fields {
		if collection.IsBuiltin(f) {
			continue
		}
		statement := "ALTER TABLE records ADD COLUMN IF NOT EXISTS " + d.Quote(csql.VirtualColumn(f)) +
			" TEXT GENERATED ALWAYS AS (" + d.JSONField(f) + ") STORED"
		if err := s.exec(ctx, statement); err != nil {
			return err
		}
	}
	name := Name(coll, fields, unique)
	return s.exec(ctx, createIndexStatement(d.Quote, name, s.columns(fields), unique, true))
}

func (s *postgresStrategy) DropIndex(ctx context.Context, coll *collection.Collection, fields []string) error {
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

func (s *postgresStrategy) HasIndex(ctx context.Context, coll *collection.Collection, fields []string, unique bool) (bool, error) {
	if err := validateFields(fields); err != nil {
		return false, err
	}
	n, err := s.count(ctx, "SELECT COUNT(*) FROM pg_indexes WHERE tablename = 'records' AND indexname = ?",
		Name(coll, fields, unique))
	return n > 0, err
}
