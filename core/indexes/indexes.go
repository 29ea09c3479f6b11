// Package indexes realizes collection indexes as real database indexes.
//
// Records of all collections share one table, so an index over record fields
// is an index over (collection_id, vc_field...), where vc_field is a
// generated column projecting the field out of the JSON data column. How
// generated columns and indexes are created differs per database engine;
// there is one Strategy per supported driver.
package indexes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
	"github.com/relabs-tech/recordbase/core/logger"
)

// Strategy creates, drops and detects indexes on the records table
type Strategy interface {
	CreateIndex(ctx context.Context, coll *collection.Collection, fields []string, unique bool) error
	DropIndex(ctx context.Context, coll *collection.Collection, fields []string) error
	HasIndex(ctx context.Context, coll *collection.Collection, fields []string, unique bool) (bool, error)
}

// ForDriver returns the strategy for the database driver. An unknown driver
// returns core.ErrUnsupportedDriver, there is no fallback.
func ForDriver(driver string, conn csql.Conn) (Strategy, error) {
	switch driver {
	case "postgres", "pgx":
		return &postgresStrategy{base{conn: conn}}, nil
	case "sqlite", "sqlite3":
		return &sqliteStrategy{base{conn: conn}}, nil
	case "mysql":
		return &mysqlStrategy{base{conn: conn}}, nil
	}
	return nil, errors.Wrapf(core.ErrUnsupportedDriver, "no index strategy for driver %q", driver)
}

const maxNameLength = 60

// Name returns the database name of an index
func Name(coll *collection.Collection, fields []string, unique bool) string {
	prefix := "idx_"
	if unique {
		prefix = "uidx_"
	}
	parts := []string{csql.SanitizeIdentifier(coll.ID)}
	for _, f := range fields {
		parts = append(parts, csql.SanitizeIdentifier(f))
	}
	name := prefix + strings.Join(parts, "_")
	if len(name) <= maxNameLength {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	hash := hex.EncodeToString(sum[:])[:16]
	return name[:maxNameLength-len(hash)-1] + "_" + hash
}

func validateFields(fields []string) error {
	if len(fields) == 0 {
		return core.Validationf("index requires at least one field")
	}
	for _, f := range fields {
		if csql.SanitizeIdentifier(f) == "" {
			return core.Validationf("invalid index field %q", f)
		}
	}
	return nil
}

// base holds what the strategies share
type base struct {
	conn csql.Conn
}

func (b base) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	err := b.conn.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// columns returns the quoted index columns: collection_id followed by the
// real or virtual column of every field
func (b base) columns(fields []string) string {
	quote := b.conn.Dialect().Quote
	columns := []string{"collection_id"}
	for _, f := range fields {
		if collection.IsBuiltin(f) {
			columns = append(columns, quote(f))
		} else {
			columns = append(columns, quote(csql.VirtualColumn(f)))
		}
	}
	return strings.Join(columns, ", ")
}

func (b base) exec(ctx context.Context, statement string, args ...interface{}) error {
	if _, err := b.conn.ExecContext(ctx, statement, args...); err != nil {
		if csql.IsUniqueViolation(err) {
			return errors.Wrapf(core.ErrConflict, "cannot create unique index, duplicate values exist: %s", err)
		}
		logger.FromContext(ctx).WithError(err).Errorf("Error 5201: %s", statement)
		return errors.Wrap(err, "cannot maintain index")
	}
	return nil
}

func createIndexStatement(quote func(string) string, name, columns string, unique bool, ifNotExists bool) string {
	statement := "CREATE "
	if unique {
		statement += "UNIQUE "
	}
	statement += "INDEX "
	if ifNotExists {
		statement += "IF NOT EXISTS "
	}
	return statement + quote(name) + " ON records (" + columns + ")"
}
