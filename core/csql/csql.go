// Package csql wraps database/sql with the SQL dialect of the live driver.
//
// All statements in this module are written with '?' placeholders and rebound
// by the dialect, so the same query text runs on postgres, sqlite and mysql.
package csql

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql" // load database driver for mysql
	_ "github.com/lib/pq"              // load database driver for postgres
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // load database driver for sqlite

	"github.com/relabs-tech/recordbase/core/logger"
)

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// TimeFormat is the storage format of all timestamps. It sorts lexically.
const TimeFormat = "2006-01-02 15:04:05.000Z"

// FormatTime formats t in TimeFormat, in UTC
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Conn is implemented by *DB and *Tx. Statements are rebound for the dialect.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	Dialect() Dialect
}

// DB encapsulates a standard sql.DB with its dialect
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open opens a database for one of the supported drivers ("postgres",
// "sqlite" or "mysql") and verifies the connection.
func Open(driver, dataSourceName string) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	logger.Default().Infof("connecting to %s database", dialect.Name())
	db, err := sql.Open(dialect.DriverName(), dataSourceName)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s database", driver)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "cannot reach %s database", driver)
	}
	return &DB{DB: db, dialect: dialect}, nil
}

// Dialect returns the dialect of the database
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Driver returns the name of the live driver
func (db *DB) Driver() string {
	return db.dialect.Name()
}

// ExecContext executes a query without returning any rows.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.dialect.Rebind(query), args...)
}

// QueryContext executes a query that returns rows.
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.dialect.Rebind(query), args...)
}

// QueryRowContext executes a query that is expected to return at most one row.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.dialect.Rebind(query), args...)
}

// Migrate creates the tables this module stores its data in, if they do not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	for _, statement := range db.dialect.Migrations() {
		if _, err := db.DB.ExecContext(ctx, statement); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 5101: cannot migrate: %s", statement)
			return errors.Wrap(err, "cannot migrate database")
		}
	}
	return nil
}

// Tx is a transaction with the dialect of its database
type Tx struct {
	*sql.Tx
	dialect Dialect
}

// Dialect returns the dialect of the transaction's database
func (tx *Tx) Dialect() Dialect {
	return tx.dialect
}

// ExecContext executes a query without returning any rows.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return tx.Tx.ExecContext(ctx, tx.dialect.Rebind(query), args...)
}

// QueryContext executes a query that returns rows.
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return tx.Tx.QueryContext(ctx, tx.dialect.Rebind(query), args...)
}

// QueryRowContext executes a query that is expected to return at most one row.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return tx.Tx.QueryRowContext(ctx, tx.dialect.Rebind(query), args...)
}

// WithTx runs fn inside a transaction. The transaction is committed if fn
// returns nil and rolled back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "cannot begin transaction")
	}
	tx := &Tx{Tx: sqlTx, dialect: db.dialect}
	if err = fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logger.FromContext(ctx).WithError(rbErr).Errorln("Error 5102: cannot rollback")
		}
		return err
	}
	return errors.Wrap(sqlTx.Commit(), "cannot commit transaction")
}
