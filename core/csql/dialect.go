package csql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
)

// ValueKind tells a dialect how to compare a projected JSON value
type ValueKind int

// all value kinds
const (
	// KindAny is an undeclared field, compared by its text representation
	KindAny ValueKind = iota
	KindText
	KindNumber
	KindBool
)

// Dialect renders the driver specific parts of the generated SQL
type Dialect interface {
	// Name is the driver identity, one of "postgres", "sqlite" or "mysql"
	Name() string
	// DriverName is the name the database/sql driver is registered under
	DriverName() string
	// Quote quotes an identifier
	Quote(identifier string) string
	// Rebind rewrites '?' placeholders into the driver's placeholder syntax
	Rebind(query string) string
	// JSONField projects one top level field of the data column
	JSONField(field string) string
	// Cast makes a projected expression comparable as kind
	Cast(expr string, kind ValueKind) string
	// Bind converts a textual filter value into a query argument for kind
	Bind(value string, kind ValueKind) (interface{}, error)
	// Contains is a case sensitive substring predicate with one placeholder for the needle
	Contains(expr string) string
	// Upsert returns an insert statement which updates all non-key columns on conflict
	Upsert(table, key string, columns []string) string
	// Migrations are the statements creating the module's tables
	Migrations() []string
}

// DialectFor returns the dialect of a driver. Unknown drivers are a
// configuration error.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return postgresDialect{}, nil
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	}
	return nil, errors.Wrapf(core.ErrUnsupportedDriver, "driver %q", driver)
}

// SanitizeIdentifier strips everything but [A-Za-z0-9_] from s. Field names
// are sanitized before they are rendered into SQL.
func SanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// VirtualColumn is the generated column projecting field out of the data column
func VirtualColumn(field string) string {
	return "vc_" + SanitizeIdentifier(field)
}

func bindNumber(value string) (interface{}, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return nil, core.Validationf("%q is not a number", value)
	}
	return f, nil
}

func parseBool(value string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, core.Validationf("%q is not a boolean", value)
	}
	return b, nil
}

func upsertValues(columns []string, quote func(string) string) (string, string) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) Quote(identifier string) string {
	return pq.QuoteIdentifier(identifier)
}

// Rebind replaces '?' by $1..$n outside of string literals
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	n := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inString = !inString
			b.WriteByte(c)
		case c == '?' && !inString:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (postgresDialect) JSONField(field string) string {
	return "data->>'" + SanitizeIdentifier(field) + "'"
}

func (postgresDialect) Cast(expr string, kind ValueKind) string {
	switch kind {
	case KindNumber:
		return "(" + expr + ")::double precision"
	case KindBool:
		return "(" + expr + ")::boolean"
	}
	return expr
}

func (postgresDialect) Bind(value string, kind ValueKind) (interface{}, error) {
	switch kind {
	case KindNumber:
		return bindNumber(value)
	case KindBool:
		return parseBool(value)
	}
	return value, nil
}

func (postgresDialect) Contains(expr string) string {
	return "strpos(" + expr + ", ?) > 0"
}

func (d postgresDialect) Upsert(table, key string, columns []string) string {
	names, values := upsertValues(columns, d.Quote)
	var sets []string
	for _, c := range columns {
		if c != key {
			sets = append(sets, d.Quote(c)+" = excluded."+d.Quote(c))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		d.Quote(table), names, values, d.Quote(key), strings.Join(sets, ", "))
}

func (postgresDialect) Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS records (
id VARCHAR(64) NOT NULL PRIMARY KEY,
collection_id VARCHAR(64) NOT NULL,
data JSONB NOT NULL DEFAULT '{}'::jsonb,
created VARCHAR(32) NOT NULL,
updated VARCHAR(32) NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS records_collection_created ON records (collection_id, created);`,
		`CREATE TABLE IF NOT EXISTS record_index (
collection_id VARCHAR(64) NOT NULL,
record_id VARCHAR(64) NOT NULL,
field VARCHAR(255) NOT NULL,
value_string TEXT,
value_number DOUBLE PRECISION,
value_datetime VARCHAR(32)
);`,
		`CREATE INDEX IF NOT EXISTS record_index_record ON record_index (record_id);`,
		`CREATE INDEX IF NOT EXISTS record_index_value ON record_index (value_string);`,
		`CREATE TABLE IF NOT EXISTS realtime_subscriptions (
id VARCHAR(64) NOT NULL PRIMARY KEY,
collection_id VARCHAR(64) NOT NULL,
subscriber_id VARCHAR(64),
channel VARCHAR(255) NOT NULL,
filter_expr TEXT NOT NULL DEFAULT '',
is_public BOOLEAN NOT NULL DEFAULT FALSE,
updated VARCHAR(32) NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS realtime_subscriptions_collection ON realtime_subscriptions (collection_id, id);`,
		`CREATE TABLE IF NOT EXISTS _registry_ (
reg_key VARCHAR(255) NOT NULL PRIMARY KEY,
value TEXT NOT NULL,
written VARCHAR(32) NOT NULL
);`,
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) Quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) JSONField(field string) string {
	return "json_extract(data, '$." + SanitizeIdentifier(field) + "')"
}

func (sqliteDialect) Cast(expr string, kind ValueKind) string {
	switch kind {
	case KindNumber:
		return "CAST(" + expr + " AS REAL)"
	case KindAny:
		return "CAST(" + expr + " AS TEXT)"
	}
	// json_extract yields text for strings and 0/1 for booleans
	return expr
}

func (sqliteDialect) Bind(value string, kind ValueKind) (interface{}, error) {
	switch kind {
	case KindNumber:
		return bindNumber(value)
	case KindBool:
		b, err := parseBool(value)
		if err != nil {
			return nil, err
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return value, nil
}

func (sqliteDialect) Contains(expr string) string {
	return "instr(" + expr + ", ?) > 0"
}

func (d sqliteDialect) Upsert(table, key string, columns []string) string {
	return postgresDialect{}.Upsert(table, key, columns)
}

func (sqliteDialect) Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS records (
id TEXT NOT NULL PRIMARY KEY,
collection_id TEXT NOT NULL,
data TEXT NOT NULL DEFAULT '{}',
created TEXT NOT NULL,
updated TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS records_collection_created ON records (collection_id, created);`,
		`CREATE TABLE IF NOT EXISTS record_index (
collection_id TEXT NOT NULL,
record_id TEXT NOT NULL,
field TEXT NOT NULL,
value_string TEXT,
value_number REAL,
value_datetime TEXT
);`,
		`CREATE INDEX IF NOT EXISTS record_index_record ON record_index (record_id);`,
		`CREATE INDEX IF NOT EXISTS record_index_value ON record_index (value_string);`,
		`CREATE TABLE IF NOT EXISTS realtime_subscriptions (
id TEXT NOT NULL PRIMARY KEY,
collection_id TEXT NOT NULL,
subscriber_id TEXT,
channel TEXT NOT NULL,
filter_expr TEXT NOT NULL DEFAULT '',
is_public INTEGER NOT NULL DEFAULT 0,
updated TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS realtime_subscriptions_collection ON realtime_subscriptions (collection_id, id);`,
		`CREATE TABLE IF NOT EXISTS _registry_ (
reg_key TEXT NOT NULL PRIMARY KEY,
value TEXT NOT NULL,
written TEXT NOT NULL
);`,
	}
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) Quote(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
}

func (mysqlDialect) Rebind(query string) string { return query }

func (mysqlDialect) JSONField(field string) string {
	return "JSON_UNQUOTE(JSON_EXTRACT(data, '$." + SanitizeIdentifier(field) + "'))"
}

func (mysqlDialect) Cast(expr string, kind ValueKind) string {
	if kind == KindNumber {
		return "CAST(" + expr + " AS DOUBLE)"
	}
	// booleans unquote to 'true' and 'false'
	return expr
}

func (mysqlDialect) Bind(value string, kind ValueKind) (interface{}, error) {
	switch kind {
	case KindNumber:
		return bindNumber(value)
	case KindBool:
		b, err := parseBool(value)
		if err != nil {
			return nil, err
		}
		return strconv.FormatBool(b), nil
	}
	return value, nil
}

func (mysqlDialect) Contains(expr string) string {
	return "INSTR(CAST(" + expr + " AS BINARY), CAST(? AS BINARY)) > 0"
}

func (d mysqlDialect) Upsert(table, key string, columns []string) string {
	names, values := upsertValues(columns, d.Quote)
	var sets []string
	for _, c := range columns {
		if c != key {
			sets = append(sets, d.Quote(c)+" = VALUES("+d.Quote(c)+")")
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		d.Quote(table), names, values, strings.Join(sets, ", "))
}

func (mysqlDialect) Migrations() []string {
	return []string{
		"CREATE TABLE IF NOT EXISTS records (" +
			"id VARCHAR(64) NOT NULL PRIMARY KEY, " +
			"collection_id VARCHAR(64) NOT NULL, " +
			"data JSON NOT NULL, " +
			"created VARCHAR(32) NOT NULL, " +
			"updated VARCHAR(32) NOT NULL, " +
			"INDEX records_collection_created (collection_id, created))",
		"CREATE TABLE IF NOT EXISTS record_index (" +
			"collection_id VARCHAR(64) NOT NULL, " +
			"record_id VARCHAR(64) NOT NULL, " +
			"field VARCHAR(255) NOT NULL, " +
			"value_string VARCHAR(255), " +
			"value_number DOUBLE, " +
			"value_datetime VARCHAR(32), " +
			"INDEX record_index_record (record_id), " +
			"INDEX record_index_value (value_string))",
		"CREATE TABLE IF NOT EXISTS realtime_subscriptions (" +
			"id VARCHAR(64) NOT NULL PRIMARY KEY, " +
			"collection_id VARCHAR(64) NOT NULL, " +
			"subscriber_id VARCHAR(64), " +
			"channel VARCHAR(255) NOT NULL, " +
			"filter_expr TEXT NOT NULL, " +
			"is_public BOOLEAN NOT NULL DEFAULT FALSE, " +
			"updated VARCHAR(32) NOT NULL, " +
			"INDEX realtime_subscriptions_collection (collection_id, id))",
		"CREATE TABLE IF NOT EXISTS _registry_ (" +
			"reg_key VARCHAR(255) NOT NULL PRIMARY KEY, " +
			"value TEXT NOT NULL, " +
			"written VARCHAR(32) NOT NULL)",
	}
}
