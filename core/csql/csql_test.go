package csql

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/recordbase/core"
)

func TestDialectFor(t *testing.T) {
	for _, driver := range []string{"postgres", "pgx", "sqlite", "sqlite3", "mysql"} {
		d, err := DialectFor(driver)
		require.NoError(t, err, driver)
		assert.NotEmpty(t, d.Migrations())
	}
	_, err := DialectFor("oracle")
	assert.True(t, errors.Is(err, core.ErrUnsupportedDriver))
	assert.True(t, errors.Is(err, core.ErrConflict))
}

func TestRebind(t *testing.T) {
	d := postgresDialect{}
	assert.Equal(t, "SELECT * FROM records WHERE id = $1 AND data->>'a?b' = $2",
		d.Rebind("SELECT * FROM records WHERE id = ? AND data->>'a?b' = ?"))
	assert.Equal(t, "id = ?", sqliteDialect{}.Rebind("id = ?"))
	assert.Equal(t, "id = ?", mysqlDialect{}.Rebind("id = ?"))
}

func TestUpsert(t *testing.T) {
	columns := []string{"reg_key", "value", "written"}
	assert.Equal(t,
		`INSERT INTO "_registry_" ("reg_key", "value", "written") VALUES (?, ?, ?) ON CONFLICT ("reg_key") DO UPDATE SET "value" = excluded."value", "written" = excluded."written"`,
		postgresDialect{}.Upsert("_registry_", "reg_key", columns))
	assert.Equal(t, postgresDialect{}.Upsert("_registry_", "reg_key", columns), sqliteDialect{}.Upsert("_registry_", "reg_key", columns))
	assert.Equal(t,
		"INSERT INTO `_registry_` (`reg_key`, `value`, `written`) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE `value` = VALUES(`value`), `written` = VALUES(`written`)",
		mysqlDialect{}.Upsert("_registry_", "reg_key", columns))
}

func TestIdentifiers(t *testing.T) {
	assert.Equal(t, "title_2", SanitizeIdentifier("ti'tle_2; --"))
	assert.Equal(t, "vc_status", VirtualColumn("sta-tus"))
	assert.Equal(t, "json_extract(data, '$.name')", sqliteDialect{}.JSONField("na'me"))
	assert.Equal(t, "`a``b`", mysqlDialect{}.Quote("a`b"))
}

func TestBind(t *testing.T) {
	v, err := postgresDialect{}.Bind(" 2.5", KindNumber)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	_, err = sqliteDialect{}.Bind("many", KindNumber)
	assert.True(t, errors.Is(err, core.ErrValidation))

	v, err = sqliteDialect{}.Bind("true", KindBool)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = mysqlDialect{}.Bind("0", KindBool)
	require.NoError(t, err)
	assert.Equal(t, "false", v)

	_, err = postgresDialect{}.Bind("maybe", KindBool)
	assert.True(t, errors.Is(err, core.ErrValidation))

	v, err = mysqlDialect{}.Bind("x", KindText)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.True(t, IsUniqueViolation(errors.Wrap(&pq.Error{Code: "23505"}, "insert")))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.True(t, IsUniqueViolation(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsUniqueViolation(&mysql.MySQLError{Number: 1064}))
	assert.True(t, IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: records.id (2067)")))
}

func TestFormatTime(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	assert.Equal(t, "2024-01-01 11:00:00.250Z", FormatTime(time.Date(2024, 1, 1, 12, 0, 0, 250e6, berlin)))
}

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "csql.db"))
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, "sqlite", db.Driver())

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))

	insert := "INSERT INTO _registry_ (reg_key, value, written) VALUES (?, ?, ?)"
	failure := errors.New("abort")
	err = db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, insert, "a", "1", "x"); err != nil {
			return err
		}
		return failure
	})
	assert.Equal(t, failure, err)

	require.NoError(t, db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, insert, "b", "2", "x")
		return err
	}))

	var keys []string
	rows, err := db.QueryContext(ctx, "SELECT reg_key FROM _registry_ ORDER BY reg_key")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var key string
		require.NoError(t, rows.Scan(&key))
		keys = append(keys, key)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"b"}, keys)

	_, err = db.ExecContext(ctx, insert, "b", "3", "y")
	assert.True(t, IsUniqueViolation(err))
}
