/*
Package registry provides a persistent registry of objects in a SQL database

The package uses JSON to serialize the data. Values live in the _registry_
table created by csql.DB.Migrate.
*/
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core/csql"
)

const table = "_registry_"

// New creates a new registry for the specified database
func New(db csql.Conn) Registry {
	return Registry{db: db}
}

// Registry provides a persistent registry of objects in a sql database.
type Registry struct {
	db csql.Conn
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry Registry
}

// Accessor returns a registry accessor with prefix
func (r Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

func (r Accessor) key(key string) string {
	if len(r.Prefix) > 0 {
		return r.Prefix + ":" + key
	}
	return key
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timestamp
// if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	var (
		rawValue string
		written  string
	)
	key = r.key(key)
	err := r.Registry.db.QueryRowContext(ctx,
		`SELECT value, written FROM `+table+` WHERE reg_key = ?`, key).Scan(&rawValue, &written)
	if err == csql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "cannot read key '%s'", key)
	}
	timestamp, err := time.Parse(csql.TimeFormat, written)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp for key '%s'", key)
	}
	return timestamp, json.Unmarshal([]byte(rawValue), value)
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Write(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key = r.key(key)
	conn := r.Registry.db
	statement := conn.Dialect().Upsert(table, "reg_key", []string{"reg_key", "value", "written"})
	if _, err = conn.ExecContext(ctx, statement, key, string(body), csql.FormatTime(time.Now())); err != nil {
		return errors.Wrapf(err, "could not write key %s", key)
	}
	return nil
}

// Delete deletes a value from the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Delete(ctx context.Context, key string) error {
	key = r.key(key)
	if _, err := r.Registry.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE reg_key = ?`, key); err != nil {
		return errors.Wrapf(err, "cannot delete key '%s'", key)
	}
	return nil
}

// ReadAll calls fn for every value under the accessor's prefix, in key
// order. The key passed to fn has the prefix removed.
func (r Accessor) ReadAll(ctx context.Context, fn func(key string, raw []byte) error) error {
	prefix := r.key("")
	rows, err := r.Registry.db.QueryContext(ctx,
		`SELECT reg_key, value FROM `+table+` WHERE reg_key >= ? ORDER BY reg_key`, prefix)
	if err != nil {
		return errors.Wrap(err, "cannot list registry")
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}
		if err := fn(strings.TrimPrefix(key, prefix), []byte(value)); err != nil {
			return err
		}
	}
	return rows.Err()
}
