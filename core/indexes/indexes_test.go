package indexes

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/csql"
)

var tags = &collection.Collection{
	ID:   "c_tags",
	Name: "tags",
	Kind: collection.KindBase,
	Fields: []*collection.Field{
		{Name: "label", Type: collection.TypeText, Options: &collection.TextOptions{}},
		{Name: "color", Type: collection.TypeText, Options: &collection.TextOptions{}},
	},
}

func testDB(t *testing.T) *csql.DB {
	db, err := csql.Open("sqlite", filepath.Join(t.TempDir(), "indexes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func insert(t *testing.T, db *csql.DB, id, data string) {
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO records (id, collection_id, data, created, updated) VALUES (?, ?, ?, '', '')",
		id, tags.ID, data)
	require.NoError(t, err)
}

func TestForDriver(t *testing.T) {
	db := testDB(t)
	for _, driver := range []string{"postgres", "sqlite", "mysql"} {
		s, err := ForDriver(driver, db)
		require.NoError(t, err)
		assert.NotNil(t, s)
	}
	_, err := ForDriver("oracle", db)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnsupportedDriver))
	assert.True(t, errors.Is(err, core.ErrConflict))
}

func TestName(t *testing.T) {
	assert.Equal(t, "idx_c_tags_label", Name(tags, []string{"label"}, false))
	assert.Equal(t, "uidx_c_tags_label_color", Name(tags, []string{"label", "color"}, true))

	long := Name(tags, []string{strings.Repeat("a", 40), strings.Repeat("b", 40)}, false)
	assert.Len(t, long, maxNameLength)
	assert.True(t, strings.HasPrefix(long, "idx_c_tags_aaaa"))
	assert.NotEqual(t, long, Name(tags, []string{strings.Repeat("a", 40), strings.Repeat("c", 40)}, false))
}

func TestSQLite_CreateDropHas(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	s, err := ForDriver("sqlite", db)
	require.NoError(t, err)

	has, err := s.HasIndex(ctx, tags, []string{"label"}, false)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.CreateIndex(ctx, tags, []string{"label"}, false))
	// creating twice is a no-op
	require.NoError(t, s.CreateIndex(ctx, tags, []string{"label"}, false))
	has, err = s.HasIndex(ctx, tags, []string{"label"}, false)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasIndex(ctx, tags, []string{"label"}, true)
	require.NoError(t, err)
	assert.False(t, has)

	// the virtual column projects the field
	insert(t, db, "t1", `{"label": "red"}`)
	var label string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT "vc_label" FROM records WHERE id = ?`, "t1").Scan(&label))
	assert.Equal(t, "red", label)

	require.NoError(t, s.CreateIndex(ctx, tags, []string{"created", "color"}, false))
	has, err = s.HasIndex(ctx, tags, []string{"created", "color"}, false)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.DropIndex(ctx, tags, []string{"label"}))
	has, err = s.HasIndex(ctx, tags, []string{"label"}, false)
	require.NoError(t, err)
	assert.False(t, has)
	// dropping a missing index is a no-op
	require.NoError(t, s.DropIndex(ctx, tags, []string{"label"}))
}

func TestSQLite_Unique(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	s, err := ForDriver("sqlite", db)
	require.NoError(t, err)

	insert(t, db, "t1", `{"label": "red"}`)
	insert(t, db, "t2", `{"label": "red"}`)
	err = s.CreateIndex(ctx, tags, []string{"label"}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConflict))

	_, err = db.ExecContext(ctx, "DELETE FROM records WHERE id = ?", "t2")
	require.NoError(t, err)
	require.NoError(t, s.CreateIndex(ctx, tags, []string{"label"}, true))

	_, err = db.ExecContext(ctx,
		"INSERT INTO records (id, collection_id, data, created, updated) VALUES (?, ?, ?, '', '')",
		"t3", tags.ID, `{"label": "red"}`)
	require.Error(t, err)
	assert.True(t, csql.IsUniqueViolation(err))

	// the same label in another collection is fine
	_, err = db.ExecContext(ctx,
		"INSERT INTO records (id, collection_id, data, created, updated) VALUES (?, ?, ?, '', '')",
		"o1", "c_other", `{"label": "red"}`)
	require.NoError(t, err)
}

func TestEmptyFields(t *testing.T) {
	ctx := context.Background()
	s, err := ForDriver("sqlite", testDB(t))
	require.NoError(t, err)

	assert.True(t, errors.Is(s.CreateIndex(ctx, tags, nil, false), core.ErrValidation))
	assert.True(t, errors.Is(s.DropIndex(ctx, tags, []string{}), core.ErrValidation))
	_, err = s.HasIndex(ctx, tags, nil, true)
	assert.True(t, errors.Is(err, core.ErrValidation))
	assert.True(t, errors.Is(s.CreateIndex(ctx, tags, []string{"--"}, false), core.ErrValidation))
}
