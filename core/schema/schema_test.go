package schema_test

import (
	"testing"
	"testing/fstest"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/schema"
)

const (
	ref1 = `{ "type" : "string" ,
		      "$id" : "http://some_host.com/string.json"}`
	ref2 = `{ "$id" : "http://some_host.com/maxlength.json",
	 		  "maxLength" : 5 }`

	topLevel1 = `
	{ "$id" : "http://some_host.com/top1.json",
	  "allOf" : [
		{ "$ref" : "http://some_host.com/string.json" },
		{ "$ref" : "http://some_host.com/maxlength.json" }
		]
	}`
	postSchema = `
	{ "$id" : "http://some_host.com/post.json",
	  "type" : "object",
	  "properties" : {
		"title" : { "$ref" : "http://some_host.com/string.json" },
		"views" : { "type" : "number", "minimum" : 0 }
	  },
	  "required" : ["title"]
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel1}, []string{ref1, ref2})
	require.NoError(t, err)

	schemaID := "http://some_host.com/top1.json"
	assert.True(t, v.HasSchema(schemaID))
	assert.False(t, v.HasSchema("http://some_host.com/string.json"))

	assert.NoError(t, v.ValidateString(`"short"`, schemaID))
	err = v.ValidateString(`"a very long string"`, schemaID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestValidateRecord(t *testing.T) {
	v, err := schema.NewValidator([]string{postSchema}, []string{ref1})
	require.NoError(t, err)
	schemaID := "http://some_host.com/post.json"

	assert.NoError(t, v.ValidateRecord(map[string]interface{}{"title": "hello", "views": 3}, schemaID))

	err = v.ValidateRecord(map[string]interface{}{"views": -1}, schemaID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrValidation))

	err = v.ValidateRecord(map[string]interface{}{"title": "x"}, "http://some_host.com/unknown.json")
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestNewValidator_Invalid(t *testing.T) {
	_, err := schema.NewValidator([]string{`{"type": "string"}`}, nil)
	assert.True(t, errors.Is(err, core.ErrValidation))

	_, err = schema.NewValidator([]string{`not json`}, nil)
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestNewValidatorFromFS(t *testing.T) {
	schemaFS := fstest.MapFS{
		"post.json":        {Data: []byte(postSchema)},
		"README.md":        {Data: []byte("ignored")},
		"refs/string.json": {Data: []byte(ref1)},
	}
	v, err := schema.NewValidatorFromFS(schemaFS)
	require.NoError(t, err)
	assert.True(t, v.HasSchema("http://some_host.com/post.json"))
	assert.NoError(t, v.ValidateRecord(map[string]interface{}{"title": "hello"}, "http://some_host.com/post.json"))
}
