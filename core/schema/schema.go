// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates records against JSON schemas.
//
// A collection may name a schema by its $id; every record saved into the
// collection must then satisfy it, in addition to the field validation of
// the collection itself.
package schema

import (
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/recordbase/core"
)

// Validator validates JSON documents against a set of compiled schemas
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a new Validator using schemas from schemaFS. JSON files
// in the root directory are top level schemas, JSON files in refs/ are references.
func NewValidatorFromFS(schemaFS fs.FS) (*Validator, error) {
	readDir := func(dir string) ([]string, error) {
		var contents []string
		files, err := fs.ReadDir(schemaFS, dir)
		if errors.Is(err, fs.ErrNotExist) && dir != "." {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read schema directory %s", dir)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			data, err := fs.ReadFile(schemaFS, path.Join(dir, f.Name()))
			if err != nil {
				return nil, errors.Wrapf(err, "cannot read schema %s", f.Name())
			}
			contents = append(contents, string(data))
		}
		return contents, nil
	}

	schemas, err := readDir(".")
	if err != nil {
		return nil, err
	}
	refs, err := readDir("refs")
	if err != nil {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

// NewValidator compiles the top level schemas. A top level schema may only
// reference schemas from refs, not other top level schemas.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type header struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		var h header
		if err := json.Unmarshal([]byte(str), &h); err != nil {
			return nil, errors.Wrapf(core.ErrValidation, "parse error '%v' in schema: '%s'", err, str)
		}
		if h.ID == "" {
			return nil, errors.Wrapf(core.ErrValidation, "schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, errors.Wrapf(core.ErrValidation, "cannot add ref: %s", err)
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, errors.Wrapf(core.ErrValidation, "cannot compile schema %s: %s", h.ID, err)
		}
		validator.schemaValidators[h.ID] = compiled
	}
	return &validator, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateRecord validates the data of a record against schemaID
func (v *Validator) ValidateRecord(data map[string]interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(data), schemaID)
}

// ValidateString validates a JSON document against schemaID
func (v *Validator) ValidateString(document, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(document), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	compiled, ok := v.schemaValidators[schemaID]
	if !ok {
		return errors.Wrapf(core.ErrConfiguration, "there is no schema %s", schemaID)
	}

	result, err := compiled.Validate(loader)
	if err != nil {
		return errors.Wrapf(core.ErrValidation, "cannot validate with schema %s: %s", schemaID, err)
	}
	if !result.Valid() {
		msg := "the document is not valid:"
		for _, e := range result.Errors() {
			msg += "\n- " + e.String()
		}
		return errors.Wrap(core.ErrValidation, msg)
	}
	return nil
}
