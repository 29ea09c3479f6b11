// Package collection holds the schema metadata of collections: their fields,
// authorization rules, indexes and kind specific behaviour.
package collection

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/rules"
)

// Kind is the kind of a collection
type Kind string

// The collection kinds
const (
	KindBase Kind = "base"
	KindAuth Kind = "auth"
	KindView Kind = "view"
)

// Built-in record properties which are stored as real columns
const (
	PropertyID      = "id"
	PropertyCreated = "created"
	PropertyUpdated = "updated"
)

// IsBuiltin returns true for the properties every record has
func IsBuiltin(name string) bool {
	return name == PropertyID || name == PropertyCreated || name == PropertyUpdated
}

// Collection describes a collection of records
type Collection struct {
	ID      string                      `json:"id"`
	Name    string                      `json:"name"`
	Kind    Kind                        `json:"kind"`
	Fields  []*Field                    `json:"fields"`
	Rules   map[core.Action]*rules.Rule `json:"rules"`
	Indexes []Index                     `json:"indexes"`
	// SchemaID optionally names a JSON schema every record must satisfy
	SchemaID string       `json:"schema_id,omitempty"`
	Auth     *AuthOptions `json:"auth,omitempty"`
	View     *ViewOptions `json:"view,omitempty"`
}

// Index describes a database index over one or more fields. The query
// compiler uses indexed fields through their virtual columns.
type Index struct {
	Name   string   `json:"name,omitempty"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
}

// AuthOptions are the options of an auth collection
type AuthOptions struct {
	MinPasswordLength int `json:"min_password_length"`
}

// DefaultMinPasswordLength applies if an auth collection does not specify one
const DefaultMinPasswordLength = 8

// ViewOptions are the options of a view collection
type ViewOptions struct {
	// Query is the filter applied to the source collection
	Query string `json:"query"`
	// Source is the id or name of the collection the view shows
	Source string `json:"source"`
}

// Field returns the field with name, or nil
func (c *Collection) Field(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Rule returns the rule for action. The result is nil if the rule was never set.
func (c *Collection) Rule(action core.Action) *rules.Rule {
	return c.Rules[action]
}

// RelationFields returns the relation fields in declaration order
func (c *Collection) RelationFields() []*Field {
	var fields []*Field
	for _, f := range c.Fields {
		if f.Type == TypeRelation {
			fields = append(fields, f)
		}
	}
	return fields
}

// IsIndexed returns true if a database index covers the field. Built-in
// properties always have a real column.
func (c *Collection) IsIndexed(field string) bool {
	if IsBuiltin(field) {
		return true
	}
	for _, index := range c.Indexes {
		for _, f := range index.Fields {
			if f == field {
				return true
			}
		}
	}
	return false
}

// IndexedFields returns every field covered by an index, each once
func (c *Collection) IndexedFields() []string {
	var fields []string
	seen := map[string]bool{}
	for _, index := range c.Indexes {
		for _, f := range index.Fields {
			if !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}
	return fields
}

// MinPasswordLength returns the minimum password length of an auth collection
func (c *Collection) MinPasswordLength() int {
	if c.Auth == nil || c.Auth.MinPasswordLength <= 0 {
		return DefaultMinPasswordLength
	}
	return c.Auth.MinPasswordLength
}

// Handler returns the kind handler of the collection
func (c *Collection) Handler() (KindHandler, error) {
	return HandlerFor(c.Kind)
}

// UnmarshalJSON defaults the kind to base
func (c *Collection) UnmarshalJSON(data []byte) error {
	type plain Collection
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Kind == "" {
		p.Kind = KindBase
	}
	*c = Collection(p)
	return nil
}

// Validate checks the collection on its own. References to other
// collections are checked by Configuration.Validate.
func (c *Collection) Validate() error {
	if c.ID == "" {
		return errors.Wrap(core.ErrValidation, "collection without id")
	}
	if c.Name == "" {
		return errors.Wrapf(core.ErrValidation, "collection %s has no name", c.ID)
	}
	if _, err := HandlerFor(c.Kind); err != nil {
		return errors.Wrapf(core.ErrValidation, "collection %s: unknown kind %q", c.Name, c.Kind)
	}
	names := map[string]bool{}
	for _, f := range c.Fields {
		if f.Name == "" {
			return errors.Wrapf(core.ErrValidation, "collection %s has a field without name", c.Name)
		}
		if IsBuiltin(f.Name) {
			return errors.Wrapf(core.ErrValidation, "collection %s: field %s is a built-in property", c.Name, f.Name)
		}
		if names[f.Name] {
			return errors.Wrapf(core.ErrValidation, "collection %s: duplicate field %s", c.Name, f.Name)
		}
		names[f.Name] = true
	}
	for _, index := range c.Indexes {
		if len(index.Fields) == 0 {
			return errors.Wrapf(core.ErrValidation, "collection %s: index without fields", c.Name)
		}
		for _, f := range index.Fields {
			if !names[f] && !IsBuiltin(f) {
				return errors.Wrapf(core.ErrValidation, "collection %s: index on unknown field %s", c.Name, f)
			}
		}
	}
	for action := range c.Rules {
		if !action.IsValid() {
			return errors.Wrapf(core.ErrValidation, "collection %s: rule for unknown action %q", c.Name, action)
		}
	}
	if c.Kind == KindView && (c.View == nil || c.View.Source == "") {
		return errors.Wrapf(core.ErrValidation, "view collection %s has no source", c.Name)
	}
	return nil
}
