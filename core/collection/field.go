package collection

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
)

// FieldType is the declared type of a field
type FieldType string

// The field types
const (
	TypeText     FieldType = "text"
	TypeNumber   FieldType = "number"
	TypeBool     FieldType = "bool"
	TypeDatetime FieldType = "datetime"
	TypeEmail    FieldType = "email"
	TypeFile     FieldType = "file"
	TypeRelation FieldType = "relation"
	TypeRichText FieldType = "richtext"
)

// Field is one field of a collection
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Unique   bool      `json:"unique"`
	// Indexed requests a single-field database index
	Indexed bool `json:"indexed"`
	// Locked fields may not be changed by configuration tooling
	Locked  bool    `json:"locked"`
	Options Options `json:"-"`
}

// Relation returns the relation options of a relation field, or nil
func (f *Field) Relation() *RelationOptions {
	if o, ok := f.Options.(*RelationOptions); ok {
		return o
	}
	return nil
}

// IsMultiple returns true if the field holds a list of values
func (f *Field) IsMultiple() bool {
	switch o := f.Options.(type) {
	case *RelationOptions:
		return o.Multiple
	case *FileOptions:
		return o.MaxSelect > 1
	}
	return false
}

type fieldJSON struct {
	Name     string          `json:"name"`
	Type     FieldType       `json:"type"`
	Required bool            `json:"required"`
	Unique   bool            `json:"unique"`
	Indexed  bool            `json:"indexed"`
	Locked   bool            `json:"locked"`
	Options  json.RawMessage `json:"options,omitempty"`
}

// UnmarshalJSON decodes the options into the variant of the field type
func (f *Field) UnmarshalJSON(data []byte) error {
	var raw fieldJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	options, err := NewOptions(raw.Type)
	if err != nil {
		return errors.Wrapf(err, "field %s", raw.Name)
	}
	if len(raw.Options) > 0 && string(raw.Options) != "null" {
		if err := json.Unmarshal(raw.Options, options); err != nil {
			return errors.Wrapf(core.ErrValidation, "field %s: invalid options: %s", raw.Name, err)
		}
	}
	*f = Field{
		Name:     raw.Name,
		Type:     raw.Type,
		Required: raw.Required,
		Unique:   raw.Unique,
		Indexed:  raw.Indexed,
		Locked:   raw.Locked,
		Options:  options,
	}
	return nil
}

// MarshalJSON encodes the field with its options
func (f *Field) MarshalJSON() ([]byte, error) {
	raw := fieldJSON{
		Name:     f.Name,
		Type:     f.Type,
		Required: f.Required,
		Unique:   f.Unique,
		Indexed:  f.Indexed,
		Locked:   f.Locked,
	}
	if f.Options != nil {
		options, err := json.Marshal(f.Options)
		if err != nil {
			return nil, err
		}
		raw.Options = options
	}
	return json.Marshal(raw)
}
