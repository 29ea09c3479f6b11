package collection

import (
	"math"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/csql"
)

// Options are the type specific options of a field. The set of variants is
// closed: there is exactly one per FieldType, see NewOptions.
type Options interface {
	// Normalize validates a non-empty value and returns it in stored form
	Normalize(value interface{}) (interface{}, error)
	options()
}

// NewOptions returns empty options for field type t
func NewOptions(t FieldType) (Options, error) {
	switch t {
	case TypeText:
		return &TextOptions{}, nil
	case TypeNumber:
		return &NumberOptions{}, nil
	case TypeBool:
		return &BoolOptions{}, nil
	case TypeDatetime:
		return &DatetimeOptions{}, nil
	case TypeEmail:
		return &EmailOptions{}, nil
	case TypeFile:
		return &FileOptions{}, nil
	case TypeRelation:
		return &RelationOptions{}, nil
	case TypeRichText:
		return &RichTextOptions{}, nil
	}
	return nil, errors.Wrapf(core.ErrValidation, "unknown field type %q", t)
}

// IsEmpty returns true for nil, the empty string and empty lists
func IsEmpty(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []interface{}:
		return len(v) == 0
	case []string:
		return len(v) == 0
	}
	return false
}

// TextOptions are the options of a text field
type TextOptions struct {
	Min     int    `json:"min,omitempty"`
	Max     int    `json:"max,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

func (*TextOptions) options() {}

// Normalize implements Options
func (o *TextOptions) Normalize(value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, core.Validationf("must be a string")
	}
	n := utf8.RuneCountInString(s)
	if o.Min > 0 && n < o.Min {
		return nil, core.Validationf("must be at least %d characters", o.Min)
	}
	if o.Max > 0 && n > o.Max {
		return nil, core.Validationf("must be at most %d characters", o.Max)
	}
	if o.Pattern != "" {
		re, err := regexp.Compile(o.Pattern)
		if err != nil {
			return nil, core.Validationf("invalid pattern %q", o.Pattern)
		}
		if !re.MatchString(s) {
			return nil, core.Validationf("does not match pattern %q", o.Pattern)
		}
	}
	return s, nil
}

// NumberOptions are the options of a number field
type NumberOptions struct {
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	NoDecimal bool     `json:"no_decimal,omitempty"`
}

func (*NumberOptions) options() {}

// Normalize implements Options
func (o *NumberOptions) Normalize(value interface{}) (interface{}, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		var err error
		if f, err = v.Float64(); err != nil {
			return nil, core.Validationf("must be a number")
		}
	default:
		return nil, core.Validationf("must be a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, core.Validationf("must be a finite number")
	}
	if o.NoDecimal && f != math.Trunc(f) {
		return nil, core.Validationf("must be an integer")
	}
	if o.Min != nil && f < *o.Min {
		return nil, core.Validationf("must be at least %v", *o.Min)
	}
	if o.Max != nil && f > *o.Max {
		return nil, core.Validationf("must be at most %v", *o.Max)
	}
	return f, nil
}

// BoolOptions are the options of a bool field
type BoolOptions struct{}

func (*BoolOptions) options() {}

// Normalize implements Options
func (o *BoolOptions) Normalize(value interface{}) (interface{}, error) {
	b, ok := value.(bool)
	if !ok {
		return nil, core.Validationf("must be a boolean")
	}
	return b, nil
}

// DatetimeOptions are the options of a datetime field
type DatetimeOptions struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

func (*DatetimeOptions) options() {}

var datetimeLayouts = []string{csql.TimeFormat, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

// ParseDatetime parses the datetime formats accepted for datetime fields
func ParseDatetime(s string) (time.Time, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, core.Validationf("invalid datetime %q", s)
}

// Normalize implements Options. Datetimes are stored in csql.TimeFormat so
// they compare lexically.
func (o *DatetimeOptions) Normalize(value interface{}) (interface{}, error) {
	var t time.Time
	switch v := value.(type) {
	case time.Time:
		t = v
	case string:
		var err error
		if t, err = ParseDatetime(v); err != nil {
			return nil, err
		}
	default:
		return nil, core.Validationf("must be a datetime string")
	}
	s := csql.FormatTime(t)
	if o.Min != "" {
		if min, err := ParseDatetime(o.Min); err == nil && t.Before(min) {
			return nil, core.Validationf("must not be before %s", o.Min)
		}
	}
	if o.Max != "" {
		if max, err := ParseDatetime(o.Max); err == nil && t.After(max) {
			return nil, core.Validationf("must not be after %s", o.Max)
		}
	}
	return s, nil
}

// EmailOptions are the options of an email field
type EmailOptions struct {
	ExceptDomains []string `json:"except_domains,omitempty"`
	OnlyDomains   []string `json:"only_domains,omitempty"`
}

func (*EmailOptions) options() {}

// Normalize implements Options
func (o *EmailOptions) Normalize(value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, core.Validationf("must be an email address")
	}
	address, err := mail.ParseAddress(s)
	if err != nil || address.Address != s {
		return nil, core.Validationf("invalid email address %q", s)
	}
	domain := strings.ToLower(s[strings.LastIndex(s, "@")+1:])
	for _, d := range o.ExceptDomains {
		if strings.EqualFold(d, domain) {
			return nil, core.Validationf("email domain %s is not allowed", domain)
		}
	}
	if len(o.OnlyDomains) > 0 {
		allowed := false
		for _, d := range o.OnlyDomains {
			allowed = allowed || strings.EqualFold(d, domain)
		}
		if !allowed {
			return nil, core.Validationf("email domain %s is not allowed", domain)
		}
	}
	return s, nil
}

// FileOptions are the options of a file field. The values are file names;
// storing the files themselves is not the business of this module.
type FileOptions struct {
	MaxSelect int      `json:"max_select,omitempty"`
	MaxSize   int64    `json:"max_size,omitempty"`
	MimeTypes []string `json:"mime_types,omitempty"`
}

func (*FileOptions) options() {}

// Normalize implements Options
func (o *FileOptions) Normalize(value interface{}) (interface{}, error) {
	names, err := stringList(value)
	if err != nil {
		return nil, err
	}
	if o.MaxSelect <= 1 {
		if len(names) > 1 {
			return nil, core.Validationf("accepts a single file")
		}
		if len(names) == 0 {
			return "", nil
		}
		return names[0], nil
	}
	if len(names) > o.MaxSelect {
		return nil, core.Validationf("accepts at most %d files", o.MaxSelect)
	}
	return toInterfaces(names), nil
}

// RelationOptions are the options of a relation field
type RelationOptions struct {
	// CollectionID is the id of the referenced collection
	CollectionID  string `json:"collection_id"`
	Multiple      bool   `json:"multiple"`
	CascadeDelete bool   `json:"cascade_delete"`
	MinSelect     int    `json:"min_select,omitempty"`
	MaxSelect     int    `json:"max_select,omitempty"`
}

func (*RelationOptions) options() {}

// Normalize implements Options. Multiple relations are stored as a list of
// distinct ids, single relations as one id.
func (o *RelationOptions) Normalize(value interface{}) (interface{}, error) {
	ids, err := stringList(value)
	if err != nil {
		return nil, err
	}
	if !o.Multiple {
		if len(ids) > 1 {
			return nil, core.Validationf("accepts a single relation")
		}
		if len(ids) == 0 {
			return "", nil
		}
		return ids[0], nil
	}
	if o.MinSelect > 0 && len(ids) < o.MinSelect {
		return nil, core.Validationf("requires at least %d relations", o.MinSelect)
	}
	if o.MaxSelect > 0 && len(ids) > o.MaxSelect {
		return nil, core.Validationf("accepts at most %d relations", o.MaxSelect)
	}
	return toInterfaces(ids), nil
}

// RelationIDs returns the ids a stored relation value references
func RelationIDs(value interface{}) []string {
	ids, _ := stringList(value)
	return ids
}

// RichTextOptions are the options of a rich text field
type RichTextOptions struct {
	Max int `json:"max,omitempty"`
}

func (*RichTextOptions) options() {}

// Normalize implements Options
func (o *RichTextOptions) Normalize(value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, core.Validationf("must be a string")
	}
	if o.Max > 0 && len(s) > o.Max {
		return nil, core.Validationf("must be at most %d bytes", o.Max)
	}
	return s, nil
}

// stringList accepts a string or a list of strings. Empty strings and
// duplicates are dropped, the order is kept.
func stringList(value interface{}) ([]string, error) {
	var list []string
	switch v := value.(type) {
	case nil:
	case string:
		list = []string{v}
	case []string:
		list = v
	case []interface{}:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, core.Validationf("must be a list of strings")
			}
			list = append(list, s)
		}
	default:
		return nil, core.Validationf("must be a string or a list of strings")
	}
	result := []string{}
	seen := map[string]bool{}
	for _, s := range list {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		result = append(result, s)
	}
	return result, nil
}

func toInterfaces(list []string) []interface{} {
	result := make([]interface{}, len(list))
	for i, s := range list {
		result[i] = s
	}
	return result
}
