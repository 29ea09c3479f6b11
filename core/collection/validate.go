package collection

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/relabs-tech/recordbase/core"
)

// NormalizeRecord validates the field values of data and replaces them by
// their stored form. Empty values of required fields are an error, values
// of unknown properties are kept as they are. All field errors are
// reported together.
func (c *Collection) NormalizeRecord(data map[string]interface{}) error {
	var errs error
	for _, f := range c.Fields {
		value := data[f.Name]
		if IsEmpty(value) {
			if f.Required {
				errs = multierr.Append(errs, errors.Wrapf(core.ErrValidation, "field %s is required", f.Name))
			}
			continue
		}
		if f.Options == nil {
			continue
		}
		normalized, err := f.Options.Normalize(value)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "field %s", f.Name))
			continue
		}
		if f.Required && IsEmpty(normalized) {
			errs = multierr.Append(errs, errors.Wrapf(core.ErrValidation, "field %s is required", f.Name))
			continue
		}
		data[f.Name] = normalized
	}
	return errs
}
