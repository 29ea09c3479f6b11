package filter

import (
	"strings"
)

// Sort is one ordering key
type Sort struct {
	Field      string
	Descending bool
}

// String returns the key in the sort string syntax
func (s Sort) String() string {
	if s.Descending {
		return "-" + s.Field
	}
	return s.Field
}

// ParseSort parses a comma separated list of fields. A leading '-' sorts
// descending, a leading '+' ascending.
func ParseSort(s string) []Sort {
	var sorts []Sort
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		descending := false
		switch {
		case strings.HasPrefix(part, "-"):
			descending = true
			part = part[1:]
		case strings.HasPrefix(part, "+"):
			part = part[1:]
		}
		field := SanitizeField(part)
		if field == "" {
			continue
		}
		sorts = append(sorts, Sort{Field: field, Descending: descending})
	}
	return sorts
}

// ParseExpand parses a comma separated list of relation field names.
// Duplicates are removed.
func ParseExpand(s string) []string {
	var fields []string
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		field := SanitizeField(strings.TrimSpace(part))
		if field == "" || seen[field] {
			continue
		}
		seen[field] = true
		fields = append(fields, field)
	}
	return fields
}
