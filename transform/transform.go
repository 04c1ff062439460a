package transform

import (
	"github.com/fieldline/porter/errors"
)

// Properties is the transformed output for one record: target field name to
// typed value. Absent optional fields are simply not present, no null
// placeholders.
type Properties map[string]Value

// FieldFunc optionally reshapes a field's value. present is false when the
// source field was absent, letting a func supply a default for optional
// fields. The returned bool reports whether the field should be included in
// the output.
type FieldFunc func(v Value, present bool) (Value, bool, error)

// FieldMapping maps one source field to one target field
type FieldMapping struct {
	Source   string
	Target   string
	Required bool
	Func     FieldFunc
}

// Table is an ordered field-mapping table for one entity type
type Table struct {
	EntityType string
	Fields     []FieldMapping
}

// NewTable builds a mapping table, rejecting empty or duplicate targets
func NewTable(entityType string, fields []FieldMapping) (*Table, error) {
	if entityType == "" {
		return nil, errors.New("entityType cannot be empty")
	}
	seen := make(map[string]bool, len(fields))
	for _, fm := range fields {
		if fm.Source == "" || fm.Target == "" {
			return nil, errors.Newf("field mapping must name both source and target (got %q -> %q)", fm.Source, fm.Target)
		}
		if seen[fm.Target] {
			return nil, errors.Newf("duplicate target field %q in mapping table for %s", fm.Target, entityType)
		}
		seen[fm.Target] = true
	}
	return &Table{EntityType: entityType, Fields: fields}, nil
}

// SourceFields returns the source field names the table reads, in order.
// Extractors use this as the field list to request.
func (t *Table) SourceFields() []string {
	fields := make([]string, 0, len(t.Fields))
	for _, fm := range t.Fields {
		fields = append(fields, fm.Source)
	}
	return fields
}

// Apply transforms one source record into target properties.
//
// A missing or empty value on a required field fails the record with a
// validation error; the caller skips the record and writes a RecordError.
// Absent optional fields are omitted unless the mapping's Func supplies a
// default. nil values in the record are treated as absent.
func (t *Table) Apply(record map[string]interface{}) (Properties, error) {
	props := make(Properties, len(t.Fields))

	for _, fm := range t.Fields {
		raw, present := record[fm.Source]
		if present && raw == nil {
			present = false
		}

		var value Value
		if present {
			v, err := FromAny(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "field %s", fm.Source)
			}
			value = v
		}

		if fm.Func != nil {
			out, include, err := fm.Func(value, present)
			if err != nil {
				return nil, errors.Wrapf(err, "field %s", fm.Source)
			}
			if !include {
				if fm.Required {
					return nil, errors.NewValidationError("required field %s has no usable value", fm.Source)
				}
				continue
			}
			props[fm.Target] = out
			continue
		}

		if !present || value.IsZero() {
			if fm.Required {
				return nil, errors.NewValidationError("missing required field: %s", fm.Source)
			}
			continue
		}

		props[fm.Target] = value
	}

	return props, nil
}
