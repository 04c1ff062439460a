// Package transform maps source records to target property maps through
// declarative field-mapping tables. Transformation is pure: no I/O, no side
// effects, same input always yields the same output.
package transform

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/fieldline/porter/errors"
)

// Kind discriminates the typed values a target property can hold
type Kind int

const (
	KindString Kind = iota
	KindFloat
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Value is a typed property value. Source records arrive as loosely typed
// JSON; validating into Value at the transformer boundary keeps untyped
// bags out of the rest of the pipeline.
type Value struct {
	kind Kind
	s    string
	f    float64
	b    bool
	t    time.Time
}

// String wraps a string value
func String(s string) Value { return Value{kind: KindString, s: s} }

// Float wraps a numeric value
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool wraps a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Time wraps a timestamp value
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

// Kind returns the value's type discriminator
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string form of the value regardless of kind
func (v Value) AsString() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339)
	default:
		return ""
	}
}

// AsFloat returns the numeric value; zero for non-numeric kinds
func (v Value) AsFloat() float64 {
	if v.kind == KindFloat {
		return v.f
	}
	return 0
}

// AsBool returns the boolean value; false for non-boolean kinds
func (v Value) AsBool() bool {
	return v.kind == KindBool && v.b
}

// AsTime returns the timestamp value; zero time for non-time kinds
func (v Value) AsTime() time.Time {
	if v.kind == KindTime {
		return v.t
	}
	return time.Time{}
}

// IsZero reports whether the value carries no usable content for its kind
func (v Value) IsZero() bool {
	switch v.kind {
	case KindString:
		return v.s == ""
	case KindFloat:
		return false
	case KindBool:
		return false
	case KindTime:
		return v.t.IsZero()
	default:
		return true
	}
}

// MarshalJSON renders the value in its natural JSON type
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindFloat:
		return json.Marshal(v.f)
	case KindBool:
		return json.Marshal(v.b)
	case KindTime:
		return json.Marshal(v.t.Format(time.RFC3339))
	default:
		return nil, errors.Newf("cannot marshal value of kind %d", v.kind)
	}
}

// FromAny validates a loosely typed JSON value into a typed Value.
// Supported inputs: string, bool, float64, int, int64, json.Number,
// time.Time. Anything else is a validation failure.
func FromAny(raw interface{}) (Value, error) {
	switch x := raw.(type) {
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Float(x), nil
	case int:
		return Float(float64(x)), nil
	case int64:
		return Float(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, errors.NewValidationError("invalid numeric value %q", x.String())
		}
		return Float(f), nil
	case time.Time:
		return Time(x), nil
	default:
		return Value{}, errors.NewValidationError("unsupported value type %T", raw)
	}
}
