package transform

import (
	"strings"
	"time"
)

// UnmappedPolicy decides what a normalizer does with a value it cannot map.
// The policy is configured per rule, never inferred, so unmapped values are
// either deliberately dropped or deliberately defaulted.
type UnmappedPolicy int

const (
	// PolicyDrop omits the field and continues
	PolicyDrop UnmappedPolicy = iota
	// PolicyDefault substitutes the rule's configured default
	PolicyDefault
)

// EnumRule normalizes enumerated values through an explicit dictionary.
// Lookup is case-insensitive on the source value.
type EnumRule struct {
	Mapping map[string]string
	Policy  UnmappedPolicy
	Default string
}

// Func returns the rule as a FieldFunc
func (r EnumRule) Func() FieldFunc {
	lookup := make(map[string]string, len(r.Mapping))
	for k, v := range r.Mapping {
		lookup[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return func(v Value, present bool) (Value, bool, error) {
		if !present || v.IsZero() {
			return Value{}, false, nil
		}
		mapped, ok := lookup[strings.ToLower(strings.TrimSpace(v.AsString()))]
		if ok {
			return String(mapped), true, nil
		}
		return r.unmapped()
	}
}

func (r EnumRule) unmapped() (Value, bool, error) {
	if r.Policy == PolicyDefault {
		return String(r.Default), true, nil
	}
	return Value{}, false, nil
}

// DomainRule normalizes domain-like strings: lowercases, strips the URL
// scheme, a leading "www.", path, and port. Values that do not look like a
// domain afterward fall to the unmapped policy.
type DomainRule struct {
	Policy  UnmappedPolicy
	Default string
}

// Func returns the rule as a FieldFunc
func (r DomainRule) Func() FieldFunc {
	return func(v Value, present bool) (Value, bool, error) {
		if !present || v.IsZero() {
			return Value{}, false, nil
		}

		domain := normalizeDomain(v.AsString())
		if domain == "" {
			if r.Policy == PolicyDefault {
				return String(r.Default), true, nil
			}
			return Value{}, false, nil
		}
		return String(domain), true, nil
	}
}

func normalizeDomain(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimPrefix(s, "www.")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")

	if !strings.Contains(s, ".") || strings.ContainsAny(s, " \t@") {
		return ""
	}
	return s
}

// DateRule normalizes date strings: each accepted layout is tried in order
// and the first match is rendered as an RFC 3339 date (2006-01-02). Values
// already typed as time pass through directly. Unparseable values fall to
// the unmapped policy.
type DateRule struct {
	Layouts []string
	Policy  UnmappedPolicy
	Default string
}

// DefaultDateLayouts covers the formats commonly seen in exported CRM data
var DefaultDateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"02-Jan-2006",
}

// Func returns the rule as a FieldFunc
func (r DateRule) Func() FieldFunc {
	layouts := r.Layouts
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}

	return func(v Value, present bool) (Value, bool, error) {
		if !present || v.IsZero() {
			return Value{}, false, nil
		}

		if v.Kind() == KindTime {
			return String(v.AsTime().UTC().Format("2006-01-02")), true, nil
		}

		raw := strings.TrimSpace(v.AsString())
		for _, layout := range layouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return String(t.UTC().Format("2006-01-02")), true, nil
			}
		}

		if r.Policy == PolicyDefault {
			return String(r.Default), true, nil
		}
		return Value{}, false, nil
	}
}

// Chain composes field funcs left to right; a drop at any step drops the
// field.
func Chain(funcs ...FieldFunc) FieldFunc {
	return func(v Value, present bool) (Value, bool, error) {
		for _, f := range funcs {
			out, include, err := f(v, present)
			if err != nil {
				return Value{}, false, err
			}
			if !include {
				return Value{}, false, nil
			}
			v, present = out, true
		}
		return v, present, nil
	}
}
