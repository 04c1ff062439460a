package transform_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/porter/transform"
)

func TestEnumRuleMapsKnownValues(t *testing.T) {
	f := transform.EnumRule{
		Mapping: map[string]string{"Open": "open", "In Progress": "in_progress"},
		Policy:  transform.PolicyDrop,
	}.Func()

	v, include, err := f(transform.String("in progress"), true)
	require.NoError(t, err)
	require.True(t, include)
	assert.Equal(t, "in_progress", v.AsString())
}

func TestEnumRuleDropPolicy(t *testing.T) {
	f := transform.EnumRule{
		Mapping: map[string]string{"open": "open"},
		Policy:  transform.PolicyDrop,
	}.Func()

	_, include, err := f(transform.String("archived"), true)
	require.NoError(t, err)
	assert.False(t, include)
}

func TestEnumRuleDefaultPolicy(t *testing.T) {
	f := transform.EnumRule{
		Mapping: map[string]string{"open": "open"},
		Policy:  transform.PolicyDefault,
		Default: "other",
	}.Func()

	v, include, err := f(transform.String("archived"), true)
	require.NoError(t, err)
	require.True(t, include)
	assert.Equal(t, "other", v.AsString())
}

func TestDomainRuleNormalizes(t *testing.T) {
	f := transform.DomainRule{Policy: transform.PolicyDrop}.Func()

	cases := map[string]string{
		"https://www.Acme.COM/about?ref=x": "acme.com",
		"http://shop.acme.co.uk:8080/":     "shop.acme.co.uk",
		"acme.io":                          "acme.io",
		"www.acme.dev.":                    "acme.dev",
	}
	for input, want := range cases {
		v, include, err := f(transform.String(input), true)
		require.NoError(t, err)
		require.True(t, include, "input %q", input)
		assert.Equal(t, want, v.AsString(), "input %q", input)
	}
}

func TestDomainRuleInvalidDropped(t *testing.T) {
	f := transform.DomainRule{Policy: transform.PolicyDrop}.Func()

	for _, input := range []string{"not a domain", "localhost", "user@acme.com"} {
		_, include, err := f(transform.String(input), true)
		require.NoError(t, err)
		assert.False(t, include, "input %q", input)
	}
}

func TestDomainRuleInvalidDefault(t *testing.T) {
	f := transform.DomainRule{Policy: transform.PolicyDefault, Default: "unknown.invalid"}.Func()

	v, include, err := f(transform.String("???"), true)
	require.NoError(t, err)
	require.True(t, include)
	assert.Equal(t, "unknown.invalid", v.AsString())
}

func TestDateRuleParsesAcceptedLayouts(t *testing.T) {
	f := transform.DateRule{Policy: transform.PolicyDrop}.Func()

	cases := map[string]string{
		"2024-03-15T10:30:00Z": "2024-03-15",
		"2024-03-15 10:30:00":  "2024-03-15",
		"2024-03-15":           "2024-03-15",
		"03/15/2024":           "2024-03-15",
		"15-Mar-2024":          "2024-03-15",
	}
	for input, want := range cases {
		v, include, err := f(transform.String(input), true)
		require.NoError(t, err)
		require.True(t, include, "input %q", input)
		assert.Equal(t, want, v.AsString(), "input %q", input)
	}
}

func TestDateRulePassesThroughTimeValues(t *testing.T) {
	f := transform.DateRule{Policy: transform.PolicyDrop}.Func()

	v, include, err := f(transform.Time(time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)), true)
	require.NoError(t, err)
	require.True(t, include)
	assert.Equal(t, "2024-03-15", v.AsString())
}

func TestDateRuleUnparseableDropped(t *testing.T) {
	f := transform.DateRule{Policy: transform.PolicyDrop}.Func()

	_, include, err := f(transform.String("sometime soon"), true)
	require.NoError(t, err)
	assert.False(t, include)
}

func TestChainComposesAndShortCircuits(t *testing.T) {
	trim := func(v transform.Value, present bool) (transform.Value, bool, error) {
		if !present {
			return transform.Value{}, false, nil
		}
		return transform.String(v.AsString() + "!"), true, nil
	}
	enum := transform.EnumRule{
		Mapping: map[string]string{"open!": "open"},
		Policy:  transform.PolicyDrop,
	}.Func()

	f := transform.Chain(trim, enum)

	v, include, err := f(transform.String("open"), true)
	require.NoError(t, err)
	require.True(t, include)
	assert.Equal(t, "open", v.AsString())

	_, include, err = f(transform.String("closed"), true)
	require.NoError(t, err)
	assert.False(t, include)
}
