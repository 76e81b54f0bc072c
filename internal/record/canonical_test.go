package record

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"zero float", 0.0, "0"},
		{"max int64", int64(9223372036854775807), "9223372036854775807"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"null", nil, "null"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array of ints", []any{1, 2, 3}, "[1,2,3]"},
		{"simple object", map[string]any{"a": 1}, `{"a":1}`},
		{"decimal", 1500.5, "1500.5"},
		{"integral float", 10.0, "10"},
		{"json number int", json.Number("10"), "10"},
		{"json number decimal", json.Number("1500.50"), "1500.5"},
		{"small float", 0.0000001, "1e-7"},
		{"large float", 1e21, "1e+21"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  3,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(result))
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": 3,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 vs U+10000: UTF-16 order differs from UTF-8 order.
	obj := map[string]any{
		"\uE000":     1,
		"\U00010000": 2,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)

	// UTF-16: 0xD800 (surrogate of U+10000) < 0xE000
	expected := `{"` + "\U00010000" + `":2,"` + "\uE000" + `":1}`
	assert.Equal(t, expected, string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical("<script>alert('x') & more</script>")
	require.NoError(t, err)
	assert.Equal(t, `"<script>alert('x') & more</script>"`, string(result))
	assert.NotContains(t, string(result), `\u003c`)
	assert.NotContains(t, string(result), `\u0026`)
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))

	// A literal backslash followed by "u2028" text must stay escaped.
	result, err = MarshalCanonical(`x\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"x\\u2028"`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := "Mari\u0301a"
	composed := "Mar\u00eda"

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalRejectsUnsupported(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestMarshalCanonicalStableAcrossRoundTrip(t *testing.T) {
	fields := map[string]any{
		"saldo":  1500.5,
		"cuotas": 12,
		"estado": "activo",
	}
	before, err := MarshalCanonical(fields)
	require.NoError(t, err)

	r := New("c-1", "tenant-1", fields)
	data, err := r.Encode()
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	after, err := MarshalCanonical(decoded.Fields)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestMarshalCanonicalGolden(t *testing.T) {
	fields := map[string]any{
		"nombre":    "Mari\u0301a <P\u00e9rez>",
		"estado":    "activo",
		"saldo":     1500.5,
		"cuotas":    12,
		"tags":      []any{"a", "b"},
		"direccion": map[string]any{"numero": 10, "calle": "Av. 5"},
		"notas":     nil,
	}

	got, err := MarshalCanonical(fields)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "client_fields", got)

	sum, err := ComputeChecksum(fields)
	require.NoError(t, err)
	assert.Equal(t, "204a484574017980fce5244b5dfa991c9146ecbe913f402572da1b5e106fa445", sum)
}
