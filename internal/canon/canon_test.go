package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	obj := NewObject().Set("b", Int(2)).Set("a", Int(1))
	assert.Equal(t, `{"a":1,"b":2}`, string(Marshal(obj)))
}

func TestMarshalNoWhitespace(t *testing.T) {
	obj := NewObject().Set("x", Array{Int(1), Int(2), String("y")})
	assert.Equal(t, `{"x":[1,2,"y"]}`, string(Marshal(obj)))
}

func TestParseRejectsDuplicateKeys(t *testing.T) {
	_, err := Parse([]byte(`{"a":1,"a":2}`))
	require.NotNil(t, err)
	assert.Equal(t, "json_duplicate_key", string(err.Code))
}

func TestParseRejectsFloat(t *testing.T) {
	_, err := Parse([]byte(`{"a":1.5}`))
	require.NotNil(t, err)
	assert.Equal(t, "json_parse_error", string(err.Code))
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} garbage`))
	require.NotNil(t, err)
}

func TestParseNegativeInteger(t *testing.T) {
	v, err := Parse([]byte(`-42`))
	require.Nil(t, err)
	assert.Equal(t, Int(-42), v)
}

func TestParseLargeUnsignedInteger(t *testing.T) {
	v, err := Parse([]byte(`18446744073709551615`))
	require.Nil(t, err)
	assert.Equal(t, Uint(18446744073709551615), v)
}

func TestRoundTripStableUnderKeyReordering(t *testing.T) {
	a := NewObject().Set("alpha", Bool(true)).Set("beta", Null{})
	b := NewObject().Set("beta", Null{}).Set("alpha", Bool(true))
	assert.Equal(t, Marshal(a), Marshal(b))
}

func TestEscapeMinimalSet(t *testing.T) {
	out := Marshal(String("a/b\"c\\d\ne"))
	assert.Equal(t, `"a/b\"c\\d\ne"`, string(out))
}

func TestFromGoRejectsFloat(t *testing.T) {
	_, err := FromGo(map[string]any{"x": 1.5})
	assert.Error(t, err)
}

func TestFromGoToGoRoundTrip(t *testing.T) {
	v, err := FromGo(map[string]any{"a": int64(1), "b": []any{"x", nil, true}})
	require.NoError(t, err)
	got := ToGo(v)
	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(1), m["a"])
}
