package document

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	out, err := MarshalCanonical(Doc{"b": 1, "a": "x", "c": []any{true, nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":[true,null]}`, string(out))
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...), which sorts before
	// U+FFFF in UTF-16 but after it in UTF-8.
	out, err := MarshalCanonical(map[string]any{"\uffff": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uffff\":1}", string(out))
}

func TestMarshalCanonical_RejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(Doc{"Weight (KG)": 80.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")
}

func TestMarshalCanonical_AcceptsJSONNumber(t *testing.T) {
	out, err := MarshalCanonical(Doc{"Weight (KG)": json.Number("80.5")})
	require.NoError(t, err)
	assert.Equal(t, `{"Weight (KG)":80.5}`, string(out))
}

func TestMarshalCanonical_StringEscaping(t *testing.T) {
	out, err := MarshalCanonical("<a & b>\x01\"\\\n ")
	require.NoError(t, err)
	assert.Equal(t, "\"<a & b>\\u0001\\\"\\\\\\n \"", string(out))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	out, err := MarshalCanonical("Rene\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"Ren\u00e9\"", string(out))
}

func TestNextRev_AdvancesGeneration(t *testing.T) {
	body := Doc{"_id": "a", "Display Name": "Jane Doe"}

	r1, err := NextRev("", body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r1, "1-"))
	assert.Len(t, r1, len("1-")+32)

	r2, err := NextRev(r1, body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r2, "2-"))
	assert.NotEqual(t, r1[2:], r2[2:])
}

func TestNextRev_IgnoresReservedKeys(t *testing.T) {
	a, err := NextRev("1-x", Doc{"_id": "a", "_rev": "1-x", "k": "v"})
	require.NoError(t, err)
	b, err := NextRev("1-x", Doc{"_id": "b", "k": "v"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGeneration(t *testing.T) {
	assert.Equal(t, 3, Generation("3-abc"))
	assert.Equal(t, 0, Generation(""))
	assert.Equal(t, 0, Generation("x-1"))
	assert.Equal(t, 0, Generation("12"))
}

func TestDoc_Accessors(t *testing.T) {
	d, err := Parse([]byte(`{"_id":"i1","_rev":"1-a","category":"Person","Weight (KG)":80,"flags":["Ub"],"Owner":"p1"}`))
	require.NoError(t, err)

	assert.Equal(t, "i1", d.ID())
	assert.Equal(t, "1-a", d.Rev())
	assert.Equal(t, "Person", d.Category())
	assert.Equal(t, "80", d.Str("Weight (KG)"))
	assert.Equal(t, []string{"Ub"}, d.Flags())
	assert.Equal(t, []string{"p1"}, d.List("Owner"))
	assert.Nil(t, d.List("missing"))
	assert.Equal(t, "", d.Str("missing"))
}

func TestDoc_ProjectAndBody(t *testing.T) {
	d := Doc{"_id": "i1", "_rev": "1-a", "a": "1", "b": "2"}

	assert.Equal(t, Doc{"_id": "i1", "_rev": "1-a", "a": "1"}, d.Project([]string{"a"}))
	assert.Equal(t, d, d.Project(nil))
	assert.Equal(t, Doc{"a": "1", "b": "2"}, d.Body())
	assert.Equal(t, "i1", d.ID(), "Body must not mutate the receiver")
}

func TestDoc_CloneIsDeep(t *testing.T) {
	d := Doc{"list": []any{"a"}, "obj": map[string]any{"k": "v"}}
	c := d.Clone()
	c["list"].([]any)[0] = "changed"
	c["obj"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "a", d["list"].([]any)[0])
	assert.Equal(t, "v", d["obj"].(map[string]any)["k"])
}

func TestNormalize_MatchesDecodedShape(t *testing.T) {
	d, err := Normalize(Doc{"flags": []string{"a"}, "n": 1})
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, d["flags"])
	assert.Equal(t, json.Number("1"), d["n"])
}
