package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProperties_CompactsValues(t *testing.T) {
	props, err := ParseProperties([]byte(`{"a": [1, 2,  3], "b": {"c" : "d"}, "n": null}`))
	require.NoError(t, err)

	assert.Equal(t, json.RawMessage(`[1,2,3]`), props["a"])
	assert.Equal(t, json.RawMessage(`{"c":"d"}`), props["b"])
	assert.Equal(t, json.RawMessage(`null`), props["n"])
}

func TestParseProperties_RejectsNonObject(t *testing.T) {
	_, err := ParseProperties([]byte(`[1]`))
	assert.Error(t, err)

	_, err = ParseProperties([]byte(`null`))
	assert.Error(t, err)
}

func TestProperties_EncodeDecodeRoundTrip(t *testing.T) {
	props, err := ParseProperties([]byte(`{"html": "<b>&</b>", "nested": {"x": [true, 1.5e3]}}`))
	require.NoError(t, err)

	data, err := props.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"<b>&</b>"`)

	back, err := DecodeProperties(data)
	require.NoError(t, err)
	assert.Equal(t, props, back)
}

func TestProperties_EmptyForms(t *testing.T) {
	var nilProps Properties
	data, err := nilProps.Encode()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	back, err := DecodeProperties(nil)
	require.NoError(t, err)
	assert.NotNil(t, back)
	assert.Empty(t, back)
}

func TestBundleRecord_SameContent(t *testing.T) {
	a := &BundleRecord{BundleID: "b1", Checksum: "x"}
	assert.True(t, a.SameContent(&BundleRecord{BundleID: "b1", Checksum: "x"}))
	assert.False(t, a.SameContent(&BundleRecord{BundleID: "b1", Checksum: "y"}))
	assert.False(t, a.SameContent(nil))
}
