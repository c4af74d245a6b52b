package protocol

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTripsNestedPayload(t *testing.T) {
	raw := `{"files":["a.png","b.png"],"quality":0.8,"opts":{"strip":true,"tag":null}}`

	var v Value
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	require.Equal(t, KindObject, v.Kind())

	files, ok := v.Get("files")
	require.True(t, ok)
	require.Equal(t, KindArray, files.Kind())
	first, _ := files.Items()[0].AsString()
	assert.Equal(t, "a.png", first)

	quality, _ := v.Get("quality")
	n, ok := quality.AsNumber()
	assert.True(t, ok)
	assert.InDelta(t, 0.8, n, 1e-9)

	opts, _ := v.Get("opts")
	tag, _ := opts.Get("tag")
	assert.True(t, tag.IsNull())

	encoded, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(encoded))
}

func TestValueAccessorsRejectWrongKind(t *testing.T) {
	v := String("x")
	_, ok := v.AsNumber()
	assert.False(t, ok)
	assert.Nil(t, v.Items())
	assert.Nil(t, v.Fields())
	_, ok = v.Get("k")
	assert.False(t, ok)
}

func TestValueIsImmutable(t *testing.T) {
	items := []Value{Number(1)}
	arr := Array(items...)
	items[0] = Number(2)
	got, _ := arr.Items()[0].AsNumber()
	assert.Equal(t, 1.0, got)

	fields := arr.Items()
	fields[0] = Number(3)
	got, _ = arr.Items()[0].AsNumber()
	assert.Equal(t, 1.0, got)
}

func TestFromAnyRejectsUnsupportedTypes(t *testing.T) {
	_, err := FromAny(struct{}{})
	assert.Error(t, err)

	_, err = ParamsFromMap(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	_, err := json.Marshal(Number(math.Inf(1)))
	assert.Error(t, err)
}

func TestValueEqual(t *testing.T) {
	a := MustFromAny(map[string]any{"path": "/in", "n": 1})
	b := MustFromAny(map[string]any{"n": 1.0, "path": "/in"})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(Null()))
}
