package codec

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gunzip(t *testing.T, payload []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	return raw
}

func gzipJSON(t *testing.T, raw string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestCompareTopLevel(t *testing.T) {
	prev := map[string]any{"name": "Ford", "population": 1000, "ruler": "Anne"}
	next := map[string]any{"name": "Ford Reborn", "population": 1000, "level": 3}

	d := Compare(prev, next)

	assert.Equal(t, FieldChange{Old: "Ford", New: "Ford Reborn"}, d.Modified["name"])
	assert.Equal(t, 3, d.Added["level"])
	assert.Equal(t, "Anne", d.Removed["ruler"])
	assert.NotContains(t, d.Modified, "population")
}

func TestCompareNestedMapsUseDottedPaths(t *testing.T) {
	prev := map[string]any{"stats": map[string]any{"hp": 10, "mp": 4}}
	next := map[string]any{"stats": map[string]any{"hp": 12, "mp": 4, "sp": 1}}

	d := Compare(prev, next)

	assert.Equal(t, FieldChange{Old: 10, New: 12}, d.Modified["stats.hp"])
	assert.Equal(t, 1, d.Added["stats.sp"])
	assert.Empty(t, d.Removed)
}

func TestCompareArraysReplaceWholesale(t *testing.T) {
	prev := map[string]any{"tags": []any{"a", "b"}}
	next := map[string]any{"tags": []any{"a", "c"}}

	d := Compare(prev, next)

	change, ok := d.Modified["tags"]
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, change.Old)
	assert.Equal(t, []any{"a", "c"}, change.New)
}

func TestCompareNumericEquivalence(t *testing.T) {
	// A struct-sourced map holds int, a decoded payload float64. Same
	// number must not read as a modification.
	d := Compare(map[string]any{"population": 1000}, map[string]any{"population": float64(1000)})
	assert.True(t, d.Empty())
}

func TestCompareNilMaps(t *testing.T) {
	d := Compare(nil, map[string]any{"a": 1})
	assert.Equal(t, 1, d.Added["a"])

	d = Compare(map[string]any{"a": 1}, nil)
	assert.Equal(t, 1, d.Removed["a"])

	assert.True(t, Compare(nil, nil).Empty())
}

func TestLeafPaths(t *testing.T) {
	paths := LeafPaths(
		map[string]any{"a": 1, "deep": map[string]any{"x": 1}},
		map[string]any{"b": []any{1, 2}, "deep": map[string]any{"y": map[string]any{}}},
	)
	assert.Equal(t, []string{"a", "b", "deep.x", "deep.y"}, paths)
}

func TestValueAtAndSetAt(t *testing.T) {
	m := map[string]any{"deep": map[string]any{"x": 1}}

	v, ok := ValueAt(m, "deep.x")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = ValueAt(m, "deep.missing")
	assert.False(t, ok)
	_, ok = ValueAt(m, "deep.x.beyond")
	assert.False(t, ok)

	SetAt(m, "deep.y.z", 5)
	v, ok = ValueAt(m, "deep.y.z")
	require.True(t, ok)
	assert.Equal(t, 5, v)

	DeleteAt(m, "deep.x")
	_, ok = ValueAt(m, "deep.x")
	assert.False(t, ok)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, 0))
	assert.True(t, Equal(1, float64(1)))
	assert.False(t, Equal(1, float64(1.5)))
	assert.True(t, Equal("a", "a"))
	assert.False(t, Equal("1", 1))
	assert.True(t, Equal(
		map[string]any{"a": []any{1, map[string]any{"b": 2}}},
		map[string]any{"a": []any{float64(1), map[string]any{"b": float64(2)}}},
	))
}
