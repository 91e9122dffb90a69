package collection

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"physics-pipeline/internal/shared/storage/object"
	"physics-pipeline/internal/shared/storage/object/local"
)

func TestID(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   int64
		wantOK bool
	}{
		{name: "number", value: json.Number("42"), want: 42, wantOK: true},
		{name: "negative", value: json.Number("-3"), want: -3, wantOK: true},
		{name: "fraction", value: json.Number("1.5"), wantOK: false},
		{name: "exponent", value: json.Number("1e3"), wantOK: false},
		{name: "float whole", value: float64(7), want: 7, wantOK: true},
		{name: "float fraction", value: 7.25, wantOK: false},
		{name: "int", value: 9, want: 9, wantOK: true},
		{name: "string", value: "12", wantOK: false},
		{name: "missing", value: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := Item{}
			if tt.value != nil {
				it["index"] = tt.value
			}
			got, ok := ID(it, "index")
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDecodeRejectsNonArray(t *testing.T) {
	_, err := Decode([]byte(`{"index": 1}`))
	assert.ErrorIs(t, err, ErrNotArray)

	_, err = Decode([]byte(`[1, 2]`))
	assert.ErrorIs(t, err, ErrNotArray)

	_, err = Decode([]byte(`[{"index": 1}`))
	assert.ErrorIs(t, err, ErrNotArray)
}

func TestDecodePartialSkipsNonObjects(t *testing.T) {
	items, bad, err := DecodePartial([]byte(`[{"index": 0}, null, "x", {"index": 3}]`))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, bad)
	require.Len(t, items, 2)
	id, ok := ID(items[1], "index")
	require.True(t, ok)
	assert.EqualValues(t, 3, id)

	_, err = Decode([]byte(`[{"index": 0}, null]`))
	assert.ErrorIs(t, err, ErrNotArray)

	_, _, err = DecodePartial([]byte(`{"index": 0}`))
	assert.ErrorIs(t, err, ErrNotArray)
}

func TestEncodeFormatting(t *testing.T) {
	items, err := Decode([]byte(`[{"index": 1, "question": "Δv <= 3 & m = 1.50"}]`))
	require.NoError(t, err)

	out, err := Encode(items)
	require.NoError(t, err)
	want := "[\n    {\n        \"index\": 1,\n        \"question\": \"Δv <= 3 & m = 1.50\"\n    }\n]"
	assert.Equal(t, want, string(out))
}

func TestEncodeEmpty(t *testing.T) {
	out, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}

func TestSortByIDPutsMalformedLast(t *testing.T) {
	items := []Item{
		{"index": json.Number("3")},
		{"index": "x", "tag": "first-bad"},
		{"index": json.Number("1")},
		{"tag": "second-bad"},
		{"index": json.Number("2")},
	}
	SortByID(items, "index")

	assert.Equal(t, json.Number("1"), items[0]["index"])
	assert.Equal(t, json.Number("2"), items[1]["index"])
	assert.Equal(t, json.Number("3"), items[2]["index"])
	assert.Equal(t, "first-bad", items[3]["tag"])
	assert.Equal(t, "second-bad", items[4]["tag"])
}

func TestMerge(t *testing.T) {
	prior := []Item{{"index": json.Number("2")}, {"index": json.Number("0")}}
	fresh := []Item{{"index": json.Number("1")}}

	merged := Merge(prior, fresh, "index")
	require.Len(t, merged, 3)
	for i, it := range merged {
		id, ok := ID(it, "index")
		require.True(t, ok)
		assert.EqualValues(t, i, id)
	}
}

func TestSaveLoadPreservesNumbers(t *testing.T) {
	ctx := context.Background()
	store := local.New(t.TempDir())
	src := `[{"index": 0, "sig_figs": 3, "mass": 1.250, "big": 12345678901234567890}]`
	items, err := Decode([]byte(src))
	require.NoError(t, err)

	require.NoError(t, Save(ctx, store, "out/result.json", items))

	loaded, err := Load(ctx, store, "out/result.json")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, json.Number("1.250"), loaded[0]["mass"])
	assert.Equal(t, json.Number("12345678901234567890"), loaded[0]["big"])
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(context.Background(), local.New(t.TempDir()), "nope.json")
	require.Error(t, err)
	assert.True(t, object.IsNotFound(err))
}

func TestItemAccessors(t *testing.T) {
	it := Item{
		"question":    "q",
		"sig_figs":    json.Number("3"),
		"image_path":  []any{"a.png", 7, "b.png"},
		"description": "single",
	}
	assert.Equal(t, "q", it.String("question"))
	assert.Equal(t, "3", it.String("sig_figs"))
	assert.Equal(t, "", it.String("missing"))
	assert.Equal(t, []string{"a.png", "b.png"}, it.Strings("image_path"))
	assert.Equal(t, []string{"single"}, it.Strings("description"))
	assert.Nil(t, it.Strings("missing"))

	clone := it.Clone()
	clone["question"] = "changed"
	assert.Equal(t, "q", it.String("question"))
	assert.True(t, strings.HasPrefix(clone.String("question"), "changed"))
}
