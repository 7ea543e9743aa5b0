package uri

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeRepeatedKeys(t *testing.T) {
	req, err := Decompose("/widgets?color=red&color=blue")
	require.NoError(t, err)

	assert.Equal(t, "/widgets", req.Path)
	assert.Equal(t, url.Values{"color": {"red", "blue"}}, req.Params)
}

func TestDecompose(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		path   string
		params url.Values
	}{
		{
			name:   "path only",
			raw:    "/book",
			path:   "/book",
			params: url.Values{},
		},
		{
			name: "jsonapi filters and paging",
			raw:  "/book?sort=genre&filter[book]=title=='Ender*'&page[size]=10",
			path: "/book",
			params: url.Values{
				"sort":         {"genre"},
				"filter[book]": {"title=='Ender*'"},
				"page[size]":   {"10"},
			},
		},
		{
			name:   "escaped values are decoded",
			raw:    "/group/com.example%2Fapp?name=a%20b&x=1%2B1",
			path:   "/group/com.example/app",
			params: url.Values{"name": {"a b"}, "x": {"1+1"}},
		},
		{
			name:   "absolute uri keeps only the path",
			raw:    "https://example.com/api/v1/widgets?id=7",
			path:   "/api/v1/widgets",
			params: url.Values{"id": {"7"}},
		},
		{
			name:   "key without value",
			raw:    "/widgets?include",
			path:   "/widgets",
			params: url.Values{"include": {""}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Decompose(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.path, req.Path)
			assert.Equal(t, tt.params, req.Params)
		})
	}
}

func TestDecomposeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"/widgets?color=%zz",
		"/wid%zzgets",
		"/widgets with space",
		"/widgets?a=1;b=2",
		"http://[::1/widgets",
		"/widgets\x7f",
	}
	for _, raw := range inputs {
		t.Run(raw, func(t *testing.T) {
			_, err := Decompose(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecomposeIdempotent(t *testing.T) {
	inputs := []string{
		"/widgets?color=red&color=blue",
		"/book?sort=-title&page[number]=2&page[size]=5",
		"/a/b/c",
		"/widgets?x=1&y=2&x=3",
	}
	for _, raw := range inputs {
		first, err := Decompose(raw)
		require.NoError(t, err)
		second, err := Decompose(raw)
		require.NoError(t, err)
		assert.Equal(t, first, second, "decomposing %q twice", raw)
	}
}
