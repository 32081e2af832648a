package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Root(t *testing.T) {
	segments, err := Parse("$")
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestParse_SimplePath(t *testing.T) {
	segments, err := Parse("$.user.status")
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Name: "user"},
		{Name: "status"},
	}, segments)
}

func TestParse_ArrayMarker(t *testing.T) {
	segments, err := Parse("$.items[*].productId")
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Name: "items", IsArray: true},
		{Name: "productId"},
	}, segments)
}

func TestParse_ArrayOfPrimitives(t *testing.T) {
	segments, err := Parse("$.tags[*]")
	require.NoError(t, err)
	assert.Equal(t, []Segment{{Name: "tags", IsArray: true}}, segments)
}

func TestParse_TrimsWhitespace(t *testing.T) {
	segments, err := Parse("  $.a.b  ")
	require.NoError(t, err)
	assert.Len(t, segments, 2)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"relative path", "user.status"},
		{"empty input", ""},
		{"empty segment", "$.user..status"},
		{"descendant operator", "$..status"},
		{"bracketed name", "$.user['name']"},
		{"filter expression", "$.items[?(@.price > 10)]"},
		{"numeric index", "$.items[0]"},
		{"bad identifier", "$.9lives"},
		{"dash in name", "$.user-name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.path)
			require.Error(t, err)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, tt.path, parseErr.Path)
		})
	}
}

func TestParse_ErrorNamesToken(t *testing.T) {
	_, err := Parse("$.items[0].name")
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "items[0]", parseErr.Token)
}
