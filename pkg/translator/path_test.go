package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/stratum/pkg/jsonpath"
)

func mustParse(t *testing.T, path string) []jsonpath.Segment {
	t.Helper()
	segments, err := jsonpath.Parse(path)
	require.NoError(t, err)
	return segments
}

func TestToIndexPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want IndexPath
	}{
		{
			name: "simple dotted path",
			path: "$.user.status",
			want: IndexPath{Field: "user.status"},
		},
		{
			name: "array of primitives is not nested",
			path: "$.tags[*]",
			want: IndexPath{Field: "tags"},
		},
		{
			name: "trailing array below object is not nested",
			path: "$.user.tags[*]",
			want: IndexPath{Field: "user.tags"},
		},
		{
			name: "field below array is nested",
			path: "$.items[*].productId",
			want: IndexPath{Field: "items.productId", IsNested: true, NestedPath: "items"},
		},
		{
			name: "deep nested path",
			path: "$.order.items[*].price",
			want: IndexPath{Field: "order.items.price", IsNested: true, NestedPath: "order.items"},
		},
		{
			name: "first array segment wins",
			path: "$.a[*].b[*].c",
			want: IndexPath{Field: "a.b.c", IsNested: true, NestedPath: "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToIndexPath(mustParse(t, tt.path))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToIndexPath_EmptySegments(t *testing.T) {
	_, err := ToIndexPath(nil)
	require.ErrorIs(t, err, ErrEmptyPath)

	_, err = ToIndexPath(mustParse(t, "$"))
	require.ErrorIs(t, err, ErrEmptyPath)
}
