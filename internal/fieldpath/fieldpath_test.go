package fieldpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	doc := map[string]any{
		"id": "42",
		"content": map[string]any{
			"title": "hello",
			"meta": map[string]any{
				"author": "jo",
			},
		},
		"tags": []any{"go", "sync"},
	}

	t.Run("top level key", func(t *testing.T) {
		v, ok := Resolve(doc, "id")
		require.True(t, ok)
		assert.Equal(t, "42", v)
	})

	t.Run("nested key", func(t *testing.T) {
		v, ok := Resolve(doc, "content.meta.author")
		require.True(t, ok)
		assert.Equal(t, "jo", v)
	})

	t.Run("slice index", func(t *testing.T) {
		v, ok := Resolve(doc, "tags.1")
		require.True(t, ok)
		assert.Equal(t, "sync", v)
	})

	t.Run("missing key returns false", func(t *testing.T) {
		_, ok := Resolve(doc, "content.subtitle")
		assert.False(t, ok)
	})

	t.Run("descending into scalar returns false", func(t *testing.T) {
		_, ok := Resolve(doc, "id.nested")
		assert.False(t, ok)
	})

	t.Run("slice index out of range returns false", func(t *testing.T) {
		_, ok := Resolve(doc, "tags.7")
		assert.False(t, ok)
	})

	t.Run("empty path returns false", func(t *testing.T) {
		_, ok := Resolve(doc, "")
		assert.False(t, ok)
	})

	t.Run("nil document returns false", func(t *testing.T) {
		_, ok := Resolve(nil, "id")
		assert.False(t, ok)
	})
}
