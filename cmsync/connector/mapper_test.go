package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFields(t *testing.T) {
	t.Run("maps nested source paths", func(t *testing.T) {
		raw := RawDocument{
			"title":   map[string]any{"rendered": "Hello"},
			"content": map[string]any{"rendered": "<p>Body</p>"},
		}
		doc, err := MapFields(raw, []Mapping{
			{Source: "title.rendered", Target: TargetTitle},
			{Source: "content.rendered", Target: TargetContent, Transform: "strip_html"},
		})

		require.NoError(t, err)
		assert.Equal(t, "Hello", doc[TargetTitle])
		assert.Equal(t, "Body", doc[TargetContent])
	})

	t.Run("later mapping wins for the same target", func(t *testing.T) {
		raw := RawDocument{
			"content": map[string]any{
				"title":    "first",
				"altTitle": "second",
			},
		}
		doc, err := MapFields(raw, []Mapping{
			{Source: "content.title", Target: TargetTitle},
			{Source: "content.altTitle", Target: TargetTitle},
		})

		require.NoError(t, err)
		assert.Equal(t, "second", doc[TargetTitle])
	})

	t.Run("missing source path leaves target absent", func(t *testing.T) {
		raw := RawDocument{"title": "Hello"}
		doc, err := MapFields(raw, []Mapping{
			{Source: "title", Target: TargetTitle},
			{Source: "does.not.exist", Target: TargetContent},
		})

		require.NoError(t, err)
		assert.Equal(t, "Hello", doc[TargetTitle])
		_, present := doc[TargetContent]
		assert.False(t, present)
	})

	t.Run("unknown transform falls back to identity", func(t *testing.T) {
		raw := RawDocument{"title": "Hello"}
		doc, err := MapFields(raw, []Mapping{
			{Source: "title", Target: TargetTitle, Transform: "reverse_polish"},
		})

		require.NoError(t, err)
		assert.Equal(t, "Hello", doc[TargetTitle])
	})

	t.Run("json_parse fails the document on invalid json", func(t *testing.T) {
		raw := RawDocument{"meta": "{not json"}
		_, err := MapFields(raw, []Mapping{
			{Source: "meta", Target: TargetMetadata, Transform: "json_parse"},
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "json_parse")
	})

	t.Run("json_parse decodes valid json", func(t *testing.T) {
		raw := RawDocument{"meta": `{"a":1}`}
		doc, err := MapFields(raw, []Mapping{
			{Source: "meta", Target: TargetMetadata, Transform: "json_parse"},
		})

		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": float64(1)}, doc[TargetMetadata])
	})

	t.Run("string transforms pass non-strings through", func(t *testing.T) {
		raw := RawDocument{"size": float64(42)}
		doc, err := MapFields(raw, []Mapping{
			{Source: "size", Target: TargetFileSize, Transform: "lowercase"},
		})

		require.NoError(t, err)
		assert.Equal(t, float64(42), doc[TargetFileSize])
	})

	t.Run("empty mappings produce an empty document", func(t *testing.T) {
		doc, err := MapFields(RawDocument{"title": "x"}, nil)

		require.NoError(t, err)
		assert.Empty(t, doc)
	})
}

func TestTransforms(t *testing.T) {
	t.Run("trim", func(t *testing.T) {
		v, err := transforms["trim"]("  padded  ")
		require.NoError(t, err)
		assert.Equal(t, "padded", v)
	})

	t.Run("uppercase", func(t *testing.T) {
		v, err := transforms["uppercase"]("abc")
		require.NoError(t, err)
		assert.Equal(t, "ABC", v)
	})

	t.Run("strip_html unescapes entities", func(t *testing.T) {
		v, err := transforms["strip_html"]("<b>Tom &amp; Jerry</b>")
		require.NoError(t, err)
		assert.Equal(t, "Tom & Jerry", v)
	})

	t.Run("json_stringify", func(t *testing.T) {
		v, err := transforms["json_stringify"](map[string]any{"a": 1})
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, v.(string))
	})
}

func TestValidateHMAC(t *testing.T) {
	payload := []byte(`{"event_type":"content.updated"}`)
	secret := "topsecret"
	signature := SignHMAC(payload, secret)

	t.Run("accepts a valid signature", func(t *testing.T) {
		assert.True(t, ValidateHMAC(payload, signature, secret))
	})

	t.Run("accepts a sha256= prefixed signature", func(t *testing.T) {
		assert.True(t, ValidateHMAC(payload, "sha256="+signature, secret))
	})

	t.Run("rejects a tampered payload", func(t *testing.T) {
		assert.False(t, ValidateHMAC([]byte(`{"event_type":"content.deleted"}`), signature, secret))
	})

	t.Run("rejects the wrong secret", func(t *testing.T) {
		assert.False(t, ValidateHMAC(payload, signature, "othersecret"))
	})

	t.Run("rejects empty signature or secret", func(t *testing.T) {
		assert.False(t, ValidateHMAC(payload, "", secret))
		assert.False(t, ValidateHMAC(payload, signature, ""))
	})
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(nil)

	t.Run("resolves all built-in families", func(t *testing.T) {
		for _, typ := range []string{"wordpress", "contentful", "strapi", "custom"} {
			conn, err := registry.Get(typ)
			require.NoError(t, err)
			assert.Equal(t, typ, conn.Type())
		}
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		_, err := registry.Get("drupal")
		require.Error(t, err)
	})
}
