package connector

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/topvine/cmsync/internal/fieldpath"
)

// Mapping rewrites one source path into one canonical target field. Mappings
// apply in list order; a later mapping overwrites an earlier one for the same
// target.
type Mapping struct {
	Source    string `json:"source_field" cfg:"source_field"`
	Target    string `json:"target_field" cfg:"target_field"`
	Transform string `json:"transform,omitempty" cfg:"transform"`
}

// Canonical target fields. The vocabulary is advisory: mappings may also name
// custom extension fields.
const (
	TargetTitle    = "title"
	TargetContent  = "content"
	TargetFileType = "file_type"
	TargetFileSize = "file_size"
	TargetMetadata = "metadata"
	TargetTags     = "tags"
)

type transformFunc func(any) (any, error)

var stripPolicy = bluemonday.StrictPolicy()

// transforms is total over its names; an unknown name resolves to identity.
var transforms = map[string]transformFunc{
	"lowercase": stringTransform(strings.ToLower),
	"uppercase": stringTransform(strings.ToUpper),
	"trim":      stringTransform(strings.TrimSpace),
	"strip_html": stringTransform(func(s string) string {
		return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
	}),
	"json_parse": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, fmt.Errorf("json_parse: %w", err)
		}
		return parsed, nil
	},
	"json_stringify": func(v any) (any, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json_stringify: %w", err)
		}
		return string(b), nil
	},
}

// stringTransform lifts a string function to a transform that passes
// non-string values through untouched.
func stringTransform(f func(string) string) transformFunc {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		return f(s), nil
	}
}

// MapFields applies mappings in order against raw. A source path that does not
// resolve is skipped silently; the target field stays absent. A transform that
// fails (e.g. json_parse on invalid JSON) fails the whole document so the
// orchestrator can record it as a per-document outcome.
func MapFields(raw RawDocument, mappings []Mapping) (map[string]any, error) {
	doc := make(map[string]any)
	for _, m := range mappings {
		value, ok := fieldpath.Resolve(map[string]any(raw), m.Source)
		if !ok {
			continue
		}
		if m.Transform != "" {
			transform, known := transforms[m.Transform]
			if known {
				transformed, err := transform(value)
				if err != nil {
					return nil, fmt.Errorf("mapping %s -> %s: %w", m.Source, m.Target, err)
				}
				value = transformed
			}
		}
		doc[m.Target] = value
	}
	return doc, nil
}
