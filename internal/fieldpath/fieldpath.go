// Package fieldpath resolves dotted paths against raw JSON-decoded documents.
package fieldpath

import (
	"strconv"
	"strings"
)

// Resolve walks doc along path, splitting on ".". Map steps descend by key,
// slice steps by numeric index. A missing or mistyped step returns (nil, false),
// never an error or panic.
func Resolve(doc any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	current := doc
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}

	return current, true
}
