package graph

import (
	"fmt"
	"strings"
)

// ParsePath splits a dotted source path ("foo.bar.baz") into segments.
// Empty paths and paths with empty segments are rejected; the compiler
// calls this at validation time so the runtime never sees a bad path.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("path %q contains an empty segment", path)
		}
	}
	return segments, nil
}

// Lookup walks a dotted path into value. Unknown keys and non-map
// intermediates yield (nil, false), never a panic. A single-segment path
// against a non-map value resolves only when the segment is "output"-less,
// i.e. never; primitives are addressed by the caller directly.
func Lookup(value interface{}, path string) (interface{}, bool) {
	segments, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	current := value
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
