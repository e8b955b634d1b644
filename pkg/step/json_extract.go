package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JSONExtractStep pulls a value out of a prior step's parsed JSON output
// using a dot-path expression and stores it under Key. Unlike the
// teacher's string-keyed handler, Source reads directly from the data
// map's existing objects — no marshal/unmarshal round trip when the
// source is already a parsed step output.
type JSONExtractStep struct {
	Source  string // data map key holding the object (or JSON string) to extract from
	Path    string
	Key     string
	Default any
	Name    string
}

// Execute implements Step.
func (s *JSONExtractStep) Execute(_ context.Context, data map[string]any) Result {
	start := time.Now()

	root, ok := data[s.Source]
	if !ok {
		return Result{Output: map[string]any{s.Key: s.Default}, Time: time.Since(start).Seconds(), Status: "success"}
	}
	if str, isStr := root.(string); isStr {
		if str == "" {
			return Result{Output: map[string]any{s.Key: s.Default}, Time: time.Since(start).Seconds(), Status: "success"}
		}
		var parsed any
		if err := json.Unmarshal([]byte(str), &parsed); err != nil {
			return errorResult(s.Name, start, fmt.Errorf("json_extract step %q: unmarshal source %q: %w", s.Name, s.Source, err))
		}
		root = parsed
	}

	clean := strings.TrimPrefix(s.Path, ".")
	segments := strings.Split(clean, ".")

	val, err := walkJSONPath(root, segments)
	if err != nil {
		if s.Default != nil {
			return Result{Output: map[string]any{s.Key: s.Default}, Time: time.Since(start).Seconds(), Status: "success"}
		}
		return errorResult(s.Name, start, fmt.Errorf("json_extract step %q: path %q: %w", s.Name, s.Path, err))
	}

	return Result{Output: map[string]any{s.Key: val}, Time: time.Since(start).Seconds(), Status: "success"}
}

func walkJSONPath(v any, segments []string) (any, error) {
	cur := v
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, fmt.Errorf("key %q not found", seg)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("segment %q is not a valid array index", seg)
			}
			if idx < 0 || idx >= len(c) {
				return nil, fmt.Errorf("index %d out of range (len=%d)", idx, len(c))
			}
			cur = c[idx]
		default:
			return nil, fmt.Errorf("cannot index into %T with segment %q", cur, seg)
		}
	}
	return cur, nil
}
