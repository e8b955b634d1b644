package step

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pasturehq/pasture/pkg/template"
)

// StringTransformStep applies a chain of string operations to a data map
// value and stores the result under Key.
type StringTransformStep struct {
	Source string
	Ops    []string // trim | upper | lower | replace
	Old    *template.Template
	New    *template.Template
	Key    string
	Name   string
}

// Execute implements Step.
func (s *StringTransformStep) Execute(_ context.Context, data map[string]any) Result {
	start := time.Now()

	val, _ := data[s.Source].(string)

	for _, op := range s.Ops {
		switch strings.TrimSpace(op) {
		case "trim":
			val = strings.TrimSpace(val)
		case "upper":
			val = strings.ToUpper(val)
		case "lower":
			val = strings.ToLower(val)
		case "replace":
			oldStr, _ := template.Render(s.Old, data)
			newStr, _ := template.Render(s.New, data)
			val = strings.ReplaceAll(val, oldStr, newStr)
		default:
			return errorResult(s.Name, start, fmt.Errorf("string_transform step %q: unknown op %q (supported: trim, upper, lower, replace)", s.Name, op))
		}
	}

	return Result{Output: map[string]any{s.Key: val}, Time: time.Since(start).Seconds(), Status: "success"}
}
