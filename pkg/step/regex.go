package step

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// RegexStep applies a regular expression to a data map string value and
// stores a capture group (or the whole match, or a replacement) under Key.
type RegexStep struct {
	Source  string
	Pattern string
	Group   int
	NoMatch string
	// When HasReplacement is true, RegexStep runs in replace mode: every
	// match of Pattern in the source value is replaced with Replacement
	// (capture-group references like $1 are honored; an empty Replacement
	// deletes the matches).
	Replacement string
	HasReplacement bool
	Key     string
	Name    string
}

// Execute implements Step.
func (s *RegexStep) Execute(_ context.Context, data map[string]any) Result {
	start := time.Now()

	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return errorResult(s.Name, start, fmt.Errorf("regex step %q: invalid pattern: %w", s.Name, err))
	}

	input, _ := data[s.Source].(string)

	if s.HasReplacement {
		out := re.ReplaceAllString(input, s.Replacement)
		return Result{Output: map[string]any{s.Key: out}, Time: time.Since(start).Seconds(), Status: "success"}
	}

	matches := re.FindStringSubmatch(input)
	if matches == nil {
		return Result{Output: map[string]any{s.Key: s.NoMatch}, Time: time.Since(start).Seconds(), Status: "success"}
	}
	if s.Group >= len(matches) {
		return errorResult(s.Name, start, fmt.Errorf("regex step %q: group %d out of range (pattern has %d groups)", s.Name, s.Group, len(matches)-1))
	}
	return Result{Output: map[string]any{s.Key: matches[s.Group]}, Time: time.Since(start).Seconds(), Status: "success"}
}
