package step

import (
	"context"
	"fmt"
	"os"
	"time"
)

// EnvStep reads an OS environment variable and stores it under Key.
type EnvStep struct {
	From     string
	Key      string
	Required bool
	Default  string
	Name     string
}

// Execute implements Step.
func (s *EnvStep) Execute(_ context.Context, _ map[string]any) Result {
	start := time.Now()

	value := os.Getenv(s.From)
	if value == "" {
		if s.Required {
			return errorResult(s.Name, start, fmt.Errorf("env step %q: required environment variable %q is not set", s.Name, s.From))
		}
		value = s.Default
	}

	return Result{Output: map[string]any{s.Key: value}, Time: time.Since(start).Seconds(), Status: "success"}
}
