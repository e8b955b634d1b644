package step

import (
	"context"
	"time"
)

// JSONPackStep assembles a JSON-shaped object from named fields of the
// data map, the inverse of JSONExtractStep — used to build a structured
// prompt payload from several prior steps' outputs.
type JSONPackStep struct {
	Fields map[string]string // output field name -> data map source key
	Key    string
	Name   string
}

// Execute implements Step.
func (s *JSONPackStep) Execute(_ context.Context, data map[string]any) Result {
	start := time.Now()
	packed := make(map[string]any, len(s.Fields))
	for field, sourceKey := range s.Fields {
		packed[field] = data[sourceKey]
	}
	return Result{Output: map[string]any{s.Key: packed}, Time: time.Since(start).Seconds(), Status: "success"}
}
