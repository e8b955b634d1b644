package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ForEachStep iterates sequentially over a data map array, running Inner
// once per element (with the element bound under ItemKey in a per-item
// copy of the data map) and collecting each item's output into an array
// under Key. Iterations are strictly sequential — a for_each over
// completion/chat steps must never put two model calls in flight at once.
type ForEachStep struct {
	Items   string // data map key holding the array to iterate
	ItemKey string
	Inner   Step
	Key     string
	Name    string
}

// Execute implements Step.
func (s *ForEachStep) Execute(ctx context.Context, data map[string]any) Result {
	start := time.Now()

	items, err := itemsFrom(data[s.Items])
	if err != nil {
		return errorResult(s.Name, start, fmt.Errorf("for_each step %q: %w", s.Name, err))
	}
	if len(items) == 0 {
		return Result{Output: map[string]any{s.Key: []any{}}, Time: time.Since(start).Seconds(), Status: "success"}
	}

	results := make([]any, len(items))
	for i, item := range items {
		branch := make(map[string]any, len(data)+1)
		for k, v := range data {
			branch[k] = v
		}
		branch[s.ItemKey] = item

		res := s.Inner.Execute(ctx, branch)
		if res.Status != "success" {
			return errorResult(s.Name, start, fmt.Errorf("for_each step %q: item %d failed: %v", s.Name, i, res.Output["error"]))
		}
		results[i] = res.Output
	}

	return Result{Output: map[string]any{s.Key: results}, Time: time.Since(start).Seconds(), Status: "success"}
}

// itemsFrom accepts either an already-decoded []any (the common case, when
// a prior step produced a native Go slice) or a JSON-encoded string.
func itemsFrom(raw any) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		var items []any
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("items value is %T, want array or JSON string", raw)
	}
}
