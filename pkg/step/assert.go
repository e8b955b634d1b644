package step

import (
	"context"
	"time"
)

// ConditionEvaluator evaluates a boolean expression against a data map.
// AssertStep defaults to EvalCondition but accepts an override so callers
// outside this package can supply their own grammar without this package
// importing them back.
type ConditionEvaluator func(expr string, ctx map[string]any) (bool, error)

// AssertStep evaluates Expr against the data map; on false (or error) the
// step reports status=error, error=assertion_failed.
type AssertStep struct {
	Expr string
	Eval ConditionEvaluator // nil uses EvalCondition
	Name string
}

// Execute implements Step.
func (s *AssertStep) Execute(_ context.Context, data map[string]any) Result {
	start := time.Now()

	eval := s.Eval
	if eval == nil {
		eval = EvalCondition
	}
	ok, err := eval(s.Expr, data)
	if err != nil {
		return Result{
			Output: map[string]any{"response": err.Error(), "error": "assertion_failed"},
			Time:   time.Since(start).Seconds(),
			Status: "error",
		}
	}
	if !ok {
		return Result{
			Output: map[string]any{"response": "assertion failed: " + s.Expr, "error": "assertion_failed"},
			Time:   time.Since(start).Seconds(),
			Status: "error",
		}
	}
	return Result{Output: map[string]any{"response": "assertion passed"}, Time: time.Since(start).Seconds(), Status: "success"}
}
