package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pasturehq/pasture/pkg/step"
)

const defaultStepTimeout = 300 * time.Second

// namedStep pairs a compiled Step with the name and dependency list from
// its StepDefinition.
type namedStep struct {
	Name      string
	Step      step.Step
	DependsOn []string
	ModelName string
}

// Pipeline is a compiled, runnable step dependency graph.
type Pipeline struct {
	Name           string
	Steps          []namedStep
	StepTimeout    time.Duration
	CheckpointPath string
}

// StepRecord is one step's outcome within a PipelineResult.
type StepRecord struct {
	Output map[string]any `json:"output"`
	Time   float64        `json:"time"`
	Model  string         `json:"model,omitempty"`
	Status string         `json:"status"`
}

// Result aggregates a full pipeline run.
type Result struct {
	Results      map[string]StepRecord `json:"results"`
	TotalTime    float64                `json:"total_time"`
	SuccessCount int                    `json:"success_count"`
	TotalCount   int                    `json:"total_count"`
	SuccessRate  string                 `json:"success_rate"`
}

// Run executes every step in dependency order: a ready-set of steps whose
// dependencies have all completed is computed repeatedly until every step
// has run (or none can proceed, e.g. an undeclared-but-undetected-by-
// Validate dependency cycle, which cannot happen post-Build but is guarded
// defensively anyway). Execution itself is strictly sequential — this
// preserves the single-in-flight-model-call guarantee without the
// scheduler needing to know which steps call a model.
func (p *Pipeline) Run(ctx context.Context, input map[string]any) Result {
	start := time.Now()
	results := make(map[string]StepRecord, len(p.Steps))
	data := make(map[string]any, len(input))
	for k, v := range input {
		data[k] = v
	}

	ctx2 := NewPipelineContext()
	ctx2.Merge(input)

	plan := executionPlan(p.Steps)
	byName := make(map[string]namedStep, len(p.Steps))
	for _, s := range p.Steps {
		byName[s.Name] = s
	}

	timeout := p.StepTimeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}

	for _, name := range plan {
		ns, ok := byName[name]
		if !ok {
			continue
		}

		missing := missingDeps(ns.DependsOn, results)
		if len(missing) > 0 {
			slog.Error("step missing dependencies", "step", name, "missing", missing)
			results[name] = StepRecord{
				Output: map[string]any{"response": fmt.Sprintf("Missing dependencies: %v", missing), "error": "missing_dependencies"},
				Status: "error",
				Model:  ns.ModelName,
			}
			continue
		}

		robustData := make(map[string]any, len(input)+len(results))
		for k, v := range input {
			robustData[k] = v
		}
		for prevName, rec := range results {
			robustData[prevName] = rec.Output
		}

		slog.Info("running step", "step", name)
		record := runOneStep(ctx, ns, robustData, timeout)
		results[name] = record

		if record.Status == "success" {
			data[name] = record.Output
		} else {
			data[name] = map[string]any{"response": fmt.Sprintf("Step %s failed", name), "error": "step_failed"}
		}
		ctx2.Set(name, data[name])

		if p.CheckpointPath != "" {
			_ = ctx2.SaveCheckpoint(p.CheckpointPath, name)
		}

		slog.Info("step completed", "step", name, "status", record.Status)
	}

	successCount := 0
	for _, r := range results {
		if r.Status == "success" {
			successCount++
		}
	}

	return Result{
		Results:      results,
		TotalTime:    time.Since(start).Seconds(),
		SuccessCount: successCount,
		TotalCount:   len(results),
		SuccessRate:  fmt.Sprintf("%d/%d", successCount, len(results)),
	}
}

func runOneStep(ctx context.Context, ns namedStep, data map[string]any, timeout time.Duration) StepRecord {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan step.Result, 1)
	go func() { done <- ns.Step.Execute(stepCtx, data) }()

	select {
	case res := <-done:
		model := res.Model
		if model == "" {
			model = ns.ModelName
		}
		return StepRecord{Output: res.Output, Time: res.Time, Model: model, Status: res.Status}
	case <-stepCtx.Done():
		slog.Error("step execution timed out", "step", ns.Name, "timeout", timeout)
		return StepRecord{
			Output: map[string]any{"response": fmt.Sprintf("Execution timed out after %s", timeout), "error": "timeout"},
			Time:   timeout.Seconds(),
			Model:  ns.ModelName,
			Status: "error",
		}
	}
}

// executionPlan returns step names in ready-set order: repeatedly collect
// every step whose dependencies are already in the plan, until all steps
// are placed. Steps that can never become ready (cyclic or on an undefined
// dependency) are appended in their original order so Run's missing-
// dependency check can still report and placeholder them individually.
func executionPlan(steps []namedStep) []string {
	remaining := make(map[string][]string, len(steps))
	order := make([]string, 0, len(steps))
	for _, s := range steps {
		remaining[s.Name] = s.DependsOn
		order = append(order, s.Name)
	}

	placed := make(map[string]bool, len(steps))
	var plan []string
	for len(remaining) > 0 {
		var ready []string
		for name, deps := range remaining {
			if allPlaced(deps, placed) {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			break
		}
		// Keep the original definition order among a ready batch for
		// deterministic, human-readable execution plans.
		for _, name := range order {
			for _, r := range ready {
				if r == name {
					plan = append(plan, name)
					placed[name] = true
					delete(remaining, name)
				}
			}
		}
	}

	for _, name := range order {
		if !placed[name] {
			plan = append(plan, name)
		}
	}

	slog.Info("pipeline execution plan", "order", strings.Join(plan, " -> "))
	return plan
}

func allPlaced(deps []string, placed map[string]bool) bool {
	for _, d := range deps {
		if !placed[d] {
			return false
		}
	}
	return true
}

func missingDeps(deps []string, results map[string]StepRecord) []string {
	var missing []string
	for _, d := range deps {
		if _, ok := results[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}
