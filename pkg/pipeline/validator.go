package pipeline

import (
	"fmt"
	"strings"
)

// LintError describes a structural problem in a pipeline definition.
type LintError struct {
	StepName string
	Message  string
}

func (e LintError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("step %q: %s", e.StepName, e.Message)
	}
	return e.Message
}

// Validate checks a step dependency graph for circular and undefined
// dependencies. Unlike the teacher's DOT validator (which reasoned about
// start/exit/fan_out/fan_in node shape), this graph has no special node
// types — every step is a plain named vertex with a depends_on list, so
// beyond unique names and defined dependencies the only structural
// property enforced is acyclicity.
func Validate(steps []StepDefinition) []LintError {
	var errs []LintError

	graph := make(map[string][]string, len(steps))
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if seen[s.Name] {
			errs = append(errs, LintError{StepName: s.Name, Message: "duplicate step name"})
			continue
		}
		seen[s.Name] = true
		graph[s.Name] = s.DependsOn
	}

	for name, deps := range graph {
		for _, dep := range deps {
			if _, ok := graph[dep]; !ok {
				errs = append(errs, LintError{StepName: name, Message: fmt.Sprintf("depends on undefined step %q", dep)})
			}
		}
	}

	visited := make(map[string]bool)
	var path []string
	var dfs func(node string) *LintError
	dfs = func(node string) *LintError {
		for _, p := range path {
			if p == node {
				cycle := append(append([]string{}, path...), node)
				return &LintError{Message: fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> "))}
			}
		}
		if visited[node] {
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for _, dep := range graph[node] {
			if _, ok := graph[dep]; !ok {
				continue // already reported above
			}
			if err := dfs(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		return nil
	}

	for name := range graph {
		if err := dfs(name); err != nil {
			errs = append(errs, *err)
			break // one cycle report is enough; DFS state is now unreliable to continue
		}
	}

	return errs
}

// ValidateErr calls Validate and returns nil if there are no errors, or a
// combined error message listing all lint errors.
func ValidateErr(steps []StepDefinition) error {
	errs := Validate(steps)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("pipeline validation failed:\n  %s", strings.Join(msgs, "\n  "))
}
