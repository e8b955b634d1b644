package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/awalterschulze/gographviz"
	"github.com/spf13/cobra"

	"github.com/pasturehq/pasture/pkg/pipeline"
)

func graphCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <pipeline.yaml>",
		Short: "Print a human-readable summary or DOT export of a pipeline's step DAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			def, err := pipeline.Load(args[0])
			if err != nil {
				return err
			}
			pipeline.ApplyStylesheet(def.Steps, def.Stylesheet)

			switch strings.ToLower(format) {
			case "dot":
				out, err := renderDOT(def)
				if err != nil {
					return err
				}
				fmt.Print(out)
			case "text", "":
				fmt.Print(renderText(def))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

// topoOrder returns step names in ready-set order — steps with no
// dependencies first, then each step once every dependency it names has
// already been placed. Dependencies on undefined steps are ignored when
// deciding readiness; steps on a dependency cycle are appended in
// definition order at the end so the summary still lists them.
func topoOrder(def *pipeline.PipelineDefinition) []string {
	byName := make(map[string]pipeline.StepDefinition, len(def.Steps))
	order := make([]string, 0, len(def.Steps))
	for _, s := range def.Steps {
		byName[s.Name] = s
		order = append(order, s.Name)
	}

	placed := make(map[string]bool, len(def.Steps))
	var plan []string
	for len(plan) < len(def.Steps) {
		progressed := false
		for _, name := range order {
			if placed[name] {
				continue
			}
			ready := true
			for _, dep := range byName[name].DependsOn {
				if _, known := byName[dep]; known && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				plan = append(plan, name)
				placed[name] = true
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	for _, name := range order {
		if !placed[name] {
			plan = append(plan, name)
		}
	}
	return plan
}

// renderText produces the human-readable step-by-step summary.
func renderText(def *pipeline.PipelineDefinition) string {
	var sb strings.Builder
	name := def.Name
	if name == "" {
		name = "pipeline"
	}
	fmt.Fprintf(&sb, "pipeline %q (%d steps)\n\n", name, len(def.Steps))

	byName := make(map[string]pipeline.StepDefinition, len(def.Steps))
	for _, s := range def.Steps {
		byName[s.Name] = s
	}

	for i, name := range topoOrder(def) {
		s := byName[name]
		fmt.Fprintf(&sb, "%2d. %s [%s]", i+1, s.Name, s.Kind)
		if s.Model != "" {
			fmt.Fprintf(&sb, " model=%s", s.Model)
		}
		if len(s.DependsOn) > 0 {
			fmt.Fprintf(&sb, " depends_on=%s", strings.Join(s.DependsOn, ","))
		}
		if len(s.FallbackModels) > 0 {
			fmt.Fprintf(&sb, " fallback=%s", strings.Join(s.FallbackModels, ","))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderDOT produces a canonical DOT digraph of the step dependency DAG,
// built through gographviz.Graph rather than hand-assembled text, so the
// export path actually exercises the parser's write-side counterpart.
func renderDOT(def *pipeline.PipelineDefinition) (string, error) {
	g := gographviz.NewGraph()
	name := def.Name
	if name == "" {
		name = "pipeline"
	}
	if err := g.SetName(name); err != nil {
		return "", fmt.Errorf("graph: set name: %w", err)
	}
	g.SetDir(true)

	for _, stepName := range topoOrder(def) {
		attrs := map[string]string{"comment": quoteDOT(stepKind(def, stepName))}
		if err := g.AddNode(name, quoteDOT(stepName), attrs); err != nil {
			return "", fmt.Errorf("graph: add node %q: %w", stepName, err)
		}
	}
	byName := make(map[string]pipeline.StepDefinition, len(def.Steps))
	for _, s := range def.Steps {
		byName[s.Name] = s
	}
	// Sort for deterministic edge order.
	names := make([]string, 0, len(def.Steps))
	for _, s := range def.Steps {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	for _, stepName := range names {
		deps := append([]string{}, byName[stepName].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, known := byName[dep]; !known {
				continue // undefined dependency: reported by lint, not drawn
			}
			if err := g.AddEdge(quoteDOT(dep), quoteDOT(stepName), true, nil); err != nil {
				return "", fmt.Errorf("graph: add edge %s->%s: %w", dep, stepName, err)
			}
		}
	}
	return g.String(), nil
}

func stepKind(def *pipeline.PipelineDefinition, name string) string {
	for _, s := range def.Steps {
		if s.Name == name {
			return s.Kind
		}
	}
	return ""
}

func quoteDOT(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}
