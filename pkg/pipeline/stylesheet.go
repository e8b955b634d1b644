package pipeline

import "strings"

// ApplyStylesheet fills in a blank Model field on steps matching a
// stylesheet rule's selector, without overriding a model the definition
// already set explicitly.
func ApplyStylesheet(steps []StepDefinition, sheet *ModelStylesheet) {
	if sheet == nil {
		return
	}
	for i := range steps {
		if steps[i].Model != "" {
			continue
		}
		for _, rule := range sheet.Rules {
			if matchesSelector(rule.Selector, steps[i]) && rule.Model != "" {
				steps[i].Model = rule.Model
				break
			}
		}
	}
}

// matchesSelector returns true if the step matches selector. Supported
// forms:
//   - "*"              — every step
//   - "kind[completion]" — steps of a given kind
//   - "name[my_step]"    — one named step
func matchesSelector(selector string, step StepDefinition) bool {
	selector = strings.TrimSpace(selector)
	if selector == "*" {
		return true
	}
	if strings.HasPrefix(selector, "kind[") && strings.HasSuffix(selector, "]") {
		return step.Kind == selector[len("kind["):len(selector)-1]
	}
	if strings.HasPrefix(selector, "name[") && strings.HasSuffix(selector, "]") {
		return step.Name == selector[len("name["):len(selector)-1]
	}
	return false
}
