package pipeline

import "testing"

func TestValidate_AcceptsLinearChain(t *testing.T) {
	steps := []StepDefinition{
		{Name: "a", Kind: "sleep"},
		{Name: "b", Kind: "sleep", DependsOn: []string{"a"}},
		{Name: "c", Kind: "sleep", DependsOn: []string{"b"}},
	}
	if errs := Validate(steps); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidate_DetectsDuplicateName(t *testing.T) {
	steps := []StepDefinition{
		{Name: "a", Kind: "sleep"},
		{Name: "a", Kind: "sleep"},
	}
	errs := Validate(steps)
	if len(errs) == 0 {
		t.Fatal("expected a duplicate-name error")
	}
	found := false
	for _, e := range errs {
		if e.StepName == "a" && e.Message == "duplicate step name" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected duplicate step name error, got %v", errs)
	}
}

func TestValidate_DetectsUndefinedDependency(t *testing.T) {
	steps := []StepDefinition{
		{Name: "a", Kind: "sleep", DependsOn: []string{"ghost"}},
	}
	errs := Validate(steps)
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if errs[0].StepName != "a" {
		t.Fatalf("expected error attributed to step a, got %+v", errs[0])
	}
}

func TestValidate_DetectsCycle(t *testing.T) {
	steps := []StepDefinition{
		{Name: "a", Kind: "sleep", DependsOn: []string{"c"}},
		{Name: "b", Kind: "sleep", DependsOn: []string{"a"}},
		{Name: "c", Kind: "sleep", DependsOn: []string{"b"}},
	}
	errs := Validate(steps)
	if len(errs) == 0 {
		t.Fatal("expected a cycle error")
	}
	found := false
	for _, e := range errs {
		if e.StepName == "" && len(e.Message) > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a circular dependency error, got %v", errs)
	}
}

func TestValidate_SelfDependencyIsACycle(t *testing.T) {
	steps := []StepDefinition{
		{Name: "a", Kind: "sleep", DependsOn: []string{"a"}},
	}
	if errs := Validate(steps); len(errs) == 0 {
		t.Fatal("expected self-dependency to be reported as a cycle")
	}
}

func TestValidateErr_ReturnsNilOnSuccess(t *testing.T) {
	steps := []StepDefinition{{Name: "a", Kind: "sleep"}}
	if err := ValidateErr(steps); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestValidateErr_CombinesMessages(t *testing.T) {
	steps := []StepDefinition{
		{Name: "a", Kind: "sleep", DependsOn: []string{"ghost"}},
	}
	err := ValidateErr(steps)
	if err == nil {
		t.Fatal("expected a combined error")
	}
}
