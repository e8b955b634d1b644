package pipeline

import "testing"

func TestApplyStylesheet_WildcardFillsBlankModel(t *testing.T) {
	steps := []StepDefinition{{Name: "a", Kind: "completion"}}
	sheet := &ModelStylesheet{Rules: []StyleRule{{Selector: "*", Model: "ollama:llama3"}}}
	ApplyStylesheet(steps, sheet)
	if steps[0].Model != "ollama:llama3" {
		t.Fatalf("expected model to be set by wildcard rule, got %q", steps[0].Model)
	}
}

func TestApplyStylesheet_DoesNotOverrideExplicitModel(t *testing.T) {
	steps := []StepDefinition{{Name: "a", Kind: "completion", Model: "ollama:mistral"}}
	sheet := &ModelStylesheet{Rules: []StyleRule{{Selector: "*", Model: "ollama:llama3"}}}
	ApplyStylesheet(steps, sheet)
	if steps[0].Model != "ollama:mistral" {
		t.Fatalf("expected explicit model to survive, got %q", steps[0].Model)
	}
}

func TestApplyStylesheet_KindSelector(t *testing.T) {
	steps := []StepDefinition{
		{Name: "a", Kind: "completion"},
		{Name: "b", Kind: "chat"},
	}
	sheet := &ModelStylesheet{Rules: []StyleRule{{Selector: "kind[chat]", Model: "ollama:chat-model"}}}
	ApplyStylesheet(steps, sheet)
	if steps[0].Model != "" {
		t.Fatalf("expected non-matching kind to stay blank, got %q", steps[0].Model)
	}
	if steps[1].Model != "ollama:chat-model" {
		t.Fatalf("expected chat step model to be set, got %q", steps[1].Model)
	}
}

func TestApplyStylesheet_NameSelector(t *testing.T) {
	steps := []StepDefinition{
		{Name: "summarize", Kind: "completion"},
		{Name: "classify", Kind: "completion"},
	}
	sheet := &ModelStylesheet{Rules: []StyleRule{{Selector: "name[summarize]", Model: "ollama:summarizer"}}}
	ApplyStylesheet(steps, sheet)
	if steps[0].Model != "ollama:summarizer" {
		t.Fatalf("expected named step to get model, got %q", steps[0].Model)
	}
	if steps[1].Model != "" {
		t.Fatalf("expected other step to stay blank, got %q", steps[1].Model)
	}
}

func TestApplyStylesheet_FirstMatchingRuleWins(t *testing.T) {
	steps := []StepDefinition{{Name: "a", Kind: "completion"}}
	sheet := &ModelStylesheet{Rules: []StyleRule{
		{Selector: "kind[completion]", Model: "ollama:first"},
		{Selector: "*", Model: "ollama:second"},
	}}
	ApplyStylesheet(steps, sheet)
	if steps[0].Model != "ollama:first" {
		t.Fatalf("expected first matching rule to win, got %q", steps[0].Model)
	}
}

func TestApplyStylesheet_NilSheetIsNoop(t *testing.T) {
	steps := []StepDefinition{{Name: "a", Kind: "completion"}}
	ApplyStylesheet(steps, nil)
	if steps[0].Model != "" {
		t.Fatalf("expected model to remain blank, got %q", steps[0].Model)
	}
}
