package step

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pasturehq/pasture/pkg/config"
	"github.com/pasturehq/pasture/pkg/jsonproc"
	"github.com/pasturehq/pasture/pkg/llm"
	"github.com/pasturehq/pasture/pkg/modelmanager"
	"github.com/pasturehq/pasture/pkg/template"
)

// CompletionStep calls a single-prompt completion model, optionally
// validating and patching its response against a JSON schema and falling
// back to alternate models on failure.
type CompletionStep struct {
	Manager        *modelmanager.Manager
	Model          string
	PromptTemplate *template.Template
	Options        map[string]any

	FallbackModels []string
	OutputSchema   *jsonproc.Schema

	UsePatching         bool
	MaxPatchingAttempts int
	PatchingPrompt      string
	FallbackToText      bool

	Escalation      llm.Client
	EscalationModel string
}

// NewCompletionStep sets every patching field from cfg's json_patching
// settings and defaults options to temperature 0.7 when nil.
func NewCompletionStep(mm *modelmanager.Manager, model string, promptTemplate *template.Template, options map[string]any, cfg config.Config) *CompletionStep {
	if options == nil {
		options = map[string]any{"temperature": 0.7}
	}
	return &CompletionStep{
		Manager:             mm,
		Model:               model,
		PromptTemplate:      promptTemplate,
		Options:             options,
		UsePatching:         cfg.JSONPatching.Enabled,
		MaxPatchingAttempts: cfg.JSONPatching.MaxAttempts,
		PatchingPrompt:      cfg.JSONPatching.PatchingPrompt,
		FallbackToText:      cfg.JSONPatching.FallbackToText,
	}
}

func (s *CompletionStep) formatPrompt(data map[string]any) string {
	rendered, err := template.Render(s.PromptTemplate, data)
	if err == nil {
		return rendered
	}
	return safePrompt(data)
}

// Execute implements Step.
func (s *CompletionStep) Execute(ctx context.Context, data map[string]any) Result {
	if !s.Manager.CheckModelHealth(ctx, s.Model) && len(s.FallbackModels) > 0 {
		return s.fallback(ctx, data)
	}

	prompt := s.formatPrompt(data)

	start := time.Now()
	result := s.Manager.GenerateWithModel(ctx, s.Model, prompt, s.Options)
	elapsed := time.Since(start).Seconds()

	if _, hasErr := result["error"]; hasErr && len(s.FallbackModels) > 0 {
		return s.fallback(ctx, data)
	}

	result = s.applySchema(ctx, result)

	status := "success"
	if _, hasErr := result["error"]; hasErr {
		status = "error"
	}

	return Result{
		Output: result,
		Time:   elapsed,
		Model:  s.Model,
		Status: status,
		Prompt: prompt,
	}
}

// applySchema mirrors the original's nested try/except cascade: a
// response that looks like a JSON object is parsed and validated; on
// validation failure a patch loop runs if enabled; if patching also
// fails (or is disabled) and fallback-to-text is configured, the raw
// text is wrapped as {"response": text}.
func (s *CompletionStep) applySchema(ctx context.Context, result map[string]any) map[string]any {
	if s.OutputSchema == nil {
		return result
	}

	text, hasText := result["response"].(string)
	if !hasText {
		// The model manager already decoded a JSON-object response in
		// place (no "response" key survives a successful parse) — validate
		// that object directly instead of treating it as unchecked.
		if validated, ok := jsonproc.ValidateWithSchema(result, s.OutputSchema); ok {
			return validated
		}
		raw, _ := json.Marshal(result)
		return s.patchOrWrap(ctx, string(raw))
	}

	if !looksLikeJSONObject(text) {
		if s.FallbackToText {
			return map[string]any{"response": text}
		}
		return result
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return s.patchOrWrap(ctx, text)
	}

	if validated, ok := jsonproc.ValidateWithSchema(parsed, s.OutputSchema); ok {
		return validated
	}
	return s.patchOrWrap(ctx, text)
}

func (s *CompletionStep) patchOrWrap(ctx context.Context, text string) map[string]any {
	if s.UsePatching && s.MaxPatchingAttempts > 0 {
		if patched, ok := patchLoop(ctx, s.Manager, s.Model, text, s.OutputSchema, s.PatchingPrompt, s.Options, s.MaxPatchingAttempts, s.Escalation, s.EscalationModel); ok {
			return patched
		}
	}
	if s.FallbackToText {
		return map[string]any{"response": text}
	}
	return map[string]any{"response": text, "error": "schema_validation_failed"}
}

func (s *CompletionStep) fallback(ctx context.Context, data map[string]any) Result {
	candidates := s.FallbackModels
	if len(candidates) == 0 {
		if name := s.Manager.GetFallbackModel(ctx, s.Model, nil); name != "" {
			candidates = []string{name}
		}
	}
	for _, candidate := range candidates {
		if !s.Manager.CheckModelHealth(ctx, candidate) {
			continue
		}
		prompt := s.formatPrompt(data)
		start := time.Now()
		result := s.Manager.GenerateWithModel(ctx, candidate, prompt, s.Options)
		elapsed := time.Since(start).Seconds()
		if _, hasErr := result["error"]; !hasErr {
			return Result{
				Output:   s.applySchema(ctx, result),
				Time:     elapsed,
				Model:    candidate,
				Status:   "success",
				Prompt:   prompt,
				Fallback: true,
			}
		}
	}
	return Result{
		Output:   map[string]any{"response": "All models failed to generate a response", "error": "all_models_failed"},
		Model:    s.Model,
		Status:   "error",
		Fallback: true,
	}
}

