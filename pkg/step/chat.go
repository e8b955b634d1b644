package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pasturehq/pasture/pkg/config"
	"github.com/pasturehq/pasture/pkg/jsonproc"
	"github.com/pasturehq/pasture/pkg/llm"
	"github.com/pasturehq/pasture/pkg/modelmanager"
)

// ChatStep calls a multi-turn chat model, assembling its message list from
// a configured system prompt, an explicit message list in data, or a
// synthesized user query plus prior-step context.
type ChatStep struct {
	Manager      *modelmanager.Manager
	Model        string
	SystemPrompt string
	Options      map[string]any

	FallbackModels []string
	OutputSchema   *jsonproc.Schema

	UsePatching         bool
	MaxPatchingAttempts int
	PatchingPrompt      string
	FallbackToText      bool

	Escalation      llm.Client
	EscalationModel string
}

// NewChatStep applies the json_patching defaults from cfg, mirroring
// NewCompletionStep.
func NewChatStep(mm *modelmanager.Manager, model, systemPrompt string, options map[string]any, cfg config.Config) *ChatStep {
	if options == nil {
		options = map[string]any{"temperature": 0.7}
	}
	return &ChatStep{
		Manager:             mm,
		Model:               model,
		SystemPrompt:        systemPrompt,
		Options:             options,
		UsePatching:         cfg.JSONPatching.Enabled,
		MaxPatchingAttempts: cfg.JSONPatching.MaxAttempts,
		PatchingPrompt:      cfg.JSONPatching.PatchingPrompt,
		FallbackToText:      cfg.JSONPatching.FallbackToText,
	}
}

func (s *ChatStep) prepareMessages(data map[string]any) []map[string]any {
	var messages []map[string]any
	if s.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": s.SystemPrompt})
	}

	if raw, ok := data["messages"].([]map[string]any); ok {
		if s.SystemPrompt != "" {
			for _, m := range raw {
				if role, _ := m["role"].(string); role != "system" {
					messages = append(messages, m)
				}
			}
		} else {
			messages = append(messages, raw...)
		}
		return messages
	}

	if q, ok := data["query"]; ok {
		messages = append(messages, map[string]any{"role": "user", "content": q})
	}

	var contextParts []string
	for key, v := range data {
		if key == "query" {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			if resp, ok := m["response"]; ok {
				contextParts = append(contextParts, fmt.Sprintf("%s analysis: %v", capitalize(key), resp))
			}
		}
	}
	if len(contextParts) > 0 && s.SystemPrompt == "" {
		ctxMsg := map[string]any{"role": "system", "content": "Context:\n" + strings.Join(contextParts, "\n\n")}
		messages = append([]map[string]any{ctxMsg}, messages...)
	}
	return messages
}

// Execute implements Step.
func (s *ChatStep) Execute(ctx context.Context, data map[string]any) Result {
	if !s.Manager.CheckModelHealth(ctx, s.Model) && len(s.FallbackModels) > 0 {
		return s.fallback(ctx, data)
	}

	messages := s.prepareMessages(data)

	var format any
	if s.OutputSchema != nil {
		var raw map[string]any
		_ = json.Unmarshal([]byte(s.OutputSchema.Text()), &raw)
		format = raw
	}

	start := time.Now()
	result := s.Manager.GenerateWithChat(ctx, s.Model, messages, s.Options, format)
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
		Output:   result,
		Time:     elapsed,
		Model:    s.Model,
		Status:   status,
		Messages: messages,
	}
}

// applySchema mirrors CompletionStep.applySchema, but stores the validated
// object under "parsed_output" alongside the original response rather than
// replacing the result wholesale — the original chat response's message
// text remains available to downstream steps.
func (s *ChatStep) applySchema(ctx context.Context, result map[string]any) map[string]any {
	if s.OutputSchema == nil {
		return result
	}
	text, ok := result["response"].(string)
	if !ok || !looksLikeJSONObject(text) {
		return result
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		if patched := s.patch(ctx, text); patched != nil {
			result["parsed_output"] = patched
		}
		return result
	}

	if validated, ok := jsonproc.ValidateWithSchema(parsed, s.OutputSchema); ok {
		result["parsed_output"] = validated
		return result
	}
	if patched := s.patch(ctx, text); patched != nil {
		result["parsed_output"] = patched
	}
	return result
}

func (s *ChatStep) patch(ctx context.Context, text string) map[string]any {
	if !s.UsePatching || s.MaxPatchingAttempts <= 0 {
		return nil
	}
	if patched, ok := patchLoop(ctx, s.Manager, s.Model, text, s.OutputSchema, s.PatchingPrompt, s.Options, s.MaxPatchingAttempts, s.Escalation, s.EscalationModel); ok {
		return patched
	}
	return nil
}

func (s *ChatStep) fallback(ctx context.Context, data map[string]any) Result {
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
		messages := s.prepareMessages(data)
		var format any
		if s.OutputSchema != nil {
			var raw map[string]any
			_ = json.Unmarshal([]byte(s.OutputSchema.Text()), &raw)
			format = raw
		}
		start := time.Now()
		result := s.Manager.GenerateWithChat(ctx, candidate, messages, s.Options, format)
		elapsed := time.Since(start).Seconds()
		if _, hasErr := result["error"]; !hasErr {
			return Result{
				Output:   s.applySchema(ctx, result),
				Time:     elapsed,
				Model:    candidate,
				Status:   "success",
				Messages: messages,
				Fallback: true,
			}
		}
	}
	return Result{
		Output:   map[string]any{"message": map[string]any{"content": "All models failed to generate a response"}, "error": "all_models_failed"},
		Model:    s.Model,
		Status:   "error",
		Fallback: true,
	}
}
