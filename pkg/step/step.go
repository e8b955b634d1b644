// Package step implements the Step interface and the model-calling step
// kinds (completion, chat) that drive a single DAG node: format a prompt or
// message list, call the Model Manager, optionally validate/patch the
// response against a JSON schema, and fall back to alternate models on
// failure. Utility step kinds (http, file I/O, JSON shaping, regex,
// assertion, sleep, env, for_each) live alongside in this package.
package step

import (
	"context"
	"fmt"
	"strings"

	"github.com/pasturehq/pasture/pkg/jsonproc"
	"github.com/pasturehq/pasture/pkg/llm"
	"github.com/pasturehq/pasture/pkg/modelmanager"
	"github.com/pasturehq/pasture/pkg/template"
)

// Result is the outcome of executing one step, the shape the Pipeline
// scheduler stores per step name and folds into the next step's data map.
type Result struct {
	Output   map[string]any `json:"output"`
	Time     float64        `json:"time"`
	Model    string         `json:"model,omitempty"`
	Status   string         `json:"status"`
	Prompt   string         `json:"prompt,omitempty"`
	Messages []map[string]any `json:"messages,omitempty"`
	Fallback bool           `json:"fallback,omitempty"`
}

// Step executes a single DAG node against the accumulated data map.
type Step interface {
	Execute(ctx context.Context, data map[string]any) Result
}

// clientAdapter lets an escalation llm.Client satisfy jsonproc.ModelCaller,
// so PatchWithModel's single-call shape covers both the local backend and
// an escalation provider without a second code path.
type clientAdapter struct {
	ctx    context.Context
	client llm.Client
	model  string
}

func (a clientAdapter) GenerateText(_ string, prompt string, options map[string]any) (string, error) {
	temp := 0.3
	if t, ok := options["temperature"].(float64); ok {
		temp = t
	}
	resp, err := a.client.Complete(a.ctx, llm.GenerateRequest{
		Model:       a.model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Text: prompt}},
		Temperature: temp,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// patchLoop drives the JSON repair loop shared by CompletionStep and
// ChatStep: up to maxAttempts calls against the local model, feeding each
// failed attempt's "response" text back in as the next attempt's input,
// then (if escalation is configured) one final attempt against it.
func patchLoop(ctx context.Context, mm *modelmanager.Manager, model string, text string, schema *jsonproc.Schema, patchingPrompt string, options map[string]any, maxAttempts int, escalation llm.Client, escalationModel string) (map[string]any, bool) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		obj, ok := jsonproc.PatchWithModel(mm, model, text, schema, patchingPrompt, options)
		if ok {
			return obj, true
		}
		if resp, ok := obj["response"].(string); ok && resp != "" {
			text = resp
		}
	}
	if escalation != nil {
		adapter := clientAdapter{ctx: ctx, client: escalation, model: escalationModel}
		obj, ok := jsonproc.PatchWithModel(adapter, escalationModel, text, schema, patchingPrompt, options)
		if ok {
			return obj, true
		}
	}
	return nil, false
}

func looksLikeJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// safePrompt assembles a fallback prompt from whatever query and prior
// step outputs are present in data, used when the declared template
// references a key that isn't there.
func safePrompt(data map[string]any) string {
	var parts []string
	if q, ok := data["query"]; ok {
		parts = append(parts, fmt.Sprintf("Query: %v", q))
	}
	for key, v := range data {
		if key == "query" {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			if resp, ok := m["response"]; ok {
				parts = append(parts, fmt.Sprintf("%s analysis: %v", capitalize(key), resp))
			}
		}
	}
	prompt := strings.Join(parts, "\n\n")
	prompt += "\n\nPlease provide a detailed analysis."
	return prompt
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
