package step_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pasturehq/pasture/pkg/cache"
	"github.com/pasturehq/pasture/pkg/config"
	"github.com/pasturehq/pasture/pkg/jsonproc"
	"github.com/pasturehq/pasture/pkg/modelmanager"
	"github.com/pasturehq/pasture/pkg/step"
	"github.com/pasturehq/pasture/pkg/template"
)

func mustParse(t *testing.T, src string) *template.Template {
	t.Helper()
	tpl, err := template.Parse(src)
	if err != nil {
		t.Fatalf("template.Parse(%q): %v", src, err)
	}
	return tpl
}

func newSimulatedManager(t *testing.T) *modelmanager.Manager {
	t.Helper()
	c, err := cache.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	cfg := config.Default()
	cfg.SimulationMode = true
	m := modelmanager.New(cfg, c, nil)
	t.Cleanup(func() { m.Close() })
	return m
}

func newServerManager(t *testing.T, handler http.HandlerFunc) *modelmanager.Manager {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := cache.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	cfg := config.Default()
	cfg.APIBase = srv.URL
	cfg.FallbackThreshold = 1
	cfg.MinResponseLength = 1
	cfg.PreloadModels = false
	cfg.Retry.MaxAttempts = 1
	m := modelmanager.New(cfg, c, nil)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCompletionStep_SimulatedSuccess(t *testing.T) {
	mm := newSimulatedManager(t)
	s := &step.CompletionStep{
		Manager:        mm,
		Model:          "llama3",
		PromptTemplate: mustParse(t, "Analyze the economic impact of {topic}"),
		Options:        map[string]any{"temperature": 0.5},
	}
	res := s.Execute(context.Background(), map[string]any{"topic": "tariffs"})
	if res.Status != "success" {
		t.Fatalf("status = %q, want success; output=%+v", res.Status, res.Output)
	}
	if res.Model != "llama3" {
		t.Errorf("model = %q", res.Model)
	}
	if res.Prompt == "" {
		t.Error("prompt should be recorded")
	}
}

func TestCompletionStep_MissingTemplateKeyFallsBackToSafePrompt(t *testing.T) {
	mm := newSimulatedManager(t)
	s := &step.CompletionStep{
		Manager:        mm,
		Model:          "llama3",
		PromptTemplate: mustParse(t, "Analyze {missing}"),
		Options:        map[string]any{},
	}
	res := s.Execute(context.Background(), map[string]any{"query": "what happened"})
	if res.Status != "success" {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if res.Prompt == "" {
		t.Error("expected a safe-fallback prompt to still be recorded")
	}
}

func TestCompletionStep_FallsBackOnModelFailure(t *testing.T) {
	var calls int
	mm := newServerManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] == "bad-model" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"response": "a good response from fallback"})
	})
	s := &step.CompletionStep{
		Manager:        mm,
		Model:          "bad-model",
		PromptTemplate: mustParse(t, "hello"),
		FallbackModels: []string{"good-model"},
	}
	res := s.Execute(context.Background(), map[string]any{})
	if res.Status != "success" {
		t.Fatalf("status = %q, want success; output=%+v", res.Status, res.Output)
	}
	if !res.Fallback {
		t.Error("expected Fallback=true")
	}
	if res.Model != "good-model" {
		t.Errorf("model = %q, want good-model", res.Model)
	}
}

func TestCompletionStep_AllModelsFailReturnsError(t *testing.T) {
	mm := newServerManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	s := &step.CompletionStep{
		Manager:        mm,
		Model:          "bad-model",
		PromptTemplate: mustParse(t, "hello"),
		FallbackModels: []string{"also-bad"},
	}
	res := s.Execute(context.Background(), map[string]any{})
	if res.Status != "error" {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if res.Output["error"] != "all_models_failed" {
		t.Errorf("error = %v", res.Output["error"])
	}
}

func TestCompletionStep_SchemaValidationSuccess(t *testing.T) {
	mm := newServerManager(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": `{"score": 7}`})
	})
	schema, err := jsonproc.CompileSchema([]byte(`{"type":"object","properties":{"score":{"type":"integer"}},"required":["score"]}`))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	s := &step.CompletionStep{
		Manager:        mm,
		Model:          "llama3",
		PromptTemplate: mustParse(t, "score this"),
		OutputSchema:   schema,
	}
	res := s.Execute(context.Background(), map[string]any{})
	if res.Status != "success" {
		t.Fatalf("status = %q, want success; output=%+v", res.Status, res.Output)
	}
	if res.Output["score"] != float64(7) {
		t.Errorf("score = %v", res.Output["score"])
	}
}

func TestCompletionStep_SchemaFailureWithoutPatchingOrFallbackToTextErrors(t *testing.T) {
	mm := newServerManager(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": `{"wrong": true}`})
	})
	schema, err := jsonproc.CompileSchema([]byte(`{"type":"object","properties":{"score":{"type":"integer"}},"required":["score"]}`))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	s := &step.CompletionStep{
		Manager:        mm,
		Model:          "llama3",
		PromptTemplate: mustParse(t, "score this"),
		OutputSchema:   schema,
	}
	res := s.Execute(context.Background(), map[string]any{})
	if res.Status != "error" {
		t.Fatalf("status = %q, want error; output=%+v", res.Status, res.Output)
	}
	if res.Output["error"] != "schema_validation_failed" {
		t.Errorf("error = %v", res.Output["error"])
	}
}

func TestCompletionStep_SchemaFailureFallsBackToText(t *testing.T) {
	mm := newServerManager(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": `{"wrong": true}`})
	})
	schema, err := jsonproc.CompileSchema([]byte(`{"type":"object","properties":{"score":{"type":"integer"}},"required":["score"]}`))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	s := &step.CompletionStep{
		Manager:        mm,
		Model:          "llama3",
		PromptTemplate: mustParse(t, "score this"),
		OutputSchema:   schema,
		FallbackToText: true,
	}
	res := s.Execute(context.Background(), map[string]any{})
	if res.Status != "success" {
		t.Fatalf("status = %q, want success; output=%+v", res.Status, res.Output)
	}
	raw, ok := res.Output["response"].(string)
	if !ok || raw == "" {
		t.Fatalf("response = %v, want a non-empty wrapped text payload", res.Output["response"])
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("response %q is not valid JSON: %v", raw, err)
	}
	if decoded["wrong"] != true {
		t.Errorf("decoded response = %+v, want wrong=true", decoded)
	}
}
