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
)

// newServerManagerChat backs a Manager with a fake server whose "generate"
// endpoint (used for health checks) succeeds for every model except
// "bad-model", which gets HTTP 500, and whose "chat" endpoint defers to
// respond per the requested model.
func newServerManagerChat(t *testing.T, respond func(w http.ResponseWriter, model string)) *modelmanager.Manager {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		model, _ := body["model"].(string)
		if r.URL.Path == "/api/generate" {
			if model == "bad-model" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"response": "healthy"})
			return
		}
		respond(w, model)
	}))
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

func writeChatJSON(w http.ResponseWriter, content string) {
	json.NewEncoder(w).Encode(map[string]any{
		"message": map[string]any{"role": "assistant", "content": content},
	})
}

func TestChatStep_SimulatedSuccess(t *testing.T) {
	mm := newSimulatedManager(t)
	s := &step.ChatStep{
		Manager:      mm,
		Model:        "llama3",
		SystemPrompt: "You are a helpful analyst.",
	}
	res := s.Execute(context.Background(), map[string]any{"query": "what is the weather"})
	if res.Status != "success" {
		t.Fatalf("status = %q, want success; output=%+v", res.Status, res.Output)
	}
	if len(res.Messages) < 2 {
		t.Fatalf("messages = %+v, want at least system+user", res.Messages)
	}
	if res.Messages[0]["role"] != "system" {
		t.Errorf("first message role = %v, want system", res.Messages[0]["role"])
	}
}

func TestChatStep_PassesThroughExplicitMessages(t *testing.T) {
	mm := newSimulatedManager(t)
	s := &step.ChatStep{Manager: mm, Model: "llama3"}
	data := map[string]any{
		"messages": []map[string]any{
			{"role": "user", "content": "hello there"},
		},
	}
	res := s.Execute(context.Background(), data)
	if res.Status != "success" {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if len(res.Messages) != 1 || res.Messages[0]["content"] != "hello there" {
		t.Errorf("messages = %+v", res.Messages)
	}
}

func TestChatStep_FallsBackOnModelFailure(t *testing.T) {
	mm := newServerManagerChat(t, func(w http.ResponseWriter, model string) {
		if model == "bad-model" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeChatJSON(w, "a good chat reply")
	})
	s := &step.ChatStep{
		Manager:        mm,
		Model:          "bad-model",
		FallbackModels: []string{"good-model"},
	}
	res := s.Execute(context.Background(), map[string]any{"query": "hi"})
	if res.Status != "success" {
		t.Fatalf("status = %q, want success; output=%+v", res.Status, res.Output)
	}
	if !res.Fallback || res.Model != "good-model" {
		t.Errorf("fallback=%v model=%q, want good-model fallback", res.Fallback, res.Model)
	}
}

func TestChatStep_SchemaValidationAddsParsedOutputWithoutDroppingMessage(t *testing.T) {
	mm := newServerManagerChat(t, func(w http.ResponseWriter, model string) {
		writeChatJSON(w, `{"verdict": "pass"}`)
	})
	schema, err := jsonproc.CompileSchema([]byte(`{"type":"object","properties":{"verdict":{"type":"string"}},"required":["verdict"]}`))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	s := &step.ChatStep{Manager: mm, Model: "llama3", OutputSchema: schema}
	res := s.Execute(context.Background(), map[string]any{"query": "judge this"})
	if res.Status != "success" {
		t.Fatalf("status = %q, want success; output=%+v", res.Status, res.Output)
	}
	if res.Output["response"] != `{"verdict": "pass"}` {
		t.Errorf("response was dropped: %v", res.Output["response"])
	}
	parsed, ok := res.Output["parsed_output"].(map[string]any)
	if !ok {
		t.Fatalf("parsed_output missing or wrong type: %v", res.Output["parsed_output"])
	}
	if parsed["verdict"] != "pass" {
		t.Errorf("parsed_output = %+v", parsed)
	}
}
