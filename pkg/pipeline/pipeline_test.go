package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pasturehq/pasture/pkg/cache"
	"github.com/pasturehq/pasture/pkg/config"
	"github.com/pasturehq/pasture/pkg/modelmanager"
)

func TestRun_SingleStepSimulatedSuccess(t *testing.T) {
	def := &PipelineDefinition{
		Name:  "single",
		Steps: []StepDefinition{{Name: "s1", Kind: "completion", Model: "ollama:llama3", Prompt: "say hi"}},
	}
	mm := newTestManager(t)
	p, err := Build(def, mm, config.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	result := p.Run(context.Background(), map[string]any{})
	if result.SuccessCount != 1 || result.TotalCount != 1 {
		t.Fatalf("expected 1/1 success, got %+v", result)
	}
	rec, ok := result.Results["s1"]
	if !ok || rec.Status != "success" {
		t.Fatalf("expected s1 to succeed, got %+v", rec)
	}
	response, _ := rec.Output["response"].(string)
	if !strings.Contains(response, "Simulated response from ollama:llama3") {
		t.Fatalf("unexpected simulated response: %q", response)
	}
}

func TestRun_PlaceholderOnFailureStepStillRunsDownstream(t *testing.T) {
	def := &PipelineDefinition{
		Name: "chained",
		Steps: []StepDefinition{
			{Name: "producer", Kind: "assert", Expr: "missing_key"},
			{Name: "consumer", Kind: "sleep", Duration: "1ms", DependsOn: []string{"producer"}},
		},
	}
	mm := newTestManager(t)
	p, err := Build(def, mm, config.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	result := p.Run(context.Background(), map[string]any{})
	if result.TotalCount != 2 {
		t.Fatalf("expected both steps to run, got %+v", result)
	}
	if result.Results["producer"].Status != "error" {
		t.Fatalf("expected producer to fail, got %+v", result.Results["producer"])
	}
	if result.Results["consumer"].Status != "success" {
		t.Fatalf("expected consumer to still run and succeed despite producer's failure, got %+v", result.Results["consumer"])
	}
	if result.SuccessCount != 1 {
		t.Fatalf("expected exactly one success, got %d", result.SuccessCount)
	}
}

func TestRun_FanInContinuesDespiteOneBranchFailing(t *testing.T) {
	def := &PipelineDefinition{
		Name: "fan_in",
		Steps: []StepDefinition{
			{Name: "producerA", Kind: "sleep", Duration: "1ms"},
			{Name: "producerB", Kind: "assert", Expr: "missing_key"},
			{
				Name: "consumer", Kind: "json_pack", Key: "combined",
				Fields:    map[string]string{"a": "producerA", "b": "producerB"},
				DependsOn: []string{"producerA", "producerB"},
			},
		},
	}
	mm := newTestManager(t)
	p, err := Build(def, mm, config.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	result := p.Run(context.Background(), map[string]any{})
	if result.Results["producerA"].Status != "success" {
		t.Fatalf("expected producerA to succeed, got %+v", result.Results["producerA"])
	}
	if result.Results["producerB"].Status != "error" {
		t.Fatalf("expected producerB to fail, got %+v", result.Results["producerB"])
	}
	consumer, ok := result.Results["consumer"]
	if !ok || consumer.Status != "success" {
		t.Fatalf("expected the fan-in consumer to still run and succeed, got %+v", consumer)
	}
	combined, ok := consumer.Output["combined"].(map[string]any)
	if !ok {
		t.Fatalf("expected a combined map, got %+v", consumer.Output)
	}
	if _, ok := combined["a"]; !ok {
		t.Fatalf("expected field 'a' from producerA in combined output: %+v", combined)
	}
	if _, ok := combined["b"]; !ok {
		t.Fatalf("expected field 'b' from producerB's (failed) output in combined output: %+v", combined)
	}
}

func TestRun_PerStepTimeoutIsolatesFailureAndContinues(t *testing.T) {
	def := &PipelineDefinition{
		Name: "timeout_isolation",
		Steps: []StepDefinition{
			{Name: "slow", Kind: "sleep", Duration: "200ms"},
			{Name: "after", Kind: "sleep", Duration: "1ms", DependsOn: []string{"slow"}},
		},
	}
	mm := newTestManager(t)
	p, err := Build(def, mm, config.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p.StepTimeout = 20 * time.Millisecond

	result := p.Run(context.Background(), map[string]any{})
	slowRec := result.Results["slow"]
	if slowRec.Status != "error" {
		t.Fatalf("expected slow step to time out, got %+v", slowRec)
	}
	if slowRec.Output["error"] != "timeout" {
		t.Fatalf("expected a timeout error marker, got %+v", slowRec.Output)
	}
	if result.Results["after"].Status != "success" {
		t.Fatalf("expected the downstream step to still run after the timeout, got %+v", result.Results["after"])
	}
}

func TestRun_ReadySetOrdersIndependentOfDefinitionOrder(t *testing.T) {
	// "b" is listed before its dependency "a" — Run must still execute "a"
	// first so "b" sees a real (not missing) dependency result.
	def := &PipelineDefinition{
		Name: "reordered",
		Steps: []StepDefinition{
			{Name: "b", Kind: "sleep", Duration: "1ms", DependsOn: []string{"a"}},
			{Name: "a", Kind: "sleep", Duration: "1ms"},
		},
	}
	mm := newTestManager(t)
	p, err := Build(def, mm, config.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	result := p.Run(context.Background(), map[string]any{})
	if result.SuccessCount != 2 {
		t.Fatalf("expected both steps to succeed, got %+v", result)
	}
}

func TestRun_CacheHitAvoidsRecomputingTheSameKey(t *testing.T) {
	cfg := config.Default()
	cfg.SimulationMode = true
	c, err := cache.New(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	mm := modelmanager.New(cfg, c, slog.Default())

	def := &PipelineDefinition{
		Name:  "cached",
		Steps: []StepDefinition{{Name: "s1", Kind: "completion", Model: "ollama:llama3", Prompt: "say hi"}},
	}
	p, err := Build(def, mm, cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	first := p.Run(context.Background(), map[string]any{})
	second := p.Run(context.Background(), map[string]any{})

	firstResponse := first.Results["s1"].Output["response"]
	secondResponse := second.Results["s1"].Output["response"]
	if firstResponse != secondResponse {
		t.Fatalf("expected the same cached response across runs, got %q then %q", firstResponse, secondResponse)
	}

	stats, err := c.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalEntries != 1 {
		t.Fatalf("expected the second run to hit the same cache entry rather than writing a new one, got %d entries", stats.TotalEntries)
	}
}
