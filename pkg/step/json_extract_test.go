package step_test

import (
	"context"
	"testing"

	"github.com/pasturehq/pasture/pkg/step"
)

func TestJSONExtractStep_FromParsedObject(t *testing.T) {
	s := &step.JSONExtractStep{Source: "analysis", Path: "result.score", Key: "score"}
	data := map[string]any{
		"analysis": map[string]any{"result": map[string]any{"score": float64(42)}},
	}
	res := s.Execute(context.Background(), data)
	if res.Status != "success" {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Output["score"] != float64(42) {
		t.Errorf("score = %v", res.Output["score"])
	}
}

func TestJSONExtractStep_FromJSONString(t *testing.T) {
	s := &step.JSONExtractStep{Source: "raw", Path: "items.1", Key: "item"}
	data := map[string]any{"raw": `{"items":["a","b","c"]}`}
	res := s.Execute(context.Background(), data)
	if res.Status != "success" {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Output["item"] != "b" {
		t.Errorf("item = %v", res.Output["item"])
	}
}

func TestJSONExtractStep_MissingPathUsesDefault(t *testing.T) {
	s := &step.JSONExtractStep{Source: "raw", Path: "nope", Key: "item", Default: "fallback"}
	data := map[string]any{"raw": `{"items":[]}`}
	res := s.Execute(context.Background(), data)
	if res.Status != "success" {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Output["item"] != "fallback" {
		t.Errorf("item = %v", res.Output["item"])
	}
}

func TestJSONExtractStep_MissingPathNoDefaultErrors(t *testing.T) {
	s := &step.JSONExtractStep{Source: "raw", Path: "nope", Key: "item"}
	data := map[string]any{"raw": `{"items":[]}`}
	res := s.Execute(context.Background(), data)
	if res.Status != "error" {
		t.Fatalf("status = %q, want error", res.Status)
	}
}

func TestJSONExtractStep_SourceMissing(t *testing.T) {
	s := &step.JSONExtractStep{Source: "absent", Path: "x", Key: "item", Default: "d"}
	res := s.Execute(context.Background(), map[string]any{})
	if res.Status != "success" || res.Output["item"] != "d" {
		t.Fatalf("got %+v", res)
	}
}
