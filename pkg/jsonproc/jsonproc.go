// Package jsonproc detects, extracts, repairs, and schema-validates JSON
// payloads returned by a model, and drives the re-prompt "patch loop" used
// to coax a model into producing schema-valid output.
package jsonproc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	fencedPattern = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")
	trailingComma = regexp.MustCompile(`,\s*([\]}])`)
	bareKey       = regexp.MustCompile(`(\w+)(\s*:)`)
)

// IsValid reports whether s parses as strict JSON.
func IsValid(s string) bool {
	return json.Valid([]byte(s))
}

// Extract scans text for the first valid JSON object, first inside fenced
// code blocks (```json ... ``` or ``` ... ```), then among any balanced
// `{...}` substring. Returns ("", false) if nothing valid is found.
func Extract(text string) (string, bool) {
	for _, m := range fencedPattern.FindAllStringSubmatch(text, -1) {
		if IsValid(m[1]) {
			return m[1], true
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		depth := 0
		for j := i; j < len(text); j++ {
			if text[j] == '{' {
				depth++
			} else if text[j] == '}' {
				depth--
			}
			if depth == 0 {
				if cand := text[i : j+1]; IsValid(cand) {
					return cand, true
				}
				break
			}
		}
	}
	return "", false
}

// Repair attempts to turn malformed model output into valid JSON: extract
// an embedded block if present, normalize quoting, strip trailing commas,
// quote bare keys, and as a last resort wrap the text as {"response": ...}.
// Returns an error if even the wrapped form fails to parse (which should
// not happen in practice, since the wrap form is always valid JSON, but a
// pathological input containing only control characters could still fail).
func Repair(s string) (string, error) {
	fixed := strings.TrimSpace(s)

	if extracted, ok := Extract(fixed); ok {
		fixed = extracted
	}

	fixed = strings.ReplaceAll(fixed, "'", `"`)
	fixed = trailingComma.ReplaceAllString(fixed, "$1")
	fixed = bareKey.ReplaceAllString(fixed, `"$1"$2`)

	if !(strings.HasPrefix(fixed, "{") && strings.HasSuffix(fixed, "}")) {
		content := strings.ReplaceAll(fixed, `"`, `\"`)
		content = strings.ReplaceAll(content, "\n", `\n`)
		fixed = fmt.Sprintf(`{"response": "%s"}`, content)
	}

	if !IsValid(fixed) {
		return "", fmt.Errorf("jsonproc: repair failed to produce valid JSON")
	}
	return fixed, nil
}

// Parse returns the parsed JSON object for s, falling back to Repair, and
// finally to an error-tagged passthrough object. Never returns an error —
// every failure mode is represented as a returned object with an "error"
// key, matching the on-the-wire contract every caller relies on.
func Parse(s string) map[string]any {
	if strings.TrimSpace(s) == "" {
		return map[string]any{"response": "", "error": "empty_response"}
	}

	if obj, ok := decodeObject(s); ok {
		return obj
	}

	repaired, err := Repair(s)
	if err == nil {
		if obj, ok := decodeObject(repaired); ok {
			return obj
		}
	}

	return map[string]any{"response": s, "error": "json_parsing_failed"}
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// Schema wraps a compiled JSON-Schema document.
type Schema struct {
	compiled *jsonschema.Schema
	raw      json.RawMessage
}

// CompileSchema compiles a raw JSON-Schema document for repeated use with
// ValidateWithSchema.
func CompileSchema(raw json.RawMessage) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	const resourceName = "schema.json"
	if err := compiler.AddResource(resourceName, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("jsonproc: add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("jsonproc: compile schema: %w", err)
	}
	return &Schema{compiled: compiled, raw: raw}, nil
}

// Text returns the schema's raw JSON document, used to embed the schema in
// a patch-loop prompt.
func (s *Schema) Text() string { return string(s.raw) }

// ValidateWithSchema validates obj against schema. On success it returns
// the object unchanged (mirroring the coercion step of the original
// Pydantic-based validator, which is a no-op for a plain JSON-Schema
// validator) and ok=true. On failure it returns
// {"error": "schema_validation_failed", "details": <message>} and ok=false.
func ValidateWithSchema(obj map[string]any, schema *Schema) (validated map[string]any, ok bool) {
	if err := schema.compiled.Validate(obj); err != nil {
		return map[string]any{
			"error":   "schema_validation_failed",
			"details": err.Error(),
		}, false
	}
	return obj, true
}

// ModelCaller is the subset of the Model Manager's surface the patch loop
// needs: one blocking call that returns the model's raw text response.
type ModelCaller interface {
	GenerateText(model, prompt string, options map[string]any) (string, error)
}

const defaultPatchingPrompt = "The following text should be valid JSON matching this schema:\n{schema}\n\nFix the JSON below so it validates. Return only the corrected JSON, nothing else.\n\n{text}"

// PatchWithModel builds a fix-request prompt containing the schema (if
// any) and the malformed text, calls the model at a low temperature
// (halved and clamped to <= 0.3), and attempts to parse-and-validate the
// response. It performs exactly one model call; looping belongs to the
// caller (pkg/step's patch loop, per the design's separation of concerns).
func PatchWithModel(caller ModelCaller, model, malformedText string, schema *Schema, patchingPrompt string, options map[string]any) (map[string]any, bool) {
	if patchingPrompt == "" {
		patchingPrompt = defaultPatchingPrompt
	}
	schemaText := "(no schema)"
	if schema != nil {
		schemaText = schema.Text()
	}
	prompt := strings.NewReplacer("{schema}", schemaText, "{text}", malformedText).Replace(patchingPrompt)

	patchOptions := make(map[string]any, len(options)+1)
	for k, v := range options {
		patchOptions[k] = v
	}
	temp := 0.7
	if t, ok := options["temperature"].(float64); ok {
		temp = t
	}
	temp *= 0.5
	if temp > 0.3 {
		temp = 0.3
	}
	patchOptions["temperature"] = temp

	text, err := caller.GenerateText(model, prompt, patchOptions)
	if err != nil {
		return map[string]any{"error": "patching_exception", "details": err.Error()}, false
	}

	obj := Parse(text)
	if _, hasErr := obj["error"]; hasErr {
		return obj, false
	}
	if schema == nil {
		return obj, true
	}
	validated, ok := ValidateWithSchema(obj, schema)
	return validated, ok
}
