package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PatchingOverride lets a single step override the process-wide
// json_patching defaults from Config.
type PatchingOverride struct {
	Enabled        *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	MaxAttempts    *int   `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	FallbackToText *bool  `yaml:"fallback_to_text,omitempty" json:"fallback_to_text,omitempty"`
	Prompt         string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
}

// StepDefinition is the on-disk, declarative form of one pipeline step —
// a flat attribute bag like the teacher's DOT node, but typed per-kind
// instead of a raw string map, since a YAML/JSON document already gives us
// real types for free.
type StepDefinition struct {
	Name      string   `yaml:"name" json:"name"`
	Kind      string   `yaml:"kind" json:"kind"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// completion / chat
	Model          string            `yaml:"model,omitempty" json:"model,omitempty"`
	FallbackModels []string          `yaml:"fallback_models,omitempty" json:"fallback_models,omitempty"`
	Prompt         string            `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	SystemPrompt   string            `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Options        map[string]any    `yaml:"options,omitempty" json:"options,omitempty"`
	OutputSchema   json.RawMessage   `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	Patching       *PatchingOverride `yaml:"patching,omitempty" json:"patching,omitempty"`
	Escalation     string            `yaml:"escalation,omitempty" json:"escalation,omitempty"`

	// http
	URL          string            `yaml:"url,omitempty" json:"url,omitempty"`
	Method       string            `yaml:"method,omitempty" json:"method,omitempty"`
	Body         string            `yaml:"body,omitempty" json:"body,omitempty"`
	Headers      string            `yaml:"headers,omitempty" json:"headers,omitempty"`
	ResponseKey  string            `yaml:"response_key,omitempty" json:"response_key,omitempty"`
	StatusKey    string            `yaml:"status_key,omitempty" json:"status_key,omitempty"`
	FailNon2xx   bool              `yaml:"fail_on_non2xx,omitempty" json:"fail_on_non2xx,omitempty"`
	TimeoutSecs  float64           `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// read_file / write_file
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	Content string `yaml:"content,omitempty" json:"content,omitempty"`
	Append  bool   `yaml:"append,omitempty" json:"append,omitempty"`

	// json_extract / json_pack / regex / string_transform / env / for_each / assert
	Source      string            `yaml:"source,omitempty" json:"source,omitempty"`
	JSONPath    string            `yaml:"json_path,omitempty" json:"json_path,omitempty"`
	Key         string            `yaml:"key,omitempty" json:"key,omitempty"`
	Default     any               `yaml:"default,omitempty" json:"default,omitempty"`
	Fields      map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Pattern     string            `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Group       int               `yaml:"group,omitempty" json:"group,omitempty"`
	NoMatch     string            `yaml:"no_match,omitempty" json:"no_match,omitempty"`
	Replacement *string           `yaml:"replacement,omitempty" json:"replacement,omitempty"`
	Ops         []string          `yaml:"ops,omitempty" json:"ops,omitempty"`
	Old         string            `yaml:"old,omitempty" json:"old,omitempty"`
	New         string            `yaml:"new,omitempty" json:"new,omitempty"`
	Expr        string            `yaml:"expr,omitempty" json:"expr,omitempty"`
	Duration    string            `yaml:"duration,omitempty" json:"duration,omitempty"`
	From        string            `yaml:"from,omitempty" json:"from,omitempty"`
	Required    bool              `yaml:"required,omitempty" json:"required,omitempty"`
	Items       string            `yaml:"items,omitempty" json:"items,omitempty"`
	ItemKey     string            `yaml:"item_key,omitempty" json:"item_key,omitempty"`
	Inner       *StepDefinition   `yaml:"inner,omitempty" json:"inner,omitempty"`
}

// StyleRule applies a default model to steps matching a selector.
type StyleRule struct {
	Selector string `yaml:"selector" json:"selector"`
	Model    string `yaml:"model" json:"model"`
}

// ModelStylesheet sets default models by step kind or name without
// repeating them on every step definition.
type ModelStylesheet struct {
	Rules []StyleRule `yaml:"rules" json:"rules"`
}

// PipelineDefinition is the on-disk, serialized form of a Pipeline.
type PipelineDefinition struct {
	Name       string           `yaml:"name" json:"name"`
	Workdir    string           `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Steps      []StepDefinition `yaml:"steps" json:"steps"`
	Stylesheet *ModelStylesheet `yaml:"model_stylesheet,omitempty" json:"model_stylesheet,omitempty"`
}

// Load reads a PipelineDefinition from a YAML or JSON file, chosen by
// extension (".json" decodes as JSON; anything else as YAML, since YAML
// is a superset of JSON and this matches the teacher's "DOT unless told
// otherwise" file-extension convention).
func Load(path string) (*PipelineDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read %s: %w", path, err)
	}

	var def PipelineDefinition
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("pipeline: parse %s as JSON: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("pipeline: parse %s as YAML: %w", path, err)
		}
	}
	if def.Workdir == "" {
		def.Workdir = filepath.Dir(path)
	}
	return &def, nil
}

// parseDuration parses a Go duration string, defaulting to seconds when no
// unit suffix is given, matching the teacher's DOT attribute convention of
// bare numbers meaning seconds.
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var secs float64
	if _, err := fmt.Sscanf(s, "%g", &secs); err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
